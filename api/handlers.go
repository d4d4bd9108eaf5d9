/*
handlers.go - HTTP API handlers for the report engine

PURPOSE:
  Exposes the report lifecycle, case ledger, in-app notifications and
  KPI dashboard via REST. Handles HTTP request/response and JSON
  serialization, and delegates everything else to the domain packages.

ENDPOINTS:
  Reports:
    POST   /api/reports                 File a report
    GET    /api/reports                 List reports (filters)
    GET    /api/reports/{id}            Get one report
    POST   /api/reports/{id}/assign     pending -> assigned (admin)
    POST   /api/reports/{id}/start      assigned -> in_progress (assignee)
    POST   /api/reports/{id}/resolve    in_progress -> resolved (assignee)
    POST   /api/reports/{id}/close      resolved -> closed (admin)
    POST   /api/reports/{id}/override   any -> any (admin)
    POST   /api/reports/{id}/updates    Append a comment
    GET    /api/reports/{id}/updates    Case history, oldest first

  Notifications:
    GET    /api/notifications           In-app notifications for caller
    POST   /api/notifications/{id}/read Mark one read
    POST   /api/notifications/read-all  Mark all read

  Dashboard:
    GET    /api/metrics                 KPI snapshot (?range=&status=&category=&ai=)

AUTHENTICATION:
  The identity collaborator is out of scope; the acting principal
  arrives in trusted X-User-Id / X-User-Role headers set by the edge.
  The engine only enforces the role guards.

ERROR HANDLING:
  - 400: Malformed input
  - 401: Missing principal
  - 403: Role guard rejected the operation
  - 404: Resource not found
  - 409: Invalid transition, invalid assignee, concurrent modification
  - 500: Store failures, aggregation source errors

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/metrics"
	"github.com/civiclens/report-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Machine       *engine.ReportMachine
	Ledger        *engine.CaseLedger
	Reports       engine.ReportStore
	Aggregator    *metrics.Aggregator
	Notifications notify.NotificationStore
}

// NewHandler wires the handler to its collaborators.
func NewHandler(
	machine *engine.ReportMachine,
	ledger *engine.CaseLedger,
	reports engine.ReportStore,
	aggregator *metrics.Aggregator,
	notifications notify.NotificationStore,
) *Handler {
	return &Handler{
		Machine:       machine,
		Ledger:        ledger,
		Reports:       reports,
		Aggregator:    aggregator,
		Notifications: notifications,
	}
}

// principal extracts the acting user from the trusted identity headers.
func principal(r *http.Request) (engine.Principal, bool) {
	id := r.Header.Get("X-User-Id")
	role := engine.Role(r.Header.Get("X-User-Role"))
	if id == "" {
		return engine.Principal{}, false
	}
	switch role {
	case engine.RoleReportante, engine.RoleEncargado, engine.RoleAdministrador:
	default:
		return engine.Principal{}, false
	}
	return engine.Principal{ID: engine.UserID(id), Role: role}, true
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// CreateReport files a new report.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	var req CreateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.Machine.Create(r.Context(), p, engine.CreateInput{
		Category:    req.Category,
		Description: req.Description,
		Location: engine.Location{
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
			Address:   req.Location.Address,
			City:      req.Location.City,
		},
		Priority:  engine.Priority(req.Priority),
		Anonymous: req.Anonymous,
	})
	if err != nil {
		writeDomainError(w, "Failed to create report", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportDTO(report, p))
}

// ListReports lists reports visible to the caller.
// Query: status, category, assigned_to_me.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	f := engine.Filter{
		Status:   engine.StatusFilter(r.URL.Query().Get("status")),
		Category: r.URL.Query().Get("category"),
	}
	if r.URL.Query().Get("assigned_to_me") == "true" {
		f.Assignee = p.ID
	}

	reports, err := h.Reports.Scan(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list reports", err)
		return
	}

	dtos := make([]ReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReportDTO(rep, p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReport returns a single report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	report, err := h.Reports.Get(r.Context(), engine.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get report", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, p))
}

// AssignReport moves pending -> assigned.
func (h *Handler) AssignReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Assignee == "" {
		writeError(w, http.StatusBadRequest, "assignee is required", nil)
		return
	}

	report, err := h.Machine.Assign(r.Context(), p,
		engine.ReportID(chi.URLParam(r, "id")), engine.UserID(req.Assignee), req.Note)
	if err != nil {
		writeDomainError(w, "Failed to assign report", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, p))
}

// StartReport moves assigned -> in_progress.
func (h *Handler) StartReport(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.Machine.Start, "Failed to start report")
}

// ResolveReport moves in_progress -> resolved.
func (h *Handler) ResolveReport(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.Machine.Resolve, "Failed to resolve report")
}

// CloseReport moves resolved -> closed.
func (h *Handler) CloseReport(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.Machine.Close, "Failed to close report")
}

// simpleTransition handles the note-only transitions (start/resolve/close).
func (h *Handler) simpleTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, p engine.Principal, id engine.ReportID, note string) (*engine.Report, error),
	failMsg string,
) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	// The body is optional. ContentLength is unreliable (chunked requests
	// report -1), so decode and treat a clean EOF as "no body".
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := op(r.Context(), p, engine.ReportID(chi.URLParam(r, "id")), req.Note)
	if err != nil {
		writeDomainError(w, failMsg, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, p))
}

// OverrideReport is the administrative any -> any transition.
func (h *Handler) OverrideReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.Machine.Override(r.Context(), p,
		engine.ReportID(chi.URLParam(r, "id")), engine.Status(req.Status), req.Note)
	if err != nil {
		writeDomainError(w, "Failed to override status", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, p))
}

// =============================================================================
// CASE LEDGER HANDLERS
// =============================================================================

// AddComment appends a free-text case update.
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	var req CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	update, err := h.Machine.Comment(r.Context(), p, engine.ReportID(chi.URLParam(r, "id")), req.Note)
	if err != nil {
		writeDomainError(w, "Failed to add comment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseUpdateDTO(*update))
}

// GetHistory returns the case history, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(r); !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	history, err := h.Ledger.History(r.Context(), engine.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}

	dtos := make([]CaseUpdateDTO, len(history))
	for i, u := range history {
		dtos[i] = toCaseUpdateDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the caller's in-app notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	items, err := h.Notifications.NotificationsFor(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}

	dtos := make([]NotificationDTO, len(items))
	for i, n := range items {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkNotificationRead marks one notification read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	if err := h.Notifications.MarkRead(r.Context(), p.ID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "Failed to mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllNotificationsRead marks every notification of the caller read.
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	if err := h.Notifications.MarkAllRead(r.Context(), p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mark notifications read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// DASHBOARD HANDLER
// =============================================================================

// GetMetrics returns a KPI snapshot.
// GET /api/metrics?range=day|week|month|all&status=...&category=...&ai=true
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(r); !ok {
		writeError(w, http.StatusUnauthorized, "Missing or invalid principal", nil)
		return
	}

	q := metrics.Query{
		Range:    metrics.Range(r.URL.Query().Get("range")),
		Status:   engine.StatusFilter(r.URL.Query().Get("status")),
		Category: r.URL.Query().Get("category"),
	}
	if q.Range == "" {
		q.Range = metrics.RangeAll
	}
	analyzeAI := r.URL.Query().Get("ai") == "true"

	snapshot, err := h.Aggregator.Snapshot(r.Context(), q, analyzeAI)
	if err != nil {
		// Numeric KPIs cannot be fabricated: a failed scan is a hard error.
		writeError(w, http.StatusInternalServerError, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, http.StatusForbidden, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
