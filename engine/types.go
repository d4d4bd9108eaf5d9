/*
Package engine provides the core report lifecycle engine.

PURPOSE:
  This package contains the domain types and algorithms for managing
  citizen incident reports: the status state machine, the append-only
  case ledger, role-based guards, and the persistence interfaces the
  rest of the system builds on.

KEY CONCEPTS IN THIS FILE (types.go):
  - Report: A citizen incident report with status, priority, assignee
  - CaseUpdate: An immutable ledger entry recording a status change or comment
  - Event: A domain event emitted by accepted transitions
  - Principal: The acting user (id + role) supplied by the auth layer

DESIGN PRINCIPLES:
  1. Immutability: CaseUpdates are never modified or deleted
  2. Type Safety: Strong typing for IDs prevents mixing report/user IDs
  3. Single writer: Only the state machine mutates status and assignee
  4. Auditability: Every transition carries actor, previous and new status

SEE ALSO:
  - machine.go: Transition rules and guards
  - ledger.go: CaseUpdate persistence
  - store.go: Report persistence interface
*/
package engine

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReportID string

type UserID string

// =============================================================================
// ROLES - Supplied by the identity collaborator, trusted as-is
// =============================================================================

type Role string

const (
	RoleReportante    Role = "reportante"    // citizen who files reports
	RoleEncargado     Role = "encargado"     // handler who works assigned reports
	RoleAdministrador Role = "administrador" // full assignment and override authority
)

// Principal is the acting user for a state-machine operation.
type Principal struct {
	ID   UserID
	Role Role
}

func (p Principal) IsAdmin() bool     { return p.Role == RoleAdministrador }
func (p Principal) IsEncargado() bool { return p.Role == RoleEncargado }

// =============================================================================
// REPORT - The incident report entity
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// IsActive reports whether a report in this status still needs work.
func (s Status) IsActive() bool {
	return s != StatusResolved && s != StatusClosed
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Location is the geographic position of an incident.
type Location struct {
	Latitude  float64
	Longitude float64
	Address   string
	City      string
}

// Report is a citizen incident report.
//
// INVARIANTS (enforced by the state machine, checked by Validate):
//   - Assignee != "" only when status is assigned, in_progress or resolved
//   - ClosedAt != nil iff status is closed
//   - Status/Assignee are mutated only through ReportMachine
type Report struct {
	ID          ReportID
	ReporterID  UserID // empty for fully anonymous submissions
	Anonymous   bool   // hide reporter in public views
	Category    string
	Description string
	Location    Location
	Priority    Priority
	Status      Status
	Assignee    UserID

	// Version guards against concurrent transitions (optimistic check
	// in the store, backstop to the machine's per-report locks).
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Validate checks the structural invariants of a report.
func (r *Report) Validate() error {
	if !ValidStatus(r.Status) {
		return &InvariantError{ReportID: r.ID, Detail: "unknown status " + string(r.Status)}
	}
	switch r.Status {
	case StatusAssigned, StatusInProgress, StatusResolved:
		if r.Assignee == "" {
			return &InvariantError{ReportID: r.ID, Detail: "status " + string(r.Status) + " requires an assignee"}
		}
	}
	if (r.Status == StatusClosed) != (r.ClosedAt != nil) {
		return &InvariantError{ReportID: r.ID, Detail: "closed_at must be set exactly when status is closed"}
	}
	return nil
}

// =============================================================================
// CASE UPDATE - Immutable ledger entry
// =============================================================================

type UpdateKind string

const (
	UpdateStatusChange UpdateKind = "status_change"
	UpdateComment      UpdateKind = "comment"
)

// CaseUpdate records one status change or free-text comment on a report.
// Immutable once appended; ordered by CreatedAt within a report.
type CaseUpdate struct {
	ID             string
	ReportID       ReportID
	AuthorID       UserID
	Kind           UpdateKind
	PreviousStatus Status
	NewStatus      Status
	Note           string
	CreatedAt      time.Time
}

// =============================================================================
// DOMAIN EVENTS - Emitted by accepted transitions, consumed by notify
// =============================================================================

type EventKind string

const (
	EventReportCreated  EventKind = "report_created"
	EventReportAssigned EventKind = "report_assigned"
	EventCaseUpdated    EventKind = "case_updated"
	EventStatusChanged  EventKind = "status_changed"
	EventCaseClosed     EventKind = "case_closed"
)

// Event is a domain event describing something that happened to a report.
// Carries a snapshot of the report's reporter/assignee so the dispatcher
// can resolve recipients without re-reading the store. Transient:
// consumers persist what they need (the in-app channel keeps its own
// ledger keyed by event id so duplicate deliveries are safe).
type Event struct {
	ID        string
	Kind      EventKind
	ReportID  ReportID
	Reporter  UserID
	Assignee  UserID
	Anonymous bool
	Title     string
	Message   string
	CreatedAt time.Time
}

// EventSink consumes domain events emitted by accepted transitions.
// Implementations must not block the caller on delivery.
type EventSink interface {
	Publish(ev Event)
}

// =============================================================================
// HANDLER DIRECTORY - Capability lookup for assignment guards
// =============================================================================

// Handler describes a user that can be assigned reports.
type Handler struct {
	ID     UserID
	Role   Role
	Active bool
	Zone   string
}

// CanHandle reports whether the user may be assigned reports.
// Admins can self-assign; everyone else needs the encargado role.
func (h Handler) CanHandle() bool {
	return h.Active && (h.Role == RoleEncargado || h.Role == RoleAdministrador)
}
