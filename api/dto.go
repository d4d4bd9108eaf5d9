/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VISIBILITY:
  ReportDTO hides the reporter id when the report is anonymous and the
  caller is not staff, mirroring the conditional visibility rules of
  the report views.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/notify"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// LocationDTO is the geographic position of an incident.
type LocationDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	City      string  `json:"city,omitempty"`
}

// CreateReportRequest is the request to file a new report.
type CreateReportRequest struct {
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Location    LocationDTO `json:"location"`
	Priority    string      `json:"priority,omitempty"`
	Anonymous   bool        `json:"anonymous,omitempty"`
}

// AssignRequest assigns a report to a handler.
type AssignRequest struct {
	Assignee string `json:"assignee"`
	Note     string `json:"note,omitempty"`
}

// NoteRequest carries the optional note for start/resolve/close.
type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

// OverrideRequest is the administrative status override.
type OverrideRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// CommentRequest appends a free-text case update.
type CommentRequest struct {
	Note string `json:"note"`
}

// ReportDTO represents a report in API responses.
type ReportDTO struct {
	ID          string      `json:"id"`
	ReporterID  string      `json:"reporter_id,omitempty"`
	Anonymous   bool        `json:"anonymous"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description"`
	Location    LocationDTO `json:"location"`
	Priority    string      `json:"priority"`
	Status      string      `json:"status"`
	Assignee    string      `json:"assignee,omitempty"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	ClosedAt    string      `json:"closed_at,omitempty"`
}

// CaseUpdateDTO represents a ledger entry in API responses.
type CaseUpdateDTO struct {
	ID             string `json:"id"`
	ReportID       string `json:"report_id"`
	AuthorID       string `json:"author_id"`
	Kind           string `json:"kind"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Note           string `json:"note,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// NotificationDTO represents an in-app notification.
type NotificationDTO struct {
	ID        string `json:"id"`
	ReportID  string `json:"report_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// toReportDTO converts a report, hiding the reporter from non-staff
// callers when the report is anonymous.
func toReportDTO(r *engine.Report, viewer engine.Principal) ReportDTO {
	dto := ReportDTO{
		ID:          string(r.ID),
		Anonymous:   r.Anonymous,
		Category:    r.Category,
		Description: r.Description,
		Location: LocationDTO{
			Latitude:  r.Location.Latitude,
			Longitude: r.Location.Longitude,
			Address:   r.Location.Address,
			City:      r.Location.City,
		},
		Priority:  string(r.Priority),
		Status:    string(r.Status),
		Assignee:  string(r.Assignee),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ClosedAt != nil {
		dto.ClosedAt = r.ClosedAt.Format(time.RFC3339)
	}

	staff := viewer.Role == engine.RoleAdministrador || viewer.ID == r.Assignee
	if !r.Anonymous || staff || viewer.ID == r.ReporterID {
		dto.ReporterID = string(r.ReporterID)
	}
	return dto
}

func toCaseUpdateDTO(u engine.CaseUpdate) CaseUpdateDTO {
	return CaseUpdateDTO{
		ID:             u.ID,
		ReportID:       string(u.ReportID),
		AuthorID:       string(u.AuthorID),
		Kind:           string(u.Kind),
		PreviousStatus: string(u.PreviousStatus),
		NewStatus:      string(u.NewStatus),
		Note:           u.Note,
		CreatedAt:      u.CreatedAt.Format(time.RFC3339),
	}
}

func toNotificationDTO(n notify.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		ReportID:  string(n.ReportID),
		Kind:      string(n.Kind),
		Title:     n.Title,
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}
}
