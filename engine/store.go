/*
store.go - Persistence interfaces for reports and case updates

PURPOSE:
  Defines the interface between the domain logic and the document store.
  The engine treats the store as a consistent key-value/query surface and
  does not care about its indexing. Implementations: SQLite for
  production, in-memory for tests.

KEY INTERFACES:
  ReportStore:  Report persistence with optimistic version checks
  UpdateStore:  Append-only CaseUpdate persistence
  Store:        Both, plus atomic save-and-append

APPEND-ONLY CONTRACT:
  UpdateStore has no update or delete operations. A report's history is
  reconstructible purely from its ordered CaseUpdate sequence.

SEE ALSO:
  - store/memory.go: In-memory implementation
  - store/sqlite (module root): SQLite implementation
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// QUERY FILTER - Predicate for population scans
// =============================================================================

// TimeRange restricts a scan by creation time. Zero values mean unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}

// StatusFilter selects a slice of the population by status.
type StatusFilter string

const (
	FilterAll    StatusFilter = "all"
	FilterOpen   StatusFilter = "open"   // pending, assigned, in_progress
	FilterClosed StatusFilter = "closed" // resolved, closed
)

// Matches reports whether a status passes the filter. Values other than
// the group filters are treated as an exact status match.
func (f StatusFilter) Matches(s Status) bool {
	switch f {
	case "", FilterAll:
		return true
	case FilterOpen:
		return s.IsActive()
	case FilterClosed:
		return !s.IsActive()
	default:
		return Status(f) == s
	}
}

// Filter is the predicate for report population scans.
type Filter struct {
	Range    TimeRange
	Status   StatusFilter
	Category string // empty means all categories
	Assignee UserID // restrict to reports assigned to this user
}

// Matches evaluates the filter against a report.
func (f Filter) Matches(r *Report) bool {
	if !f.Range.Contains(r.CreatedAt) {
		return false
	}
	if !f.Status.Matches(r.Status) {
		return false
	}
	if f.Category != "" && f.Category != r.Category {
		return false
	}
	if f.Assignee != "" && f.Assignee != r.Assignee {
		return false
	}
	return true
}

// =============================================================================
// REPORT STORE
// =============================================================================

// ReportStore persists reports.
type ReportStore interface {
	// Create persists a new report. The report's Version must be 1.
	Create(ctx context.Context, r *Report) error

	// Get returns a report by id, or ErrReportNotFound.
	Get(ctx context.Context, id ReportID) (*Report, error)

	// Save persists a mutated report. The write succeeds only if the
	// stored version equals r.Version-1 (optimistic check); otherwise
	// ErrConcurrentModification is returned and nothing changes.
	Save(ctx context.Context, r *Report) error

	// Scan returns reports matching the filter, ordered by CreatedAt
	// descending. Read-only; used by list views and the aggregator.
	Scan(ctx context.Context, f Filter) ([]*Report, error)
}

// =============================================================================
// UPDATE STORE - Append-only
// =============================================================================

// UpdateStore persists case updates. APPEND-ONLY: no update, no delete.
type UpdateStore interface {
	// AppendUpdate adds a case update.
	AppendUpdate(ctx context.Context, u CaseUpdate) error

	// UpdatesFor returns all updates for a report, oldest first.
	UpdatesFor(ctx context.Context, id ReportID) ([]CaseUpdate, error)
}

// =============================================================================
// COMBINED STORE - Atomic transition writes
// =============================================================================

// Store combines report and update persistence.
type Store interface {
	ReportStore
	UpdateStore

	// SaveWithUpdate atomically persists the mutated report and appends
	// its case update. Either both are written or neither is: no observer
	// ever sees a status without its ledger entry.
	SaveWithUpdate(ctx context.Context, r *Report, u CaseUpdate) error
}

// =============================================================================
// HANDLER DIRECTORY - Identity collaborator lookup
// =============================================================================

// Directory resolves users for assignment guards and recipient fan-out.
// Backed by the (out of scope) identity service; implementations here are
// simple lookups.
type Directory interface {
	// Lookup returns handler capability info for a user.
	Lookup(ctx context.Context, id UserID) (Handler, bool)

	// Administrators returns the ids of all administrator users.
	Administrators(ctx context.Context) []UserID
}
