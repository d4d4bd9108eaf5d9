/*
machine.go - Report status state machine

PURPOSE:
  Owns report identity and the status lifecycle:

    pending -> assigned -> in_progress -> resolved -> closed

  plus an administrative override that may move a report anywhere.
  Every accepted transition atomically saves the report, appends exactly
  one CaseUpdate, and publishes exactly one domain event before
  returning. A caller never observes a status without its ledger entry.

TRANSITION TABLE:
  pending     -> assigned     admin assigns; assignee must have handler capability
  assigned    -> in_progress  by the assignee
  in_progress -> resolved     by the assignee; resolution note required
  resolved    -> closed       admin; sets closed_at
  any         -> any          admin override; bypasses ordering only

CONCURRENCY:
  Transitions on a single report are serialized by a striped lock keyed
  by report id; the store's version check backstops any implementation
  that shares state across processes. Different reports proceed fully
  in parallel.

FAILURE MODEL:
  Guard failures return ErrInvalidTransition / ErrInvalidAssignee /
  ErrForbidden with no side effects. Event publication is handed to the
  sink, which must not block; delivery failures never fail a transition.

SEE ALSO:
  - policy.go: Role guards
  - ledger.go: Case history reads
  - notify (module root): Event fan-out
*/
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockStripes bounds memory while still letting unrelated reports
// transition in parallel. Collisions only cost serialization.
const lockStripes = 128

// ReportMachine enforces legal transitions and emits domain events.
type ReportMachine struct {
	store     Store
	directory Directory
	events    EventSink

	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// NewReportMachine wires the machine to its collaborators.
// sink may be nil in tests that don't care about notifications.
func NewReportMachine(store Store, dir Directory, sink EventSink) *ReportMachine {
	return &ReportMachine{
		store:     store,
		directory: dir,
		events:    sink,
		now:       time.Now,
	}
}

func (m *ReportMachine) stripe(id ReportID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// orderedNext is the forward path through the lifecycle. Anything else
// requires the administrative override.
var orderedNext = map[Status]Status{
	StatusPending:    StatusAssigned,
	StatusAssigned:   StatusInProgress,
	StatusInProgress: StatusResolved,
	StatusResolved:   StatusClosed,
}

// =============================================================================
// CREATE
// =============================================================================

// CreateInput carries the fields a citizen submits for a new report.
type CreateInput struct {
	Category    string
	Description string
	Location    Location
	Priority    Priority
	Anonymous   bool
}

// Create files a new report in pending status and publishes report_created.
func (m *ReportMachine) Create(ctx context.Context, p Principal, in CreateInput) (*Report, error) {
	if !Allowed(p, OpCreate, nil) {
		return nil, ErrForbidden
	}
	if in.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidTransition)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !ValidPriority(in.Priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidTransition, in.Priority)
	}

	now := m.now()
	r := &Report{
		ID:          ReportID(uuid.NewString()),
		ReporterID:  p.ID,
		Anonymous:   in.Anonymous,
		Category:    in.Category,
		Description: in.Description,
		Location:    in.Location,
		Priority:    in.Priority,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, r); err != nil {
		return nil, err
	}

	m.publish(r, EventReportCreated, "New report filed",
		fmt.Sprintf("A new %s report was filed", r.Priority))
	return r, nil
}

// =============================================================================
// ORDERED TRANSITIONS
// =============================================================================

// Assign moves pending -> assigned. Admin only; the assignee must exist
// in the directory with handler capability.
func (m *ReportMachine) Assign(ctx context.Context, p Principal, id ReportID, assignee UserID, note string) (*Report, error) {
	handler, ok := m.directory.Lookup(ctx, assignee)
	if !ok {
		return nil, &AssigneeError{ReportID: id, Assignee: assignee, Reason: "unknown user"}
	}
	if !handler.CanHandle() {
		return nil, &AssigneeError{ReportID: id, Assignee: assignee, Reason: "not an active handler"}
	}

	return m.transition(ctx, p, id, OpAssign, StatusAssigned, EventReportAssigned,
		"Report assigned", note, func(r *Report) {
			r.Assignee = assignee
		})
}

// Start moves assigned -> in_progress. Only the assignee may start work.
func (m *ReportMachine) Start(ctx context.Context, p Principal, id ReportID, note string) (*Report, error) {
	return m.transition(ctx, p, id, OpStart, StatusInProgress, EventStatusChanged,
		"Work started", note, nil)
}

// Resolve moves in_progress -> resolved. A resolution note is required.
func (m *ReportMachine) Resolve(ctx context.Context, p Principal, id ReportID, note string) (*Report, error) {
	if note == "" {
		return nil, fmt.Errorf("%w: resolution note is required", ErrInvalidTransition)
	}
	return m.transition(ctx, p, id, OpResolve, StatusResolved, EventStatusChanged,
		"Report resolved", note, nil)
}

// Close moves resolved -> closed and stamps closed_at. Admin only.
func (m *ReportMachine) Close(ctx context.Context, p Principal, id ReportID, note string) (*Report, error) {
	return m.transition(ctx, p, id, OpClose, StatusClosed, EventCaseClosed,
		"Report closed", note, func(r *Report) {
			at := r.UpdatedAt
			r.ClosedAt = &at
		})
}

// transition is the shared accept path: lock, load, guard, mutate,
// atomically save + append the ledger entry, publish the event.
func (m *ReportMachine) transition(
	ctx context.Context,
	p Principal,
	id ReportID,
	op Operation,
	to Status,
	kind EventKind,
	title, note string,
	mutate func(*Report),
) (*Report, error) {
	lock := m.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Ordering before role: a skipped state is an invalid transition no
	// matter who asks. The assignee guards only make sense on a report
	// that has reached the status they protect.
	if orderedNext[r.Status] != to {
		return nil, &TransitionError{
			ReportID: id, From: r.Status, To: to, Actor: p.ID,
			Reason: "not the next status in order",
		}
	}
	if !Allowed(p, op, r) {
		return nil, fmt.Errorf("%w: %s as %s", ErrForbidden, op, p.Role)
	}

	prev := r.Status
	r.Status = to
	r.UpdatedAt = m.now()
	r.Version++
	if mutate != nil {
		mutate(r)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	update := CaseUpdate{
		ID:             uuid.NewString(),
		ReportID:       r.ID,
		AuthorID:       p.ID,
		Kind:           UpdateStatusChange,
		PreviousStatus: prev,
		NewStatus:      to,
		Note:           note,
		CreatedAt:      r.UpdatedAt,
	}
	if err := m.store.SaveWithUpdate(ctx, r, update); err != nil {
		return nil, err
	}

	m.publish(r, kind, title, transitionMessage(prev, to, note))
	return r, nil
}

// =============================================================================
// ADMINISTRATIVE OVERRIDE
// =============================================================================

// Override moves a report to any status, bypassing the ordering guard.
// Role and structural invariants still apply: a target status that needs
// an assignee is rejected when the report has none, and closed_at tracks
// the closed status in both directions.
func (m *ReportMachine) Override(ctx context.Context, p Principal, id ReportID, to Status, note string) (*Report, error) {
	if !ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	lock := m.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Allowed(p, OpOverride, r) {
		return nil, fmt.Errorf("%w: override as %s", ErrForbidden, p.Role)
	}
	if r.Status == to {
		return nil, &TransitionError{
			ReportID: id, From: r.Status, To: to, Actor: p.ID,
			Reason: "report already in that status",
		}
	}
	switch to {
	case StatusAssigned, StatusInProgress, StatusResolved:
		if r.Assignee == "" {
			return nil, &TransitionError{
				ReportID: id, From: r.Status, To: to, Actor: p.ID,
				Reason: "target status requires an assignee",
			}
		}
	}

	prev := r.Status
	r.Status = to
	r.UpdatedAt = m.now()
	r.Version++
	switch to {
	case StatusClosed:
		at := r.UpdatedAt
		r.ClosedAt = &at
	case StatusPending:
		r.Assignee = ""
		r.ClosedAt = nil
	default:
		r.ClosedAt = nil
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	update := CaseUpdate{
		ID:             uuid.NewString(),
		ReportID:       r.ID,
		AuthorID:       p.ID,
		Kind:           UpdateStatusChange,
		PreviousStatus: prev,
		NewStatus:      to,
		Note:           note,
		CreatedAt:      r.UpdatedAt,
	}
	if err := m.store.SaveWithUpdate(ctx, r, update); err != nil {
		return nil, err
	}

	kind := EventStatusChanged
	if to == StatusClosed {
		kind = EventCaseClosed
	}
	m.publish(r, kind, "Status overridden", transitionMessage(prev, to, note))
	return r, nil
}

// =============================================================================
// COMMENTS
// =============================================================================

// Comment appends a free-text case update without changing status.
// Allowed for the assignee and administrators.
func (m *ReportMachine) Comment(ctx context.Context, p Principal, id ReportID, note string) (*CaseUpdate, error) {
	if note == "" {
		return nil, fmt.Errorf("%w: comment text is required", ErrInvalidTransition)
	}

	lock := m.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Allowed(p, OpComment, r) {
		return nil, fmt.Errorf("%w: comment as %s", ErrForbidden, p.Role)
	}

	update := CaseUpdate{
		ID:             uuid.NewString(),
		ReportID:       r.ID,
		AuthorID:       p.ID,
		Kind:           UpdateComment,
		PreviousStatus: r.Status,
		NewStatus:      r.Status,
		Note:           note,
		CreatedAt:      m.now(),
	}
	if err := m.store.AppendUpdate(ctx, update); err != nil {
		return nil, err
	}

	m.publish(r, EventCaseUpdated, "New case update", note)
	return &update, nil
}

// =============================================================================
// EVENT PUBLICATION
// =============================================================================

func (m *ReportMachine) publish(r *Report, kind EventKind, title, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ReportID:  r.ID,
		Reporter:  r.ReporterID,
		Assignee:  r.Assignee,
		Anonymous: r.Anonymous,
		Title:     title,
		Message:   message,
		CreatedAt: m.now(),
	})
}

func transitionMessage(from, to Status, note string) string {
	msg := fmt.Sprintf("Status changed from %s to %s", from, to)
	if note != "" {
		msg += ": " + note
	}
	return msg
}
