/*
errors.go - Centralized error types for the report engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Transition errors - State machine guard violations
  2. Store errors - Persistence failures
  3. Best-effort errors - Notification/AI failures that are absorbed

PROPAGATION POLICY:
  Guard violations (ErrInvalidTransition, ErrInvalidAssignee) are surfaced
  synchronously to the caller with no side effects applied. Best-effort
  failures (ErrChannelDelivery, ErrAIUnavailable) are absorbed by their
  consumers and never fail the originating request.

USAGE:
  if errors.Is(err, engine.ErrInvalidTransition) {
      // 409 to the client, nothing was changed
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when an illegal state change is
	// attempted. The operation aborts with no side effects.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidAssignee is returned when assigning to a user that lacks
	// handler capability.
	ErrInvalidAssignee = errors.New("assignee lacks handler capability")

	// ErrForbidden is returned when the acting principal's role does not
	// permit the operation.
	ErrForbidden = errors.New("operation not permitted for role")

	// ErrReportNotFound is returned when a referenced report doesn't exist.
	ErrReportNotFound = errors.New("report not found")

	// ErrConcurrentModification is returned when the store's version check
	// detects a conflicting write on the same report.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrChannelDelivery is returned by a channel after its retry budget
	// is exhausted. Recorded by the dispatcher, never surfaced upstream.
	ErrChannelDelivery = errors.New("channel delivery failed")

	// ErrAIUnavailable is returned when the narrative provider fails after
	// its single retry. Absorbed by the aggregator as an absent narrative.
	ErrAIUnavailable = errors.New("ai narrative unavailable")

	// ErrAggregationSource is returned when the population scan fails.
	// Surfaced to the dashboard caller: numeric KPIs cannot be fabricated.
	ErrAggregationSource = errors.New("aggregation source error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError provides details about a rejected transition.
type TransitionError struct {
	ReportID ReportID
	From     Status
	To       Status
	Actor    UserID
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s on report %s: %s",
		e.From, e.To, e.ReportID, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AssigneeError provides details about a rejected assignment.
type AssigneeError struct {
	ReportID ReportID
	Assignee UserID
	Reason   string
}

func (e *AssigneeError) Error() string {
	return fmt.Sprintf("cannot assign report %s to %s: %s", e.ReportID, e.Assignee, e.Reason)
}

func (e *AssigneeError) Unwrap() error { return ErrInvalidAssignee }

// InvariantError reports a violated structural invariant. Seeing one means
// a bug: the state machine should make these unrepresentable.
type InvariantError struct {
	ReportID ReportID
	Detail   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("report %s invariant violated: %s", e.ReportID, e.Detail)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or a guard rejection (4xx, not 5xx).
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidAssignee) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReportNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
