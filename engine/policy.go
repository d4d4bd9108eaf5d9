/*
policy.go - Role-based operation guards

PURPOSE:
  A pure function (principal, operation, report) -> allowed/denied,
  evaluated synchronously inside the state machine. No I/O: the identity
  collaborator already resolved the principal's role, and the engine
  trusts it.

GUARD SUMMARY:
  create    any authenticated role
  assign    administrator only
  start     the current assignee
  resolve   the current assignee
  close     administrator only
  override  administrator only (bypasses ordering, not role checks)
  comment   the current assignee or an administrator

SEE ALSO:
  - machine.go: Calls Allowed before every transition
*/
package engine

// Operation names a state-machine operation for permission checks.
type Operation string

const (
	OpCreate   Operation = "create"
	OpAssign   Operation = "assign"
	OpStart    Operation = "start"
	OpResolve  Operation = "resolve"
	OpClose    Operation = "close"
	OpOverride Operation = "override"
	OpComment  Operation = "comment"
)

// Allowed decides whether the principal may perform op on the report.
// Pure: no I/O, no clock, no store access.
func Allowed(p Principal, op Operation, r *Report) bool {
	switch op {
	case OpCreate:
		return p.Role == RoleReportante || p.Role == RoleEncargado || p.Role == RoleAdministrador
	case OpAssign, OpClose, OpOverride:
		return p.IsAdmin()
	case OpStart, OpResolve:
		return r != nil && r.Assignee != "" && r.Assignee == p.ID
	case OpComment:
		if p.IsAdmin() {
			return true
		}
		return r != nil && r.Assignee != "" && r.Assignee == p.ID
	default:
		return false
	}
}
