/*
ledger.go - Append-only case history

PURPOSE:
  The CaseLedger is the source of truth for "what happened, when, by
  whom" on a report. Every accepted transition and every comment lands
  here, and the current status is reconstructible purely by replaying
  the sequence.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No update, no delete. Ever.
  2. ORDERED: History is returned oldest first, in transition order.
  3. GAPLESS: A report closed at update N shows transitions 1..N.

WHY APPEND-ONLY?
  The report row holds the current status; the ledger explains it.
  If the two ever disagree, the ledger wins - which is only useful if
  it can't be rewritten.

SEE ALSO:
  - store.go: UpdateStore interface
  - machine.go: The only writer of status_change entries
*/
package engine

import "context"

// CaseLedger reads the append-only history of a report.
type CaseLedger struct {
	store UpdateStore
}

func NewCaseLedger(store UpdateStore) *CaseLedger {
	return &CaseLedger{store: store}
}

// Append adds a case update. Exposed for consumers outside the state
// machine (the machine writes through Store.SaveWithUpdate instead so
// status and ledger entry commit together).
func (l *CaseLedger) Append(ctx context.Context, u CaseUpdate) error {
	return l.store.AppendUpdate(ctx, u)
}

// History returns every update for a report, oldest first.
func (l *CaseLedger) History(ctx context.Context, id ReportID) ([]CaseUpdate, error) {
	return l.store.UpdatesFor(ctx, id)
}

// Replay walks the history and returns the status the sequence implies,
// starting from initial. Comments carry their surrounding status and do
// not advance it. Used by tests and audits to check the gapless
// invariant against the report row.
func Replay(initial Status, history []CaseUpdate) Status {
	current := initial
	for _, u := range history {
		if u.Kind == UpdateStatusChange {
			current = u.NewStatus
		}
	}
	return current
}
