package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string) *engine.Report {
	now := time.Date(2026, 3, 15, 12, 0, 0, 123456789, time.UTC)
	return &engine.Report{
		ID:          engine.ReportID(id),
		ReporterID:  "user-1",
		Anonymous:   true,
		Category:    "alumbrado",
		Description: "broken light",
		Location: engine.Location{
			Latitude:  19.4326,
			Longitude: -99.1332,
			Address:   "Av. Reforma 100",
			City:      "CDMX",
		},
		Priority:  engine.PriorityHigh,
		Status:    engine.StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// REPORT PERSISTENCE TESTS
// =============================================================================

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleReport("rep-1")
	require.NoError(t, s.Create(ctx, r))

	got, err := s.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestStore_GetUnknownReport(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, engine.ErrReportNotFound)
}

func TestStore_SaveEnforcesVersionCheck(t *testing.T) {
	// GIVEN: A stored report at version 1
	// WHEN: Two writers both move to version 2
	// THEN: The first lands, the second gets ErrConcurrentModification

	s := newTestStore(t)
	ctx := context.Background()

	r := sampleReport("rep-1")
	require.NoError(t, s.Create(ctx, r))

	first := *r
	first.Status = engine.StatusAssigned
	first.Assignee = "enc-1"
	first.Version = 2
	require.NoError(t, s.Save(ctx, &first))

	second := *r
	second.Status = engine.StatusAssigned
	second.Assignee = "enc-2"
	second.Version = 2
	err := s.Save(ctx, &second)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	got, err := s.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, engine.UserID("enc-1"), got.Assignee)
}

func TestStore_SaveUnknownReport(t *testing.T) {
	s := newTestStore(t)

	r := sampleReport("ghost")
	r.Version = 2
	err := s.Save(context.Background(), r)
	assert.ErrorIs(t, err, engine.ErrReportNotFound)
}

func TestStore_ClosedAtRoundTripsAsNullable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleReport("rep-1")
	require.NoError(t, s.Create(ctx, r))

	got, err := s.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Nil(t, got.ClosedAt)

	closedAt := r.UpdatedAt.Add(time.Hour)
	r.Status = engine.StatusClosed
	r.Assignee = "enc-1"
	r.ClosedAt = &closedAt
	r.Version = 2
	require.NoError(t, s.Save(ctx, r))

	got, err = s.Get(ctx, "rep-1")
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))
}

// =============================================================================
// SCAN TESTS
// =============================================================================

func TestStore_ScanFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := func(id string, status engine.Status, category string, age time.Duration) {
		r := sampleReport(id)
		r.Status = status
		r.Category = category
		if status != engine.StatusPending {
			r.Assignee = "enc-1"
		}
		r.CreatedAt = time.Now().UTC().Add(-age)
		r.UpdatedAt = r.CreatedAt
		if status == engine.StatusClosed {
			at := r.UpdatedAt
			r.ClosedAt = &at
		}
		require.NoError(t, s.Create(ctx, r))
	}

	seed("r1", engine.StatusPending, "alumbrado", time.Hour)
	seed("r2", engine.StatusInProgress, "baches", 2*time.Hour)
	seed("r3", engine.StatusResolved, "alumbrado", 3*time.Hour)
	seed("r4", engine.StatusClosed, "alumbrado", 30*24*time.Hour)

	all, err := s.Scan(ctx, engine.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	open, err := s.Scan(ctx, engine.Filter{Status: engine.FilterOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	done, err := s.Scan(ctx, engine.Filter{Status: engine.FilterClosed})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	exact, err := s.Scan(ctx, engine.Filter{Status: "resolved"})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, engine.ReportID("r3"), exact[0].ID)

	byCategory, err := s.Scan(ctx, engine.Filter{Category: "baches"})
	require.NoError(t, err)
	assert.Len(t, byCategory, 1)

	recent, err := s.Scan(ctx, engine.Filter{
		Range: engine.TimeRange{From: time.Now().UTC().Add(-7 * 24 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	mine, err := s.Scan(ctx, engine.Filter{Assignee: "enc-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestStore_ScanOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		r := sampleReport(id)
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		r.UpdatedAt = r.CreatedAt
		require.NoError(t, s.Create(ctx, r))
	}

	got, err := s.Scan(ctx, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, engine.ReportID("new"), got[0].ID)
	assert.Equal(t, engine.ReportID("old"), got[2].ID)
}

// =============================================================================
// ATOMIC TRANSITION WRITE TESTS
// =============================================================================

func TestStore_SaveWithUpdateCommitsBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleReport("rep-1")
	require.NoError(t, s.Create(ctx, r))

	r.Status = engine.StatusAssigned
	r.Assignee = "enc-1"
	r.Version = 2
	r.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	u := engine.CaseUpdate{
		ID:             "upd-1",
		ReportID:       "rep-1",
		AuthorID:       "adm-1",
		Kind:           engine.UpdateStatusChange,
		PreviousStatus: engine.StatusPending,
		NewStatus:      engine.StatusAssigned,
		CreatedAt:      r.UpdatedAt,
	}
	require.NoError(t, s.SaveWithUpdate(ctx, r, u))

	got, err := s.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAssigned, got.Status)

	history, err := s.UpdatesFor(ctx, "rep-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "upd-1", history[0].ID)
}

func TestStore_SaveWithUpdateRollsBackOnStaleVersion(t *testing.T) {
	// GIVEN: A report whose row already advanced
	// WHEN: A stale writer commits status + ledger entry together
	// THEN: Neither lands

	s := newTestStore(t)
	ctx := context.Background()

	r := sampleReport("rep-1")
	require.NoError(t, s.Create(ctx, r))

	winner := *r
	winner.Status = engine.StatusAssigned
	winner.Assignee = "enc-1"
	winner.Version = 2
	require.NoError(t, s.Save(ctx, &winner))

	stale := *r
	stale.Status = engine.StatusAssigned
	stale.Assignee = "enc-2"
	stale.Version = 2
	err := s.SaveWithUpdate(ctx, &stale, engine.CaseUpdate{
		ID:             "upd-stale",
		ReportID:       "rep-1",
		AuthorID:       "adm-2",
		Kind:           engine.UpdateStatusChange,
		PreviousStatus: engine.StatusPending,
		NewStatus:      engine.StatusAssigned,
		CreatedAt:      time.Now().UTC(),
	})
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	history, err := s.UpdatesFor(ctx, "rep-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_UpdatesComeBackOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.AppendUpdate(ctx, engine.CaseUpdate{
			ID:             id,
			ReportID:       "rep-1",
			AuthorID:       "adm-1",
			Kind:           engine.UpdateComment,
			PreviousStatus: engine.StatusPending,
			NewStatus:      engine.StatusPending,
			Note:           id,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := s.UpdatesFor(ctx, "rep-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "u1", history[0].ID)
	assert.Equal(t, "u3", history[2].ID)
}

// =============================================================================
// NOTIFICATION TESTS
// =============================================================================

func TestStore_SaveNotificationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := notify.Notification{
		ID:        "ev-1:user-1",
		EventID:   "ev-1",
		UserID:    "user-1",
		ReportID:  "rep-1",
		Kind:      engine.EventReportCreated,
		Title:     "New report filed",
		Message:   "A new high report was filed",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveNotification(ctx, n))
	require.NoError(t, s.SaveNotification(ctx, n))

	got, err := s.NotificationsFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_MarkReadScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotification(ctx, notify.Notification{
		ID: "ev-1:user-1", EventID: "ev-1", UserID: "user-1",
		ReportID: "rep-1", Kind: engine.EventReportCreated,
		Title: "t", Message: "m", CreatedAt: time.Now().UTC(),
	}))

	assert.Error(t, s.MarkRead(ctx, "user-2", "ev-1:user-1"))
	require.NoError(t, s.MarkRead(ctx, "user-1", "ev-1:user-1"))

	got, err := s.NotificationsFor(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Read)
}

// =============================================================================
// DIRECTORY TESTS
// =============================================================================

func TestStore_DirectoryLookupAndAdmins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, engine.Handler{ID: "enc-1", Role: engine.RoleEncargado, Active: true, Zone: "norte"}))
	require.NoError(t, s.SaveUser(ctx, engine.Handler{ID: "adm-1", Role: engine.RoleAdministrador, Active: true}))
	require.NoError(t, s.SaveUser(ctx, engine.Handler{ID: "adm-2", Role: engine.RoleAdministrador, Active: false}))

	h, ok := s.Lookup(ctx, "enc-1")
	require.True(t, ok)
	assert.True(t, h.CanHandle())
	assert.Equal(t, "norte", h.Zone)

	_, ok = s.Lookup(ctx, "ghost")
	assert.False(t, ok)

	// Upsert flips the active flag
	require.NoError(t, s.SaveUser(ctx, engine.Handler{ID: "enc-1", Role: engine.RoleEncargado, Active: false}))
	h, ok = s.Lookup(ctx, "enc-1")
	require.True(t, ok)
	assert.False(t, h.CanHandle())

	admins := s.Administrators(ctx)
	assert.Equal(t, []engine.UserID{"adm-1"}, admins)
}
