package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeClock drives both the aggregator and its cache in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeNarrator struct {
	calls int
	text  string
	err   error
}

func (n *fakeNarrator) Summarize(_ context.Context, _ *Snapshot) (string, error) {
	n.calls++
	if n.err != nil {
		return "", n.err
	}
	return n.text, nil
}

func newTestAggregator(mem *store.Memory, narrator Narrator, cfg Config) (*Aggregator, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	agg := NewAggregator(mem, narrator, cfg)
	agg.now = clock.now
	agg.cache.now = clock.now
	return agg, clock
}

func seedReport(t *testing.T, mem *store.Memory, status engine.Status, priority engine.Priority, anonymous bool, lat, lon float64, age time.Duration, clock *fakeClock) {
	t.Helper()
	r := &engine.Report{
		ID:          engine.ReportID(uuid()),
		ReporterID:  "user-1",
		Anonymous:   anonymous,
		Category:    "alumbrado",
		Description: "seeded",
		Location:    engine.Location{Latitude: lat, Longitude: lon},
		Priority:    priority,
		Status:      status,
		Version:     1,
		CreatedAt:   clock.t.Add(-age),
		UpdatedAt:   clock.t.Add(-age),
	}
	if status == engine.StatusAssigned || status == engine.StatusInProgress || status == engine.StatusResolved {
		r.Assignee = "enc-1"
	}
	if status == engine.StatusClosed {
		r.Assignee = "enc-1"
		at := r.UpdatedAt
		r.ClosedAt = &at
	}
	require.NoError(t, mem.Create(context.Background(), r))
}

var seedSeq int

func uuid() string {
	seedSeq++
	return "seed-" + string(rune('a'+seedSeq%26)) + string(rune('0'+seedSeq/26))
}

// =============================================================================
// KPI COMPUTATION TESTS
// =============================================================================

func TestAggregator_ComputesKPIs(t *testing.T) {
	// GIVEN: 10 reports: 5 pending, 3 resolved, 2 closed; 4 anonymous
	// WHEN: The all-time snapshot is computed
	// THEN: active=7, resolution=0.2, transparency=0.4

	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{})

	for i := 0; i < 5; i++ {
		seedReport(t, mem, engine.StatusPending, engine.PriorityMedium, i < 4, 19.43, -99.13, time.Hour, clock)
	}
	for i := 0; i < 3; i++ {
		seedReport(t, mem, engine.StatusResolved, engine.PriorityHigh, false, 19.43, -99.13, time.Hour, clock)
	}
	for i := 0; i < 2; i++ {
		seedReport(t, mem, engine.StatusClosed, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)
	}

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.NoError(t, err)

	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 7, s.Active)
	assert.Equal(t, "0.2", s.ResolutionRate.String())
	assert.Equal(t, "0.4", s.TransparencyRate.String())
	assert.Equal(t, 5, s.Priorities[engine.PriorityMedium])
	assert.Equal(t, 3, s.Priorities[engine.PriorityHigh])
	assert.Equal(t, 2, s.Priorities[engine.PriorityLow])
	assert.Equal(t, map[engine.Status]int{
		engine.StatusPending:  5,
		engine.StatusResolved: 3,
		engine.StatusClosed:   2,
	}, s.Statuses)
	assert.Nil(t, s.Narrative)
}

func TestAggregator_EmptyPopulationHasZeroRates(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newTestAggregator(mem, nil, Config{})

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.NoError(t, err)

	assert.Zero(t, s.Total)
	assert.True(t, s.ResolutionRate.IsZero())
	assert.True(t, s.TransparencyRate.IsZero())
	assert.Empty(t, s.TopRiskZones)
}

func TestAggregator_RateIsRoundedToFourPlaces(t *testing.T) {
	// 1 of 3 closed: 0.3333, not a longer expansion
	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{})

	seedReport(t, mem, engine.StatusClosed, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.NoError(t, err)
	assert.Equal(t, "0.3333", s.ResolutionRate.String())
}

func TestAggregator_RangeWindowFiltersOldReports(t *testing.T) {
	// GIVEN: One report from an hour ago and one from ten days ago
	// WHEN: The week range is queried
	// THEN: Only the recent report counts

	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{})

	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, 10*24*time.Hour, clock)

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeWeek, Status: engine.FilterAll}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
}

// =============================================================================
// RISK ZONE TESTS
// =============================================================================

func TestAggregator_NearbyReportsShareABucket(t *testing.T) {
	// Default precision is 2 decimal places, so points within ~1km of each
	// other collapse into one zone.

	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{})

	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.4326, -99.1332, time.Hour, clock)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.4341, -99.1298, time.Hour, clock)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 20.6736, -103.344, time.Hour, clock)

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.NoError(t, err)

	require.Len(t, s.TopRiskZones, 2)
	assert.Equal(t, RiskZone{Bucket: "19.43,-99.13", Count: 2}, s.TopRiskZones[0])
	assert.Equal(t, 1, s.TopRiskZones[1].Count)
}

func TestTopZones_OrderingAndTruncation(t *testing.T) {
	buckets := map[string]int{
		"a": 3,
		"b": 5,
		"c": 3,
		"d": 1,
	}

	zones := topZones(buckets, 3)
	require.Len(t, zones, 3)
	assert.Equal(t, RiskZone{Bucket: "b", Count: 5}, zones[0])
	// Ties broken by bucket id ascending, deterministically
	assert.Equal(t, RiskZone{Bucket: "a", Count: 3}, zones[1])
	assert.Equal(t, RiskZone{Bucket: "c", Count: 3}, zones[2])
}

func TestTopZones_FewerBucketsThanN(t *testing.T) {
	zones := topZones(map[string]int{"a": 1}, 5)
	assert.Len(t, zones, 1)
}

// =============================================================================
// CACHE BEHAVIOR TESTS
// =============================================================================

func TestAggregator_CacheHitSkipsScan(t *testing.T) {
	// GIVEN: A snapshot computed once
	// WHEN: The same query repeats within the TTL
	// THEN: The identical snapshot returns without a second scan

	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{})
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)

	q := Query{Range: RangeAll, Status: engine.FilterAll}
	first, err := agg.Snapshot(context.Background(), q, false)
	require.NoError(t, err)

	clock.advance(time.Minute)
	second, err := agg.Snapshot(context.Background(), q, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, mem.ScanCount())
}

func TestAggregator_DistinctQueriesDoNotShareEntries(t *testing.T) {
	mem := store.NewMemory()
	agg, _ := newTestAggregator(mem, nil, Config{})

	_, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.NoError(t, err)
	_, err = agg.Snapshot(context.Background(), Query{Range: RangeDay, Status: engine.FilterAll}, false)
	require.NoError(t, err)
	_, err = agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterOpen}, false)
	require.NoError(t, err)

	assert.Equal(t, 3, mem.ScanCount())
}

func TestAggregator_TTLExpiryRecomputes(t *testing.T) {
	mem := store.NewMemory()
	agg, clock := newTestAggregator(mem, nil, Config{CacheTTL: 5 * time.Minute})
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)

	q := Query{Range: RangeAll, Status: engine.FilterAll}
	_, err := agg.Snapshot(context.Background(), q, false)
	require.NoError(t, err)

	clock.advance(6 * time.Minute)
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)

	s, err := agg.Snapshot(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, mem.ScanCount())
}

// =============================================================================
// NARRATIVE TESTS
// =============================================================================

func TestAggregator_NarrativeAttachedOnSuccess(t *testing.T) {
	mem := store.NewMemory()
	narrator := &fakeNarrator{text: "All quiet this week."}
	agg, _ := newTestAggregator(mem, narrator, Config{})

	s, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, true)
	require.NoError(t, err)
	require.NotNil(t, s.Narrative)
	assert.Equal(t, "All quiet this week.", *s.Narrative)
	assert.Equal(t, 1, narrator.calls)
}

func TestAggregator_NarrativeFailureShipsNumericKPIs(t *testing.T) {
	// GIVEN: A narrator that is down
	// WHEN: An AI-analyzed snapshot is requested twice
	// THEN: Numeric KPIs return both times, the narrative stays absent,
	//       and the cached narrative-less result absorbs the second call

	mem := store.NewMemory()
	narrator := &fakeNarrator{err: engine.ErrAIUnavailable}
	agg, clock := newTestAggregator(mem, narrator, Config{})
	seedReport(t, mem, engine.StatusPending, engine.PriorityLow, false, 19.43, -99.13, time.Hour, clock)

	q := Query{Range: RangeAll, Status: engine.FilterAll}
	s, err := agg.Snapshot(context.Background(), q, true)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
	assert.Nil(t, s.Narrative)

	_, err = agg.Snapshot(context.Background(), q, true)
	require.NoError(t, err)
	assert.Equal(t, 1, narrator.calls)
}

func TestAggregator_AnalyzeFlagIsPartOfTheCacheKey(t *testing.T) {
	// A plain snapshot must never satisfy an AI-analyzed request.

	mem := store.NewMemory()
	narrator := &fakeNarrator{text: "summary"}
	agg, _ := newTestAggregator(mem, narrator, Config{})

	q := Query{Range: RangeAll, Status: engine.FilterAll}
	plain, err := agg.Snapshot(context.Background(), q, false)
	require.NoError(t, err)
	assert.Nil(t, plain.Narrative)

	analyzed, err := agg.Snapshot(context.Background(), q, true)
	require.NoError(t, err)
	require.NotNil(t, analyzed.Narrative)
	assert.Equal(t, 2, mem.ScanCount())
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

type failingStore struct{}

func (failingStore) Create(context.Context, *engine.Report) error { return nil }
func (failingStore) Get(context.Context, engine.ReportID) (*engine.Report, error) {
	return nil, engine.ErrReportNotFound
}
func (failingStore) Save(context.Context, *engine.Report) error { return nil }
func (failingStore) Scan(context.Context, engine.Filter) ([]*engine.Report, error) {
	return nil, errors.New("disk on fire")
}

func TestAggregator_ScanFailureIsAHardError(t *testing.T) {
	agg := NewAggregator(failingStore{}, nil, Config{})

	_, err := agg.Snapshot(context.Background(), Query{Range: RangeAll, Status: engine.FilterAll}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrAggregationSource)
}
