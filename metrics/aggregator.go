/*
Package metrics computes KPI snapshots over the report population.

PURPOSE:
  The Aggregator answers dashboard queries: given a time range and
  status/category filters, scan the matching reports and compute the
  operational KPIs, optionally attach an AI narrative, and memoize the
  whole result in a bounded TTL+LRU cache.

PIPELINE (per request):
  1. Build cache key from (range, filters, analyze flag)
  2. Cache hit within TTL -> return cached snapshot unchanged
  3. Miss -> scan population, compute KPIs
  4. analyze flag set -> best-effort narrative; failure leaves it absent
  5. Store (possibly narrative-less) snapshot in the cache

NUMERIC EDGE CASES:
  total == 0 defines both rates as zero, never division-by-zero.
  Fewer than N distinct geo buckets returns what exists, no padding.

DEGRADATION:
  A failed population scan is a hard error (KPIs cannot be fabricated).
  A failed narrative is absorbed: the numeric KPIs always ship.

SEE ALSO:
  - cache.go: Snapshot cache
  - narrative (module root): Narrator implementation
*/
package metrics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/civiclens/report-engine/engine"
)

// =============================================================================
// QUERY - Dashboard query shape
// =============================================================================

// Range selects the reporting window, anchored at "now".
type Range string

const (
	RangeDay   Range = "day"
	RangeWeek  Range = "week"
	RangeMonth Range = "month"
	RangeAll   Range = "all"
)

// Window converts the range into a concrete time filter.
func (r Range) Window(now time.Time) engine.TimeRange {
	switch r {
	case RangeDay:
		return engine.TimeRange{From: now.Add(-24 * time.Hour)}
	case RangeWeek:
		return engine.TimeRange{From: now.AddDate(0, 0, -7)}
	case RangeMonth:
		return engine.TimeRange{From: now.AddDate(0, 0, -30)}
	default:
		return engine.TimeRange{}
	}
}

// Query is the dashboard query shape; also the cache key material.
type Query struct {
	Range    Range
	Status   engine.StatusFilter
	Category string
}

func (q Query) cacheKey(analyzeAI bool) string {
	return fmt.Sprintf("dashboard_%s_%s_%s_ai=%t", q.Range, q.Status, q.Category, analyzeAI)
}

// =============================================================================
// SNAPSHOT - The computed KPI set
// =============================================================================

// RiskZone is one geo bucket and its report count.
type RiskZone struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// Snapshot is a derived, disposable view of the report population.
// The population itself stays the source of truth.
type Snapshot struct {
	Query      Query     `json:"query"`
	ComputedAt time.Time `json:"computed_at"`

	Total            int                     `json:"total"`
	Active           int                     `json:"active"`
	ResolutionRate   decimal.Decimal         `json:"resolution_rate"`
	TransparencyRate decimal.Decimal         `json:"transparency_rate"`
	Priorities       map[engine.Priority]int `json:"priorities"`
	Statuses         map[engine.Status]int   `json:"statuses"`
	TopRiskZones     []RiskZone              `json:"top_risk_zones"`

	// Narrative is nil when AI analysis was not requested or failed.
	Narrative *string `json:"narrative,omitempty"`
}

// =============================================================================
// NARRATOR CONTRACT
// =============================================================================

// Narrator turns a numeric snapshot into an executive summary.
// Must be best-effort and time-bounded; ErrAIUnavailable on failure.
type Narrator interface {
	Summarize(ctx context.Context, s *Snapshot) (string, error)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Config tunes the aggregator. Operational knobs (bucket granularity,
// cache shape, top-N) live here, not hardcoded.
type Config struct {
	TopZones        int           // entries in TopRiskZones (default 5)
	BucketPrecision int32         // decimal places for geo bucketing (default 2, ~1km)
	CacheTTL        time.Duration // default 5 minutes
	CacheSize       int           // default 32
}

func (c Config) withDefaults() Config {
	if c.TopZones <= 0 {
		c.TopZones = 5
	}
	if c.BucketPrecision <= 0 {
		c.BucketPrecision = 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 32
	}
	return c
}

// Aggregator computes and caches KPI snapshots.
type Aggregator struct {
	store    engine.ReportStore
	narrator Narrator // may be nil: AI analysis disabled
	cache    *Cache
	cfg      Config

	now func() time.Time
}

func NewAggregator(store engine.ReportStore, narrator Narrator, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		store:    store,
		narrator: narrator,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Snapshot answers a dashboard query, from cache when possible.
//
// The cache write only happens after the snapshot is fully computed, so
// an abandoned request never leaves partial state behind. Two
// concurrent misses for one key may both compute; last write wins.
func (a *Aggregator) Snapshot(ctx context.Context, q Query, analyzeAI bool) (*Snapshot, error) {
	key := q.cacheKey(analyzeAI)
	if cached, ok := a.cache.Get(key); ok {
		return cached, nil
	}

	snapshot, err := a.compute(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrAggregationSource, err)
	}

	if analyzeAI && a.narrator != nil {
		text, err := a.narrator.Summarize(ctx, snapshot)
		if err != nil {
			// Absorbed: numeric KPIs ship without the narrative, and the
			// narrative-less result is what gets cached for this TTL.
			log.Printf("[Metrics] narrative unavailable for %s: %v", key, err)
		} else {
			snapshot.Narrative = &text
		}
	}

	a.cache.Put(key, snapshot)
	return snapshot, nil
}

// compute scans the population and derives every numeric KPI.
func (a *Aggregator) compute(ctx context.Context, q Query) (*Snapshot, error) {
	now := a.now()
	reports, err := a.store.Scan(ctx, engine.Filter{
		Range:    q.Range.Window(now),
		Status:   q.Status,
		Category: q.Category,
	})
	if err != nil {
		return nil, err
	}

	var (
		total      = len(reports)
		active     int
		closed     int
		anonymous  int
		priorities = make(map[engine.Priority]int)
		statuses   = make(map[engine.Status]int)
		buckets    = make(map[string]int)
	)

	for _, r := range reports {
		if r.Status.IsActive() {
			active++
		}
		if r.Status == engine.StatusClosed {
			closed++
		}
		if r.Anonymous {
			anonymous++
		}
		priorities[r.Priority]++
		statuses[r.Status]++
		buckets[a.bucket(r.Location)]++
	}

	s := &Snapshot{
		Query:            q,
		ComputedAt:       now,
		Total:            total,
		Active:           active,
		ResolutionRate:   rate(closed, total),
		TransparencyRate: rate(anonymous, total),
		Priorities:       priorities,
		Statuses:         statuses,
		TopRiskZones:     topZones(buckets, a.cfg.TopZones),
	}
	return s, nil
}

// bucket rounds coordinates to the configured precision. Two reports on
// the same block land in the same bucket.
func (a *Aggregator) bucket(loc engine.Location) string {
	lat := decimal.NewFromFloat(loc.Latitude).Round(a.cfg.BucketPrecision)
	lon := decimal.NewFromFloat(loc.Longitude).Round(a.cfg.BucketPrecision)
	return lat.String() + "," + lon.String()
}

// rate returns part/total rounded to 4 places, and zero when total is 0.
func rate(part, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).
		Div(decimal.NewFromInt(int64(total))).
		Round(4)
}

// topZones ranks buckets by count descending, ties broken by bucket id
// ascending. Fewer than n distinct buckets returns all of them.
func topZones(buckets map[string]int, n int) []RiskZone {
	zones := make([]RiskZone, 0, len(buckets))
	for b, c := range buckets {
		zones = append(zones, RiskZone{Bucket: b, Count: c})
	}
	sort.Slice(zones, func(i, j int) bool {
		if zones[i].Count != zones[j].Count {
			return zones[i].Count > zones[j].Count
		}
		return zones[i].Bucket < zones[j].Bucket
	})
	if len(zones) > n {
		zones = zones[:n]
	}
	return zones
}
