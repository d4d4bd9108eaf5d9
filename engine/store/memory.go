// Package store provides in-memory implementations of the engine's
// persistence interfaces, used by tests and local development.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/civiclens/report-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	reports map[engine.ReportID]engine.Report
	updates map[engine.ReportID][]engine.CaseUpdate

	// scanCount is a probe for cache tests: incremented on every Scan.
	scanCount int
}

func NewMemory() *Memory {
	return &Memory{
		reports: make(map[engine.ReportID]engine.Report),
		updates: make(map[engine.ReportID][]engine.CaseUpdate),
	}
}

func (m *Memory) Create(_ context.Context, r *engine.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = *r
	return nil
}

func (m *Memory) Get(_ context.Context, id engine.ReportID) (*engine.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, engine.ErrReportNotFound
	}
	cp := r
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, r *engine.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(r)
}

func (m *Memory) saveLocked(r *engine.Report) error {
	stored, ok := m.reports[r.ID]
	if !ok {
		return engine.ErrReportNotFound
	}
	if stored.Version != r.Version-1 {
		return engine.ErrConcurrentModification
	}
	m.reports[r.ID] = *r
	return nil
}

func (m *Memory) Scan(_ context.Context, f engine.Filter) ([]*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCount++

	var result []*engine.Report
	for id := range m.reports {
		r := m.reports[id]
		if f.Matches(&r) {
			cp := r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ScanCount returns how many population scans have run. Test probe.
func (m *Memory) ScanCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanCount
}

func (m *Memory) AppendUpdate(_ context.Context, u engine.CaseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[u.ReportID] = append(m.updates[u.ReportID], u)
	return nil
}

func (m *Memory) UpdatesFor(_ context.Context, id engine.ReportID) ([]engine.CaseUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.CaseUpdate, len(m.updates[id]))
	copy(result, m.updates[id])
	return result, nil
}

// SaveWithUpdate persists the report and its update together. Both
// happen under one lock, so no reader observes one without the other.
func (m *Memory) SaveWithUpdate(_ context.Context, r *engine.Report, u engine.CaseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.saveLocked(r); err != nil {
		return err
	}
	m.updates[u.ReportID] = append(m.updates[u.ReportID], u)
	return nil
}

// =============================================================================
// MEMORY DIRECTORY - Identity collaborator stand-in
// =============================================================================

type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[engine.UserID]engine.Handler
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[engine.UserID]engine.Handler)}
}

func (d *MemoryDirectory) Add(h engine.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[h.ID] = h
}

func (d *MemoryDirectory) Lookup(_ context.Context, id engine.UserID) (engine.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.users[id]
	return h, ok
}

func (d *MemoryDirectory) Administrators(_ context.Context) []engine.UserID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var admins []engine.UserID
	for id, h := range d.users {
		if h.Role == engine.RoleAdministrador && h.Active {
			admins = append(admins, id)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i] < admins[j] })
	return admins
}
