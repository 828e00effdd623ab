package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsageStore struct {
	mu    sync.Mutex
	saved []UsageSnapshot
}

func (s *memUsageStore) SaveUsage(snapshots []UsageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = snapshots
	return nil
}

func (s *memUsageStore) LoadUsage() ([]UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, nil
}

func (s *memUsageStore) snapshot() []UsageSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UsageSnapshot(nil), s.saved...)
}

func TestComplianceMonitorUsage(t *testing.T) {
	m := NewComplianceMonitor(nil)
	for i := 0; i < 7; i++ {
		m.Record("/markets")
	}
	m.Record("/orders")

	usage := m.Usage()
	assert.Equal(t, 7, usage["/markets"])
	assert.Equal(t, 1, usage["/orders"])
}

func TestComplianceMonitorCheck(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		calls      int
		violations int
		limit      int
	}{
		{"markets under limit", "/markets", 50, 0, 50},
		{"markets over limit", "/markets", 51, 1, 50},
		{"resolutions over limit", "/resolutions", 11, 1, 10},
		{"orders under limit", "/orders", 100, 0, 100},
		{"unknown endpoint default limit", "/other", 51, 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewComplianceMonitor(nil)
			for i := 0; i < tt.calls; i++ {
				m.Record(tt.endpoint)
			}

			violations := m.Check()
			require.Len(t, violations, tt.violations)
			if tt.violations > 0 {
				v := violations[0]
				assert.Equal(t, tt.endpoint, v.Endpoint)
				assert.Equal(t, tt.calls, v.Count)
				assert.Equal(t, tt.limit, v.Limit)
				assert.Equal(t, complianceWindow, v.Window)
			}
		})
	}
}

func TestComplianceMonitorAggregatesAcrossQueries(t *testing.T) {
	m := NewComplianceMonitor(nil)

	// Paginated traffic differs only in the query string; it must land
	// in one window.
	for i := 0; i < 60; i++ {
		m.Record(fmt.Sprintf("/markets?limit=100&offset=%d&active=true", i*100))
	}

	assert.Equal(t, 60, m.Usage()["/markets"])

	violations := m.Check()
	require.Len(t, violations, 1)
	assert.Equal(t, "/markets", violations[0].Endpoint)
	assert.Equal(t, 60, violations[0].Count)
	assert.Equal(t, 50, violations[0].Limit)
}

func TestComplianceMonitorPeriodicPersist(t *testing.T) {
	store := &memUsageStore{}

	m := NewComplianceMonitor(store)
	m.interval = 20 * time.Millisecond
	for i := 0; i < 5; i++ {
		m.Record("/orders")
	}

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, time.Second, 10*time.Millisecond, "windows never flushed while running")
	assert.Len(t, store.snapshot()[0].Stamps, 5)
}

func TestComplianceMonitorPersistReload(t *testing.T) {
	store := &memUsageStore{}

	m := NewComplianceMonitor(store)
	for i := 0; i < 12; i++ {
		m.Record("/resolutions")
	}
	require.NoError(t, m.Persist())
	require.Len(t, store.snapshot(), 1)

	// A fresh monitor picks the persisted window back up.
	reloaded := NewComplianceMonitor(store)
	assert.Equal(t, 12, reloaded.Usage()["/resolutions"])
	assert.Len(t, reloaded.Check(), 1)
}

func TestComplianceMonitorDropsExpiredOnReload(t *testing.T) {
	old := time.Now().Add(-2 * complianceWindow).UnixMilli()
	store := &memUsageStore{saved: []UsageSnapshot{
		{Endpoint: "/markets", Stamps: []int64{old, old + 1}},
	}}

	m := NewComplianceMonitor(store)
	assert.Zero(t, m.Usage()["/markets"])
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, 50, limitFor("/markets"))
	assert.Equal(t, 50, limitFor("/markets?limit=10"))
	assert.Equal(t, 100, limitFor("/orders"))
	assert.Equal(t, 10, limitFor("/resolutions"))
}
