package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
)

// complianceWindow is the provider's published accounting window.
const complianceWindow = 10 * time.Second

// checkInterval paces the periodic violation check and the persistence
// flush, so a crash loses at most one interval of usage accounting.
const checkInterval = 10 * time.Second

// defaultEndpointLimit applies to endpoints without an explicit entry.
const defaultEndpointLimit = 50

// endpointLimits mirrors the provider's per-endpoint allowances.
var endpointLimits = map[string]int{
	"/markets":     50,
	"/orders":      100,
	"/resolutions": 10,
}

// Violation records one window where an endpoint exceeded its limit.
type Violation struct {
	TS       time.Time     `json:"ts"`
	Endpoint string        `json:"endpoint"`
	Count    int           `json:"count"`
	Window   time.Duration `json:"window"`
	Limit    int           `json:"limit"`
}

// UsageSnapshot is the persisted form of one endpoint's rolling window,
// written through the local store so a restart cannot silently bust a
// provider window.
type UsageSnapshot struct {
	Endpoint string  `json:"endpoint"`
	Stamps   []int64 `json:"stamps"` // unix ms
}

// UsageStore persists usage windows across restarts. The bolt-backed
// local store implements it.
type UsageStore interface {
	SaveUsage(snapshots []UsageSnapshot) error
	LoadUsage() ([]UsageSnapshot, error)
}

// ComplianceMonitor counts provider calls per endpoint over a sliding
// window and reports windows that exceed the published limits.
type ComplianceMonitor struct {
	mu     sync.Mutex
	usage  map[string][]time.Time
	store  UsageStore
	logger zerolog.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewComplianceMonitor creates a monitor. store may be nil; when set,
// previously persisted windows are loaded so accounting continues
// across restarts.
func NewComplianceMonitor(store UsageStore) *ComplianceMonitor {
	m := &ComplianceMonitor{
		usage:    make(map[string][]time.Time),
		store:    store,
		logger:   log.WithComponent("compliance"),
		interval: checkInterval,
	}
	if store != nil {
		snapshots, err := store.LoadUsage()
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to load persisted usage windows")
			return m
		}
		cutoff := time.Now().Add(-complianceWindow)
		for _, snap := range snapshots {
			for _, ms := range snap.Stamps {
				ts := time.UnixMilli(ms)
				if ts.After(cutoff) {
					m.usage[snap.Endpoint] = append(m.usage[snap.Endpoint], ts)
				}
			}
		}
	}
	return m
}

// Start launches the periodic check-and-persist loop.
func (m *ComplianceMonitor) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and flushes the windows one last time.
func (m *ComplianceMonitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	if err := m.Persist(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist usage windows")
	}
}

func (m *ComplianceMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check()
			if err := m.Persist(); err != nil {
				m.logger.Warn().Err(err).Msg("failed to persist usage windows")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Record counts one call against the endpoint's current window. The
// key is the bare path, so paginated calls that differ only in their
// query string accumulate in one window.
func (m *ComplianceMonitor) Record(endpoint string) {
	endpoint = endpointPath(endpoint)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage[endpoint] = append(m.pruneLocked(endpoint, now), now)
}

// endpointPath strips the query string.
func endpointPath(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

// pruneLocked drops stamps older than the window.
func (m *ComplianceMonitor) pruneLocked(endpoint string, now time.Time) []time.Time {
	cutoff := now.Add(-complianceWindow)
	stamps := m.usage[endpoint]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.usage[endpoint] = kept
	return kept
}

// Usage returns the current in-window call count per endpoint.
func (m *ComplianceMonitor) Usage() map[string]int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.usage))
	for endpoint := range m.usage {
		out[endpoint] = len(m.pruneLocked(endpoint, now))
	}
	return out
}

// Check compares every endpoint's window against its limit and returns
// the violations found.
func (m *ComplianceMonitor) Check() []Violation {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var violations []Violation
	for endpoint := range m.usage {
		count := len(m.pruneLocked(endpoint, now))
		limit := limitFor(endpoint)
		if count <= limit {
			continue
		}
		violations = append(violations, Violation{
			TS:       now,
			Endpoint: endpoint,
			Count:    count,
			Window:   complianceWindow,
			Limit:    limit,
		})
		metrics.ComplianceViolations.WithLabelValues(endpoint).Inc()
		m.logger.Warn().
			Str("endpoint", endpoint).
			Int("count", count).
			Int("limit", limit).
			Msg("rate-limit window exceeded")
	}
	return violations
}

// Persist writes the current windows through the usage store.
func (m *ComplianceMonitor) Persist() error {
	if m.store == nil {
		return nil
	}
	now := time.Now()

	m.mu.Lock()
	snapshots := make([]UsageSnapshot, 0, len(m.usage))
	for endpoint := range m.usage {
		stamps := m.pruneLocked(endpoint, now)
		snap := UsageSnapshot{Endpoint: endpoint, Stamps: make([]int64, 0, len(stamps))}
		for _, ts := range stamps {
			snap.Stamps = append(snap.Stamps, ts.UnixMilli())
		}
		snapshots = append(snapshots, snap)
	}
	m.mu.Unlock()

	return m.store.SaveUsage(snapshots)
}

func limitFor(endpoint string) int {
	if limit, ok := endpointLimits[endpoint]; ok {
		return limit
	}
	// Class-level entries cover endpoints carrying query strings.
	if limit, ok := endpointLimits["/"+ClassForEndpoint(endpoint)]; ok {
		return limit
	}
	return defaultEndpointLimit
}
