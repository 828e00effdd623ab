package metrics

import (
	"time"
)

// Sample is a point-in-time view of the keeper used to refresh gauges.
type Sample struct {
	IsLeader        bool
	State           string
	AssignmentSize  int
	Generation      uint64
	VersesTracked   int
	QueueDepth      int
	EmergencyMode   bool
	KeepersByHealth map[string]int
	BucketsByClass  map[string]float64
}

// Source provides fleet samples. The keeper node implements it.
type Source interface {
	Sample() Sample
}

// Collector collects gauge metrics from the keeper
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	s := c.source.Sample()

	if s.IsLeader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}

	AssignmentSize.Set(float64(s.AssignmentSize))
	AssignmentGeneration.Set(float64(s.Generation))
	VersesTracked.Set(float64(s.VersesTracked))
	LimiterQueueDepth.Set(float64(s.QueueDepth))

	if s.EmergencyMode {
		EmergencyMode.Set(1)
	} else {
		EmergencyMode.Set(0)
	}

	for health, count := range s.KeepersByHealth {
		FleetKeepers.WithLabelValues(health).Set(float64(count))
	}

	for class, tokens := range s.BucketsByClass {
		BucketTokens.WithLabelValues(class).Set(tokens)
	}
}
