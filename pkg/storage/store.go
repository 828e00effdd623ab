package storage

import (
	"github.com/versemarket/keeperd/pkg/ratelimit"
)

// Local is the keeper's private persistence surface. It carries only
// what must survive a restart: resolution idempotence markers, the
// last accepted assignment generation, and the rate-limit usage
// windows.
type Local interface {
	// Resolutions
	MarkResolutionProcessed(marketID string) error
	IsResolutionProcessed(marketID string) (bool, error)
	ListProcessedResolutions() ([]string, error)

	// Assignment generation
	SaveGeneration(generation uint64) error
	LoadGeneration() (uint64, error)

	// Compliance usage windows
	SaveUsage(snapshots []ratelimit.UsageSnapshot) error
	LoadUsage() ([]ratelimit.UsageSnapshot, error)

	// Utility
	Close() error
}
