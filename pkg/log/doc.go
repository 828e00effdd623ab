/*
Package log provides structured logging for keeperd using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  Global Logger (zerolog, initialized via log.Init)        │
	│       ↓                                                   │
	│  Configuration                                            │
	│    - Level: debug/info/warn/error                         │
	│    - Format: JSON or console (human)                      │
	│    - Output: stdout, file, or custom writer               │
	│       ↓                                                   │
	│  Context Loggers                                          │
	│    - WithComponent("elector")                             │
	│    - WithKeeperID("keeper-abc123")                        │
	│    - WithMarketID("mkt-xyz")                              │
	│    - WithVerseID("verse-def")                             │
	│       ↓                                                   │
	│  Output                                                   │
	│    JSON:    {"level":"info","component":"elector",...}    │
	│    Console: 10:30AM INF lease acquired component=elector  │
	└───────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Simple logging:

	log.Info("keeper registered")
	log.Warn("heartbeat missed")
	log.Fatal("cannot open local store") // exits the process

Structured logging:

	log.Logger.Info().
		Str("keeper_id", "keeper-abc").
		Uint64("generation", 7).
		Msg("assignment accepted")

Component loggers:

	electorLog := log.WithComponent("elector")
	electorLog.Info().Str("lease", "keeper:leader:lock").Msg("campaigning")

	marketLog := log.WithMarketID("mkt-123")
	marketLog.Error().Err(err).Msg("verse update failed")

Never log provider API secrets or the keeper's signing key; use typed
fields (.Str, .Int, .Err) rather than string concatenation so logs stay
parseable by aggregation tools.
*/
package log
