package orchestrator

import "time"

// Config holds orchestrator configuration.
type Config struct {
	// CycleInterval is how often the assignment loop ticks. Sub-second
	// and therefore a plain time.Ticker rather than a cron schedule.
	CycleInterval time.Duration `json:"cycle_interval"`

	// HeartbeatStaleSeconds is the age past which an agent's last
	// heartbeat marks it stale for the registry's sweep.
	HeartbeatStaleSeconds int `json:"heartbeat_stale_seconds"`

	Verbose bool `json:"verbose"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:         250 * time.Millisecond,
		HeartbeatStaleSeconds: 60,
		Verbose:               false,
	}
}
