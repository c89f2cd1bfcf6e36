package health

import "github.com/rivergate/foreman/registry"

// Config configures the Health Monitor's three sweep schedules and the
// thresholds they act on.
type Config struct {
	// HeartbeatSchedule, TimeoutSchedule, and SystemHealthSchedule are
	// robfig/cron/v3 expressions, typically "@every 30s" style.
	HeartbeatSchedule    string
	TimeoutSchedule      string
	SystemHealthSchedule string

	// HeartbeatStaleSeconds is the threshold passed to the Agent
	// Registry's mark_stale; zero uses registry.DefaultStaleThresholdSeconds.
	HeartbeatStaleSeconds int

	// StuckThresholdSeconds is how long a ticket's tasks must sit all
	// terminal and unvalidated before the stuck workflow sweep flags it;
	// zero uses DefaultStuckThresholdSeconds.
	StuckThresholdSeconds int

	// CooldownSeconds is the minimum gap between two diagnostic.stuck_detected
	// emissions for the same ticket; zero uses DefaultCooldownSeconds.
	CooldownSeconds int
}

// DefaultConfig returns the sweep cadence and thresholds the engine runs
// with out of the box: heartbeats and timeouts checked every thirty
// seconds, stuck workflows swept once a minute.
func DefaultConfig() Config {
	return Config{
		HeartbeatSchedule:     "@every 30s",
		TimeoutSchedule:       "@every 30s",
		SystemHealthSchedule:  "@every 1m",
		HeartbeatStaleSeconds: registry.DefaultStaleThresholdSeconds,
		StuckThresholdSeconds: DefaultStuckThresholdSeconds,
		CooldownSeconds:       DefaultCooldownSeconds,
	}
}
