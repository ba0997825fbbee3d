package config

import (
	"fmt"
	"time"
)

// QueueConfig configures the mission queue scheduler.
type QueueConfig struct {
	// Whether queue advancement runs at all
	Enabled bool `yaml:"enabled"`

	// Estimate durations for new items from mission history
	AutoEstimateTime bool `yaml:"auto_estimate_time"`

	// Priority assigned when an item does not name one
	DefaultPriority string `yaml:"default_priority"`

	// Background advancement watcher poll cadence
	WatcherPollInterval string `yaml:"watcher_poll_interval"`

	// Processing-lock record lifetime
	LockTTL string `yaml:"lock_ttl"`

	// Notification toggles; transport is an external consumer
	Notifications NotificationSettings `yaml:"notifications"`
}

// NotificationSettings records which queue events operators want surfaced.
type NotificationSettings struct {
	OnComplete bool `yaml:"on_complete" json:"on_complete"`
	OnFailure  bool `yaml:"on_failure" json:"on_failure"`
	OnBlocked  bool `yaml:"on_blocked" json:"on_blocked"`
}

// DefaultQueueConfig returns queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Enabled:             true,
		AutoEstimateTime:    true,
		DefaultPriority:     "NORMAL",
		WatcherPollInterval: "10s",
		LockTTL:             "60s",
		Notifications: NotificationSettings{
			OnComplete: true,
			OnFailure:  true,
			OnBlocked:  true,
		},
	}
}

// GetWatcherPollInterval returns the advancement watcher cadence.
func (q QueueConfig) GetWatcherPollInterval() time.Duration {
	d, err := time.ParseDuration(q.WatcherPollInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetLockTTL returns the processing-lock record lifetime.
func (q QueueConfig) GetLockTTL() time.Duration {
	d, err := time.ParseDuration(q.LockTTL)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Validate checks queue settings.
func (q QueueConfig) Validate() error {
	switch q.DefaultPriority {
	case "CRITICAL", "HIGH", "NORMAL", "LOW":
	default:
		return fmt.Errorf("queue default_priority %q invalid (CRITICAL, HIGH, NORMAL, LOW)", q.DefaultPriority)
	}
	if d := q.GetWatcherPollInterval(); d < 5*time.Second || d > 15*time.Second {
		return fmt.Errorf("queue watcher_poll_interval %v outside [5s, 15s]", d)
	}
	return nil
}
