package config

import "time"

// SnapshotConfig configures the mission snapshot manager.
type SnapshotConfig struct {
	// Cron expression for the periodic snapshot while a mission is active
	Schedule string `yaml:"schedule"`

	// Rotation: keep this many within the rolling 24h window
	HourlyKeep int `yaml:"hourly_keep"`

	// Rotation: keep the newest per day for this many days
	DailyKeepDays int `yaml:"daily_keep_days"`

	// Warn when no snapshot exists within this window during an active mission
	StaleAfter string `yaml:"stale_after"`

	// Minimum gap between identical stale alerts
	StaleAlertCooldown string `yaml:"stale_alert_cooldown"`
}

// DefaultSnapshotConfig returns snapshot defaults.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Schedule:           "0 * * * *", // hourly
		HourlyKeep:         24,
		DailyKeepDays:      7,
		StaleAfter:         "2h",
		StaleAlertCooldown: "30m",
	}
}

// GetStaleAfter returns the stale-snapshot warning window.
func (s SnapshotConfig) GetStaleAfter() time.Duration {
	d, err := time.ParseDuration(s.StaleAfter)
	if err != nil {
		return 2 * time.Hour
	}
	return d
}

// GetStaleAlertCooldown returns the alert cooldown.
func (s SnapshotConfig) GetStaleAlertCooldown() time.Duration {
	d, err := time.ParseDuration(s.StaleAlertCooldown)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}
