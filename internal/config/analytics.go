package config

import "time"

// AnalyticsConfig configures token/cost analytics and transcript watching.
type AnalyticsConfig struct {
	// Override for the analytics sqlite path; empty means <home>/data/analytics.db
	DBPath string `yaml:"db_path"`

	// Whether the realtime transcript watcher runs
	TokenWatcherEnabled bool `yaml:"token_watcher_enabled"`

	// Polling fallback cadence when inotify is unavailable
	WatcherPollInterval string `yaml:"watcher_poll_interval"`
}

// DefaultAnalyticsConfig returns analytics defaults.
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		TokenWatcherEnabled: true,
		WatcherPollInterval: "2s",
	}
}

// GetWatcherPollInterval returns the transcript polling fallback cadence.
func (a AnalyticsConfig) GetWatcherPollInterval() time.Duration {
	d, err := time.ParseDuration(a.WatcherPollInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
