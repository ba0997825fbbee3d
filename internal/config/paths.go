package config

import "path/filepath"

// Home directory layout. All runtime state lives under the installation
// root so a single directory can be backed up or wiped.
//
//	<home>/
//	  config.yaml
//	  .env
//	  state/            mission + queue JSON, processing lock
//	  mission_logs/     per-mission final reports
//	  checkpoints/      agent + stage recovery records
//	  snapshots/        content-hashed mission snapshots
//	  transcripts/      provider JSONL transcripts, per mission
//	  data/             sqlite databases
//	  logs/             category debug logs

// StateDir holds the live mission file, the queue file, and the processing lock.
func (c *Config) StateDir() string {
	return filepath.Join(c.Home, "state")
}

// MissionStatePath is the single live mission record.
func (c *Config) MissionStatePath() string {
	return filepath.Join(c.StateDir(), "mission_state.json")
}

// QueueStatePath is the mission queue file.
func (c *Config) QueueStatePath() string {
	return filepath.Join(c.StateDir(), "mission_queue.json")
}

// ProcessingLockPath is the cross-process queue advancement lock.
func (c *Config) ProcessingLockPath() string {
	return filepath.Join(c.StateDir(), "queue_processing.lock")
}

// MissionLogsDir holds one final report JSON per completed mission.
func (c *Config) MissionLogsDir() string {
	return filepath.Join(c.Home, "mission_logs")
}

// CheckpointsDir holds per-mission agent checkpoints and stage recovery records.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.Home, "checkpoints")
}

// SnapshotsDir holds content-hashed mission snapshots.
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.Home, "snapshots")
}

// TranscriptsDir holds provider transcript JSONL files, one subdirectory per mission.
func (c *Config) TranscriptsDir() string {
	return filepath.Join(c.Home, "transcripts")
}

// DataDir holds the sqlite databases.
func (c *Config) DataDir() string {
	return filepath.Join(c.Home, "data")
}

// AnalyticsDBPath is the token/cost analytics database.
func (c *Config) AnalyticsDBPath() string {
	if c.Analytics.DBPath != "" {
		return c.Analytics.DBPath
	}
	return filepath.Join(c.DataDir(), "analytics.db")
}

// KnowledgeDBPath is the knowledge base database.
func (c *Config) KnowledgeDBPath() string {
	if c.Knowledge.DBPath != "" {
		return c.Knowledge.DBPath
	}
	return filepath.Join(c.DataDir(), "knowledge.db")
}

// SuggestionsDBPath is the next-mission suggestion database.
func (c *Config) SuggestionsDBPath() string {
	return filepath.Join(c.DataDir(), "suggestions.db")
}

// WorkspacesDir holds per-mission working directories.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.Home, "workspaces")
}
