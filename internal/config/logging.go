package config

// LoggingConfig configures categorized debug logging.
// The logging package re-reads this section from config.yaml directly
// to avoid a circular import; keep field names in sync.
type LoggingConfig struct {
	// Master switch; when false nothing is written
	DebugMode bool `yaml:"debug_mode"`

	// Per-category toggles; absent categories default to enabled
	Categories map[string]bool `yaml:"categories"`

	// debug, info, warn, error
	Level string `yaml:"level"`

	// json or text
	Format string `yaml:"format"`

	// Emit structured JSON entries instead of text lines
	JSONFormat bool `yaml:"json_format"`
}
