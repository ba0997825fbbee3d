package config

// KnowledgeConfig configures knowledge base retrieval.
type KnowledgeConfig struct {
	// Override for the knowledge sqlite path; empty means <home>/data/knowledge.db
	DBPath string `yaml:"db_path"`

	// Learnings returned per retrieval
	TopK int `yaml:"top_k"`

	// Whether PLANNING prompts receive a knowledge context block
	PlanningContextEnabled bool `yaml:"planning_context_enabled"`
}

// DefaultKnowledgeConfig returns knowledge base defaults.
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		TopK:                   5,
		PlanningContextEnabled: true,
	}
}
