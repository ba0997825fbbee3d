package mission

import (
	"context"
	"sort"
	"sync"
	"time"

	"overseer/internal/logging"
)

// StageOutcome summarizes one finished stage attempt for handlers.
type StageOutcome struct {
	Stage         Stage         `json:"stage"`
	Cycle         int           `json:"cycle"`
	Iteration     int           `json:"iteration"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration_ns"`
	Summary       string        `json:"summary,omitempty"`
	FilesCreated  []string      `json:"files_created,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
}

// Handler is the capability set an integration exposes to the engine.
// Handlers run in priority order (lower first) and are independent: a
// failing handler is logged and skipped, never fatal.
type Handler interface {
	Name() string
	Priority() int
	OnStageStarted(ctx context.Context, m *Mission, stage Stage) error
	OnPromptGenerated(ctx context.Context, m *Mission, stage Stage, prompt string) (string, error)
	OnStageEnded(ctx context.Context, m *Mission, outcome *StageOutcome) error
	OnMissionCompleted(ctx context.Context, m *Mission, report *Report) error
}

// BaseHandler is a no-op Handler for embedding, so integrations only
// override the hooks they care about.
type BaseHandler struct{}

func (BaseHandler) Priority() int { return 100 }
func (BaseHandler) OnStageStarted(ctx context.Context, m *Mission, stage Stage) error {
	return nil
}
func (BaseHandler) OnPromptGenerated(ctx context.Context, m *Mission, stage Stage, prompt string) (string, error) {
	return "", nil
}
func (BaseHandler) OnStageEnded(ctx context.Context, m *Mission, outcome *StageOutcome) error {
	return nil
}
func (BaseHandler) OnMissionCompleted(ctx context.Context, m *Mission, report *Report) error {
	return nil
}

// Registry holds the registered integrations in dispatch order.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler and re-sorts by priority. Registration order
// breaks priority ties, so dependency order is preserved among equals.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return r.handlers[i].Priority() < r.handlers[j].Priority()
	})
	logging.Mission("integration registered: %s (priority=%d, total=%d)", h.Name(), h.Priority(), len(r.handlers))
}

func (r *Registry) snapshot() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

func (r *Registry) fireStageStarted(ctx context.Context, m *Mission, stage Stage) {
	for _, h := range r.snapshot() {
		if err := h.OnStageStarted(ctx, m, stage); err != nil {
			logging.MissionWarn("integration %s OnStageStarted: %v", h.Name(), err)
		}
	}
}

// firePromptGenerated collects extra context strings from handlers.
// Non-empty returns are appended to the prompt in priority order.
func (r *Registry) firePromptGenerated(ctx context.Context, m *Mission, stage Stage, prompt string) []string {
	var additions []string
	for _, h := range r.snapshot() {
		extra, err := h.OnPromptGenerated(ctx, m, stage, prompt)
		if err != nil {
			logging.MissionWarn("integration %s OnPromptGenerated: %v", h.Name(), err)
			continue
		}
		if extra != "" {
			additions = append(additions, extra)
		}
	}
	return additions
}

func (r *Registry) fireStageEnded(ctx context.Context, m *Mission, outcome *StageOutcome) {
	for _, h := range r.snapshot() {
		if err := h.OnStageEnded(ctx, m, outcome); err != nil {
			logging.MissionWarn("integration %s OnStageEnded: %v", h.Name(), err)
		}
	}
}

func (r *Registry) fireMissionCompleted(ctx context.Context, m *Mission, report *Report) {
	for _, h := range r.snapshot() {
		if err := h.OnMissionCompleted(ctx, m, report); err != nil {
			logging.MissionWarn("integration %s OnMissionCompleted: %v", h.Name(), err)
		}
	}
}
