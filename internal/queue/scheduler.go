package queue

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"overseer/internal/atomicfile"
	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/mission"
)

// DependencyStore resolves inter-mission dependencies and reports
// whether a mission is currently in flight. Readiness is a pure
// function of the queue, the clock, and this store.
type DependencyStore interface {
	// DependencyStatus resolves the terminal status of missionID.
	DependencyStatus(missionID string) DependencyStatus
	// ActiveMission returns the in-progress mission, if any.
	ActiveMission() (string, bool)
}

// fileDependencyStore reads mission logs and the live mission file.
type fileDependencyStore struct {
	logsDir   string
	statePath string
}

// NewDependencyStore returns the production dependency store backed by
// the mission log directory and the live mission state file.
func NewDependencyStore(cfg *config.Config) DependencyStore {
	return &fileDependencyStore{
		logsDir:   cfg.MissionLogsDir(),
		statePath: cfg.MissionStatePath(),
	}
}

func (d *fileDependencyStore) DependencyStatus(missionID string) DependencyStatus {
	var rep mission.Report
	logPath := filepath.Join(d.logsDir, missionID+"_report.json")
	if err := atomicfile.ReadJSON(logPath, &rep); err == nil && rep.MissionID != "" {
		if rep.Satisfied() {
			return DepReady
		}
		return DepBlocked
	}
	if id, active := d.ActiveMission(); active && id == missionID {
		return DepWaiting
	}
	return DepNotFound
}

func (d *fileDependencyStore) ActiveMission() (string, bool) {
	var m mission.Mission
	if err := atomicfile.ReadJSON(d.statePath, &m); err != nil || m.MissionID == "" {
		return "", false
	}
	return m.MissionID, !m.Completed()
}

// StartCondition is a parsed start_condition clause.
type StartCondition struct {
	// Kind is "idle_after", "at", or "after_mission".
	Kind string
	// At is the absolute gate time for "at" conditions.
	At time.Time
	// MinutesOfDay is the HH:MM gate for "idle_after" conditions.
	MinutesOfDay int
	// MissionID is the prerequisite for "after_mission" conditions.
	MissionID string
}

// ParseStartCondition validates and decodes a start_condition string.
// Supported forms: "idle_after:HH:MM", "at:<RFC3339>", and
// "after_mission:<mission_id>".
func ParseStartCondition(raw string) (*StartCondition, error) {
	kind, arg, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("start condition %q is missing its argument", raw)
	}
	switch kind {
	case "idle_after":
		hh, mm, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("idle_after wants HH:MM, got %q", arg)
		}
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return nil, fmt.Errorf("idle_after wants HH:MM, got %q", arg)
		}
		return &StartCondition{Kind: kind, MinutesOfDay: h*60 + m}, nil
	case "at":
		t, err := time.Parse(time.RFC3339, arg)
		if err != nil {
			return nil, fmt.Errorf("at wants an RFC3339 time: %w", err)
		}
		return &StartCondition{Kind: kind, At: t}, nil
	case "after_mission":
		if strings.TrimSpace(arg) == "" {
			return nil, fmt.Errorf("after_mission wants a mission id")
		}
		return &StartCondition{Kind: kind, MissionID: strings.TrimSpace(arg)}, nil
	default:
		return nil, fmt.Errorf("unknown start condition kind %q", kind)
	}
}

// Readiness is the advancement verdict for one queue item.
type Readiness struct {
	Ready      bool
	Reason     string
	Dependency DependencyStatus
}

// Evaluate decides whether one item may start now.
func Evaluate(item QueueItem, st *State, now time.Time, deps DependencyStore) Readiness {
	if !st.Enabled {
		return Readiness{Reason: "queue disabled"}
	}
	if st.Paused {
		return Readiness{Reason: "queue paused"}
	}
	if item.ScheduledStart != nil && item.ScheduledStart.After(now) {
		return Readiness{Reason: fmt.Sprintf("scheduled for %s", item.ScheduledStart.Format(time.RFC3339))}
	}

	if item.StartCondition != "" {
		cond, err := ParseStartCondition(item.StartCondition)
		if err != nil {
			return Readiness{Reason: err.Error()}
		}
		switch cond.Kind {
		case "idle_after":
			minutes := now.Hour()*60 + now.Minute()
			if minutes < cond.MinutesOfDay {
				return Readiness{Reason: fmt.Sprintf("waiting for %02d:%02d", cond.MinutesOfDay/60, cond.MinutesOfDay%60)}
			}
			if id, active := deps.ActiveMission(); active {
				return Readiness{Reason: fmt.Sprintf("mission %s still in progress", id)}
			}
		case "at":
			if now.Before(cond.At) {
				return Readiness{Reason: fmt.Sprintf("scheduled for %s", cond.At.Format(time.RFC3339))}
			}
		case "after_mission":
			status := deps.DependencyStatus(cond.MissionID)
			if status != DepReady {
				return Readiness{
					Reason:     fmt.Sprintf("mission %s is %s", cond.MissionID, status),
					Dependency: status,
				}
			}
		}
	}

	if item.DependsOn != "" {
		status := deps.DependencyStatus(item.DependsOn)
		if status != DepReady {
			return Readiness{
				Reason:     fmt.Sprintf("dependency %s is %s", item.DependsOn, status),
				Dependency: status,
			}
		}
	}

	return Readiness{Ready: true, Dependency: DepReady}
}

// Blocked pairs a gated item with why it cannot advance.
type Blocked struct {
	Item   QueueItem
	Status DependencyStatus
	Reason string
}

// GetNextReady returns the first ready item in sorted order together
// with every item whose dependency is terminally blocked. The result
// depends only on the arguments, so two calls at the same clock agree.
func GetNextReady(st *State, now time.Time, deps DependencyStore) (*QueueItem, []Blocked) {
	items := append([]QueueItem(nil), st.Queue...)
	SortItems(items, now)

	var next *QueueItem
	var blocked []Blocked
	for i := range items {
		r := Evaluate(items[i], st, now, deps)
		if r.Ready {
			if next == nil {
				it := items[i]
				next = &it
			}
			continue
		}
		if r.Dependency == DepBlocked {
			blocked = append(blocked, Blocked{Item: items[i], Status: r.Dependency, Reason: r.Reason})
		}
	}
	return next, blocked
}

// Scheduler ties the queue store, the dependency store, and the
// estimator into the operation set the CLI and watcher drive.
type Scheduler struct {
	cfg   *config.Config
	store *Store
	deps  DependencyStore
	est   *Estimator
	now   func() time.Time
}

// NewScheduler builds a scheduler. A nil deps falls back to the
// file-backed production store.
func NewScheduler(cfg *config.Config, deps DependencyStore) *Scheduler {
	if deps == nil {
		deps = NewDependencyStore(cfg)
	}
	return &Scheduler{
		cfg:   cfg,
		store: NewStore(cfg),
		deps:  deps,
		est:   NewEstimator(cfg.MissionLogsDir()),
		now:   time.Now,
	}
}

// Store exposes the underlying queue store for direct mutations.
func (s *Scheduler) Store() *Store { return s.store }

// Add enqueues an item, estimating its duration from mission history
// when auto-estimation is on and the caller gave none.
func (s *Scheduler) Add(item QueueItem) (QueueItem, error) {
	if item.EstimatedMinutes <= 0 {
		st, err := s.store.Load()
		if err != nil {
			logging.QueueWarn("queue state unreadable, using defaults: %v", err)
		}
		if st.AutoEstimateTime {
			cycles := item.CycleBudget
			if cycles <= 0 {
				cycles = s.cfg.Mission.DefaultCycleBudget
			}
			item.EstimatedMinutes = s.est.EstimateMinutes(item.MissionDescription, cycles)
		}
	}
	return s.store.Add(item)
}

// Remove deletes an item by id.
func (s *Scheduler) Remove(id string) (QueueItem, error) {
	return s.store.Remove(id)
}

// Update patches an item in place.
func (s *Scheduler) Update(id string, fn func(*QueueItem) error) (QueueItem, error) {
	return s.store.Update(id, fn)
}

// Pause suppresses advancement; Resume lifts it. Both are idempotent.
func (s *Scheduler) Pause(reason string) error { return s.store.Pause(reason) }

// Resume re-enables advancement after a pause.
func (s *Scheduler) Resume() error { return s.store.Resume() }

// List returns the queue in execution order.
func (s *Scheduler) List() (*State, error) {
	st, err := s.store.Load()
	if err != nil {
		return st, err
	}
	SortItems(st.Queue, s.now())
	return st, nil
}

// NextReady evaluates the queue without mutating it.
func (s *Scheduler) NextReady() (*QueueItem, []Blocked, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, nil, err
	}
	next, blocked := GetNextReady(st, s.now(), s.deps)
	return next, blocked, nil
}

// Timeline projects start and end times for the current queue order.
func (s *Scheduler) Timeline() ([]TimelineEntry, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return ProjectTimeline(st, s.now()), nil
}

// Statistics summarizes the queue for dashboards.
func (s *Scheduler) Statistics() (*Stats, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return BuildStats(st, s.now(), s.deps), nil
}

// Suggestions scores pairwise dependencies between queued items.
func (s *Scheduler) Suggestions() ([]DependencySuggestion, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return SuggestDependencies(st.Queue), nil
}
