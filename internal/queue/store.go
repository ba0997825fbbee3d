package queue

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"overseer/internal/atomicfile"
	"overseer/internal/config"
	"overseer/internal/logging"
)

// Store persists queue state. Every mutation is a read-modify-write
// under the queue file's exclusive lock so concurrent processes never
// lose each other's items.
type Store struct {
	path  string
	files *atomicfile.Store
	cfg   config.QueueConfig
}

// NewStore returns a store bound to the configured queue file.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		path:  cfg.QueueStatePath(),
		files: atomicfile.New(),
		cfg:   cfg.Queue,
	}
}

// Load reads the current queue state. A missing file yields the
// configured empty state; any other failure yields the same default
// plus the error, so callers can log and continue.
func (s *Store) Load() (*State, error) {
	st := NewState(s.cfg)
	if err := s.files.ReadJSON(s.path, st); err != nil && !os.IsNotExist(err) {
		return st, err
	}
	return st, nil
}

// Save writes the state wholesale. Prefer Mutate for changes that must
// not clobber concurrent writers.
func (s *Store) Save(st *State) error {
	return s.files.WriteJSON(s.path, st)
}

// Mutate applies fn to the live state under the exclusive lock and
// writes the result back. The returned state is the post-mutation view.
func (s *Store) Mutate(fn func(*State) error) (*State, error) {
	st := NewState(s.cfg)
	err := s.files.UpdateJSON(s.path, st, func() error {
		return fn(st)
	})
	return st, err
}

// Add validates and appends an item, filling defaults for id, title,
// queue time, and priority. The stored queue is re-sorted so callers
// always observe priority order.
func (s *Store) Add(item QueueItem) (QueueItem, error) {
	if strings.TrimSpace(item.MissionDescription) == "" {
		return QueueItem{}, fmt.Errorf("queue item needs a mission description")
	}
	if item.StartCondition != "" {
		if _, err := ParseStartCondition(item.StartCondition); err != nil {
			return QueueItem{}, err
		}
	}
	if item.Priority != "" && !item.Priority.Valid() {
		return QueueItem{}, fmt.Errorf("priority %q invalid (CRITICAL, HIGH, NORMAL, LOW)", item.Priority)
	}
	if item.CycleBudget < 0 || item.CycleBudget > 10 {
		return QueueItem{}, fmt.Errorf("cycle budget %d outside [0, 10]", item.CycleBudget)
	}

	if item.ID == "" {
		item.ID = uuid.New().String()[:8]
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	if item.MissionTitle == "" {
		item.MissionTitle = titleFor(item.MissionDescription)
	}

	_, err := s.Mutate(func(st *State) error {
		if st.find(item.ID) >= 0 {
			return fmt.Errorf("queue item %s already exists", item.ID)
		}
		if item.Priority == "" {
			item.Priority = st.DefaultPriority
		}
		st.Queue = append(st.Queue, item)
		SortItems(st.Queue, time.Now())
		return nil
	})
	if err != nil {
		return QueueItem{}, err
	}

	logging.Queue("queued %s [%s]: %s", item.ID, item.Priority, item.MissionTitle)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditQueueAdd,
		Target:    item.ID,
		Success:   true,
		Message:   fmt.Sprintf("Queue add: %s (%s)", item.ID, item.MissionTitle),
	})
	return item, nil
}

// Remove deletes an item by id and returns it.
func (s *Store) Remove(id string) (QueueItem, error) {
	var removed QueueItem
	_, err := s.Mutate(func(st *State) error {
		i := st.find(id)
		if i < 0 {
			return fmt.Errorf("queue item %s not found", id)
		}
		removed = st.Queue[i]
		st.Queue = append(st.Queue[:i], st.Queue[i+1:]...)
		return nil
	})
	if err != nil {
		return QueueItem{}, err
	}

	logging.Queue("removed %s from queue", id)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditQueueRemove,
		Target:    id,
		Success:   true,
		Message:   fmt.Sprintf("Queue remove: %s", id),
	})
	return removed, nil
}

// Update applies a patch function to one item. The patched item is
// re-validated before it is written back.
func (s *Store) Update(id string, fn func(*QueueItem) error) (QueueItem, error) {
	var updated QueueItem
	_, err := s.Mutate(func(st *State) error {
		i := st.find(id)
		if i < 0 {
			return fmt.Errorf("queue item %s not found", id)
		}
		if err := fn(&st.Queue[i]); err != nil {
			return err
		}
		st.Queue[i].ID = id
		if st.Queue[i].StartCondition != "" {
			if _, err := ParseStartCondition(st.Queue[i].StartCondition); err != nil {
				return err
			}
		}
		if st.Queue[i].Priority != "" && !st.Queue[i].Priority.Valid() {
			return fmt.Errorf("priority %q invalid (CRITICAL, HIGH, NORMAL, LOW)", st.Queue[i].Priority)
		}
		updated = st.Queue[i]
		SortItems(st.Queue, time.Now())
		return nil
	})
	if err != nil {
		return QueueItem{}, err
	}
	return updated, nil
}

// Pause suppresses new advancement. In-flight missions keep running.
// Pausing an already-paused queue only refreshes the reason.
func (s *Store) Pause(reason string) error {
	_, err := s.Mutate(func(st *State) error {
		if st.Paused {
			if reason != "" {
				st.PauseReason = reason
			}
			return nil
		}
		now := time.Now().UTC()
		st.Paused = true
		st.PausedAt = &now
		st.PauseReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	logging.Queue("queue paused: %s", reason)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditQueuePause,
		Action:    reason,
		Success:   true,
		Message:   fmt.Sprintf("Queue paused: %s", reason),
	})
	return nil
}

// Resume lifts a pause. Resuming an unpaused queue is a no-op.
func (s *Store) Resume() error {
	resumed := false
	_, err := s.Mutate(func(st *State) error {
		resumed = st.Paused
		st.Paused = false
		st.PausedAt = nil
		st.PauseReason = ""
		return nil
	})
	if err != nil {
		return err
	}
	if resumed {
		logging.Queue("queue resumed")
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditQueueResume,
			Success:   true,
			Message:   "Queue resumed",
		})
	}
	return nil
}

// Reorder arranges the queue to match the supplied id order, then
// re-sorts. Priority ordering always wins; manual order survives only
// where the sort keys tie, so the ids act as a preference, not a law.
func (s *Store) Reorder(ids []string) error {
	_, err := s.Mutate(func(st *State) error {
		pos := make(map[string]int, len(ids))
		for i, id := range ids {
			pos[id] = i
		}
		sort.SliceStable(st.Queue, func(i, j int) bool {
			pi, iok := pos[st.Queue[i].ID]
			pj, jok := pos[st.Queue[j].ID]
			if iok && jok {
				return pi < pj
			}
			return iok && !jok
		})
		SortItems(st.Queue, time.Now())
		return nil
	})
	return err
}

// titleFor derives a display title from the first line of a description.
func titleFor(description string) string {
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 80 {
			return line[:77] + "..."
		}
		return line
	}
	return "untitled mission"
}
