// Package queue schedules missions: a priority-ordered backlog with
// scheduled starts, inter-mission dependencies, duration estimation,
// and a cross-process lock guarding advancement. The stage engine runs
// one mission at a time; the queue decides which one runs next.
package queue

import (
	"fmt"
	"sort"
	"time"

	"overseer/internal/config"
)

// Priority orders queue items. Lower weight runs earlier.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Weight returns the numeric sort weight for the priority.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 5
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 20
	}
	return PriorityNormal.Weight()
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority converts a user-supplied string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("priority %q invalid (CRITICAL, HIGH, NORMAL, LOW)", s)
	}
	return p, nil
}

// DependencyStatus is the resolved state of a depends_on mission.
type DependencyStatus string

const (
	// DepReady means the dependency's log shows a COMPLETE final stage.
	DepReady DependencyStatus = "READY"
	// DepWaiting means the dependency is still in progress.
	DepWaiting DependencyStatus = "WAITING"
	// DepBlocked means the dependency ended failed, halted, or aborted.
	// A blocked dependency never becomes ready on its own and must be
	// surfaced to the operator.
	DepBlocked DependencyStatus = "BLOCKED"
	// DepNotFound means no record of the dependency exists yet.
	DepNotFound DependencyStatus = "NOT_FOUND"
)

// QueueItem is one queued mission.
type QueueItem struct {
	ID                 string     `json:"id"`
	MissionTitle       string     `json:"mission_title"`
	MissionDescription string     `json:"mission_description"`
	CycleBudget        int        `json:"cycle_budget"`
	QueuedAt           time.Time  `json:"queued_at"`
	Priority           Priority   `json:"priority"`
	ScheduledStart     *time.Time `json:"scheduled_start,omitempty"`
	StartCondition     string     `json:"start_condition,omitempty"`
	DependsOn          string     `json:"depends_on,omitempty"`
	EstimatedMinutes   int        `json:"estimated_minutes,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
}

// effectiveStart is the scheduling time used for ordering. An item
// without a scheduled start competes as if scheduled for now.
func (q *QueueItem) effectiveStart(now time.Time) time.Time {
	if q.ScheduledStart == nil {
		return now
	}
	return *q.ScheduledStart
}

// State is the persistent queue file.
type State struct {
	Queue            []QueueItem                 `json:"queue"`
	Enabled          bool                        `json:"enabled"`
	Paused           bool                        `json:"paused"`
	PausedAt         *time.Time                  `json:"paused_at,omitempty"`
	PauseReason      string                      `json:"pause_reason,omitempty"`
	LastProcessedAt  *time.Time                  `json:"last_processed_at,omitempty"`
	AutoEstimateTime bool                        `json:"auto_estimate_time"`
	DefaultPriority  Priority                    `json:"default_priority"`
	Notifications    config.NotificationSettings `json:"notification_settings"`
}

// NewState returns an empty queue seeded from configuration.
func NewState(cfg config.QueueConfig) *State {
	return &State{
		Queue:            []QueueItem{},
		Enabled:          cfg.Enabled,
		AutoEstimateTime: cfg.AutoEstimateTime,
		DefaultPriority:  Priority(cfg.DefaultPriority),
		Notifications:    cfg.Notifications,
	}
}

// find returns the index of the item with the given id, or -1.
func (s *State) find(id string) int {
	for i := range s.Queue {
		if s.Queue[i].ID == id {
			return i
		}
	}
	return -1
}

// SortItems orders items in place by (priority weight, effective
// scheduled start, queued_at). The sort is stable, so items whose keys
// tie keep their current relative order.
func SortItems(items []QueueItem, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		wi, wj := items[i].Priority.Weight(), items[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		si, sj := items[i].effectiveStart(now), items[j].effectiveStart(now)
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}
