package queue

import "time"

// TimelineEntry is one projected execution slot.
type TimelineEntry struct {
	ItemID           string    `json:"item_id"`
	MissionTitle     string    `json:"mission_title"`
	Priority         Priority  `json:"priority"`
	ProjectedStart   time.Time `json:"projected_start"`
	ProjectedEnd     time.Time `json:"projected_end"`
	EstimatedMinutes int       `json:"estimated_minutes"`
}

// ProjectTimeline walks the sorted queue with a running clock. Items
// run back to back unless a scheduled start pushes them later.
func ProjectTimeline(st *State, now time.Time) []TimelineEntry {
	items := append([]QueueItem(nil), st.Queue...)
	SortItems(items, now)

	entries := make([]TimelineEntry, 0, len(items))
	clock := now
	for _, item := range items {
		start := clock
		if item.ScheduledStart != nil && item.ScheduledStart.After(start) {
			start = *item.ScheduledStart
		}
		minutes := item.EstimatedMinutes
		if minutes <= 0 {
			minutes = fallbackMinutes(item)
		}
		end := start.Add(time.Duration(minutes) * time.Minute)
		entries = append(entries, TimelineEntry{
			ItemID:           item.ID,
			MissionTitle:     item.MissionTitle,
			Priority:         item.Priority,
			ProjectedStart:   start,
			ProjectedEnd:     end,
			EstimatedMinutes: minutes,
		})
		clock = end
	}
	return entries
}

// fallbackMinutes covers items queued before estimation ran.
func fallbackMinutes(item QueueItem) int {
	cycles := item.CycleBudget
	if cycles < 1 {
		cycles = 1
	}
	minutes := cycles * defaultCycleMinutes
	if minutes < minMissionMinutes {
		return minMissionMinutes
	}
	if minutes > maxMissionMinutes {
		return maxMissionMinutes
	}
	return minutes
}

// Stats is the queue dashboard snapshot.
type Stats struct {
	TotalItems              int              `json:"total_items"`
	ByPriority              map[Priority]int `json:"by_priority"`
	ReadyNow                int              `json:"ready_now"`
	Blocked                 int              `json:"blocked"`
	EstimatedBacklogMinutes int              `json:"estimated_backlog_minutes"`
	Enabled                 bool             `json:"enabled"`
	Paused                  bool             `json:"paused"`
	PauseReason             string           `json:"pause_reason,omitempty"`
	NextItemID              string           `json:"next_item_id,omitempty"`
	LastProcessedAt         *time.Time       `json:"last_processed_at,omitempty"`
}

// BuildStats summarizes readiness and backlog for dashboards.
func BuildStats(st *State, now time.Time, deps DependencyStore) *Stats {
	stats := &Stats{
		TotalItems:      len(st.Queue),
		ByPriority:      make(map[Priority]int),
		Enabled:         st.Enabled,
		Paused:          st.Paused,
		PauseReason:     st.PauseReason,
		LastProcessedAt: st.LastProcessedAt,
	}
	for _, item := range st.Queue {
		stats.ByPriority[item.Priority]++
		minutes := item.EstimatedMinutes
		if minutes <= 0 {
			minutes = fallbackMinutes(item)
		}
		stats.EstimatedBacklogMinutes += minutes
		if Evaluate(item, st, now, deps).Ready {
			stats.ReadyNow++
		}
	}
	next, blocked := GetNextReady(st, now, deps)
	if next != nil {
		stats.NextItemID = next.ID
	}
	stats.Blocked = len(blocked)
	return stats
}
