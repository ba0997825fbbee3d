package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/atomicfile"
	"overseer/internal/mission"
)

func enabledState(items ...QueueItem) *State {
	return &State{Queue: items, Enabled: true, DefaultPriority: PriorityNormal}
}

func TestEvaluateQueueGates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	item := QueueItem{ID: "x", MissionDescription: "anything", Priority: PriorityNormal, QueuedAt: now}

	st := enabledState(item)
	st.Enabled = false
	assert.False(t, Evaluate(item, st, now, deps).Ready, "disabled queue")

	st = enabledState(item)
	st.Paused = true
	assert.False(t, Evaluate(item, st, now, deps).Ready, "paused queue")

	st = enabledState(item)
	assert.True(t, Evaluate(item, st, now, deps).Ready)
}

func TestEvaluateScheduledStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	gated := QueueItem{ID: "later", ScheduledStart: &future, QueuedAt: now}
	open := QueueItem{ID: "sooner", ScheduledStart: &past, QueuedAt: now}

	r := Evaluate(gated, enabledState(gated), now, deps)
	assert.False(t, r.Ready)
	assert.Contains(t, r.Reason, "scheduled for")

	assert.True(t, Evaluate(open, enabledState(open), now, deps).Ready)
}

func TestEvaluateIdleAfterCondition(t *testing.T) {
	deps := newFakeDeps()
	item := QueueItem{ID: "night", StartCondition: "idle_after:22:00"}
	st := enabledState(item)

	morning := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := Evaluate(item, st, morning, deps)
	assert.False(t, r.Ready)
	assert.Contains(t, r.Reason, "22:00")

	night := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
	deps.setActive("busy123")
	r = Evaluate(item, st, night, deps)
	assert.False(t, r.Ready, "idle_after needs an idle engine")
	assert.Contains(t, r.Reason, "busy123")

	deps.setActive("")
	assert.True(t, Evaluate(item, st, night, deps).Ready)
}

func TestEvaluateAtCondition(t *testing.T) {
	deps := newFakeDeps()
	item := QueueItem{ID: "timed", StartCondition: "at:2026-03-01T10:00:00Z"}
	st := enabledState(item)

	before := time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC)
	assert.False(t, Evaluate(item, st, before, deps).Ready)

	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, Evaluate(item, st, after, deps).Ready)
}

func TestEvaluateAfterMissionCondition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	item := QueueItem{ID: "seq", StartCondition: "after_mission:m1"}
	st := enabledState(item)

	r := Evaluate(item, st, now, deps)
	assert.False(t, r.Ready)
	assert.Equal(t, DepNotFound, r.Dependency)

	deps.set("m1", DepWaiting)
	assert.Equal(t, DepWaiting, Evaluate(item, st, now, deps).Dependency)

	deps.set("m1", DepReady)
	assert.True(t, Evaluate(item, st, now, deps).Ready)
}

func TestEvaluateDependsOn(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	item := QueueItem{ID: "child", DependsOn: "parent1"}
	st := enabledState(item)

	deps.set("parent1", DepBlocked)
	r := Evaluate(item, st, now, deps)
	assert.False(t, r.Ready)
	assert.Equal(t, DepBlocked, r.Dependency)

	deps.set("parent1", DepReady)
	assert.True(t, Evaluate(item, st, now, deps).Ready)
}

func TestGetNextReadyOrdersAndSurfacesBlocked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	deps.set("dead", DepBlocked)

	st := enabledState(
		QueueItem{ID: "stuck", Priority: PriorityCritical, DependsOn: "dead", QueuedAt: now},
		QueueItem{ID: "normal", Priority: PriorityNormal, QueuedAt: now},
		QueueItem{ID: "high", Priority: PriorityHigh, QueuedAt: now},
	)

	next, blocked := GetNextReady(st, now, deps)
	require.NotNil(t, next)
	assert.Equal(t, "high", next.ID, "blocked critical item must not shadow the ready one")
	require.Len(t, blocked, 1)
	assert.Equal(t, "stuck", blocked[0].Item.ID)
	assert.Equal(t, DepBlocked, blocked[0].Status)
}

func TestGetNextReadyIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newFakeDeps()
	st := enabledState(
		QueueItem{ID: "b", Priority: PriorityNormal, QueuedAt: now.Add(time.Second)},
		QueueItem{ID: "a", Priority: PriorityNormal, QueuedAt: now},
	)

	first, _ := GetNextReady(st, now, deps)
	second, _ := GetNextReady(st, now, deps)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a", first.ID)
}

func TestGetNextReadyEmptyQueue(t *testing.T) {
	now := time.Now()
	next, blocked := GetNextReady(enabledState(), now, newFakeDeps())
	assert.Nil(t, next)
	assert.Empty(t, blocked)
}

func writeReport(t *testing.T, dir, missionID, status, haltReason string) {
	t.Helper()
	rep := &mission.Report{
		MissionID:   missionID,
		FinalStage:  mission.StageComplete,
		FinalStatus: status,
		HaltReason:  haltReason,
		CompletedAt: time.Now().UTC(),
	}
	path := filepath.Join(dir, missionID+"_report.json")
	require.NoError(t, atomicfile.WriteJSON(path, rep))
}

func TestFileDependencyStore(t *testing.T) {
	cfg := testConfig(t)
	deps := NewDependencyStore(cfg)

	assert.Equal(t, DepNotFound, deps.DependencyStatus("ghost"))

	writeReport(t, cfg.MissionLogsDir(), "done1", mission.StatusComplete, "")
	assert.Equal(t, DepReady, deps.DependencyStatus("done1"))

	writeReport(t, cfg.MissionLogsDir(), "halt1", mission.StatusHalted, "scope drift")
	assert.Equal(t, DepBlocked, deps.DependencyStatus("halt1"))

	live := mission.NewMission("still going", 3, "")
	require.NoError(t, atomicfile.WriteJSON(cfg.MissionStatePath(), live))
	assert.Equal(t, DepWaiting, deps.DependencyStatus(live.MissionID))

	id, active := deps.ActiveMission()
	assert.True(t, active)
	assert.Equal(t, live.MissionID, id)

	// A finished live mission no longer counts as active.
	live.CurrentStage = mission.StageComplete
	require.NoError(t, atomicfile.WriteJSON(cfg.MissionStatePath(), live))
	_, active = deps.ActiveMission()
	assert.False(t, active)
}

func TestDependencyGatingEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	sched := NewScheduler(cfg, nil)

	_, err := sched.Add(QueueItem{ID: "b1", MissionDescription: "needs m123", DependsOn: "m123"})
	require.NoError(t, err)

	next, _, err := sched.NextReady()
	require.NoError(t, err)
	assert.Nil(t, next, "missing dependency log must gate the item")

	writeReport(t, cfg.MissionLogsDir(), "m123", mission.StatusComplete, "")

	next, _, err = sched.NextReady()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b1", next.ID)
}

func TestSchedulerAddAutoEstimates(t *testing.T) {
	cfg := testConfig(t)
	sched := NewScheduler(cfg, newFakeDeps())

	added, err := sched.Add(QueueItem{MissionDescription: "polish the docs", CycleBudget: 2})
	require.NoError(t, err)
	assert.Equal(t, 60, added.EstimatedMinutes, "no history: default pace 30 min/cycle")

	kept, err := sched.Add(QueueItem{MissionDescription: "already sized", EstimatedMinutes: 90})
	require.NoError(t, err)
	assert.Equal(t, 90, kept.EstimatedMinutes, "explicit estimates are kept")
}

func TestSchedulerListSorted(t *testing.T) {
	cfg := testConfig(t)
	sched := NewScheduler(cfg, newFakeDeps())

	_, err := sched.Add(QueueItem{ID: "slow", MissionDescription: "low pri", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = sched.Add(QueueItem{ID: "fast", MissionDescription: "high pri", Priority: PriorityHigh})
	require.NoError(t, err)

	st, err := sched.List()
	require.NoError(t, err)
	require.Len(t, st.Queue, 2)
	assert.Equal(t, "fast", st.Queue[0].ID)
}
