package queue

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"overseer/internal/logging"
	"overseer/internal/mission"
)

const (
	// How many recent mission logs feed the pace average.
	estimateHistoryWindow = 30
	// Per-mission clamp applied to the historical estimate, minutes.
	minMissionMinutes = 15
	maxMissionMinutes = 300
	// Pace assumed when no history exists yet, minutes per cycle.
	defaultCycleMinutes = 30
)

// Estimator guesses mission durations from completed mission logs.
type Estimator struct {
	logsDir string
	window  int
}

// NewEstimator returns an estimator over the mission log directory.
func NewEstimator(logsDir string) *Estimator {
	return &Estimator{logsDir: logsDir, window: estimateHistoryWindow}
}

// EstimateMinutes predicts how long a mission with the given cycle
// budget will take. History sets the per-cycle pace; the description's
// complexity keywords scale the clamped result.
func (e *Estimator) EstimateMinutes(description string, cycles int) int {
	if cycles < 1 {
		cycles = 1
	}
	total := e.cyclePace() * float64(cycles)
	total = math.Min(math.Max(total, minMissionMinutes), maxMissionMinutes)
	total *= keywordMultiplier(description)
	return int(math.Round(total))
}

// cyclePace averages minutes-per-cycle over the most recent logs.
func (e *Estimator) cyclePace() float64 {
	entries, err := os.ReadDir(e.logsDir)
	if err != nil {
		return defaultCycleMinutes
	}

	type logFile struct {
		path string
		mod  int64
	}
	var logs []logFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_report.json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{
			path: filepath.Join(e.logsDir, entry.Name()),
			mod:  info.ModTime().UnixNano(),
		})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].mod > logs[j].mod })
	if len(logs) > e.window {
		logs = logs[:e.window]
	}

	var paces []float64
	for _, lf := range logs {
		rep, err := mission.LoadReport(lf.path)
		if err != nil {
			logging.QueueDebug("estimate: skipping unreadable log %s: %v", lf.path, err)
			continue
		}
		minutes := rep.CompletedAt.Sub(rep.StartedAt).Minutes()
		cycles := rep.TotalCycles
		if minutes <= 0 || cycles < 1 {
			continue
		}
		paces = append(paces, minutes/float64(cycles))
	}
	if len(paces) == 0 {
		return defaultCycleMinutes
	}

	var sum float64
	for _, p := range paces {
		sum += p
	}
	return sum / float64(len(paces))
}

// keywordMultiplier scales an estimate by the strongest complexity cue
// in the description.
func keywordMultiplier(description string) float64 {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "refactor") || strings.Contains(d, "overhaul"):
		return 1.5
	case strings.Contains(d, "comprehensive"):
		return 1.4
	case strings.Contains(d, "complex"):
		return 1.3
	case strings.Contains(d, "simple") || strings.Contains(d, "quick"):
		return 0.7
	}
	return 1.0
}
