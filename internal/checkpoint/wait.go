package checkpoint

import (
	"context"
	"os"
	"time"

	"overseer/internal/logging"
)

// ProgressFunc receives (terminal, total) counts after each poll.
type ProgressFunc func(done, total int)

// WaitForAll polls the named agents until every one reaches a terminal
// status or the timeout elapses. At the deadline (or on context
// cancellation) any agent still non-terminal is forced to TIMEOUT so
// the on-disk state always tells the truth about what happened.
// Returns true only when every agent ended COMPLETED.
func (s *Store) WaitForAll(ctx context.Context, agentIDs []string, timeout, pollInterval time.Duration, onProgress ProgressFunc) bool {
	if len(agentIDs) == 0 {
		return true
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done, allCompleted := s.poll(agentIDs, onProgress)
		if done == len(agentIDs) {
			return allCompleted
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.forceTimeouts(agentIDs, onProgress)
		}

		select {
		case <-ctx.Done():
			logging.CheckpointWarn("wait canceled with %d/%d agents terminal", done, len(agentIDs))
			return s.forceTimeouts(agentIDs, onProgress)
		case <-ticker.C:
		}
	}
}

// poll reads every record once and reports how many are terminal and
// whether all terminal ones so far are COMPLETED.
func (s *Store) poll(agentIDs []string, onProgress ProgressFunc) (done int, allCompleted bool) {
	allCompleted = true
	for _, id := range agentIDs {
		rec, err := s.Get(id)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.CheckpointWarn("poll %s: %v", id, err)
			}
			allCompleted = false
			continue
		}
		if rec.Status.Terminal() {
			done++
			if rec.Status != StatusCompleted {
				allCompleted = false
			}
		} else {
			allCompleted = false
		}
	}
	if onProgress != nil {
		onProgress(done, len(agentIDs))
	}
	return done, allCompleted
}

// forceTimeouts marks every non-terminal agent TIMEOUT and reports
// whether the run as a whole succeeded (it did not, by definition,
// unless every agent had already completed).
func (s *Store) forceTimeouts(agentIDs []string, onProgress ProgressFunc) bool {
	allCompleted := true
	done := 0
	for _, id := range agentIDs {
		rec, err := s.Get(id)
		if err != nil {
			// Record was never published; synthesize a terminal one.
			now := time.Now().UTC()
			werr := s.write(&Record{
				AgentID:   id,
				MissionID: s.missionID,
				Status:    StatusTimeout,
				CreatedAt: now,
				UpdatedAt: now,
				Error:     "deadline exceeded before first checkpoint",
			})
			if werr != nil {
				logging.CheckpointError("force timeout %s: %v", id, werr)
			}
			allCompleted = false
			done++
			continue
		}
		if !rec.Status.Terminal() {
			if err := s.MarkTimeout(id); err != nil {
				logging.CheckpointError("force timeout %s: %v", id, err)
			}
			allCompleted = false
			done++
			continue
		}
		done++
		if rec.Status != StatusCompleted {
			allCompleted = false
		}
	}
	if onProgress != nil {
		onProgress(done, len(agentIDs))
	}
	return allCompleted
}
