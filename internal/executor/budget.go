package executor

import (
	"fmt"
	"sync"
	"time"

	"overseer/internal/logging"
)

// BudgetPolicy selects how a TimeoutBudget divides usable time among children.
type BudgetPolicy string

const (
	// PolicyParallel gives every child the full usable budget. Children
	// run concurrently, so they share wall-clock, not time.
	PolicyParallel BudgetPolicy = "PARALLEL"
	// PolicyEqual splits usable time evenly.
	PolicyEqual BudgetPolicy = "EQUAL"
	// PolicyWeighted splits usable time proportionally to child weights.
	PolicyWeighted BudgetPolicy = "WEIGHTED"
	// PolicyFixed gives each child a fixed slice, capped by what is available.
	PolicyFixed BudgetPolicy = "FIXED"
	// PolicyFirstCome gives each child the full remaining budget at
	// allocation time. Children run sequentially.
	PolicyFirstCome BudgetPolicy = "FIRST_COME"
)

const (
	DefaultReserveRatio    = 0.10
	DefaultMinChildTimeout = 60 * time.Second
)

// TimeoutBudget divides a total wall-clock budget among named children,
// holding back a reserve for coordination overhead. Budgets nest: a
// child budget's total is its parent allocation's remaining time.
type TimeoutBudget struct {
	mu           sync.Mutex
	total        time.Duration
	reserveRatio float64
	minChild     time.Duration
	policy       BudgetPolicy
	startedAt    time.Time
	allocations  map[string]time.Duration
	childStarts  map[string]time.Time
}

// NewTimeoutBudget builds a budget with the default reserve and minimum
// child timeout. The budget clock starts immediately.
func NewTimeoutBudget(total time.Duration, policy BudgetPolicy) *TimeoutBudget {
	return &TimeoutBudget{
		total:        total,
		reserveRatio: DefaultReserveRatio,
		minChild:     DefaultMinChildTimeout,
		policy:       policy,
		startedAt:    time.Now(),
		allocations:  make(map[string]time.Duration),
		childStarts:  make(map[string]time.Time),
	}
}

// WithReserveRatio overrides the reserve held back from allocation.
func (b *TimeoutBudget) WithReserveRatio(r float64) *TimeoutBudget {
	if r >= 0 && r < 1 {
		b.reserveRatio = r
	}
	return b
}

// WithMinChildTimeout overrides the floor applied to every allocation.
func (b *TimeoutBudget) WithMinChildTimeout(d time.Duration) *TimeoutBudget {
	if d > 0 {
		b.minChild = d
	}
	return b
}

// Total returns the full budget.
func (b *TimeoutBudget) Total() time.Duration {
	return b.total
}

// Policy returns the allocation policy.
func (b *TimeoutBudget) Policy() BudgetPolicy {
	return b.policy
}

// Usable returns the budget minus the reserve.
func (b *TimeoutBudget) Usable() time.Duration {
	return time.Duration(float64(b.total) * (1 - b.reserveRatio))
}

// Remaining returns usable time not yet consumed by the wall clock.
func (b *TimeoutBudget) Remaining() time.Duration {
	rem := b.Usable() - time.Since(b.startedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// AllocateChildren assigns a timeout to each child id under the budget's
// policy. weights applies to WEIGHTED (missing ids weigh 1.0) and fixed
// to FIXED; both are ignored otherwise. Every allocation is clamped to
// at least the minimum child timeout.
func (b *TimeoutBudget) AllocateChildren(ids []string, weights map[string]float64, fixed time.Duration) map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]time.Duration, len(ids))
	if len(ids) == 0 {
		return out
	}

	usable := b.Usable()
	n := time.Duration(len(ids))

	switch b.policy {
	case PolicyParallel:
		for _, id := range ids {
			out[id] = usable
		}
	case PolicyEqual:
		share := usable / n
		for _, id := range ids {
			out[id] = share
		}
	case PolicyWeighted:
		var sum float64
		resolved := make(map[string]float64, len(ids))
		for _, id := range ids {
			w := 1.0
			if weights != nil {
				if v, ok := weights[id]; ok && v > 0 {
					w = v
				}
			}
			resolved[id] = w
			sum += w
		}
		for _, id := range ids {
			out[id] = time.Duration(float64(usable) * resolved[id] / sum)
		}
	case PolicyFixed:
		available := b.remainingLocked()
		perChild := available / n
		for _, id := range ids {
			alloc := fixed
			if alloc > perChild {
				alloc = perChild
			}
			out[id] = alloc
		}
	case PolicyFirstCome:
		remaining := b.remainingLocked()
		for _, id := range ids {
			out[id] = remaining
		}
	default:
		share := usable / n
		for _, id := range ids {
			out[id] = share
		}
	}

	for id, alloc := range out {
		if alloc < b.minChild {
			out[id] = b.minChild
		}
		b.allocations[id] = out[id]
	}

	logging.ExecutorDebug("budget allocated policy=%s children=%d usable=%v", b.policy, len(ids), usable)
	return out
}

func (b *TimeoutBudget) remainingLocked() time.Duration {
	rem := b.Usable() - time.Since(b.startedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// StartChild records a child's start time so per-child remaining time
// can be measured.
func (b *TimeoutBudget) StartChild(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.childStarts[id]; !ok {
		b.childStarts[id] = time.Now()
	}
}

// ChildRemaining returns how much of a child's allocation is left. A
// child that never started keeps its full allocation.
func (b *TimeoutBudget) ChildRemaining(id string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	alloc, ok := b.allocations[id]
	if !ok {
		return 0, fmt.Errorf("no allocation for child %q", id)
	}
	started, ok := b.childStarts[id]
	if !ok {
		return alloc, nil
	}
	rem := alloc - time.Since(started)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// CreateChildBudget derives a nested budget whose total is the named
// child's remaining time. The child inherits policy, reserve, and
// minimum unless the caller overrides them afterward.
func (b *TimeoutBudget) CreateChildBudget(agentID string) (*TimeoutBudget, error) {
	rem, err := b.ChildRemaining(agentID)
	if err != nil {
		return nil, err
	}
	child := NewTimeoutBudget(rem, b.policy)
	child.reserveRatio = b.reserveRatio
	child.minChild = b.minChild
	return child, nil
}
