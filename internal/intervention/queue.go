// Package intervention manages the manual-intervention queue: persisted
// tasks for failures the system cannot recover from on its own.
package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// Store is the persistence the queue needs.
type Store interface {
	Save(ctx context.Context, task *types.InterventionTask) error
	Get(ctx context.Context, id string) (*types.InterventionTask, error)
	List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.InterventionTask, error)
	PendingCount(ctx context.Context) (int64, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// escalationWindow is the rolling window failure rates are judged over.
const escalationWindow = 24 * time.Hour

// defaultEscalationThreshold applies to error kinds without an explicit one.
const defaultEscalationThreshold = 3

// PriorityFor derives a task priority from the failure kind.
func PriorityFor(code types.ErrorCode) types.Priority {
	switch code {
	case types.ErrorCodeConfiguration, types.ErrorCodeFallbackExhausted:
		return types.PriorityCritical
	case types.ErrorCodeProviderTransient, types.ErrorCodeProviderQuotaOrAuth, types.ErrorCodeToolInit:
		return types.PriorityHigh
	case types.ErrorCodeCircuitOpen:
		return types.PriorityLow
	case types.ErrorCodeTimeout:
		return types.PriorityMedium
	default:
		return types.PriorityMedium
	}
}

// alwaysEnqueue reports whether the kind bypasses the escalation window.
func alwaysEnqueue(code types.ErrorCode) bool {
	return code == types.ErrorCodeFallbackExhausted || code == types.ErrorCodeCircuitOpen
}

// Queue tracks failure rates per error kind and persists intervention tasks
// once a kind's rate crosses its escalation threshold.
type Queue struct {
	store      Store
	logger     logging.Logger
	thresholds map[types.ErrorCode]int

	mu     sync.Mutex
	recent map[types.ErrorCode][]time.Time

	now func() time.Time
}

// NewQueue creates a Queue. thresholds may be nil; kinds not listed use the
// default.
func NewQueue(store Store, logger logging.Logger, thresholds map[types.ErrorCode]int) *Queue {
	return &Queue{
		store:      store,
		logger:     logger.WithComponent("intervention"),
		thresholds: thresholds,
		recent:     make(map[types.ErrorCode][]time.Time),
		now:        time.Now,
	}
}

// Report records a failure and enqueues a task when warranted. The returned
// task is nil when the failure stayed below its escalation threshold.
func (q *Queue) Report(ctx context.Context, report types.ErrorReport) (*types.InterventionTask, error) {
	if report.OccurredAt.IsZero() {
		report.OccurredAt = q.now().UTC()
	}

	if !alwaysEnqueue(report.Code) && !q.pastThreshold(report.Code) {
		q.logger.Debug("failure below escalation threshold",
			"code", string(report.Code), "component", report.Component)
		return nil, nil
	}

	task := types.NewInterventionTask(report, PriorityFor(report.Code))
	if err := q.store.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue intervention task: %w", err)
	}

	q.logger.Warn("intervention task enqueued",
		"task_id", task.ID, "code", string(report.Code),
		"priority", string(task.Priority), "source", report.Source)
	return task, nil
}

// pastThreshold records an occurrence and reports whether the kind's count
// within the rolling window has met its threshold.
func (q *Queue) pastThreshold(code types.ErrorCode) bool {
	threshold := q.thresholds[code]
	if threshold <= 0 {
		threshold = defaultEscalationThreshold
	}

	now := q.now()
	cutoff := now.Add(-escalationWindow)

	q.mu.Lock()
	defer q.mu.Unlock()

	times := q.recent[code]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	q.recent[code] = kept

	return len(kept) >= threshold
}

// List returns tasks, newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.InterventionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.store.List(ctx, status, limit)
}

// Resolve marks a task resolved with the given steps.
func (q *Queue) Resolve(ctx context.Context, id string, steps []string) error {
	return q.finish(ctx, id, types.TaskResolved, steps)
}

// Dismiss marks a task dismissed.
func (q *Queue) Dismiss(ctx context.Context, id string, note string) error {
	var notes []string
	if note != "" {
		notes = []string{note}
	}
	return q.finish(ctx, id, types.TaskDismissed, notes)
}

func (q *Queue) finish(ctx context.Context, id string, status types.TaskStatus, steps []string) error {
	task, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("intervention task %s not found", id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("intervention task %s already %s", id, task.Status)
	}

	task.Status = status
	task.ResolutionSteps = append(task.ResolutionSteps, steps...)
	resolved := q.now().UTC()
	task.ResolvedAt = &resolved
	return q.store.Save(ctx, task)
}

// PendingDepth returns the count of tasks awaiting attention.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	return q.store.PendingCount(ctx)
}

// Prune deletes terminal tasks older than maxAge.
func (q *Queue) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := q.store.PruneOlderThan(ctx, q.now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("pruned intervention tasks", "removed", n)
	}
	return n, nil
}
