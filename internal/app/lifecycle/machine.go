// Package lifecycle drives task state transitions. Every transition is a
// conditional write against the expected prior state, so a stale caller
// cannot clobber a move that already happened; the machine's job is to
// authorize the attempt up front and to classify a miss after the fact.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nuid"

	"github.com/campusboard/project/internal/app/claims"
	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/sharding"
)

var (
	// ErrInvalidTransition means the task's current state does not admit the
	// requested trigger.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotAuthorized means the actor's role on this task does not permit
	// the requested trigger.
	ErrNotAuthorized = errors.New("actor not authorized for transition")
)

var transitionsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "board_transitions_total",
	Help: "Lifecycle transition attempts by trigger and result.",
}, []string{"trigger", "result"})

func init() {
	metrics.Default.MustRegister(transitionsTotal)
}

const (
	resultApplied      = "applied"
	resultIdempotent   = "idempotent"
	resultInvalid      = "invalid"
	resultUnauthorized = "unauthorized"
	resultError        = "error"
)

type PublishFunc func(subject string, payload []byte) error

// Store is the slice of the task repository the machine writes through.
type Store interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	MarkRejected(ctx context.Context, taskID, actorID string) (bool, error)
	Release(ctx context.Context, taskID, actorID string) (bool, error)
	CompleteTask(ctx context.Context, taskID, actorID string, now time.Time, credit tasks.CreditFunc) (contracts.Task, bool, error)
}

// ClaimArbiter resolves concurrent accepts; the machine delegates the accept
// trigger to it wholesale.
type ClaimArbiter interface {
	TryClaim(ctx context.Context, taskID, claimantID, claimantName string) (claims.ClaimResult, contracts.Task, error)
}

type Machine struct {
	Store   Store
	Arbiter ClaimArbiter
	Publish PublishFunc

	// Credit runs inside the completing transaction, so a task is never
	// completed without its helper credit or vice versa.
	Credit tasks.CreditFunc

	Now   func() time.Time
	NewID func() string

	MaxAttempts int
	Backoff     time.Duration
	Sleep       func(time.Duration)
}

func NewMachine(store Store, arbiter ClaimArbiter, publish PublishFunc, credit tasks.CreditFunc) *Machine {
	return &Machine{
		Store:       store,
		Arbiter:     arbiter,
		Publish:     publish,
		Credit:      credit,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
		MaxAttempts: 3,
		Backoff:     50 * time.Millisecond,
		Sleep:       time.Sleep,
	}
}

// Accept hands the trigger to the arbiter. Losing the race is reported as a
// result, not an error.
func (m *Machine) Accept(ctx context.Context, taskID string, actor tasks.Actor) (claims.ClaimResult, contracts.Task, error) {
	result, task, err := m.Arbiter.TryClaim(ctx, taskID, actor.UserID, actor.DisplayName)
	switch {
	case err != nil:
		transitionsTotal.Inc("accept", resultError)
	case result == claims.ClaimWon:
		transitionsTotal.Inc("accept", resultApplied)
	default:
		transitionsTotal.Inc("accept", string(result))
	}
	return result, task, err
}

// Reject moves an open task to its terminal rejected state. Any signed-in
// user except the creator may reject; repeating a reject on a task that is
// already rejected is a no-op that returns the task unchanged.
func (m *Machine) Reject(ctx context.Context, taskID string, actor tasks.Actor) (contracts.Task, error) {
	task, err := m.Store.GetTask(ctx, taskID)
	if err != nil {
		transitionsTotal.Inc("reject", resultError)
		return contracts.Task{}, err
	}

	if task.Status == contracts.TaskStatusRejected {
		transitionsTotal.Inc("reject", resultIdempotent)
		return task, nil
	}
	if task.CreatedBy == actor.UserID {
		transitionsTotal.Inc("reject", resultUnauthorized)
		return contracts.Task{}, fmt.Errorf("reject task %s as creator: %w", taskID, ErrNotAuthorized)
	}
	if task.Status != contracts.TaskStatusOpen {
		transitionsTotal.Inc("reject", resultInvalid)
		return contracts.Task{}, fmt.Errorf("reject task %s in state %s: %w", taskID, task.Status, ErrInvalidTransition)
	}

	moved, err := m.Store.MarkRejected(ctx, taskID, actor.UserID)
	if err != nil {
		transitionsTotal.Inc("reject", resultError)
		return contracts.Task{}, err
	}
	if !moved {
		// Lost a race with another transition between read and write.
		current, err := m.Store.GetTask(ctx, taskID)
		if err != nil {
			transitionsTotal.Inc("reject", resultError)
			return contracts.Task{}, err
		}
		if current.Status == contracts.TaskStatusRejected {
			transitionsTotal.Inc("reject", resultIdempotent)
			return current, nil
		}
		transitionsTotal.Inc("reject", resultInvalid)
		return contracts.Task{}, fmt.Errorf("reject task %s in state %s: %w", taskID, current.Status, ErrInvalidTransition)
	}

	task.Status = contracts.TaskStatusRejected
	transitionsTotal.Inc("reject", resultApplied)
	m.publish(task, actor, contracts.EventTaskRejected)
	return task, nil
}

// Release returns an accepted task to the open pool. The claimant may back
// out, and the creator may evict an unresponsive claimant.
func (m *Machine) Release(ctx context.Context, taskID string, actor tasks.Actor) (contracts.Task, error) {
	task, err := m.Store.GetTask(ctx, taskID)
	if err != nil {
		transitionsTotal.Inc("release", resultError)
		return contracts.Task{}, err
	}

	if task.Status != contracts.TaskStatusAccepted {
		transitionsTotal.Inc("release", resultInvalid)
		return contracts.Task{}, fmt.Errorf("release task %s in state %s: %w", taskID, task.Status, ErrInvalidTransition)
	}
	if actor.UserID != task.ClaimedBy && actor.UserID != task.CreatedBy {
		transitionsTotal.Inc("release", resultUnauthorized)
		return contracts.Task{}, fmt.Errorf("release task %s: %w", taskID, ErrNotAuthorized)
	}

	moved, err := m.Store.Release(ctx, taskID, actor.UserID)
	if err != nil {
		transitionsTotal.Inc("release", resultError)
		return contracts.Task{}, err
	}
	if !moved {
		current, err := m.Store.GetTask(ctx, taskID)
		if err != nil {
			transitionsTotal.Inc("release", resultError)
			return contracts.Task{}, err
		}
		transitionsTotal.Inc("release", resultInvalid)
		return contracts.Task{}, fmt.Errorf("release task %s in state %s: %w", taskID, current.Status, ErrInvalidTransition)
	}

	task.Status = contracts.TaskStatusOpen
	task.ClaimedBy = ""
	task.ClaimedByName = ""
	task.AcceptedAt = nil
	transitionsTotal.Inc("release", resultApplied)
	m.publish(task, actor, contracts.EventTaskReleased)
	return task, nil
}

// Complete moves an accepted task to its terminal completed state and, in
// the same store transaction, credits the helper's reputation. Only the
// creator may confirm completion; repeating the trigger on a task that is
// already completed returns it unchanged without a second credit.
func (m *Machine) Complete(ctx context.Context, taskID string, actor tasks.Actor) (contracts.Task, error) {
	task, err := m.Store.GetTask(ctx, taskID)
	if err != nil {
		transitionsTotal.Inc("complete", resultError)
		return contracts.Task{}, err
	}

	if task.Status == contracts.TaskStatusCompleted {
		transitionsTotal.Inc("complete", resultIdempotent)
		return task, nil
	}
	if task.CreatedBy != actor.UserID {
		transitionsTotal.Inc("complete", resultUnauthorized)
		return contracts.Task{}, fmt.Errorf("complete task %s: %w", taskID, ErrNotAuthorized)
	}
	if task.Status != contracts.TaskStatusAccepted {
		transitionsTotal.Inc("complete", resultInvalid)
		return contracts.Task{}, fmt.Errorf("complete task %s in state %s: %w", taskID, task.Status, ErrInvalidTransition)
	}

	now := m.Now()
	var lastErr error
	for attempt := 0; attempt < m.MaxAttempts; attempt++ {
		if attempt > 0 {
			m.Sleep(m.Backoff << (attempt - 1))
		}

		completed, moved, err := m.Store.CompleteTask(ctx, taskID, actor.UserID, now, m.Credit)
		if err != nil {
			lastErr = err
			continue
		}

		if moved {
			transitionsTotal.Inc("complete", resultApplied)
			m.publish(completed, actor, contracts.EventTaskCompleted)
			return completed, nil
		}

		// The conditional write matched nothing. A retry after a commit whose
		// ack was lost lands here and resolves as the idempotent case.
		current, err := m.Store.GetTask(ctx, taskID)
		if err != nil {
			transitionsTotal.Inc("complete", resultError)
			return contracts.Task{}, err
		}
		if current.Status == contracts.TaskStatusCompleted {
			transitionsTotal.Inc("complete", resultIdempotent)
			return current, nil
		}
		transitionsTotal.Inc("complete", resultInvalid)
		return contracts.Task{}, fmt.Errorf("complete task %s in state %s: %w", taskID, current.Status, ErrInvalidTransition)
	}

	transitionsTotal.Inc("complete", resultError)
	return contracts.Task{}, fmt.Errorf("complete task %s: %w: %w", taskID, claims.ErrStoreUnavailable, lastErr)
}

func (m *Machine) publish(task contracts.Task, actor tasks.Actor, eventType string) {
	event := contracts.TaskEvent{
		EventID:    m.NewID(),
		TaskID:     task.TaskID,
		ActorID:    actor.UserID,
		ActorName:  actor.DisplayName,
		EventType:  eventType,
		Status:     task.Status,
		OccurredAt: m.Now(),
		ShardID:    sharding.GetShardID(task.TaskID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = m.Publish(sharding.EventSubject(task.TaskID), payload)
}
