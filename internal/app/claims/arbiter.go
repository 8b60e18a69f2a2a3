// Package claims resolves the race when several users attempt to accept the
// same open task. Arbitration rides on the store's conditional write: at most
// one concurrent accept can match the expected prior state, so exactly one
// caller wins without any client-side locking.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nuid"

	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/sharding"
)

type ClaimResult string

const (
	ClaimWon                ClaimResult = "won"
	ClaimLostAlreadyClaimed ClaimResult = "lost_already_claimed"
	ClaimLostNotOpen        ClaimResult = "lost_not_open"
	ClaimSelfRejected       ClaimResult = "self_claim_rejected"
)

// Lost reports whether the result is a loss rather than a win or rejection.
func (r ClaimResult) Lost() bool {
	return r == ClaimLostAlreadyClaimed || r == ClaimLostNotOpen
}

// ErrStoreUnavailable wraps transient store failures that survived the
// bounded retry loop.
var ErrStoreUnavailable = errors.New("store unavailable")

var claimsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "board_claims_total",
	Help: "Claim attempts by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(claimsTotal)
}

type PublishFunc func(subject string, payload []byte) error

type Store interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	ClaimOpen(ctx context.Context, taskID, claimantID, claimantName string, now time.Time) (bool, error)
}

type Arbiter struct {
	Store   Store
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string

	// MaxAttempts bounds retries of the conditional write on transient store
	// errors; a write that lands but matches nothing is never retried.
	MaxAttempts int
	Backoff     time.Duration
	Sleep       func(time.Duration)
}

func NewArbiter(store Store, publish PublishFunc) *Arbiter {
	return &Arbiter{
		Store:       store,
		Publish:     publish,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
		MaxAttempts: 3,
		Backoff:     50 * time.Millisecond,
		Sleep:       time.Sleep,
	}
}

// TryClaim arbitrates one accept attempt. Losing is a normal outcome, not an
// error: the error return is reserved for missing tasks and store failures.
func (a *Arbiter) TryClaim(ctx context.Context, taskID, claimantID, claimantName string) (ClaimResult, contracts.Task, error) {
	task, err := a.Store.GetTask(ctx, taskID)
	if err != nil {
		return "", contracts.Task{}, err
	}

	if task.CreatedBy == claimantID {
		claimsTotal.Inc(string(ClaimSelfRejected))
		return ClaimSelfRejected, task, nil
	}
	if task.Status != contracts.TaskStatusOpen {
		claimsTotal.Inc(string(ClaimLostNotOpen))
		return ClaimLostNotOpen, task, nil
	}

	now := a.Now()
	var lastErr error
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		if attempt > 0 {
			a.Sleep(a.Backoff << (attempt - 1))
		}

		won, err := a.Store.ClaimOpen(ctx, taskID, claimantID, claimantName, now)
		if err != nil {
			lastErr = err
			continue
		}

		if won {
			task.Status = contracts.TaskStatusAccepted
			task.ClaimedBy = claimantID
			task.ClaimedByName = claimantName
			acceptedAt := now
			task.AcceptedAt = &acceptedAt
			claimsTotal.Inc(string(ClaimWon))
			a.publishAccepted(task, claimantID, claimantName)
			return ClaimWon, task, nil
		}

		// The expected prior state was gone: someone else moved the task.
		current, err := a.Store.GetTask(ctx, taskID)
		if err != nil {
			return "", contracts.Task{}, err
		}
		result := ClaimLostNotOpen
		if current.ClaimedBy != "" {
			result = ClaimLostAlreadyClaimed
		}
		claimsTotal.Inc(string(result))
		return result, current, nil
	}

	return "", contracts.Task{}, fmt.Errorf("claim task %s: %w: %w", taskID, ErrStoreUnavailable, lastErr)
}

func (a *Arbiter) publishAccepted(task contracts.Task, claimantID, claimantName string) {
	event := contracts.TaskEvent{
		EventID:    a.NewID(),
		TaskID:     task.TaskID,
		ActorID:    claimantID,
		ActorName:  claimantName,
		EventType:  contracts.EventTaskAccepted,
		Status:     task.Status,
		OccurredAt: a.Now(),
		ShardID:    sharding.GetShardID(task.TaskID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.Publish(sharding.EventSubject(task.TaskID), payload)
}
