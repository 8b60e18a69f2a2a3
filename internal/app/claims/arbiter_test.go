package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/contracts"
)

// raceStore is a mutex-guarded in-memory stand-in for the conditional write:
// the check-and-set under one lock mirrors what Postgres does per statement.
type raceStore struct {
	mu            sync.Mutex
	tasks         map[string]contracts.Task
	claimAttempts int
	claimErrs     []error
}

func newRaceStore(seed ...contracts.Task) *raceStore {
	s := &raceStore{tasks: map[string]contracts.Task{}}
	for _, t := range seed {
		s.tasks[t.TaskID] = t
	}
	return s
}

func (s *raceStore) GetTask(_ context.Context, taskID string) (contracts.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return contracts.Task{}, tasks.ErrTaskNotFound
	}
	return t, nil
}

func (s *raceStore) ClaimOpen(_ context.Context, taskID, claimantID, claimantName string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimAttempts++
	if len(s.claimErrs) > 0 {
		err := s.claimErrs[0]
		s.claimErrs = s.claimErrs[1:]
		if err != nil {
			return false, err
		}
	}
	t, ok := s.tasks[taskID]
	if !ok || t.Status != contracts.TaskStatusOpen || t.ClaimedBy != "" || t.CreatedBy == claimantID {
		return false, nil
	}
	t.Status = contracts.TaskStatusAccepted
	t.ClaimedBy = claimantID
	t.ClaimedByName = claimantName
	acceptedAt := now
	t.AcceptedAt = &acceptedAt
	s.tasks[taskID] = t
	return true, nil
}

func openTask(id, creator string) contracts.Task {
	return contracts.Task{
		TaskID:    id,
		Title:     "Carry boxes",
		Status:    contracts.TaskStatusOpen,
		CreatedBy: creator,
		CreatedAt: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func newTestArbiter(store Store) *Arbiter {
	a := NewArbiter(store, func(string, []byte) error { return nil })
	a.Sleep = func(time.Duration) {}
	return a
}

func TestTryClaim_AtMostOneWinner(t *testing.T) {
	store := newRaceStore(openTask("task-1", "creator"))
	arb := newTestArbiter(store)

	const claimants = 32
	results := make([]ClaimResult, claimants)
	errs := make([]error, claimants)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimant := fmt.Sprintf("helper-%d", i)
			results[i], _, errs[i] = arb.TryClaim(context.Background(), "task-1", claimant, "Helper")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("claimant %d errored: %v", i, errs[i])
		}
		switch results[i] {
		case ClaimWon:
			wins++
		case ClaimLostAlreadyClaimed, ClaimLostNotOpen:
		default:
			t.Fatalf("claimant %d got unexpected result %q", i, results[i])
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	final, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != contracts.TaskStatusAccepted || final.ClaimedBy == "" {
		t.Fatalf("task did not end accepted with a claimant: %+v", final)
	}
}

func TestTryClaim_SelfClaimRejected(t *testing.T) {
	store := newRaceStore(openTask("task-1", "creator"))
	arb := newTestArbiter(store)

	result, task, err := arb.TryClaim(context.Background(), "task-1", "creator", "Creator")
	if err != nil {
		t.Fatalf("TryClaim error: %v", err)
	}
	if result != ClaimSelfRejected {
		t.Fatalf("expected ClaimSelfRejected, got %q", result)
	}
	if task.Status != contracts.TaskStatusOpen || store.claimAttempts != 0 {
		t.Fatalf("self-claim must not touch the task (attempts=%d, task=%+v)", store.claimAttempts, task)
	}
}

func TestTryClaim_NotOpenSkipsWrite(t *testing.T) {
	task := openTask("task-1", "creator")
	task.Status = contracts.TaskStatusRejected
	store := newRaceStore(task)
	arb := newTestArbiter(store)

	result, _, err := arb.TryClaim(context.Background(), "task-1", "helper", "Helper")
	if err != nil {
		t.Fatalf("TryClaim error: %v", err)
	}
	if result != ClaimLostNotOpen {
		t.Fatalf("expected ClaimLostNotOpen, got %q", result)
	}
	if store.claimAttempts != 0 {
		t.Fatalf("no write may be attempted against a non-open task, got %d", store.claimAttempts)
	}
}

func TestTryClaim_UnknownTask(t *testing.T) {
	store := newRaceStore()
	arb := newTestArbiter(store)

	_, _, err := arb.TryClaim(context.Background(), "missing", "helper", "Helper")
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTryClaim_RetriesTransientErrors(t *testing.T) {
	store := newRaceStore(openTask("task-1", "creator"))
	store.claimErrs = []error{errors.New("connection reset"), errors.New("connection reset")}
	arb := newTestArbiter(store)

	var slept []time.Duration
	arb.Sleep = func(d time.Duration) { slept = append(slept, d) }

	result, task, err := arb.TryClaim(context.Background(), "task-1", "helper", "Helper")
	if err != nil {
		t.Fatalf("TryClaim error: %v", err)
	}
	if result != ClaimWon || task.ClaimedBy != "helper" {
		t.Fatalf("expected win after retries, got %q %+v", result, task)
	}
	if len(slept) != 2 || slept[1] <= slept[0] {
		t.Fatalf("expected two growing backoffs, got %v", slept)
	}
}

func TestTryClaim_SurfacesExhaustedRetries(t *testing.T) {
	store := newRaceStore(openTask("task-1", "creator"))
	store.claimErrs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}
	arb := newTestArbiter(store)

	_, _, err := arb.TryClaim(context.Background(), "task-1", "helper", "Helper")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	final, _ := store.GetTask(context.Background(), "task-1")
	if final.Status != contracts.TaskStatusOpen {
		t.Fatalf("failed claim must not mutate the task: %+v", final)
	}
}

func TestTryClaim_LostClassification(t *testing.T) {
	store := newRaceStore(openTask("task-1", "creator"))
	arb := newTestArbiter(store)

	// First claimant wins, the second observes the mutated state.
	if result, _, err := arb.TryClaim(context.Background(), "task-1", "helper-a", "A"); err != nil || result != ClaimWon {
		t.Fatalf("setup claim failed: %q %v", result, err)
	}

	result, current, err := arb.TryClaim(context.Background(), "task-1", "helper-b", "B")
	if err != nil {
		t.Fatalf("TryClaim error: %v", err)
	}
	if result != ClaimLostAlreadyClaimed {
		t.Fatalf("expected ClaimLostAlreadyClaimed, got %q", result)
	}
	if current.ClaimedBy != "helper-a" {
		t.Fatalf("loser must observe the winner, got %+v", current)
	}
}
