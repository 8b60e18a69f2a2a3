//go:build integration

// These tests exercise the real repositories against a live Postgres (and,
// for the thread tail, a live NATS). Point DATABASE_URL and NATS_URL at the
// compose stack before running with -tags integration.
package integration_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/campusboard/project/internal/app/claims"
	"github.com/campusboard/project/internal/app/lifecycle"
	"github.com/campusboard/project/internal/app/reputation"
	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/app/thread"
	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/natsutil"
	"golang.org/x/sync/errgroup"
)

type stack struct {
	pool     *pgxpool.Pool
	tasks    *tasks.Repository
	threads  *thread.Repository
	ledger   *reputation.Ledger
	arbiter  *claims.Arbiter
	machine  *lifecycle.Machine
	threadSv *thread.Service
	nats     *natsutil.Client
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	taskRepo := tasks.NewRepository(pool)
	threadRepo := thread.NewRepository(pool)
	ledger := reputation.NewLedger(pool)
	for _, ensure := range []func(context.Context) error{
		taskRepo.EnsureSchema, threadRepo.EnsureSchema, ledger.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
	}

	s := &stack{
		pool:    pool,
		tasks:   taskRepo,
		threads: threadRepo,
		ledger:  ledger,
	}

	publish := func(string, []byte) error { return nil }
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 10*time.Second)
		if err != nil {
			t.Fatalf("connect nats: %v", err)
		}
		t.Cleanup(client.Close)
		s.nats = client
		publish = natsutil.JetStreamPublisher{JS: client.JS}.Publish
	}

	s.arbiter = claims.NewArbiter(taskRepo, publish)
	credit := func(ctx context.Context, tx pgx.Tx, helperID string) error {
		_, err := ledger.CreditCompletion(ctx, tx, helperID)
		return err
	}
	s.machine = lifecycle.NewMachine(taskRepo, s.arbiter, publish, credit)

	subscribe := func(subject string, handler func([]byte)) (tasks.Unsubscriber, error) {
		if s.nats == nil {
			return nil, errors.New("NATS_URL not set")
		}
		return s.nats.Conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	}
	s.threadSv = thread.NewService(threadRepo, taskRepo, publish, subscribe)
	return s
}

func (s *stack) seedOpenTask(t *testing.T, creatorID string) contracts.Task {
	t.Helper()
	task := contracts.Task{
		TaskID:        nuid.Next(),
		Title:         "integration task",
		Description:   "seeded by integration test",
		Location:      "Library",
		Urgency:       contracts.UrgencyMedium,
		Status:        contracts.TaskStatusOpen,
		CreatedBy:     creatorID,
		CreatedByName: "Creator",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.tasks.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestClaimRace_AtMostOneWinner(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	const claimants = 24
	task := s.seedOpenTask(t, "creator-"+nuid.Next())

	var wins atomic.Int64
	g, raceCtx := errgroup.WithContext(ctx)
	for i := 0; i < claimants; i++ {
		i := i
		g.Go(func() error {
			result, _, err := s.arbiter.TryClaim(raceCtx, task.TaskID, fmt.Sprintf("helper-%s-%d", task.TaskID, i), "Helper")
			if err != nil {
				return err
			}
			if result == claims.ClaimWon {
				wins.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("race: %v", err)
	}

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d winners, want exactly 1", got)
	}

	current, err := s.tasks.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if current.Status != contracts.TaskStatusAccepted || current.ClaimedBy == "" {
		t.Fatalf("task after race = %+v", current)
	}
}

func TestLifecycle_CompleteCreditsExactlyOnce(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	creatorID := "creator-" + nuid.Next()
	helperID := "helper-" + nuid.Next()
	creator := tasks.Actor{UserID: creatorID, DisplayName: "Creator"}
	task := s.seedOpenTask(t, creatorID)

	result, _, err := s.machine.Accept(ctx, task.TaskID, tasks.Actor{UserID: helperID, DisplayName: "Helper"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if result != claims.ClaimWon {
		t.Fatalf("accept result = %q", result)
	}

	before, err := s.ledger.Get(ctx, helperID)
	if err != nil {
		t.Fatalf("reputation before: %v", err)
	}

	completed, err := s.machine.Complete(ctx, task.TaskID, creator)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != contracts.TaskStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed task = %+v", completed)
	}

	// Repeat must be an idempotent no-op.
	if _, err := s.machine.Complete(ctx, task.TaskID, creator); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}

	after, err := s.ledger.Get(ctx, helperID)
	if err != nil {
		t.Fatalf("reputation after: %v", err)
	}
	if after.HelpfulnessScore != before.HelpfulnessScore+1 || after.TasksCompleted != before.TasksCompleted+1 {
		t.Fatalf("reputation before=%+v after=%+v, want +1/+1", before, after)
	}
}

func TestLifecycle_NonCreatorCannotComplete(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	helper := tasks.Actor{UserID: "helper-" + nuid.Next(), DisplayName: "Helper"}
	task := s.seedOpenTask(t, "creator-"+nuid.Next())

	if result, _, err := s.machine.Accept(ctx, task.TaskID, helper); err != nil || result != claims.ClaimWon {
		t.Fatalf("accept: result=%q err=%v", result, err)
	}

	_, err := s.machine.Complete(ctx, task.TaskID, helper)
	if !errors.Is(err, lifecycle.ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestThread_TailObservesLiveSends(t *testing.T) {
	s := newStack(t)
	if s.nats == nil {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender := tasks.Actor{UserID: "helper-" + nuid.Next(), DisplayName: "Helper"}
	task := s.seedOpenTask(t, "creator-"+nuid.Next())

	if _, err := s.threadSv.Send(ctx, sender, task.TaskID, "before tail"); err != nil {
		t.Fatalf("send: %v", err)
	}

	tail, stop, err := s.threadSv.Tail(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	defer stop()

	first := recvMessage(t, tail)
	if first.Content != "before tail" {
		t.Fatalf("replay = %+v", first)
	}

	if _, err := s.threadSv.Send(ctx, sender, task.TaskID, "after tail"); err != nil {
		t.Fatalf("send: %v", err)
	}
	second := recvMessage(t, tail)
	if second.Content != "after tail" {
		t.Fatalf("tail = %+v", second)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}
}

func recvMessage(t *testing.T, ch <-chan contracts.Message) contracts.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("tail closed")
		}
		return m
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return contracts.Message{}
}
