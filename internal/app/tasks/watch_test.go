package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/campusboard/project/internal/contracts"
)

type fakeUnsub struct {
	mu     sync.Mutex
	called bool
}

func (f *fakeUnsub) Unsubscribe() error {
	f.mu.Lock()
	f.called = true
	f.mu.Unlock()
	return nil
}

func (f *fakeUnsub) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

type fakeLister struct {
	mu    sync.Mutex
	tasks []contracts.Task
}

func (f *fakeLister) set(tasks []contracts.Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

func (f *fakeLister) ListTasks(context.Context, ListFilter, int) ([]contracts.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]contracts.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func TestWatch_SnapshotThenRefresh(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]contracts.Task{{TaskID: "task-1", Status: contracts.TaskStatusOpen}})

	unsub := &fakeUnsub{}
	var handler func([]byte)
	registry := NewWatchRegistry(func(subject string, h func([]byte)) (Unsubscriber, error) {
		if subject != "board.event.>" {
			t.Errorf("unexpected subscription subject %q", subject)
		}
		handler = h
		return unsub, nil
	}, lister)

	ch, stop, err := registry.Watch(context.Background(), ListFilter{Status: contracts.TaskStatusOpen})
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer stop()

	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].TaskID != "task-1" {
			t.Fatalf("unexpected initial snapshot: %+v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}

	lister.set([]contracts.Task{
		{TaskID: "task-2", Status: contracts.TaskStatusOpen},
		{TaskID: "task-1", Status: contracts.TaskStatusOpen},
	})
	handler(nil)

	select {
	case snapshot := <-ch:
		if len(snapshot) != 2 {
			t.Fatalf("unexpected refreshed snapshot: %+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no refreshed snapshot after change event")
	}
}

func TestWatch_LastWatcherReleasesSubscription(t *testing.T) {
	lister := &fakeLister{}
	unsub := &fakeUnsub{}
	subscriptions := 0
	registry := NewWatchRegistry(func(string, func([]byte)) (Unsubscriber, error) {
		subscriptions++
		return unsub, nil
	}, lister)

	filter := ListFilter{Status: contracts.TaskStatusOpen}
	_, stop1, err := registry.Watch(context.Background(), filter)
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	_, stop2, err := registry.Watch(context.Background(), filter)
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	if subscriptions != 1 {
		t.Fatalf("same filter must share one subscription, got %d", subscriptions)
	}

	stop1()
	if unsub.wasCalled() {
		t.Fatal("subscription released while a watcher remains")
	}
	stop2()
	if !unsub.wasCalled() {
		t.Fatal("last stop must release the subscription")
	}

	// Stop is safe to repeat.
	stop2()
}

func TestWatch_ContextCancelStops(t *testing.T) {
	lister := &fakeLister{}
	unsub := &fakeUnsub{}
	registry := NewWatchRegistry(func(string, func([]byte)) (Unsubscriber, error) {
		return unsub, nil
	}, lister)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := registry.Watch(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if unsub.wasCalled() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("context cancellation did not release the subscription")
}
