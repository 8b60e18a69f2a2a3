package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/sharding"
)

const (
	watchBuffer      = 16
	snapshotDebounce = 75 * time.Millisecond
	snapshotTimeout  = 3 * time.Second
)

var activeWatches = metrics.NewGauge(metrics.Opts{
	Name: "board_active_task_watches",
	Help: "Currently subscribed live task views.",
})

func init() {
	metrics.Default.MustRegister(activeWatches)
}

type Unsubscriber interface {
	Unsubscribe() error
}

// SubscribeFunc attaches a handler to a NATS subject; the returned
// Unsubscriber releases the underlying subscription.
type SubscribeFunc func(subject string, handler func(data []byte)) (Unsubscriber, error)

type Lister interface {
	ListTasks(ctx context.Context, filter ListFilter, limit int) ([]contracts.Task, error)
}

// WatchRegistry turns the repository's pull queries into push views: one
// change subscription per active filter, a debounced snapshot re-query per
// burst of events, fan-out to every watcher of that filter.
type WatchRegistry struct {
	mu        sync.Mutex
	subscribe SubscribeFunc
	repo      Lister
	limit     int
	byKey     map[string]*watchStream
}

func NewWatchRegistry(subscribe SubscribeFunc, repo Lister) *WatchRegistry {
	return &WatchRegistry{
		subscribe: subscribe,
		repo:      repo,
		limit:     50,
		byKey:     map[string]*watchStream{},
	}
}

// Watch delivers the current snapshot for the filter, then a fresh snapshot
// after every task change, until stop is called or ctx is cancelled.
func (r *WatchRegistry) Watch(ctx context.Context, filter ListFilter) (<-chan []contracts.Task, func(), error) {
	key := filterKey(filter)

	r.mu.Lock()
	stream, ok := r.byKey[key]
	if !ok {
		stream = &watchStream{
			filter:      filter,
			subscribe:   r.subscribe,
			repo:        r.repo,
			limit:       r.limit,
			subscribers: map[uint64]chan []contracts.Task{},
		}
		r.byKey[key] = stream
	}
	r.mu.Unlock()

	subID, ch, err := stream.addSubscriber()
	if err != nil {
		return nil, nil, err
	}
	activeWatches.Inc()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			activeWatches.Dec()
			if stream.removeSubscriber(subID) {
				r.mu.Lock()
				if current, ok := r.byKey[key]; ok && current == stream {
					delete(r.byKey, key)
				}
				r.mu.Unlock()
			}
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}

	// Initial snapshot so a fresh watcher never starts blind.
	snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if snapshot, err := r.repo.ListTasks(snapCtx, filter, r.limit); err == nil {
		select {
		case ch <- snapshot:
		default:
		}
	}

	return ch, stop, nil
}

func filterKey(f ListFilter) string {
	return fmt.Sprintf("%s|%s|%s|%s", f.Status, f.CreatorID, f.ClaimantID, f.ClaimantStatus)
}

type watchStream struct {
	filter    ListFilter
	subscribe SubscribeFunc
	repo      Lister
	limit     int

	mu           sync.Mutex
	sub          Unsubscriber
	subscribers  map[uint64]chan []contracts.Task
	nextID       uint64
	refreshTimer *time.Timer
}

func (s *watchStream) addSubscriber() (uint64, chan []contracts.Task, error) {
	ch := make(chan []contracts.Task, watchBuffer)

	s.mu.Lock()
	s.nextID++
	subID := s.nextID
	s.subscribers[subID] = ch
	s.mu.Unlock()

	if err := s.ensureSubscription(); err != nil {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
		return 0, nil, err
	}
	return subID, ch, nil
}

// removeSubscriber reports whether the stream became empty and was torn down.
func (s *watchStream) removeSubscriber(subID uint64) bool {
	var (
		empty bool
		sub   Unsubscriber
		timer *time.Timer
	)

	s.mu.Lock()
	delete(s.subscribers, subID)
	if len(s.subscribers) == 0 {
		empty = true
		sub = s.sub
		timer = s.refreshTimer
		s.sub = nil
		s.refreshTimer = nil
	}
	s.mu.Unlock()

	if empty {
		if timer != nil {
			timer.Stop()
		}
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	return empty
}

func (s *watchStream) ensureSubscription() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.subscribe(sharding.EventWildcard(), func([]byte) {
		s.scheduleRefresh()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *watchStream) scheduleRefresh() {
	s.mu.Lock()
	if s.refreshTimer == nil {
		s.refreshTimer = time.AfterFunc(snapshotDebounce, s.runRefresh)
		s.mu.Unlock()
		return
	}
	s.refreshTimer.Reset(snapshotDebounce)
	s.mu.Unlock()
}

func (s *watchStream) runRefresh() {
	s.mu.Lock()
	s.refreshTimer = nil
	hasSubscribers := len(s.subscribers) > 0
	s.mu.Unlock()
	if !hasSubscribers {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	snapshot, err := s.repo.ListTasks(ctx, s.filter, s.limit)
	if err != nil {
		return
	}
	s.broadcast(snapshot)
}

func (s *watchStream) broadcast(snapshot []contracts.Task) {
	s.mu.Lock()
	subs := make([]chan []contracts.Task, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
