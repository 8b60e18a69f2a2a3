// Package thread is the append-only per-task message log. The store is the
// single source of ordering truth; the broker only nudges subscribers to
// re-read, so a live tail can neither skip nor duplicate a message.
package thread

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/sharding"
)

// ErrEmptyMessage rejects sends whose content is empty after trimming.
var ErrEmptyMessage = errors.New("message content required")

const subscribeBuffer = 64

var (
	messagesSent = metrics.NewCounter(metrics.Opts{
		Name: "board_messages_sent_total",
		Help: "Messages appended to task threads.",
	})
	messagePublishFailures = metrics.NewCounter(metrics.Opts{
		Name: "board_message_publish_failures_total",
		Help: "Thread notifications that could not be published.",
	})
	activeThreadTails = metrics.NewGauge(metrics.Opts{
		Name: "board_thread_tails_active",
		Help: "Live thread subscriptions currently attached.",
	})
)

func init() {
	metrics.Default.MustRegister(messagesSent)
	metrics.Default.MustRegister(messagePublishFailures)
	metrics.Default.MustRegister(activeThreadTails)
}

type PublishFunc func(subject string, payload []byte) error

// TaskGetter guards the no-message-without-task invariant.
type TaskGetter interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
}

type Store interface {
	InsertMessage(ctx context.Context, m *contracts.Message) error
	ListMessages(ctx context.Context, taskID string) ([]contracts.Message, error)
}

type Service struct {
	Store     Store
	Tasks     TaskGetter
	Publish   PublishFunc
	Subscribe tasks.SubscribeFunc
	Now       func() time.Time
	NewID     func() string
}

func NewService(store Store, taskGetter TaskGetter, publish PublishFunc, subscribe tasks.SubscribeFunc) *Service {
	return &Service{
		Store:     store,
		Tasks:     taskGetter,
		Publish:   publish,
		Subscribe: subscribe,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

// Send appends one message to the task's thread. The task must exist; the
// content must be non-empty.
func (s *Service) Send(ctx context.Context, actor tasks.Actor, taskID, content string) (contracts.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return contracts.Message{}, ErrEmptyMessage
	}
	if _, err := s.Tasks.GetTask(ctx, taskID); err != nil {
		return contracts.Message{}, err
	}

	msg := contracts.Message{
		MessageID:  s.NewID(),
		TaskID:     taskID,
		SenderID:   actor.UserID,
		SenderName: actor.DisplayName,
		Content:    content,
		CreatedAt:  s.Now(),
	}
	if err := s.Store.InsertMessage(ctx, &msg); err != nil {
		return contracts.Message{}, err
	}

	messagesSent.Inc()
	s.publish(msg)
	return msg, nil
}

func (s *Service) publish(msg contracts.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		messagePublishFailures.Inc()
		return
	}
	if err := s.Publish(sharding.MessageSubject(msg.TaskID), payload); err != nil {
		messagePublishFailures.Inc()
	}
}

// History returns the full thread in delivery order.
func (s *Service) History(ctx context.Context, taskID string) ([]contracts.Message, error) {
	if _, err := s.Tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, taskID)
}

// Tail streams the task's thread: the full existing history first, then every
// later message, in (created_at, seq) order with no gaps or duplicates. The
// broker notification is only a hint to re-read the store, so delivery stays
// correct even when notifications are dropped or arrive out of order. The
// returned stop function detaches; cancelling ctx does the same.
func (s *Service) Tail(ctx context.Context, taskID string) (<-chan contracts.Message, func(), error) {
	if _, err := s.Tasks.GetTask(ctx, taskID); err != nil {
		return nil, nil, err
	}

	nudge := make(chan struct{}, 1)
	sub, err := s.Subscribe(sharding.MessageFilter(taskID), func([]byte) {
		select {
		case nudge <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan contracts.Message, subscribeBuffer)
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() { close(done) })
	}
	activeThreadTails.Inc()

	go func() {
		defer activeThreadTails.Dec()
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		// lastSeq is the dedupe cursor: re-reads emit only what the
		// subscriber has not yet seen.
		var lastSeq int64
		emit := func() bool {
			msgs, err := s.Store.ListMessages(ctx, taskID)
			if err != nil {
				return ctx.Err() == nil
			}
			for _, m := range msgs {
				if m.Seq <= lastSeq {
					continue
				}
				select {
				case out <- m:
					lastSeq = m.Seq
				case <-ctx.Done():
					return false
				case <-done:
					return false
				}
			}
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-nudge:
				if !emit() {
					return
				}
			}
		}
	}()

	return out, stop, nil
}
