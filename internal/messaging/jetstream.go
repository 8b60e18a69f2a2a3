package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	eventsStream   = "BOARD_EVENTS"
	messagesStream = "BOARD_MESSAGES"
)

// EnsureStreams creates (or validates) the two streams the board relies on:
// - board.event.>   task lifecycle change notifications
// - board.message.> per-task thread messages
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, eventsStream, "board.event.>"); err != nil {
		return err
	}
	return ensureStream(js, messagesStream, "board.message.>")
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
	return err
}
