package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/sharding"
)

var ErrTitleRequired = errors.New("title is required")
var ErrDescriptionRequired = errors.New("description is required")
var ErrLocationRequired = errors.New("location is required")
var ErrInvalidUrgency = errors.New("urgency must be one of low, medium, high")

var eventPublishFailures = metrics.NewCounter(metrics.Opts{
	Name: "board_event_publish_failures_total",
	Help: "Task change notifications that could not be published.",
})

func init() {
	metrics.Default.MustRegister(eventPublishFailures)
}

type PublishFunc func(subject string, payload []byte) error

// Actor is the trusted identity resolved by the authentication collaborator.
type Actor struct {
	UserID      string
	DisplayName string
}

type CreateTaskRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Location    string            `json:"location"`
	Urgency     contracts.Urgency `json:"urgency"`
}

type Store interface {
	InsertTask(ctx context.Context, t contracts.Task) error
}

type Service struct {
	Store   Store
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewService(store Store, publish PublishFunc) *Service {
	return &Service{
		Store:   store,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

// Create validates the request, persists the new open task, and notifies
// live watchers. Creation only ever adds a fresh document, so it has no
// write-race hazard.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateTaskRequest) (contracts.Task, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	location := strings.TrimSpace(req.Location)

	if title == "" {
		return contracts.Task{}, ErrTitleRequired
	}
	if description == "" {
		return contracts.Task{}, ErrDescriptionRequired
	}
	if location == "" {
		return contracts.Task{}, ErrLocationRequired
	}
	if !req.Urgency.Valid() {
		return contracts.Task{}, ErrInvalidUrgency
	}

	task := contracts.Task{
		TaskID:        s.NewID(),
		Title:         title,
		Description:   description,
		Location:      location,
		Urgency:       req.Urgency,
		Status:        contracts.TaskStatusOpen,
		CreatedBy:     actor.UserID,
		CreatedByName: actor.DisplayName,
		CreatedAt:     s.Now(),
	}

	if err := s.Store.InsertTask(ctx, task); err != nil {
		return contracts.Task{}, err
	}

	s.publishEvent(task, actor)
	return task, nil
}

func (s *Service) publishEvent(task contracts.Task, actor Actor) {
	event := contracts.TaskEvent{
		EventID:    s.NewID(),
		TaskID:     task.TaskID,
		ActorID:    actor.UserID,
		ActorName:  actor.DisplayName,
		EventType:  contracts.EventTaskCreated,
		Status:     task.Status,
		OccurredAt: s.Now(),
		ShardID:    sharding.GetShardID(task.TaskID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		eventPublishFailures.Inc()
		return
	}
	// Best effort: the store stays authoritative and watchers re-sync on the
	// next notification.
	if err := s.Publish(sharding.EventSubject(task.TaskID), payload); err != nil {
		eventPublishFailures.Inc()
	}
}
