package contracts

import "time"

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusAccepted  TaskStatus = "accepted"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusRejected  TaskStatus = "rejected"
)

// Terminal reports whether no further transition may leave the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusRejected
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusAccepted, TaskStatusCompleted, TaskStatusRejected:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// SuggestedLocations is the fixed suggestion set offered to posters. Location
// itself stays free text; the set is advisory for the presentation layer.
var SuggestedLocations = []string{
	"Library",
	"Student Center",
	"Cafeteria",
	"Dormitory",
	"Sports Complex",
	"Academic Building",
}

// Task is one postable help request. ClaimedBy is empty exactly while the
// task is open or rejected; a completed task never changes again.
type Task struct {
	TaskID        string     `json:"task_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Location      string     `json:"location"`
	Urgency       Urgency    `json:"urgency"`
	Status        TaskStatus `json:"status"`
	CreatedBy     string     `json:"created_by"`
	CreatedByName string     `json:"created_by_name"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedByName string     `json:"claimed_by_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Message is one immutable chat entry in a task's thread. Seq is the
// store-assigned insertion sequence and breaks CreatedAt ties so the
// per-task order is total.
type Message struct {
	MessageID  string    `json:"message_id"`
	TaskID     string    `json:"task_id"`
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reputation carries the two helper counters credited once per completion.
type Reputation struct {
	UserID           string `json:"user_id"`
	HelpfulnessScore int64  `json:"helpfulness_score"`
	TasksCompleted   int64  `json:"tasks_completed"`
}

// TaskEvent is published after every successful task mutation so that live
// subscribers observe changes without polling.
type TaskEvent struct {
	EventID    string     `json:"event_id"`
	TaskID     string     `json:"task_id"`
	ActorID    string     `json:"actor_id"`
	ActorName  string     `json:"actor_name"`
	EventType  string     `json:"event_type"`
	Status     TaskStatus `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
	ShardID    int        `json:"shard_id"`
}

const (
	EventTaskCreated   = "task.created"
	EventTaskAccepted  = "task.accepted"
	EventTaskRejected  = "task.rejected"
	EventTaskReleased  = "task.released"
	EventTaskCompleted = "task.completed"
)
