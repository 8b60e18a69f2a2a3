package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusboard/project/internal/contracts"
)

var ErrTaskNotFound = errors.New("task not found")

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id text PRIMARY KEY,
  title text NOT NULL,
  description text NOT NULL,
  location text NOT NULL,
  urgency text NOT NULL,
  status text NOT NULL DEFAULT 'open',
  created_by text NOT NULL,
  created_by_name text NOT NULL DEFAULT '',
  claimed_by text,
  claimed_by_name text,
  created_at timestamptz NOT NULL,
  accepted_at timestamptz,
  completed_at timestamptz
)`

const createTasksStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_status_created_at_idx
ON tasks (status, created_at DESC)`

const createTasksCreatorIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_created_by_idx ON tasks (created_by)`

const createTasksClaimantIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_claimed_by_idx ON tasks (claimed_by)`

const insertTaskSQL = `
INSERT INTO tasks (
  task_id, title, description, location, urgency, status,
  created_by, created_by_name, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const taskColumns = `task_id, title, description, location, urgency, status,
       created_by, created_by_name, claimed_by, claimed_by_name,
       created_at, accepted_at, completed_at`

// claimOpenSQL is the arbitration write. The WHERE clause is the expected
// prior state; Postgres applies it atomically, so at most one concurrent
// claimant can ever see RowsAffected == 1 for a given task.
const claimOpenSQL = `
UPDATE tasks
SET status = 'accepted', claimed_by = $2, claimed_by_name = $3, accepted_at = $4
WHERE task_id = $1 AND status = 'open' AND claimed_by IS NULL AND created_by <> $2`

const markRejectedSQL = `
UPDATE tasks
SET status = 'rejected'
WHERE task_id = $1 AND status = 'open' AND created_by <> $2`

const releaseSQL = `
UPDATE tasks
SET status = 'open', claimed_by = NULL, claimed_by_name = NULL, accepted_at = NULL
WHERE task_id = $1 AND status = 'accepted' AND (claimed_by = $2 OR created_by = $2)`

const completeTaskSQL = `
UPDATE tasks
SET status = 'completed', completed_at = $3
WHERE task_id = $1 AND status = 'accepted' AND created_by = $2
RETURNING ` + taskColumns

// CreditFunc applies the reputation credit inside the completing transaction.
type CreditFunc func(ctx context.Context, tx pgx.Tx, helperID string) error

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTasksTableSQL,
		createTasksStatusIndexSQL,
		createTasksCreatorIndexSQL,
		createTasksClaimantIndexSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) InsertTask(ctx context.Context, t contracts.Task) error {
	_, err := r.Pool.Exec(ctx, insertTaskSQL,
		t.TaskID,
		t.Title,
		t.Description,
		t.Location,
		string(t.Urgency),
		string(t.Status),
		t.CreatedBy,
		t.CreatedByName,
		t.CreatedAt,
	)
	return err
}

func (r *Repository) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Task{}, ErrTaskNotFound
		}
		return contracts.Task{}, err
	}
	return task, nil
}

// ListFilter selects a task view. Zero-valued fields are unconstrained;
// ClaimantStatus only applies together with ClaimantID.
type ListFilter struct {
	Status         contracts.TaskStatus
	CreatorID      string
	ClaimantID     string
	ClaimantStatus contracts.TaskStatus
}

func (r *Repository) ListTasks(ctx context.Context, filter ListFilter, limit int) ([]contracts.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CreatorID != "" {
		args = append(args, filter.CreatorID)
		where = append(where, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filter.ClaimantID != "" {
		args = append(args, filter.ClaimantID)
		where = append(where, fmt.Sprintf("claimed_by = $%d", len(args)))
		if filter.ClaimantStatus != "" {
			args = append(args, string(filter.ClaimantStatus))
			where = append(where, fmt.Sprintf("status = $%d", len(args)))
		}
	}

	sql := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]contracts.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimOpen attempts the conditional accept write. It reports true only when
// this call was the one that flipped the task from open to accepted.
func (r *Repository) ClaimOpen(ctx context.Context, taskID, claimantID, claimantName string, now time.Time) (bool, error) {
	tag, err := r.Pool.Exec(ctx, claimOpenSQL, taskID, claimantID, claimantName, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRejected declines an open task without claiming it.
func (r *Repository) MarkRejected(ctx context.Context, taskID, actorID string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, markRejectedSQL, taskID, actorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns an accepted task to the open pool, clearing the claim so a
// later accept restamps accepted_at.
func (r *Repository) Release(ctx context.Context, taskID, actorID string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, releaseSQL, taskID, actorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteTask marks the task completed and applies the helper credit in one
// transaction. Either both land or neither does, so a ledger failure leaves
// the task accepted and retryable. The false return means the expected prior
// state was gone at write time.
func (r *Repository) CompleteTask(ctx context.Context, taskID, actorID string, now time.Time, credit CreditFunc) (contracts.Task, bool, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return contracts.Task{}, false, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, completeTaskSQL, taskID, actorID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Task{}, false, nil
		}
		return contracts.Task{}, false, err
	}

	if credit != nil {
		if err := credit(ctx, tx, task.ClaimedBy); err != nil {
			return contracts.Task{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return contracts.Task{}, false, err
	}
	return task, true, nil
}

func scanTask(row pgx.Row) (contracts.Task, error) {
	var t contracts.Task
	var urgency, status string
	var claimedBy, claimedByName *string
	if err := row.Scan(
		&t.TaskID,
		&t.Title,
		&t.Description,
		&t.Location,
		&urgency,
		&status,
		&t.CreatedBy,
		&t.CreatedByName,
		&claimedBy,
		&claimedByName,
		&t.CreatedAt,
		&t.AcceptedAt,
		&t.CompletedAt,
	); err != nil {
		return contracts.Task{}, err
	}
	t.Urgency = contracts.Urgency(urgency)
	t.Status = contracts.TaskStatus(status)
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if claimedByName != nil {
		t.ClaimedByName = *claimedByName
	}
	return t, nil
}
