package thread

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusboard/project/internal/contracts"
)

// seq is assigned by the store at insert, giving every thread a total order
// that breaks created_at ties.
const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS task_messages (
  seq bigserial PRIMARY KEY,
  message_id text NOT NULL UNIQUE,
  task_id text NOT NULL,
  sender_id text NOT NULL,
  sender_name text NOT NULL,
  content text NOT NULL,
  created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_messages_thread
  ON task_messages (task_id, created_at, seq)`

const insertMessageSQL = `
INSERT INTO task_messages (message_id, task_id, sender_id, sender_name, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`

const listMessagesSQL = `
SELECT seq, message_id, task_id, sender_id, sender_name, content, created_at
FROM task_messages
WHERE task_id = $1
ORDER BY created_at ASC, seq ASC`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createMessagesTableSQL)
	return err
}

// InsertMessage persists m and fills in its store-assigned seq.
func (r *Repository) InsertMessage(ctx context.Context, m *contracts.Message) error {
	return r.Pool.QueryRow(ctx, insertMessageSQL,
		m.MessageID, m.TaskID, m.SenderID, m.SenderName, m.Content, m.CreatedAt,
	).Scan(&m.Seq)
}

func (r *Repository) ListMessages(ctx context.Context, taskID string) ([]contracts.Message, error) {
	rows, err := r.Pool.Query(ctx, listMessagesSQL, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.Message
	for rows.Next() {
		var m contracts.Message
		if err := rows.Scan(&m.Seq, &m.MessageID, &m.TaskID, &m.SenderID, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
