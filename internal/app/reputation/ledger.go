package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusboard/project/internal/contracts"
	"github.com/campusboard/project/internal/platform/metrics"
)

const createReputationTableSQL = `
CREATE TABLE IF NOT EXISTS reputation (
  user_id text PRIMARY KEY,
  helpfulness_score bigint NOT NULL DEFAULT 0,
  tasks_completed bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

// creditCompletionSQL is a single atomic increment: concurrent credits to the
// same helper from different completing tasks both land, with no
// read-modify-write window.
const creditCompletionSQL = `
INSERT INTO reputation (user_id, helpfulness_score, tasks_completed, updated_at)
VALUES ($1, 1, 1, $2)
ON CONFLICT (user_id) DO UPDATE
SET helpfulness_score = reputation.helpfulness_score + 1,
    tasks_completed = reputation.tasks_completed + 1,
    updated_at = $2
RETURNING helpfulness_score, tasks_completed`

const getReputationSQL = `
SELECT helpfulness_score, tasks_completed
FROM reputation
WHERE user_id = $1`

var creditsTotal = metrics.NewCounter(metrics.Opts{
	Name: "board_reputation_credits_total",
	Help: "Completion credits applied to helpers.",
})

func init() {
	metrics.Default.MustRegister(creditsTotal)
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so a credit can run
// inside the transaction that marks its task completed.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the sole writer of the two reputation counters.
type Ledger struct {
	Pool *pgxpool.Pool
	Now  func() time.Time
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		Pool: pool,
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	_, err := l.Pool.Exec(ctx, createReputationTableSQL)
	return err
}

// CreditCompletion applies the +1/+1 completion credit through q, which is
// the completing transaction when called from the lifecycle.
func (l *Ledger) CreditCompletion(ctx context.Context, q Querier, helperID string) (contracts.Reputation, error) {
	rep := contracts.Reputation{UserID: helperID}
	err := q.QueryRow(ctx, creditCompletionSQL, helperID, l.Now()).
		Scan(&rep.HelpfulnessScore, &rep.TasksCompleted)
	if err != nil {
		return contracts.Reputation{}, err
	}
	creditsTotal.Inc()
	return rep, nil
}

// Get reads the counters for the profile collaborator. A helper with no
// credits yet reads as zero, not as missing.
func (l *Ledger) Get(ctx context.Context, userID string) (contracts.Reputation, error) {
	rep := contracts.Reputation{UserID: userID}
	err := l.Pool.QueryRow(ctx, getReputationSQL, userID).
		Scan(&rep.HelpfulnessScore, &rep.TasksCompleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rep, nil
		}
		return contracts.Reputation{}, err
	}
	return rep, nil
}
