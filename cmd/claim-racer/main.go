// claim-racer hammers the claim endpoint to demonstrate the at-most-one-winner
// guarantee against a running board: each round it creates one task and races
// many concurrent claimants, then verifies exactly one of them won.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/campusboard/project/internal/platform/auth"
	"github.com/campusboard/project/internal/platform/env"
	"github.com/campusboard/project/internal/platform/metrics"
	"golang.org/x/sync/errgroup"
)

type config struct {
	BaseURL        string
	Rounds         int
	Claimants      int
	JWTSecret      string
	RequestTimeout time.Duration
	MetricsAddr    string
}

var outcomesTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "board_racer_outcomes_total",
	Help: "Claim outcomes observed by the racer.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(outcomesTotal)
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

type claimResponse struct {
	Result string `json:"result"`
}

type racer struct {
	cfg    config
	client *http.Client
	tokens auth.Manager

	wins   atomic.Int64
	losses atomic.Int64
	errs   atomic.Int64
}

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config{
		BaseURL:        env.String("BOARD_API_URL", "http://localhost:8080"),
		Rounds:         env.Int("RACER_ROUNDS", 20),
		Claimants:      env.Int("RACER_CLAIMANTS", 16),
		JWTSecret:      env.String("JWT_SECRET", "dev-insecure-change-me"),
		RequestTimeout: env.Duration("RACER_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:    env.String("RACER_METRICS_ADDR", ""),
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.DefaultHandler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	r := &racer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		tokens: auth.NewManager(cfg.JWTSecret, time.Hour),
	}

	failedRounds := 0
	for round := 0; round < cfg.Rounds; round++ {
		if runCtx.Err() != nil {
			break
		}
		if err := r.runRound(runCtx, round); err != nil {
			failedRounds++
			log.Printf("round %d: %v", round, err)
		}
	}

	fmt.Printf("rounds=%d claimants/round=%d wins=%d losses=%d errors=%d failed_rounds=%d\n",
		cfg.Rounds, cfg.Claimants, r.wins.Load(), r.losses.Load(), r.errs.Load(), failedRounds)
	if failedRounds > 0 {
		os.Exit(1)
	}
}

// runRound creates a fresh task and races every claimant against it. It fails
// when anything other than exactly one claim wins.
func (r *racer) runRound(ctx context.Context, round int) error {
	creator, err := r.tokens.Sign(fmt.Sprintf("racer-creator-%d", round), "Racer Creator")
	if err != nil {
		return err
	}

	taskID, err := r.createTask(ctx, creator, round)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	var wins atomic.Int64
	g, raceCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Claimants; i++ {
		i := i
		g.Go(func() error {
			token, err := r.tokens.Sign(fmt.Sprintf("racer-helper-%d-%d", round, i), "Racer Helper")
			if err != nil {
				return err
			}
			result, err := r.claim(raceCtx, token, taskID)
			if err != nil {
				r.errs.Add(1)
				outcomesTotal.Inc("error")
				return err
			}
			outcomesTotal.Inc(result)
			if result == "won" {
				r.wins.Add(1)
				wins.Add(1)
			} else {
				r.losses.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if got := wins.Load(); got != 1 {
		return fmt.Errorf("task %s: %d winners, want exactly 1", taskID, got)
	}
	return nil
}

func (r *racer) createTask(ctx context.Context, token string, round int) (string, error) {
	body, err := json.Marshal(map[string]string{
		"title":       fmt.Sprintf("race round %d", round),
		"description": "synthetic task for claim racing",
		"location":    "Library",
		"urgency":     "low",
	})
	if err != nil {
		return "", err
	}

	var resp taskResponse
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/tasks", token, body, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("create returned empty task_id")
	}
	return resp.TaskID, nil
}

func (r *racer) claim(ctx context.Context, token, taskID string) (string, error) {
	var resp claimResponse
	err := r.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/claim", token, nil, http.StatusOK, &resp)
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

func (r *racer) doJSON(ctx context.Context, method, path, token string, body []byte, wantStatus int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: status %d body=%s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
