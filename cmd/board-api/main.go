package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/campusboard/project/internal/app/boardapi"
	"github.com/campusboard/project/internal/app/claims"
	"github.com/campusboard/project/internal/app/lifecycle"
	"github.com/campusboard/project/internal/app/reputation"
	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/app/thread"
	platformauth "github.com/campusboard/project/internal/platform/auth"
	"github.com/campusboard/project/internal/platform/dbpool"
	"github.com/campusboard/project/internal/platform/env"
	"github.com/campusboard/project/internal/platform/metrics"
	"github.com/campusboard/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boardAddr := env.String("BOARD_API_ADDR", env.DefaultBoardAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("TOKEN_TTL", 12*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	taskRepo := tasks.NewRepository(pool)
	threadRepo := thread.NewRepository(pool)
	ledger := reputation.NewLedger(pool)
	if err := waitForSchemas(runCtx, 30*time.Second,
		taskRepo.EnsureSchema, threadRepo.EnsureSchema, ledger.EnsureSchema,
	); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	subscribe := func(subject string, handler func([]byte)) (tasks.Unsubscriber, error) {
		return client.Conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	}

	taskSvc := tasks.NewService(taskRepo, publisher.Publish)
	arbiter := claims.NewArbiter(taskRepo, publisher.Publish)
	credit := func(ctx context.Context, tx pgx.Tx, helperID string) error {
		_, err := ledger.CreditCompletion(ctx, tx, helperID)
		return err
	}
	machine := lifecycle.NewMachine(taskRepo, arbiter, publisher.Publish, credit)
	threadSvc := thread.NewService(threadRepo, taskRepo, publisher.Publish, subscribe)
	watches := tasks.NewWatchRegistry(subscribe, taskRepo)

	tokenManager := platformauth.NewManager(jwtSecret, tokenTTL)
	handler := boardapi.NewHandler(taskSvc, taskRepo, machine, threadSvc, watches, ledger, tokenManager)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              boardAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streaming endpoints hold their connection open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	fmt.Printf("Board API listening on %s\n", boardAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("board-api graceful shutdown failed: %v", err)
	}
}

func waitForSchemas(ctx context.Context, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, fn := range ensure {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := fn(attemptCtx)
			cancel()
			if err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
