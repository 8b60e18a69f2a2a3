// Package boardapi is the HTTP edge of the board: JSON endpoints for task
// CRUD and lifecycle triggers, and SSE endpoints bridging the live watch and
// thread-tail views to connected clients.
package boardapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/campusboard/project/internal/app/claims"
	"github.com/campusboard/project/internal/app/lifecycle"
	"github.com/campusboard/project/internal/app/tasks"
	"github.com/campusboard/project/internal/app/thread"
	"github.com/campusboard/project/internal/contracts"
	platformauth "github.com/campusboard/project/internal/platform/auth"
)

type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	ListTasks(ctx context.Context, filter tasks.ListFilter, limit int) ([]contracts.Task, error)
}

type ReputationReader interface {
	Get(ctx context.Context, userID string) (contracts.Reputation, error)
}

type Handler struct {
	Tasks      *tasks.Service
	Reader     TaskReader
	Machine    *lifecycle.Machine
	Thread     *thread.Service
	Watches    *tasks.WatchRegistry
	Reputation ReputationReader
	Auth       platformauth.Manager
}

func NewHandler(taskSvc *tasks.Service, reader TaskReader, machine *lifecycle.Machine, threadSvc *thread.Service, watches *tasks.WatchRegistry, reputation ReputationReader, auth platformauth.Manager) *Handler {
	return &Handler{
		Tasks:      taskSvc,
		Reader:     reader,
		Machine:    machine,
		Thread:     threadSvc,
		Watches:    watches,
		Reputation: reputation,
		Auth:       auth,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Get("/api/v1/tasks", h.handleListTasks)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Post("/api/v1/tasks/{taskID}/claim", h.handleClaim)
		authR.Post("/api/v1/tasks/{taskID}/reject", h.handleReject)
		authR.Post("/api/v1/tasks/{taskID}/release", h.handleRelease)
		authR.Post("/api/v1/tasks/{taskID}/complete", h.handleComplete)
		authR.Get("/api/v1/tasks/{taskID}/messages", h.handleListMessages)
		authR.Post("/api/v1/tasks/{taskID}/messages", h.handleSendMessage)
		authR.Get("/api/v1/users/{userID}/reputation", h.handleGetReputation)
	})

	// SSE clients cannot set headers, so these also accept ?token=.
	r.Get("/events/tasks", h.handleWatchTasks)
	r.Get("/events/tasks/{taskID}/messages", h.handleTailThread)

	return r
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Urgency     string `json:"urgency"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type claimResponse struct {
	Result claims.ClaimResult `json:"result"`
	Task   contracts.Task     `json:"task"`
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	task, err := h.Tasks.Create(r.Context(), actorFromContext(r.Context()), tasks.CreateTaskRequest{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Urgency:     contracts.Urgency(strings.ToLower(strings.TrimSpace(req.Urgency))),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Reader.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.Reader.ListTasks(r.Context(), filter, 0)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []contracts.Task{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	result, task, err := h.Machine.Accept(r.Context(), chi.URLParam(r, "taskID"), actorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	// Losing the race is a normal outcome for the caller, not a failure.
	h.writeJSON(w, http.StatusOK, claimResponse{Result: result, Task: task})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	task, err := h.Machine.Reject(r.Context(), chi.URLParam(r, "taskID"), actorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	task, err := h.Machine.Release(r.Context(), chi.URLParam(r, "taskID"), actorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	task, err := h.Machine.Complete(r.Context(), chi.URLParam(r, "taskID"), actorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Thread.History(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []contracts.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	msg, err := h.Thread.Send(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "taskID"), req.Content)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reputation.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// handleWatchTasks streams the filtered task list as SSE: one snapshot on
// attach, then a fresh snapshot after every relevant change.
func (h *Handler) handleWatchTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sseActor(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updates, stop, err := h.Watches.Watch(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stop()

	sseHeaders(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			fmt.Fprint(w, "event: tasks\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleTailThread streams one task's thread as SSE: full history replay,
// then the live tail.
func (h *Handler) handleTailThread(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sseActor(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	msgs, stop, err := h.Thread.Tail(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stop()

	sseHeaders(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprint(w, "event: message\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func filterFromQuery(r *http.Request) (tasks.ListFilter, error) {
	var filter tasks.ListFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := contracts.TaskStatus(raw)
		if !status.Valid() {
			return tasks.ListFilter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = status
	}
	filter.CreatorID = strings.TrimSpace(r.URL.Query().Get("creator"))
	filter.ClaimantID = strings.TrimSpace(r.URL.Query().Get("claimant"))
	if raw := strings.TrimSpace(r.URL.Query().Get("claimant_status")); raw != "" {
		if filter.ClaimantID == "" {
			return tasks.ListFilter{}, errors.New("claimant_status requires claimant")
		}
		status := contracts.TaskStatus(raw)
		if !status.Valid() {
			return tasks.ListFilter{}, fmt.Errorf("unknown claimant_status %q", raw)
		}
		filter.ClaimantStatus = status
	}
	return filter, nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// sseActor authenticates a streaming request, accepting the token either as
// a bearer header or as a query parameter.
func (h *Handler) sseActor(w http.ResponseWriter, r *http.Request) (tasks.Actor, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return tasks.Actor{}, false
	}
	claims, err := h.Auth.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return tasks.Actor{}, false
	}
	return tasks.Actor{UserID: claims.Subject, DisplayName: claims.DisplayName}, true
}

type actorContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		authClaims, err := h.Auth.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		actor := tasks.Actor{UserID: authClaims.Subject, DisplayName: authClaims.DisplayName}
		next.ServeHTTP(w, r.WithContext(contextWithActor(r.Context(), actor)))
	})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrTitleRequired),
		errors.Is(err, tasks.ErrDescriptionRequired),
		errors.Is(err, tasks.ErrLocationRequired),
		errors.Is(err, tasks.ErrInvalidUrgency),
		errors.Is(err, thread.ErrEmptyMessage):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNotAuthorized):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, claims.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithActor(ctx context.Context, actor tasks.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func actorFromContext(ctx context.Context) tasks.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(tasks.Actor)
	return actor
}
