// Package api exposes the daemon's HTTP surface: job submission and status,
// approval decisions, and trigger management. The approval bot is just another
// client of this API.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/factreel/internal/approval"
	"github.com/kalambet/factreel/internal/extract"
	"github.com/kalambet/factreel/internal/pipeline"
	"github.com/kalambet/factreel/internal/scheduler"
	"github.com/kalambet/factreel/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// JobService is the slice of the orchestrator the API needs.
type JobService interface {
	Submit(ctx context.Context, in pipeline.Input) (string, error)
	Status(jobID string) (pipeline.JobView, error)
}

// DecisionGate is the slice of the approval gate the API needs.
type DecisionGate interface {
	Decide(requestID, choice, actor string) (approval.Outcome, error)
}

type AppDeps struct {
	Store *storage.Store
	Jobs  JobService
	Gate  DecisionGate
	Token string // empty disables auth
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/jobs", handleSubmitJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))

		r.Post("/decisions", handleDecide(deps))
		r.Get("/approvals", handleListApprovals(deps))

		r.Post("/triggers", handleCreateTrigger(deps))
		r.Get("/triggers", handleListTriggers(deps))
		r.Patch("/triggers/{id}", handlePatchTrigger(deps))
		r.Delete("/triggers/{id}", handleDeleteTrigger(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type SubmitRequest struct {
	Channel string `json:"channel"`
	Owner   string `json:"owner"`
	Text    string `json:"text"`
	Image   string `json:"image"` // base64
}

func handleSubmitJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Channel == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel is required")
			return
		}
		if req.Text == "" && req.Image == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of text or image is required")
			return
		}

		var image []byte
		if req.Image != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
				return
			}
			image = decoded
		}

		id, err := deps.Jobs.Submit(r.Context(), pipeline.Input{
			Channel: req.Channel,
			Owner:   req.Owner,
			Kind:    extract.Detect(req.Text, image != nil),
			Text:    req.Text,
			Image:   image,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit job: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": id, "status": "accepted"})
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Store.ListJobs(channel, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]pipeline.JobView, 0, len(jobs))
		for _, j := range jobs {
			view, err := deps.Jobs.Status(j.ID)
			if err != nil {
				continue
			}
			views = append(views, view)
		}
		writeJSON(w, views)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		view, err := deps.Jobs.Status(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, view)
	}
}

type DecisionRequest struct {
	RequestID string `json:"request_id"`
	Choice    string `json:"choice"`
	Actor     string `json:"actor"`
}

func handleDecide(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req DecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.RequestID == "" || req.Choice == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request_id and choice are required")
			return
		}

		outcome, err := deps.Gate.Decide(req.RequestID, req.Choice, req.Actor)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "approval request not found")
			return
		}
		if errors.Is(err, approval.ErrInvalidChoice) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to apply decision: %v", err)
			return
		}

		writeJSON(w, map[string]string{"outcome": outcome.String()})
	}
}

type ApprovalView struct {
	RequestID string    `json:"request_id"`
	SubjectID string    `json:"subject_id"`
	Kind      string    `json:"kind"`
	Choices   string    `json:"choices"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func handleListApprovals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Store.ListPendingApprovals()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list approvals: %v", err)
			return
		}

		views := make([]ApprovalView, 0, len(pending))
		for _, a := range pending {
			views = append(views, ApprovalView{
				RequestID: a.ID,
				SubjectID: a.SubjectID,
				Kind:      a.Kind,
				Choices:   a.Choices,
				ExpiresAt: a.ExpiresAt,
				CreatedAt: a.CreatedAt,
			})
		}
		writeJSON(w, views)
	}
}

type TriggerRequest struct {
	Channel   string `json:"channel"`
	Owner     string `json:"owner"`
	Schedule  string `json:"schedule"`
	IdeaCount int    `json:"idea_count"`
}

func handleCreateTrigger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Channel == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel is required")
			return
		}

		sched, err := scheduler.Parse(req.Schedule)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid schedule: %v", err)
			return
		}
		if req.IdeaCount <= 0 {
			req.IdeaCount = 3
		}

		now := time.Now()
		t := storage.Trigger{
			ID:        uuid.New().String(),
			Channel:   req.Channel,
			Owner:     req.Owner,
			Schedule:  req.Schedule,
			IdeaCount: req.IdeaCount,
			Enabled:   true,
			NextFire:  sched.Next(now),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.SaveTrigger(t); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save trigger: %v", err)
			return
		}

		writeJSON(w, triggerView(t))
	}
}

func handleListTriggers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggers, err := deps.Store.ListTriggers()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list triggers: %v", err)
			return
		}

		views := make([]map[string]any, 0, len(triggers))
		for _, t := range triggers {
			views = append(views, triggerView(t))
		}
		writeJSON(w, views)
	}
}

type TriggerPatch struct {
	Schedule  *string `json:"schedule"`
	IdeaCount *int    `json:"idea_count"`
	Enabled   *bool   `json:"enabled"`
}

func handlePatchTrigger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		t, err := deps.Store.GetTrigger(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "trigger not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get trigger: %v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var patch TriggerPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if patch.Schedule != nil {
			sched, err := scheduler.Parse(*patch.Schedule)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid schedule: %v", err)
				return
			}
			t.Schedule = *patch.Schedule
			t.NextFire = sched.Next(time.Now())
		}
		if patch.IdeaCount != nil {
			if *patch.IdeaCount <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "idea_count must be positive")
				return
			}
			t.IdeaCount = *patch.IdeaCount
		}
		if patch.Enabled != nil {
			t.Enabled = *patch.Enabled
		}
		t.UpdatedAt = time.Now()

		if err := deps.Store.SaveTrigger(t); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save trigger: %v", err)
			return
		}
		writeJSON(w, triggerView(t))
	}
}

func handleDeleteTrigger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteTrigger(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "trigger not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete trigger: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func triggerView(t storage.Trigger) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"channel":    t.Channel,
		"owner":      t.Owner,
		"schedule":   t.Schedule,
		"idea_count": t.IdeaCount,
		"enabled":    t.Enabled,
		"next_fire":  t.NextFire,
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
