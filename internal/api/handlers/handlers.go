package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/api/middleware"
	"github.com/dvloznov/phone-usage-tracker/internal/jobs"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

// maxBodyBytes bounds a trigger request body.
const maxBodyBytes = 1 << 16

// RunsHandler handles run trigger and job status endpoints.
type RunsHandler struct {
	publisher  jobs.Publisher
	store      jobs.JobStore
	loc        *time.Location
	clock      quartz.Clock
	maxRetries int
	log        zerolog.Logger
}

// NewRunsHandler creates a new runs handler. Triggers without an explicit
// date are resolved in loc at the moment they are received.
func NewRunsHandler(publisher jobs.Publisher, store jobs.JobStore, loc *time.Location, clock quartz.Clock, maxRetries int, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		publisher:  publisher,
		store:      store,
		loc:        loc,
		clock:      clock,
		maxRetries: maxRetries,
		log:        log,
	}
}

// TriggerRun handles POST /api/runs. The body is optional:
//
//	{"date": "2025-08-25", "dry_run": false}
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req struct {
		Date   string `json:"date"`
		DryRun bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if q := r.URL.Query().Get("date"); q != "" && req.Date == "" {
		req.Date = q
	}

	date := accounting.Date(h.clock.Now(), h.loc)
	if req.Date != "" {
		d, err := accounting.Parse(req.Date)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
			return
		}
		date = d
	}

	job := &jobs.RunJob{
		Date:       date,
		DryRun:     req.DryRun,
		MaxRetries: h.maxRetries,
	}
	if err := h.publisher.PublishRun(ctx, job); err != nil {
		log.Error().Err(err).Str("date", date.String()).Msg("Failed to enqueue run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run")
		return
	}

	log.Info().
		Str("job_id", job.JobID).
		Str("date", date.String()).
		Bool("dry_run", job.DryRun).
		Msg("Run enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.JobID,
		"date":   date.String(),
		"status": jobs.JobStatusPending,
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	filter := jobs.JobFilter{
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	runs, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// StateReader is the read side of the local state store.
type StateReader interface {
	Load(ctx context.Context) (*store.Database, error)
	LoadMarker(ctx context.Context) (*store.Marker, error)
}

// StateHandler exposes the local database.
type StateHandler struct {
	state StateReader
	loc   *time.Location
	clock quartz.Clock
	log   zerolog.Logger
}

// NewStateHandler creates a new state handler.
func NewStateHandler(state StateReader, loc *time.Location, clock quartz.Clock, log zerolog.Logger) *StateHandler {
	return &StateHandler{
		state: state,
		loc:   loc,
		clock: clock,
		log:   log,
	}
}

// GetState handles GET /api/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	db, err := h.state.Load(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load local database")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load local database")
		return
	}
	marker, err := h.state.LoadMarker(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load last-run marker")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load last-run marker")
		return
	}

	today := accounting.Date(h.clock.Now(), h.loc)
	_, recorded := db.Find(today)

	resp := map[string]interface{}{
		"accounting_date": today.String(),
		"recorded_today":  recorded,
		"datapoints":      len(db.Datapoints),
		"processed_today": marker != nil && marker.LastProcessedDate == today,
	}
	if marker != nil {
		resp["last_run"] = marker
	}
	if last, ok := latest(db); ok {
		resp["latest_date"] = last.String()
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

func latest(db *store.Database) (civil.Date, bool) {
	var last civil.Date
	for i, rec := range db.Datapoints {
		if i == 0 || rec.Date.After(last) {
			last = rec.Date
		}
	}
	return last, len(db.Datapoints) > 0
}
