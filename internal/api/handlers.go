package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/db"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/frames"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/queue"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/storage"
)

// Store is the part of the database the API uses. *db.DB satisfies it.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job, clips []models.Clip) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]models.JobSummary, error)
	CountJobs(ctx context.Context, status string) (int, error)
	GetJobClips(ctx context.Context, jobID uuid.UUID) ([]models.Clip, error)
	GetJobLogs(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]models.JobLog, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	ReopenJob(ctx context.Context, id uuid.UUID) (int64, error)
}

// Queue is the part of the Redis queue the API uses. *queue.Queue satisfies it.
type Queue interface {
	EnqueueJob(ctx context.Context, jobID uuid.UUID) error
	RemovePaused(ctx context.Context, jobID uuid.UUID) error
	PublishControl(ctx context.Context, c queue.Control) error
	SubscribeEvents(ctx context.Context, jobID uuid.UUID) (<-chan string, error)
	GetQueueLength(ctx context.Context, queueName string) (int64, error)
}

// Objects is the part of storage the API uses. *storage.Storage satisfies it.
type Objects interface {
	List(ctx context.Context, prefix, sortColumn string) ([]storage.Object, error)
	GetSignedURL(ctx context.Context, p string, expiresIn int) (string, error)
}

// KeyStatus reports the credential pool. *keypool.Pool satisfies it.
type KeyStatus interface {
	StatusSummary() keypool.Status
	Snapshot() []keypool.KeyState
}

const (
	signedURLSeconds  = 3600
	heartbeatInterval = 15 * time.Second
)

type Handler struct {
	db      Store
	queue   Queue
	storage Objects
	keys    KeyStatus
}

func NewHandler(database Store, q Queue, stor Objects, keys KeyStatus) *Handler {
	return &Handler{
		db:      database,
		queue:   q,
		storage: stor,
		keys:    keys,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if msg := validateCreateJob(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	candidates := req.Images
	if req.ImagesPrefix != nil {
		listed, err := h.listFrames(r.Context(), *req.ImagesPrefix, req.SortBy)
		if err != nil {
			log.Printf("[API] Failed to list frames under %s: %v", *req.ImagesPrefix, err)
			respondError(w, http.StatusBadGateway, "Failed to list frames in storage")
			return
		}
		if len(listed) == 0 {
			respondError(w, http.StatusBadRequest, "No images found under images_prefix")
			return
		}
		candidates = listed
	}

	job := &models.Job{
		ID:         uuid.New(),
		Status:     models.JobStatusPending,
		Options:    req.Options,
		ImagesDir:  req.ImagesDir,
		SortBy:     req.SortBy,
		Candidates: candidates,
	}

	clips := make([]models.Clip, len(req.Dialogues))
	for i, d := range req.Dialogues {
		id := d.ID
		if id == 0 {
			id = i + 1
		}
		clips[i] = models.Clip{
			ClipIndex:  i,
			DialogueID: id,
			Dialogue:   strings.TrimSpace(d.Text),
			Status:     models.ClipStatusPending,
		}
		// Frames of jobs reading a local directory are assigned by the worker.
		start, end := frames.Assign(i, candidates, req.Options.SingleFrameInterpolation)
		clips[i].StartFrame = start
		if end != "" {
			clips[i].EndFrame = &end
		}
	}

	if err := h.db.CreateJob(r.Context(), job, clips); err != nil {
		log.Printf("[API] Failed to create job: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.EnqueueJob(r.Context(), job.ID); err != nil {
		log.Printf("[API] Failed to enqueue job %s: %v", job.ID, err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	log.Printf("[API] Created job %s (%d clips, %d candidate frames)", job.ID, len(clips), len(candidates))
	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// validateCreateJob checks the request and fills defaults. It returns a
// message for the client, or "" when the request is valid.
func validateCreateJob(req *models.CreateJobRequest) string {
	if len(req.Dialogues) == 0 {
		return "At least one dialogue line is required"
	}
	for i, d := range req.Dialogues {
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Sprintf("Dialogue %d has no text", i+1)
		}
	}

	sources := 0
	if len(req.Images) > 0 {
		sources++
	}
	if req.ImagesPrefix != nil {
		sources++
	}
	if req.ImagesDir != nil {
		sources++
	}
	if sources != 1 {
		return "Provide exactly one of images, images_prefix or images_dir"
	}
	for _, img := range req.Images {
		if frames.MIMEType(img) == "" {
			return fmt.Sprintf("Unsupported image type: %s", img)
		}
	}

	switch req.SortBy {
	case "":
		req.SortBy = models.SortByName
	case models.SortByName, models.SortByDate:
	default:
		return "Invalid sort_by. Allowed: name, date"
	}

	opts := &req.Options
	switch opts.Mode {
	case "":
		opts.Mode = models.ModeParallel
	case models.ModeParallel, models.ModeSequential:
	default:
		return "Invalid mode. Allowed: parallel, sequential"
	}
	if opts.AspectRatio != "" && opts.AspectRatio != "9:16" && opts.AspectRatio != "16:9" {
		return "Invalid aspect_ratio. Allowed: 9:16, 16:9"
	}
	if opts.Resolution != "" && opts.Resolution != "720p" && opts.Resolution != "1080p" {
		return "Invalid resolution. Allowed: 720p, 1080p"
	}
	if opts.DurationSeconds != 0 && (opts.DurationSeconds < 2 || opts.DurationSeconds > 8) {
		return "duration_seconds must be between 2 and 8"
	}
	if opts.MaxParallel < 0 || opts.MaxRetries < 0 {
		return "max_parallel and max_retries cannot be negative"
	}
	return ""
}

// listFrames returns the image keys under prefix in selection order.
func (h *Handler) listFrames(ctx context.Context, prefix string, sortBy models.SortOrder) ([]string, error) {
	column := "name"
	if sortBy == models.SortByDate {
		column = "created_at"
	}
	objects, err := h.storage.List(ctx, prefix, column)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, o := range objects {
		if frames.MIMEType(o.Name) != "" {
			keys = append(keys, path.Join(prefix, o.Name))
		}
	}
	return keys, nil
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: filter by job status (pending, running, paused, completed, failed, cancelled)
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.JobStatus(statusFilter) {
		case models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused,
			models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: pending, running, paused, completed, failed, cancelled")
			return
		}
	}

	limit := queryInt(r, "limit", 20, 1)
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0, 0)

	total, err := h.db.CountJobs(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}

	jobs, err := h.db.ListJobs(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	clips, err := h.db.GetJobClips(r.Context(), job.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get clips")
		return
	}

	respondJSON(w, http.StatusOK, models.JobResponse{
		Job:   *job,
		Clips: h.buildClipResponses(r.Context(), clips),
	})
}

// GetClipDownload handles GET /v1/jobs/{id}/clips/{index}/download
func (h *Handler) GetClipDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid clip index")
		return
	}

	clips, err := h.db.GetJobClips(r.Context(), job.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get clips")
		return
	}

	for _, c := range clips {
		if c.ClipIndex != index {
			continue
		}
		if c.OutputPath == nil {
			respondError(w, http.StatusNotFound, "Clip not ready")
			return
		}
		signedURL, err := h.storage.GetSignedURL(r.Context(), *c.OutputPath, signedURLSeconds)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
			return
		}
		http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
		return
	}
	respondError(w, http.StatusNotFound, "Clip not found")
}

// GetJobLogs handles GET /v1/jobs/{id}/logs
// Query params:
//   - after_id: only entries with a larger id (for polling)
//   - limit:    max entries (default 200, max 1000)
func (h *Handler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	var afterID int64
	if a := r.URL.Query().Get("after_id"); a != "" {
		parsed, err := strconv.ParseInt(a, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid after_id")
			return
		}
		afterID = parsed
	}
	limit := queryInt(r, "limit", 200, 1)
	if limit > 1000 {
		limit = 1000
	}

	logs, err := h.db.GetJobLogs(r.Context(), job.ID, afterID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case models.JobStatusRunning:
		// The worker running the job records the cancellation.
		if err := h.queue.PublishControl(r.Context(), queue.Control{JobID: job.ID, Action: queue.ControlCancel}); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to send cancel request")
			return
		}
		respondJSON(w, http.StatusAccepted, actionResponse(job.ID, "cancel", job.Status))

	case models.JobStatusPending, models.JobStatusPaused:
		if err := h.queue.RemovePaused(r.Context(), job.ID); err != nil {
			log.Printf("[API] Failed to remove job %s from paused queue: %v", job.ID, err)
		}
		if err := h.db.UpdateJobStatus(r.Context(), job.ID, models.JobStatusCancelled); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to cancel job")
			return
		}
		respondJSON(w, http.StatusOK, actionResponse(job.ID, "cancel", models.JobStatusCancelled))

	default:
		respondError(w, http.StatusConflict, fmt.Sprintf("Job is already %s", job.Status))
	}
}

// PauseJob handles POST /v1/jobs/{id}/pause
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusRunning {
		respondError(w, http.StatusConflict, "Only running jobs can be paused")
		return
	}

	if err := h.queue.PublishControl(r.Context(), queue.Control{JobID: job.ID, Action: queue.ControlPause}); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to send pause request")
		return
	}
	respondJSON(w, http.StatusAccepted, actionResponse(job.ID, "pause", job.Status))
}

// ResumeJob handles POST /v1/jobs/{id}/resume. Paused jobs continue where
// they stopped; failed jobs rerun their failed clips.
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case models.JobStatusPaused:
		if err := h.queue.RemovePaused(r.Context(), job.ID); err != nil {
			log.Printf("[API] Failed to remove job %s from paused queue: %v", job.ID, err)
		}
	case models.JobStatusFailed:
		n, err := h.db.ReopenJob(r.Context(), job.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to reopen job")
			return
		}
		log.Printf("[API] Reopened job %s (%d clip(s) to retry)", job.ID, n)
	default:
		respondError(w, http.StatusConflict, fmt.Sprintf("Job is %s and cannot be resumed", job.Status))
		return
	}

	if err := h.queue.EnqueueJob(r.Context(), job.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, actionResponse(job.ID, "resume", models.JobStatusPending))
}

// JobEvents handles GET /v1/jobs/{id}/events as a server-sent event stream.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	events, err := h.queue.SubscribeEvents(r.Context(), job.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to subscribe to job events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: status\ndata: {\"status\":%q}\n\n", job.Status)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case payload, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type keysResponse struct {
	Summary    keypool.Status     `json:"summary"`
	Keys       []keypool.KeyState `json:"keys"`
	QueuedJobs int64              `json:"queued_jobs"`
	PausedJobs int64              `json:"paused_jobs"`
}

// GetKeys handles GET /v1/keys
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	resp := keysResponse{
		Summary: h.keys.StatusSummary(),
		Keys:    h.keys.Snapshot(),
	}
	var err error
	if resp.QueuedJobs, err = h.queue.GetQueueLength(r.Context(), queue.QueueGenerateJob); err != nil {
		log.Printf("[API] Failed to read queue length: %v", err)
	}
	if resp.PausedJobs, err = h.queue.GetQueueLength(r.Context(), queue.QueuePausedJobs); err != nil {
		log.Printf("[API] Failed to read paused queue length: %v", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Helper methods

// loadJob parses the {id} URL parameter and loads the job, writing the
// error response itself when it cannot.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return nil, false
	}
	return job, true
}

func (h *Handler) buildClipResponses(ctx context.Context, clips []models.Clip) []models.ClipResponse {
	responses := make([]models.ClipResponse, len(clips))
	for i, clip := range clips {
		responses[i] = models.ClipResponse{Clip: clip}
		if clip.OutputPath == nil {
			continue
		}
		if url, err := h.storage.GetSignedURL(ctx, *clip.OutputPath, signedURLSeconds); err == nil {
			responses[i].OutputURL = &url
		} else {
			log.Printf("[API] Failed to sign URL for %s: %v", *clip.OutputPath, err)
		}
	}
	return responses
}

func actionResponse(jobID uuid.UUID, action string, status models.JobStatus) map[string]any {
	return map[string]any{"job_id": jobID, "action": action, "status": status}
}

func queryInt(r *http.Request, name string, def, floor int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= floor {
			return parsed
		}
	}
	return def
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
