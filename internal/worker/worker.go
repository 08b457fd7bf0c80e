package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/frames"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/queue"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/services"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/storage"
)

const (
	dequeueTimeout  = 5 * time.Second
	finalizeTimeout = 30 * time.Second
)

type Config struct {
	Generator         generator.Config
	ParallelClips     int
	ReserveKeysPerJob int // 0 acquires keys dynamically
	ResumeInterval    time.Duration
	MaxUploads        int
}

// Store is the job persistence the worker needs.
type Store interface {
	logStore
	ClaimJob(ctx context.Context, id uuid.UUID) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobClips(ctx context.Context, jobID uuid.UUID) ([]models.Clip, error)
	RecoverJobs(ctx context.Context) ([]uuid.UUID, error)
	SaveClipResult(ctx context.Context, clip *models.Clip) error
	SetJobPaused(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
	UpdateJobError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
}

// Queue is the Redis side of the worker: the work list, the paused list and
// the event and control channels.
type Queue interface {
	eventPublisher
	EnqueueJob(ctx context.Context, jobID uuid.UUID) error
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Message, error)
	PauseJob(ctx context.Context, jobID uuid.UUID, reason string) error
	ResumeOne(ctx context.Context) (*uuid.UUID, error)
	SubscribeControl(ctx context.Context) (<-chan queue.Control, error)
}

type Worker struct {
	db        Store
	queue     Queue
	storage   *storage.Storage
	pool      *keypool.Pool
	veo       *services.VeoService
	prompts   *services.PromptService
	orch      *Orchestrator
	cfg       Config
	uploadSem chan struct{} // limits concurrent clip uploads across jobs

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc
}

func New(
	database Store,
	q Queue,
	stor *storage.Storage,
	pool *keypool.Pool,
	veo *services.VeoService,
	prompts *services.PromptService,
	cfg Config,
) *Worker {
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = 30 * time.Second
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 4
	}
	return &Worker{
		db:        database,
		queue:     q,
		storage:   stor,
		pool:      pool,
		veo:       veo,
		prompts:   prompts,
		orch:      &Orchestrator{MaxParallel: cfg.ParallelClips, Status: pool.StatusSummary},
		cfg:       cfg,
		uploadSem: make(chan struct{}, cfg.MaxUploads),
		running:   make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Start processes jobs until ctx is done and returns once every running
// job has recorded its state.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	w.recoverJobs(ctx)

	controls, err := w.queue.SubscribeControl(ctx)
	if err != nil {
		log.Printf("[Worker] Control channel unavailable, cancel and pause requests will not reach running jobs: %v", err)
	} else {
		go w.watchControl(ctx, controls)
	}
	go w.resumeLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processQueue(ctx)
		}()
	}

	<-ctx.Done()
	log.Println("[Worker] Shutting down, waiting for running jobs to record their state...")
	wg.Wait()
}

// recoverJobs requeues jobs that a previous process left pending or running.
func (w *Worker) recoverJobs(ctx context.Context) {
	ids, err := w.db.RecoverJobs(ctx)
	if err != nil {
		log.Printf("[Worker] Failed to recover jobs: %v", err)
		return
	}
	for _, id := range ids {
		if err := w.queue.EnqueueJob(ctx, id); err != nil {
			log.Printf("[Worker] Failed to requeue job %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[Worker] Requeued %d pending job(s)", len(ids))
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Error dequeuing from %s: %v", queue.QueueGenerateJob, err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.handleJob(ctx, msg.JobID); err != nil {
			log.Printf("[Worker] Job %s failed: %v", msg.JobID, err)
		}
	}
}

// resumeLoop moves one job paused for lack of keys back to the work queue
// whenever the pool has a usable key.
func (w *Worker) resumeLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if w.pool.StatusSummary().Available == 0 {
			continue
		}
		id, err := w.queue.ResumeOne(ctx)
		if err != nil {
			log.Printf("[Worker] Failed to resume paused job: %v", err)
			continue
		}
		if id != nil {
			log.Printf("[Worker] Keys available again, resuming job %s", *id)
		}
	}
}

func (w *Worker) watchControl(ctx context.Context, controls <-chan queue.Control) {
	for c := range controls {
		cause := errCancelled
		if c.Action == queue.ControlPause {
			cause = errPaused
		}
		if w.stop(c.JobID, cause) {
			log.Printf("[Worker] Job %s: %s requested", c.JobID, c.Action)
		}
	}
}

func (w *Worker) track(id uuid.UUID, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[id] = cancel
}

func (w *Worker) untrack(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
}

// stop cancels a job running in this process. It reports false when the job
// is not running here.
func (w *Worker) stop(id uuid.UUID, cause error) bool {
	w.mu.Lock()
	cancel, ok := w.running[id]
	w.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func (w *Worker) handleJob(ctx context.Context, jobID uuid.UUID) error {
	claimed, err := w.db.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("[Worker] Job %s is not runnable, skipping", jobID)
		return nil
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.track(jobID, cancel)
	defer w.untrack(jobID)

	pump := newProgressPump(jobID, w.db, w.queue, 0)
	defer pump.Close()

	job, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		return w.failJob(ctx, jobID, pump, "JOB_LOAD_FAILED", err)
	}
	clips, err := w.db.GetJobClips(ctx, jobID)
	if err != nil {
		return w.failJob(ctx, jobID, pump, "JOB_LOAD_FAILED", err)
	}

	src, candidates, err := w.frameSource(jobCtx, job)
	if err != nil {
		return w.failJob(ctx, jobID, pump, "FRAMES_UNAVAILABLE", err)
	}
	if len(candidates) == 0 {
		return w.failJob(ctx, jobID, pump, "NO_CANDIDATE_FRAMES", errors.New("job has no candidate frames"))
	}

	creds := w.pool.Dynamic()
	if w.cfg.ReserveKeysPerJob > 0 {
		reserved := w.pool.ReserveForJob(jobID.String(), w.cfg.ReserveKeysPerJob)
		defer w.pool.ReleaseJob(jobID.String())
		log.Printf("[Job %s] Reserved %d key(s): %v", jobID, len(reserved), reserved)
		creds = w.pool.ForJob(jobID.String())
	}

	gen := generator.New(generator.Deps{
		Client:      w.veo.ForJob(job.Options),
		Credentials: creds,
		Prompts:     w.prompts.ForJob(job.Options.Language, job.Options.DurationSeconds),
		Frames:      src,
		Artifacts:   &limitedSink{sink: storage.ClipSink{Store: w.storage, JobID: jobID.String()}, sem: w.uploadSem},
		Progress:    pump.Send,
	}, w.generatorConfig(job.Options))

	byIndex := make(map[int]*models.Clip, len(clips))
	for i := range clips {
		byIndex[clips[i].ClipIndex] = &clips[i]
	}

	reqs := buildRequests(job, clips, candidates)
	log.Printf("[Job %s] Starting: %d of %d clip(s) to generate (%s mode, %d candidate frames)",
		jobID, len(reqs), len(clips), modeOf(job.Options), len(candidates))
	pump.JobEvent("job_started", fmt.Sprintf("Generating %d clip(s)", len(reqs)), map[string]any{
		"mode":       string(modeOf(job.Options)),
		"clips":      len(reqs),
		"candidates": len(candidates),
		"keys":       w.pool.StatusSummary(),
	})

	out := w.orch.Run(jobCtx, gen, JobRun{
		JobID:       jobID,
		Mode:        modeOf(job.Options),
		MaxParallel: job.Options.MaxParallel,
		Clips:       reqs,
		OnResult: func(res *generator.ClipResult) {
			c, ok := byIndex[res.ClipIndex]
			if !ok {
				return
			}
			applyResult(c, res)
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
			defer cancel()
			if err := w.db.SaveClipResult(sctx, c); err != nil {
				log.Printf("[Job %s] Failed to save clip %d: %v", jobID, res.ClipIndex, err)
			}
		},
	})

	return w.finish(ctx, jobID, out, pump)
}

// finish records how the run ended. Writes use a context that survives
// cancellation of the job and of the worker.
func (w *Worker) finish(ctx context.Context, jobID uuid.UUID, out *RunOutcome, pump *progressPump) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case out.Paused:
		code, msg := "ALL_KEYS_EXHAUSTED", errKeyExhausted.Error()
		if out.PauseErr != nil {
			code, msg = out.PauseErr.Code, out.PauseErr.Message
		}
		log.Printf("[Job %s] Paused: %s", jobID, msg)
		if err := w.db.SetJobPaused(fctx, jobID, code, msg); err != nil {
			return fmt.Errorf("failed to pause job: %w", err)
		}
		pump.JobEvent("job_paused", "All API keys are exhausted; the job resumes when one recovers", map[string]any{"code": code})
		if err := w.queue.PauseJob(fctx, jobID, code); err != nil {
			return fmt.Errorf("failed to queue paused job: %w", err)
		}
		return nil

	case errors.Is(out.Stopped, errCancelled):
		log.Printf("[Job %s] Cancelled", jobID)
		w.orch.Forget(jobID)
		pump.JobEvent("job_cancelled", "Job cancelled", nil)
		return w.db.UpdateJobStatus(fctx, jobID, models.JobStatusCancelled)

	case errors.Is(out.Stopped, errPaused):
		log.Printf("[Job %s] Paused by user", jobID)
		pump.JobEvent("job_paused", "Job paused", map[string]any{"code": "PAUSED_BY_USER"})
		return w.db.SetJobPaused(fctx, jobID, "PAUSED_BY_USER", "job paused by user")

	case out.Stopped != nil:
		// Worker shutdown. The job runs again after restart.
		log.Printf("[Job %s] Interrupted (%v), returning to pending", jobID, out.Stopped)
		return w.db.UpdateJobStatus(fctx, jobID, models.JobStatusPending)
	}

	clips, err := w.db.GetJobClips(fctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to reload clips: %w", err)
	}
	w.orch.Forget(jobID)

	status, code, msg := summarize(clips)
	if status == models.JobStatusCompleted {
		log.Printf("[Job %s] Completed (%d clips)", jobID, len(clips))
		pump.JobEvent("job_completed", "All clips generated", nil)
		return w.db.UpdateJobStatus(fctx, jobID, models.JobStatusCompleted)
	}

	log.Printf("[Job %s] Failed: %s: %s", jobID, code, msg)
	pump.JobEvent("job_failed", msg, map[string]any{"code": code})
	return w.db.UpdateJobError(fctx, jobID, code, msg)
}

func (w *Worker) failJob(ctx context.Context, jobID uuid.UUID, pump *progressPump, code string, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	pump.JobEvent("job_failed", cause.Error(), map[string]any{"code": code})
	if err := w.db.UpdateJobError(fctx, jobID, code, cause.Error()); err != nil {
		log.Printf("[Job %s] Failed to record error: %v", jobID, err)
	}
	return cause
}

// frameSource returns where the job's frames come from and the candidate
// list in selection order.
func (w *Worker) frameSource(ctx context.Context, job *models.Job) (frames.Source, []string, error) {
	if job.ImagesDir != nil && *job.ImagesDir != "" {
		src := frames.DirSource{Dir: *job.ImagesDir, SortBy: frames.SortOrder(job.SortBy)}
		if len(job.Candidates) > 0 {
			return src, job.Candidates, nil
		}
		candidates, err := src.List(ctx)
		return src, candidates, err
	}
	src := frames.StorageSource{Store: w.storage, Keys: job.Candidates}
	candidates, err := src.List(ctx)
	return src, candidates, err
}

func (w *Worker) generatorConfig(opts models.JobOptions) generator.Config {
	cfg := w.cfg.Generator
	if opts.MaxRetries > 0 {
		cfg.MaxAttempts = opts.MaxRetries
	}
	cfg.SingleFrameInterpolation = opts.SingleFrameInterpolation
	cfg.SkipOnCelebrityFilter = opts.SkipOnCelebrityFilter
	return cfg
}

func modeOf(opts models.JobOptions) models.GenerationMode {
	if opts.Mode == models.ModeSequential {
		return models.ModeSequential
	}
	return models.ModeParallel
}

// buildRequests returns a request for every clip that still needs work.
// Clips created without frames get their initial assignment here. In
// sequential mode a clip following a completed one starts on that clip's
// actual end frame.
func buildRequests(job *models.Job, clips []models.Clip, candidates []string) []generator.ClipRequest {
	sequential := modeOf(job.Options) == models.ModeSequential

	var reqs []generator.ClipRequest
	var prev *models.Clip
	for i := range clips {
		c := &clips[i]
		if c.Status.Done() {
			prev = c
			continue
		}

		start, end := c.StartFrame, ""
		if c.EndFrame != nil {
			end = *c.EndFrame
		}
		if start == "" {
			start, end = frames.Assign(c.ClipIndex, candidates, job.Options.SingleFrameInterpolation)
		}

		req := generator.ClipRequest{
			ClipIndex:  c.ClipIndex,
			DialogueID: c.DialogueID,
			Dialogue:   c.Dialogue,
			Start:      start,
			End:        end,
			Candidates: candidates,
		}
		if sequential && prev != nil && prev.ClipIndex == c.ClipIndex-1 &&
			prev.Status == models.ClipStatusCompleted && prev.EndUsed != nil && *prev.EndUsed != "" {
			req.Start = *prev.EndUsed
			req.FramesLocked = true
		}
		reqs = append(reqs, req)
		prev = c
	}
	return reqs
}

// limitedSink bounds the number of clip uploads running at once.
type limitedSink struct {
	sink generator.ArtifactSink
	sem  chan struct{}
}

func (s *limitedSink) Save(ctx context.Context, name string, data []byte) (string, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-s.sem }()
	return s.sink.Save(ctx, name, data)
}
