package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/frames"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

// Cancellation causes for a running job.
var (
	errPaused       = errors.New("job paused")
	errCancelled    = errors.New("job cancelled")
	errKeyExhausted = errors.New("all API keys exhausted")
)

const defaultParallelClips = 6

// ClipRunner runs one clip to completion. *generator.Generator satisfies it.
type ClipRunner interface {
	GenerateClip(ctx context.Context, req generator.ClipRequest) *generator.ClipResult
}

type JobRun struct {
	JobID       uuid.UUID
	Mode        models.GenerationMode
	MaxParallel int                     // per-job cap; 0 uses the orchestrator's
	Clips       []generator.ClipRequest // pending clips in index order
	OnResult    func(res *generator.ClipResult)
}

type RunOutcome struct {
	Results map[int]*generator.ClipResult

	// Paused is set when a clip asked to pause because no key is usable.
	Paused   bool
	PauseErr *classify.Error
	// Stopped is the cancellation cause when ctx ended the run early.
	Stopped error
}

// Orchestrator runs the clips of a job, in parallel or as a chain.
type Orchestrator struct {
	MaxParallel int
	Status      func() keypool.Status

	mu    sync.Mutex
	hints map[uuid.UUID]*frames.Blacklist
}

// Hints returns the job's shared set of frames that failed in any of its
// clips. It survives pause and resume within the process.
func (o *Orchestrator) Hints(jobID uuid.UUID) *frames.Blacklist {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hints == nil {
		o.hints = make(map[uuid.UUID]*frames.Blacklist)
	}
	h, ok := o.hints[jobID]
	if !ok {
		h = frames.NewBlacklist()
		o.hints[jobID] = h
	}
	return h
}

// Forget drops the job's hints once it will not run again.
func (o *Orchestrator) Forget(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.hints, jobID)
}

// fanout is the number of clips to run at once: as many as there are
// usable keys, at least one, at most the parallel limit.
func (o *Orchestrator) fanout(jobMax int) int {
	limit := o.MaxParallel
	if limit <= 0 {
		limit = defaultParallelClips
	}
	if jobMax > 0 && jobMax < limit {
		limit = jobMax
	}

	n := limit
	if o.Status != nil {
		n = o.Status().Available
	}
	if n < 1 {
		n = 1
	}
	if n > limit {
		n = limit
	}
	return n
}

func (o *Orchestrator) Run(ctx context.Context, runner ClipRunner, run JobRun) *RunOutcome {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := &RunOutcome{Results: make(map[int]*generator.ClipResult, len(run.Clips))}
	var mu sync.Mutex
	record := func(res *generator.ClipResult) {
		mu.Lock()
		out.Results[res.ClipIndex] = res
		first := res.ShouldPause && !out.Paused
		if first {
			out.Paused = true
			out.PauseErr = res.Err
		}
		mu.Unlock()

		if first {
			log.Printf("[Job %s] Clip %d asked to pause, stopping remaining clips", run.JobID, res.ClipIndex)
			cancel(errKeyExhausted)
		}
		if run.OnResult != nil {
			run.OnResult(res)
		}
	}

	hints := o.Hints(run.JobID)
	if run.Mode == models.ModeSequential {
		o.runSequential(runCtx, runner, run, hints, record)
	} else {
		o.runParallel(runCtx, runner, run, hints, record)
	}

	if !out.Paused && ctx.Err() != nil {
		out.Stopped = context.Cause(ctx)
	}
	return out
}

func (o *Orchestrator) runParallel(ctx context.Context, runner ClipRunner, run JobRun, hints *frames.Blacklist, record func(*generator.ClipResult)) {
	fanout := o.fanout(run.MaxParallel)
	log.Printf("[Job %s] Running %d clips in parallel (fan-out %d)", run.JobID, len(run.Clips), fanout)

	var g errgroup.Group
	g.SetLimit(fanout)
	for _, req := range run.Clips {
		if ctx.Err() != nil {
			break
		}
		req := req
		req.Hints = hints
		req.FramesLocked = false
		g.Go(func() error {
			// Clips that never started stay pending.
			if ctx.Err() != nil {
				return nil
			}
			// Snapshot when the clip starts, so it sees frames rejected by
			// clips that finished while it waited for a slot.
			req.Blacklist = hints.Clone()
			record(runner.GenerateClip(ctx, req))
			return nil
		})
	}
	g.Wait()
}

// runSequential runs clips one at a time. Each clip starts on the frame the
// previous clip actually ended on, and that start may not be swapped.
func (o *Orchestrator) runSequential(ctx context.Context, runner ClipRunner, run JobRun, hints *frames.Blacklist, record func(*generator.ClipResult)) {
	log.Printf("[Job %s] Running %d clips sequentially", run.JobID, len(run.Clips))

	blacklist := hints.Clone()
	var prev *generator.ClipResult
	for _, req := range run.Clips {
		if ctx.Err() != nil {
			return
		}
		req.Blacklist = blacklist
		req.Hints = hints
		if prev != nil && prev.ClipIndex == req.ClipIndex-1 &&
			prev.Status == models.ClipStatusCompleted && prev.EndUsed != "" {
			req.Start = prev.EndUsed
			req.FramesLocked = true
		}

		res := runner.GenerateClip(ctx, req)
		record(res)
		if res.ShouldPause || res.Interrupted {
			return
		}
		prev = res
	}
}

// summarize derives the job status from its clips: completed when every
// clip is completed or skipped, otherwise failed with the first clip error.
func summarize(clips []models.Clip) (models.JobStatus, string, string) {
	for _, c := range clips {
		if c.Status.Done() {
			continue
		}
		code, msg := "CLIP_FAILED", "clip did not complete"
		if c.ErrorCode != nil {
			code = *c.ErrorCode
		}
		if c.ErrorMessage != nil {
			msg = *c.ErrorMessage
		}
		return models.JobStatusFailed, code, msg
	}
	return models.JobStatusCompleted, "", ""
}

// applyResult copies a clip result onto its row.
func applyResult(c *models.Clip, res *generator.ClipResult) {
	c.Status = res.Status
	c.Attempts = res.Attempts
	c.RateLimitRetries = res.RateLimitRetries
	c.StartUsed = strPtr(res.StartUsed)
	c.EndUsed = strPtr(res.EndUsed)
	c.Prompt = strPtr(res.Prompt)
	c.OutputPath = strPtr(res.OutputRef)
	c.OutputName = strPtr(res.OutputName)
	c.ErrorCode, c.ErrorMessage, c.ErrorDetails = nil, nil, nil

	if res.Err != nil && res.Status == models.ClipStatusFailed {
		c.ErrorCode = strPtr(res.Err.Code)
		c.ErrorMessage = strPtr(res.Err.Message)
		c.ErrorDetails = models.JSONB{
			"kind":         res.Err.Kind.String(),
			"recoverable":  res.Err.Recoverable,
			"action":       string(res.Err.Action),
			"user_message": res.Err.UserMessage,
			"suggestion":   res.Err.Suggestion,
		}
		for k, v := range res.Err.Details {
			c.ErrorDetails[k] = v
		}
	}
}

// strPtr returns nil for an empty string.
func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
