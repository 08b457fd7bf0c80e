package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/frames"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

// verdict is what one attempt tells the loop to do next.
type verdict int

const (
	verdictDone           verdict = iota
	verdictRetry                  // costs a real attempt
	verdictSwap                   // new frames, free
	verdictRateLimitRetry         // costs a rate-limit retry
)

// budget holds the two independent retry counters.
type budget struct {
	attempts         int
	rateLimitRetries int
}

// charge applies a verdict to the budget.
func (b budget) charge(v verdict) budget {
	switch v {
	case verdictRetry:
		b.attempts++
	case verdictRateLimitRetry:
		b.rateLimitRetries++
	}
	return b
}

type outcome struct {
	result *ClipResult
	next   verdict
}

func retry() *outcome {
	return &outcome{next: verdictRetry}
}

type clipRun struct {
	g   *Generator
	req ClipRequest
	sel frames.Selector

	start      string
	startIdx   int
	end        string
	endIdx     int
	failedEnds []string // distinct ends rejected by the celebrity filter with the current start
	blacklist  *frames.Blacklist
	prompt     string
	budget     budget
	lastErr    *classify.Error
}

// GenerateClip runs one clip to a terminal state, a pause request or an
// interruption by ctx.
func (g *Generator) GenerateClip(ctx context.Context, req ClipRequest) *ClipResult {
	r := &clipRun{
		g:         g,
		req:       req,
		sel:       frames.Selector{Candidates: req.Candidates, MaxProbes: g.cfg.MaxProbes},
		start:     req.Start,
		end:       req.End,
		blacklist: req.Blacklist,
	}
	if r.blacklist == nil {
		r.blacklist = frames.NewBlacklist()
	}
	r.startIdx = r.sel.IndexOf(r.start)
	r.endIdx = r.sel.IndexOf(r.end)
	if r.endIdx < 0 {
		r.endIdx = r.startIdx
	}

	if r.start == "" {
		return r.fail(classify.New(classify.KindUnknown, "INVALID_REQUEST", "clip has no start frame"), false)
	}

	// The first attempt is paid for up front; each verdict pays for the next.
	r.budget.attempts = 1
	for {
		if ctx.Err() != nil {
			return r.interrupted()
		}
		if r.budget.rateLimitRetries >= g.cfg.MaxRateLimitRetries {
			return r.pause("ALL_KEYS_RATE_LIMITED", fmt.Sprintf("rate limited %d times in a row", r.budget.rateLimitRetries))
		}
		if r.budget.attempts > g.cfg.MaxAttempts {
			r.budget.attempts = g.cfg.MaxAttempts
			return r.exhausted()
		}

		o := r.attempt(ctx)
		if o.next == verdictDone {
			return o.result
		}
		r.budget = r.budget.charge(o.next)
	}
}

func (r *clipRun) attempt(ctx context.Context) *outcome {
	if o := r.resolveFrames(); o != nil {
		return o
	}

	prompt, err := r.g.Prompts.BuildPrompt(ctx, PromptInput{
		ClipIndex:  r.req.ClipIndex,
		DialogueID: r.req.DialogueID,
		Dialogue:   r.req.Dialogue,
		StartFrame: r.start,
		EndFrame:   r.end,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.interruptedOutcome()
		}
		ce := classify.New(classify.KindUnknown, "PROMPT_FAILED", err.Error())
		ce.Recoverable = false
		return r.failOutcome(ce)
	}
	r.prompt = prompt

	greq, o := r.loadRequest(ctx)
	if o != nil {
		return o
	}

	op, cred, o := r.submit(ctx, greq)
	if o != nil {
		return o
	}

	op, o = r.poll(ctx, op, cred)
	if o != nil {
		return o
	}

	if ce := classify.Operation(op.Outcome); ce != nil {
		return r.handleFailure(ctx, ce)
	}

	data, o := r.download(ctx, op, cred)
	if o != nil {
		return o
	}

	name := OutputName(r.req.ClipIndex, r.start, r.end, r.g.now())
	ref, err := r.g.Artifacts.Save(ctx, name, data)
	if err != nil {
		if ctx.Err() != nil {
			return r.interruptedOutcome()
		}
		ce := classify.New(classify.KindUnknown, "FILE_WRITE_ERROR", err.Error())
		ce.Recoverable = false
		return r.failOutcome(ce)
	}

	r.progress(string(models.ClipStatusCompleted), "Clip completed", map[string]any{
		"output":   ref,
		"start":    r.start,
		"end":      r.end,
		"attempts": r.budget.attempts,
	})
	log.Printf("[Clip %d] Completed (%s, %d bytes, attempt %d)", r.req.ClipIndex, name, len(data), r.budget.attempts)

	res := r.result(models.ClipStatusCompleted)
	res.OutputRef = ref
	res.OutputName = name
	return &outcome{result: res, next: verdictDone}
}

// resolveFrames makes sure neither frame is blacklisted and that start and
// end differ.
func (r *clipRun) resolveFrames() *outcome {
	if !r.req.FramesLocked && r.blacklist.Has(r.start) {
		idx, c, ok := r.exhaustive().Next(r.startIdx, r.blacklist)
		if !ok {
			return r.failOutcome(allBlacklisted())
		}
		log.Printf("[Clip %d] Start frame %s is blacklisted, using %s", r.req.ClipIndex, r.start, c)
		r.start, r.startIdx = c, idx
	}

	if r.end == "" {
		return nil
	}

	switch {
	case r.end == r.start:
		if r.g.cfg.SingleFrameInterpolation {
			return nil
		}
	case r.blacklist.Has(r.end):
	default:
		return nil
	}

	idx, c, ok := r.sel.Next(r.endIdx, r.blacklist, r.start)
	if !ok {
		if r.end == r.start {
			return r.failOutcome(classify.New(classify.KindUnknown, "NO_DISTINCT_END_FRAME",
				"no end frame different from the start frame is available"))
		}
		return r.failOutcome(allBlacklisted())
	}
	r.end, r.endIdx = c, idx
	return nil
}

func (r *clipRun) loadRequest(ctx context.Context) (*Request, *outcome) {
	start, err := r.g.Frames.Load(ctx, r.start)
	if err != nil {
		return nil, r.loadFailed(ctx, r.start, err)
	}
	greq := &Request{Prompt: r.prompt, Start: start}
	if r.end != "" {
		end, err := r.g.Frames.Load(ctx, r.end)
		if err != nil {
			return nil, r.loadFailed(ctx, r.end, err)
		}
		greq.End = end
	}
	return greq, nil
}

func (r *clipRun) loadFailed(ctx context.Context, key string, err error) *outcome {
	if ctx.Err() != nil {
		return r.interruptedOutcome()
	}
	ce := classify.New(classify.KindUnknown, "IMAGE_LOAD_FAILED", fmt.Sprintf("failed to load frame %s: %v", key, err))
	ce.Recoverable = false
	return r.failOutcome(ce)
}

func (r *clipRun) submit(ctx context.Context, greq *Request) (*Operation, keypool.Credential, *outcome) {
	max := r.g.cfg.MaxSubmitRetries
	var cred keypool.Credential
	held := false
	transient := 0

	for n := 1; n <= max; n++ {
		if ctx.Err() != nil {
			return nil, cred, r.interruptedOutcome()
		}

		if held {
			r.g.Credentials.Touch(cred.Index)
		} else {
			c, err := r.g.Credentials.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, cred, r.interruptedOutcome()
				}
				if !errors.Is(err, keypool.ErrUnavailable) {
					log.Printf("[Clip %d] Key acquisition failed: %v", r.req.ClipIndex, err)
				}
				return nil, cred, r.pauseOutcome("NO_KEYS_AVAILABLE", "no API key available")
			}
			cred, held = c, true
		}

		r.progress(string(models.ClipStatusSubmitting), fmt.Sprintf("Submitting with key %s (try %d/%d)", cred, n, max),
			map[string]any{"key_index": cred.Index, "start": r.start, "end": r.end, "attempt": r.budget.attempts})

		op, err := r.g.Client.Submit(ctx, greq, cred)
		if err == nil {
			log.Printf("[Clip %d] Submitted %s with key %s", r.req.ClipIndex, op.Name, cred)
			return op, cred, nil
		}
		if ctx.Err() != nil {
			return nil, cred, r.interruptedOutcome()
		}

		ce := classify.Classify(err)
		r.lastErr = ce
		final := n == max
		log.Printf("[Clip %d] Submit failed with key %s (%s): %v", r.req.ClipIndex, cred, ce.Kind, err)

		switch {
		case ce.InvalidatesCredential:
			r.g.Credentials.MarkInvalid(cred.Index)
			return nil, cred, r.failOutcome(ce)

		case !ce.Recoverable:
			return nil, cred, r.failOutcome(ce)

		case ce.Kind == classify.KindRateLimit:
			r.g.Credentials.MarkRateLimited(cred.Index, 0)
			held = false
			if r.g.Credentials.StatusSummary().Available == 0 {
				return nil, cred, r.pauseOutcome("ALL_KEYS_RATE_LIMITED", "all API keys are rate limited")
			}
			if final {
				return nil, cred, r.rateLimitRetry(ctx)
			}
			wait := submitBackoff(n)
			r.progress(EventRateLimited, fmt.Sprintf("Key %s rate limited, rotating in %v", cred, wait),
				map[string]any{"key_index": cred.Index, "wait_seconds": wait.Seconds()})
			if err := r.g.sleep(ctx, wait); err != nil {
				return nil, cred, r.interruptedOutcome()
			}

		case ce.Kind == classify.KindTransient:
			if final {
				return nil, cred, r.rateLimitRetry(ctx)
			}
			transient++
			wait := classify.Backoff(transient)
			r.progress(EventRetrying, fmt.Sprintf("Service overloaded, retrying in %v", wait),
				map[string]any{"key_index": cred.Index, "wait_seconds": wait.Seconds()})
			if err := r.g.sleep(ctx, wait); err != nil {
				return nil, cred, r.interruptedOutcome()
			}

		case ce.Kind == classify.KindCelebrity:
			return nil, cred, r.celebrity(ctx, ce)

		default:
			r.progress(EventAPIError, ce.UserMessage, map[string]any{"code": ce.Code, "error": ce.Message})
			return nil, cred, retry()
		}
	}

	return nil, cred, retry()
}

// submitBackoff is the pause before rotating keys after a 429.
func submitBackoff(n int) time.Duration {
	d := time.Second << uint(n)
	if n > 5 || d > maxSubmitBackoff {
		return maxSubmitBackoff
	}
	return d
}

func (r *clipRun) rateLimitRetry(ctx context.Context) *outcome {
	r.progress(EventRateLimited, "Submit retries exhausted, waiting before trying again",
		map[string]any{"rate_limit_retry": r.budget.rateLimitRetries + 1})
	if err := r.g.sleep(ctx, rateLimitRetryDelay); err != nil {
		return r.interruptedOutcome()
	}
	return &outcome{next: verdictRateLimitRetry}
}

func (r *clipRun) poll(ctx context.Context, op *Operation, cred keypool.Credential) (*Operation, *outcome) {
	started := r.g.now()
	polls, errs := 0, 0

	r.progress(string(models.ClipStatusPolling), "Waiting for video generation", map[string]any{"operation": op.Name, "key_index": cred.Index})

	for !op.Done {
		if ctx.Err() != nil {
			return nil, r.interruptedOutcome()
		}
		if elapsed := r.g.now().Sub(started); elapsed > r.g.cfg.MaxPollDuration {
			r.lastErr = classify.New(classify.KindNetwork, "POLL_TIMEOUT",
				fmt.Sprintf("operation %s not done after %v", op.Name, elapsed.Round(time.Second)))
			return nil, retry()
		}
		if err := r.g.sleep(ctx, r.g.cfg.PollInterval); err != nil {
			return nil, r.interruptedOutcome()
		}

		polls++
		next, err := r.g.Client.Poll(ctx, op, cred)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.interruptedOutcome()
			}
			ce := classify.Classify(err)
			r.lastErr = ce
			errs++

			var wait time.Duration
			switch ce.Kind {
			case classify.KindTransient:
				wait = transientPollWait
			case classify.KindRateLimit:
				wait = rateLimitPollWait
			}
			if wait == 0 || errs > r.g.cfg.MaxPollErrors {
				log.Printf("[Clip %d] Poll of %s failed (%s): %v", r.req.ClipIndex, op.Name, ce.Kind, err)
				return nil, retry()
			}

			// Operations belong to the submitting key, so wait and poll again with it.
			r.progress(EventRetrying, fmt.Sprintf("Poll error (%s), retrying in %v", ce.Kind, wait), map[string]any{"operation": op.Name})
			if err := r.g.sleep(ctx, wait); err != nil {
				return nil, r.interruptedOutcome()
			}
			continue
		}

		errs = 0
		op = next
		if !op.Done && polls%pollReportEvery == 0 {
			r.progress(string(models.ClipStatusPolling), fmt.Sprintf("Still generating (%v)", r.g.now().Sub(started).Round(time.Second)), nil)
		}
	}
	return op, nil
}

func (r *clipRun) download(ctx context.Context, op *Operation, cred keypool.Credential) ([]byte, *outcome) {
	r.progress(string(models.ClipStatusDownloading), "Downloading video", map[string]any{"operation": op.Name})

	for try := 1; try <= 2; try++ {
		if ctx.Err() != nil {
			return nil, r.interruptedOutcome()
		}

		data, err := r.g.Client.Download(ctx, op, cred)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, r.interruptedOutcome()
		}
		if err == nil {
			err = errors.New("downloaded video is empty")
		}

		ce := classify.Classify(err)
		r.lastErr = ce
		log.Printf("[Clip %d] Download of %s failed (%s): %v", r.req.ClipIndex, op.Name, ce.Kind, err)

		if try == 1 && (ce.Kind == classify.KindTransient || ce.Kind == classify.KindRateLimit) {
			if err := r.g.sleep(ctx, downloadRetryWait); err != nil {
				return nil, r.interruptedOutcome()
			}
			continue
		}
		break
	}
	return nil, retry()
}

// handleFailure reacts to a failed operation outcome.
func (r *clipRun) handleFailure(ctx context.Context, ce *classify.Error) *outcome {
	r.lastErr = ce
	switch {
	case ce.Kind == classify.KindCelebrity:
		return r.celebrity(ctx, ce)
	case !ce.Recoverable:
		return r.failOutcome(ce)
	default:
		r.progress(EventAPIError, ce.UserMessage, map[string]any{"code": ce.Code, "error": ce.Message})
		return retry()
	}
}

// celebrity handles a public-figure rejection. The end frame is the first
// suspect; after two distinct ends fail with the same start, the start is.
func (r *clipRun) celebrity(ctx context.Context, ce *classify.Error) *outcome {
	r.lastErr = ce
	if r.g.cfg.SkipOnCelebrityFilter {
		r.progress(string(models.ClipStatusSkipped), "Skipped after celebrity filter", map[string]any{"start": r.start, "end": r.end})
		return &outcome{result: r.result(models.ClipStatusSkipped), next: verdictDone}
	}

	if r.end == "" {
		return r.swapStart(ctx, ce)
	}

	r.blacklist.Add(r.end)
	r.req.Hints.Add(r.end)
	if !containsString(r.failedEnds, r.end) {
		r.failedEnds = append(r.failedEnds, r.end)
	}
	r.progress(EventCelebrityFilter, fmt.Sprintf("End frame %s rejected by celebrity filter", r.end),
		map[string]any{"frame": r.end, "failed_ends": len(r.failedEnds)})

	if len(r.failedEnds) >= 2 {
		return r.swapStart(ctx, ce)
	}

	idx, c, ok := r.exhaustive().Next(r.endIdx, r.blacklist, r.start)
	if !ok {
		return r.failOutcome(allBlacklisted())
	}
	log.Printf("[Clip %d] Swapping end frame %s -> %s", r.req.ClipIndex, r.end, c)
	r.end, r.endIdx = c, idx
	return r.swapped(ctx)
}

func (r *clipRun) swapStart(ctx context.Context, ce *classify.Error) *outcome {
	if r.req.FramesLocked {
		locked := classify.New(classify.KindCelebrity, "", ce.Message+" (start frame is locked by the previous clip)")
		locked.Recoverable = false
		locked.Action = classify.ActionAbort
		return r.failOutcome(locked)
	}

	r.blacklist.Add(r.start)
	r.req.Hints.Add(r.start)
	idx, c, ok := r.exhaustive().Next(r.startIdx, r.blacklist)
	if !ok {
		return r.failOutcome(allBlacklisted())
	}
	log.Printf("[Clip %d] Start frame %s suspected, swapping to %s", r.req.ClipIndex, r.start, c)
	r.start, r.startIdx = c, idx
	r.failedEnds = nil

	if r.end != "" {
		eidx, e, ok := r.exhaustive().Next(idx, r.blacklist, r.start)
		switch {
		case ok:
			r.end, r.endIdx = e, eidx
		case r.g.cfg.SingleFrameInterpolation:
			r.end, r.endIdx = r.start, r.startIdx
		default:
			return r.failOutcome(allBlacklisted())
		}
	}
	return r.swapped(ctx)
}

func (r *clipRun) swapped(ctx context.Context) *outcome {
	r.progress(EventFrameSwap, fmt.Sprintf("Retrying with frames %s -> %s", r.start, r.end),
		map[string]any{"start": r.start, "end": r.end})
	if err := r.g.sleep(ctx, frameSwapDelay); err != nil {
		return r.interruptedOutcome()
	}
	return &outcome{next: verdictSwap}
}

func (r *clipRun) exhaustive() frames.Selector {
	return frames.Selector{Candidates: r.req.Candidates, MaxProbes: frames.Exhaustive}
}

func allBlacklisted() *classify.Error {
	ce := classify.New(classify.KindCelebrity, "ALL_IMAGES_BLACKLISTED", "every candidate frame has been rejected")
	ce.Recoverable = false
	ce.Action = classify.ActionAbort
	ce.UserMessage = "No usable frames are left for this clip."
	ce.Suggestion = "Add different frames and retry the clip."
	return ce
}

func (r *clipRun) result(status models.ClipStatus) *ClipResult {
	return &ClipResult{
		ClipIndex:        r.req.ClipIndex,
		Status:           status,
		Prompt:           r.prompt,
		StartUsed:        r.start,
		EndUsed:          r.end,
		Attempts:         r.budget.attempts,
		RateLimitRetries: r.budget.rateLimitRetries,
	}
}

func (r *clipRun) fail(ce *classify.Error, logIt bool) *ClipResult {
	if logIt {
		log.Printf("[Clip %d] Failed: %s", r.req.ClipIndex, ce)
	}
	r.progress(string(models.ClipStatusFailed), ce.UserMessage, map[string]any{
		"code":        ce.Code,
		"error":       ce.Message,
		"recoverable": ce.Recoverable,
		"suggestion":  ce.Suggestion,
	})
	res := r.result(models.ClipStatusFailed)
	res.Err = ce
	return res
}

func (r *clipRun) failOutcome(ce *classify.Error) *outcome {
	return &outcome{result: r.fail(ce, true), next: verdictDone}
}

func (r *clipRun) exhausted() *ClipResult {
	msg := fmt.Sprintf("failed after %d attempts", r.budget.attempts)
	if r.lastErr != nil {
		msg += ": " + r.lastErr.Message
	}
	ce := classify.New(classify.KindUnknown, "MAX_RETRIES_EXCEEDED", msg)
	ce.UserMessage = "The clip could not be generated within the retry budget."
	ce.Suggestion = "Retry the clip later or change its frames."
	if r.lastErr != nil {
		ce.Details = map[string]any{"last_code": r.lastErr.Code}
	}
	return r.fail(ce, true)
}

func (r *clipRun) pause(code, message string) *ClipResult {
	log.Printf("[Clip %d] Pausing: %s", r.req.ClipIndex, message)
	ce := classify.New(classify.KindRateLimit, code, message)
	ce.UserMessage = "All API keys are exhausted; the job will resume when one recovers."
	r.progress(EventPaused, ce.UserMessage, map[string]any{"code": code})
	res := r.result(models.ClipStatusPending)
	res.Err = ce
	res.ShouldPause = true
	return res
}

func (r *clipRun) pauseOutcome(code, message string) *outcome {
	return &outcome{result: r.pause(code, message), next: verdictDone}
}

func (r *clipRun) interrupted() *ClipResult {
	res := r.result(models.ClipStatusPending)
	res.Interrupted = true
	return res
}

func (r *clipRun) interruptedOutcome() *outcome {
	return &outcome{result: r.interrupted(), next: verdictDone}
}

func (r *clipRun) progress(status, message string, details map[string]any) {
	if r.g.Progress != nil {
		r.g.Progress(r.req.ClipIndex, status, message, details)
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
