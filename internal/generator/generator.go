// Package generator runs the per-clip generation loop: pick frames, acquire
// an API key, submit, poll, download, and react to each kind of failure by
// retrying, rotating keys, swapping frames or giving up.
package generator

import (
	"context"
	"time"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/frames"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

// Request is what gets submitted to the video API.
type Request struct {
	Prompt string
	Start  *frames.Image
	End    *frames.Image // nil generates from the start frame only
}

// Operation is a long-running generation job on the remote side. It can
// only be polled and downloaded with the key that submitted it.
type Operation struct {
	Name    string
	Done    bool
	Outcome classify.Outcome
	Handle  any // client-specific state
}

// Client talks to the video generation API.
type Client interface {
	Submit(ctx context.Context, req *Request, cred keypool.Credential) (*Operation, error)
	Poll(ctx context.Context, op *Operation, cred keypool.Credential) (*Operation, error)
	Download(ctx context.Context, op *Operation, cred keypool.Credential) ([]byte, error)
}

// Credentials is the slice of the key pool a clip needs.
// *keypool.Lease satisfies it.
type Credentials interface {
	Acquire(ctx context.Context) (keypool.Credential, error)
	Touch(index int)
	MarkRateLimited(index int, d time.Duration)
	MarkInvalid(index int)
	StatusSummary() keypool.Status
}

type PromptInput struct {
	ClipIndex  int
	DialogueID int
	Dialogue   string
	StartFrame string
	EndFrame   string
}

type PromptBuilder interface {
	BuildPrompt(ctx context.Context, in PromptInput) (string, error)
}

// ArtifactSink stores a finished clip and returns a reference to it.
type ArtifactSink interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// ProgressFunc receives clip progress. It must not block.
type ProgressFunc func(clipIndex int, status, message string, details map[string]any)

// Progress labels emitted in addition to the clip statuses.
const (
	EventRetrying        = "retrying"
	EventRateLimited     = "rate_limited"
	EventCelebrityFilter = "celebrity_filter"
	EventFrameSwap       = "frame_swap"
	EventPaused          = "paused"
	EventAPIError        = "api_error"
)

type Config struct {
	MaxAttempts         int
	MaxRateLimitRetries int
	MaxSubmitRetries    int
	MaxProbes           int
	PollInterval        time.Duration
	MaxPollDuration     time.Duration
	MaxPollErrors       int

	// SingleFrameInterpolation allows a clip to start and end on the same frame.
	SingleFrameInterpolation bool
	// SkipOnCelebrityFilter skips the clip instead of swapping frames.
	SkipOnCelebrityFilter bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 3
	}
	if c.MaxSubmitRetries <= 0 {
		c.MaxSubmitRetries = 15
	}
	if c.MaxProbes == 0 {
		c.MaxProbes = frames.DefaultMaxProbes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = 10 * time.Minute
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 3
	}
	return c
}

const (
	rateLimitRetryDelay = 5 * time.Second
	maxSubmitBackoff    = 30 * time.Second
	transientPollWait   = 10 * time.Second
	rateLimitPollWait   = 30 * time.Second
	downloadRetryWait   = 30 * time.Second
	frameSwapDelay      = time.Second
	pollReportEvery     = 6
)

type Deps struct {
	Client      Client
	Credentials Credentials
	Prompts     PromptBuilder
	Frames      frames.Source
	Artifacts   ArtifactSink
	Progress    ProgressFunc
}

// Generator generates clips for one job.
type Generator struct {
	Deps
	cfg Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, cfg Config) *Generator {
	return &Generator{
		Deps:  deps,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		sleep: sleepContext,
	}
}

type ClipRequest struct {
	ClipIndex  int
	DialogueID int
	Dialogue   string
	Start      string
	End        string // optional
	Candidates []string

	// Blacklist holds frames this clip must avoid. Parallel jobs give each
	// clip its own; sequential jobs share one.
	Blacklist *frames.Blacklist
	// Hints is the process-wide set of frames that failed in sibling clips.
	Hints *frames.Blacklist
	// FramesLocked forbids replacing the start frame.
	FramesLocked bool
}

type ClipResult struct {
	ClipIndex        int
	Status           models.ClipStatus
	OutputRef        string
	OutputName       string
	Prompt           string
	StartUsed        string
	EndUsed          string
	Attempts         int
	RateLimitRetries int
	Err              *classify.Error

	// ShouldPause asks the caller to pause the whole job: no key can be
	// obtained soon. The clip stays pending.
	ShouldPause bool
	// Interrupted is set when the context ended the clip early.
	Interrupted bool
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
