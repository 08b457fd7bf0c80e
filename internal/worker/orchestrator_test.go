package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

type fakeRunner struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  []generator.ClipRequest
	fn     func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult
}

func (f *fakeRunner) GenerateClip(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return f.fn(ctx, req)
}

func completed(req generator.ClipRequest) *generator.ClipResult {
	return &generator.ClipResult{
		ClipIndex: req.ClipIndex,
		Status:    models.ClipStatusCompleted,
		StartUsed: req.Start,
		EndUsed:   req.End,
		Attempts:  1,
	}
}

func requests(n int) []generator.ClipRequest {
	names := []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png"}
	reqs := make([]generator.ClipRequest, n)
	for i := range reqs {
		reqs[i] = generator.ClipRequest{
			ClipIndex:  i,
			Start:      names[i%len(names)],
			End:        names[(i+1)%len(names)],
			Candidates: names,
		}
	}
	return reqs
}

func availability(n int) func() keypool.Status {
	return func() keypool.Status { return keypool.Status{Total: n, Available: n} }
}

func TestFanout(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		available int
		jobMax    int
		want      int
	}{
		{"no keys still runs one", 6, 0, 0, 1},
		{"bounded by keys", 6, 2, 0, 2},
		{"bounded by limit", 6, 10, 0, 6},
		{"default limit", 0, 10, 0, defaultParallelClips},
		{"job limit", 6, 10, 3, 3},
		{"job limit above global", 4, 10, 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Orchestrator{MaxParallel: tt.max, Status: availability(tt.available)}
			if got := o.fanout(tt.jobMax); got != tt.want {
				t.Errorf("fanout = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunParallelRespectsFanout(t *testing.T) {
	o := &Orchestrator{MaxParallel: 6, Status: availability(2)}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		time.Sleep(20 * time.Millisecond)
		return completed(req)
	}}

	var mu sync.Mutex
	var seen []int
	out := o.Run(context.Background(), runner, JobRun{
		JobID: uuid.New(),
		Mode:  models.ModeParallel,
		Clips: requests(5),
		OnResult: func(res *generator.ClipResult) {
			mu.Lock()
			seen = append(seen, res.ClipIndex)
			mu.Unlock()
		},
	})

	if len(out.Results) != 5 || len(seen) != 5 {
		t.Fatalf("expected 5 results, got %d (callbacks %d)", len(out.Results), len(seen))
	}
	if runner.peak > 2 {
		t.Errorf("at most 2 clips should run at once, saw %d", runner.peak)
	}
	if out.Paused || out.Stopped != nil {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunParallelSharesHints(t *testing.T) {
	o := &Orchestrator{Status: availability(3)}
	jobID := uuid.New()
	hints := o.Hints(jobID)
	hints.Add("z.png")

	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		return completed(req)
	}}
	o.Run(context.Background(), runner, JobRun{JobID: jobID, Clips: requests(3)})

	for _, req := range runner.calls {
		if req.Hints != hints {
			t.Errorf("clip %d did not get the job's hint set", req.ClipIndex)
		}
		if !req.Blacklist.Has("z.png") {
			t.Errorf("clip %d blacklist should be seeded from hints", req.ClipIndex)
		}
		if req.Blacklist == hints {
			t.Errorf("clip %d should get its own blacklist", req.ClipIndex)
		}
	}

	o.Forget(jobID)
	if o.Hints(jobID).Has("z.png") {
		t.Error("Forget should drop the job's hints")
	}
}

func TestRunParallelWaitingClipSeesNewHints(t *testing.T) {
	o := &Orchestrator{Status: availability(1)}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		if req.ClipIndex == 0 {
			req.Hints.Add("c.png")
		}
		return completed(req)
	}}

	o.Run(context.Background(), runner, JobRun{JobID: uuid.New(), Clips: requests(2)})

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 clips to run, got %d", len(runner.calls))
	}
	second := runner.calls[1]
	if second.ClipIndex != 1 {
		t.Fatalf("with one slot clips run in order, got clip %d second", second.ClipIndex)
	}
	if !second.Blacklist.Has("c.png") {
		t.Error("a clip started after its sibling finished should see the frames that sibling rejected")
	}
}

func TestRunPauseStopsRemainingClips(t *testing.T) {
	o := &Orchestrator{Status: availability(1)}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		res := &generator.ClipResult{ClipIndex: req.ClipIndex, Status: models.ClipStatusPending, ShouldPause: true}
		res.Err = classify.New(classify.KindRateLimit, "ALL_KEYS_RATE_LIMITED", "rate limited 3 times in a row")
		return res
	}}

	out := o.Run(context.Background(), runner, JobRun{JobID: uuid.New(), Clips: requests(4)})

	if !out.Paused || out.PauseErr == nil || out.PauseErr.Code != "ALL_KEYS_RATE_LIMITED" {
		t.Fatalf("expected a pause, got %+v", out)
	}
	if len(runner.calls) != 1 {
		t.Errorf("no clip should start after the pause, %d ran", len(runner.calls))
	}
	if out.Stopped != nil {
		t.Errorf("pause must not be reported as a stop: %v", out.Stopped)
	}
}

func TestRunReportsCancelCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errCancelled)

	o := &Orchestrator{Status: availability(2)}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		return completed(req)
	}}
	out := o.Run(ctx, runner, JobRun{JobID: uuid.New(), Clips: requests(3)})

	if out.Stopped != errCancelled {
		t.Errorf("Stopped = %v, want %v", out.Stopped, errCancelled)
	}
	if len(runner.calls) != 0 {
		t.Errorf("no clip should run, %d did", len(runner.calls))
	}
}

func TestRunSequentialChainsActualEndFrame(t *testing.T) {
	o := &Orchestrator{}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		res := completed(req)
		if req.ClipIndex == 0 {
			res.EndUsed = "swapped.png"
		}
		return res
	}}

	out := o.Run(context.Background(), runner, JobRun{JobID: uuid.New(), Mode: models.ModeSequential, Clips: requests(3)})
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}

	calls := runner.calls
	if calls[0].FramesLocked {
		t.Error("first clip should not be locked")
	}
	if calls[1].Start != "swapped.png" || !calls[1].FramesLocked {
		t.Errorf("clip 1 should start on clip 0's end frame, got %q locked=%v", calls[1].Start, calls[1].FramesLocked)
	}
	if calls[2].Start != "c.png" || !calls[2].FramesLocked {
		t.Errorf("clip 2 should start on clip 1's end frame, got %q", calls[2].Start)
	}
	if calls[0].Blacklist != calls[1].Blacklist {
		t.Error("sequential clips should share one blacklist")
	}
}

func TestRunSequentialAfterFailure(t *testing.T) {
	o := &Orchestrator{}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		if req.ClipIndex == 0 {
			res := &generator.ClipResult{ClipIndex: 0, Status: models.ClipStatusFailed}
			res.Err = classify.New(classify.KindContentPolicy, "CONTENT_POLICY", "blocked")
			return res
		}
		return completed(req)
	}}

	o.Run(context.Background(), runner, JobRun{JobID: uuid.New(), Mode: models.ModeSequential, Clips: requests(2)})

	if len(runner.calls) != 2 {
		t.Fatalf("a failed clip should not stop the chain, %d ran", len(runner.calls))
	}
	if runner.calls[1].Start != "b.png" || runner.calls[1].FramesLocked {
		t.Errorf("clip after a failure keeps its own frames, got %+v", runner.calls[1])
	}
}

func TestRunSequentialStopsOnPause(t *testing.T) {
	o := &Orchestrator{}
	runner := &fakeRunner{fn: func(ctx context.Context, req generator.ClipRequest) *generator.ClipResult {
		if req.ClipIndex == 1 {
			return &generator.ClipResult{ClipIndex: 1, Status: models.ClipStatusPending, ShouldPause: true}
		}
		return completed(req)
	}}

	out := o.Run(context.Background(), runner, JobRun{JobID: uuid.New(), Mode: models.ModeSequential, Clips: requests(4)})
	if !out.Paused || len(runner.calls) != 2 {
		t.Errorf("expected pause after 2 clips, paused=%v calls=%d", out.Paused, len(runner.calls))
	}
}

func TestSummarize(t *testing.T) {
	code, msg := "CONTENT_POLICY", "blocked"
	tests := []struct {
		name     string
		clips    []models.Clip
		want     models.JobStatus
		wantCode string
	}{
		{"all done", []models.Clip{{Status: models.ClipStatusCompleted}, {Status: models.ClipStatusSkipped}}, models.JobStatusCompleted, ""},
		{"first failure wins", []models.Clip{
			{Status: models.ClipStatusCompleted},
			{Status: models.ClipStatusFailed, ErrorCode: &code, ErrorMessage: &msg},
			{Status: models.ClipStatusFailed},
		}, models.JobStatusFailed, "CONTENT_POLICY"},
		{"unfinished clip", []models.Clip{{Status: models.ClipStatusPending}}, models.JobStatusFailed, "CLIP_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, gotCode, _ := summarize(tt.clips)
			if status != tt.want || gotCode != tt.wantCode {
				t.Errorf("summarize = %s %q, want %s %q", status, gotCode, tt.want, tt.wantCode)
			}
		})
	}
}

func TestApplyResult(t *testing.T) {
	old := "OLD"
	c := &models.Clip{ClipIndex: 2, ErrorCode: &old}

	applyResult(c, &generator.ClipResult{
		ClipIndex:  2,
		Status:     models.ClipStatusCompleted,
		OutputRef:  "jobs/x/clips/2.mp4",
		OutputName: "2.mp4",
		StartUsed:  "a.png",
		EndUsed:    "b.png",
		Attempts:   2,
	})
	if c.Status != models.ClipStatusCompleted || c.Attempts != 2 || *c.OutputPath != "jobs/x/clips/2.mp4" || *c.EndUsed != "b.png" {
		t.Errorf("unexpected clip %+v", c)
	}
	if c.ErrorCode != nil {
		t.Error("a completed clip should clear its previous error")
	}

	ce := classify.New(classify.KindCelebrity, "CELEBRITY_FILTER", "celebrity likeness")
	ce.Details = map[string]any{"start": "a.png"}
	applyResult(c, &generator.ClipResult{ClipIndex: 2, Status: models.ClipStatusFailed, Err: ce})
	if c.ErrorCode == nil || *c.ErrorCode != "CELEBRITY_FILTER" || c.OutputPath != nil {
		t.Errorf("unexpected failed clip %+v", c)
	}
	if c.ErrorDetails["start"] != "a.png" || c.ErrorDetails["kind"] == "" {
		t.Errorf("unexpected details %v", c.ErrorDetails)
	}
}
