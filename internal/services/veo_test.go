package services

import (
	"context"
	"testing"

	"google.golang.org/genai"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

func TestToOperationPending(t *testing.T) {
	op := toOperation(&genai.GenerateVideosOperation{Name: "operations/1"})
	if op.Done || op.Name != "operations/1" {
		t.Errorf("unexpected operation %+v", op)
	}
	if _, ok := op.Handle.(*genai.GenerateVideosOperation); !ok {
		t.Error("handle should carry the SDK operation")
	}
}

func TestToOperationOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		op       *genai.GenerateVideosOperation
		wantKind classify.Kind
		wantNil  bool
	}{
		{
			name: "success",
			op: &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
				GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "files/x"}}},
			}},
			wantNil: true,
		},
		{
			name: "celebrity filtered",
			op: &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
				RAIMediaFilteredCount:   1,
				RAIMediaFilteredReasons: []string{"The input image contains a celebrity likeness."},
			}},
			wantKind: classify.KindCelebrity,
		},
		{
			name:     "operation error",
			op:       &genai.GenerateVideosOperation{Done: true, Error: map[string]any{"code": 8, "message": "Resource has been exhausted"}},
			wantKind: classify.KindRateLimit,
		},
		{
			name:     "no response",
			op:       &genai.GenerateVideosOperation{Done: true},
			wantKind: classify.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classify.Operation(toOperation(tt.op).Outcome)
			if tt.wantNil {
				if ce != nil {
					t.Fatalf("expected success, got %v", ce)
				}
				return
			}
			if ce == nil || ce.Kind != tt.wantKind {
				t.Fatalf("expected %s, got %v", tt.wantKind, ce)
			}
		})
	}
}

func TestDownloadUsesInlineBytes(t *testing.T) {
	s := NewVeoService(VeoConfig{})
	raw := &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
		GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{VideoBytes: []byte("mp4")}}},
	}}

	data, err := s.Download(context.Background(), toOperation(raw), keypool.Credential{Index: 0, Secret: "k"})
	if err != nil || string(data) != "mp4" {
		t.Fatalf("unexpected download result %q, %v", data, err)
	}
}

func TestPollRejectsForeignOperation(t *testing.T) {
	s := NewVeoService(VeoConfig{})
	_, err := s.Poll(context.Background(), &generator.Operation{Name: "x", Handle: "nope"}, keypool.Credential{})
	if err == nil {
		t.Error("expected an error for a foreign handle")
	}
}

func TestVeoForJob(t *testing.T) {
	s := NewVeoService(VeoConfig{})
	if s.cfg.Model != defaultVeoModel || s.cfg.DurationSeconds != 8 || s.cfg.AspectRatio != "9:16" {
		t.Errorf("unexpected defaults %+v", s.cfg)
	}

	j := s.ForJob(models.JobOptions{AspectRatio: "16:9", DurationSeconds: 6})
	if j.cfg.AspectRatio != "16:9" || j.cfg.DurationSeconds != 6 || j.cfg.Resolution != "720p" {
		t.Errorf("unexpected job config %+v", j.cfg)
	}
	if j.cache != s.cache {
		t.Error("job services should share the client cache")
	}
}
