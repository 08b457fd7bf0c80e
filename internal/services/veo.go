package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

// ---------------------------------------------------------------------------
// Veo video generation through the Google Gen AI SDK.
// Operations belong to the API key that created them, so every call takes
// the credential explicitly and clients are cached per key.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-fast-generate-preview"

type VeoConfig struct {
	Model            string
	AspectRatio      string // "9:16" or "16:9"
	Resolution       string // "720p" or "1080p"
	DurationSeconds  int
	PersonGeneration string
}

func (c VeoConfig) withDefaults() VeoConfig {
	if c.Model == "" {
		c.Model = defaultVeoModel
	}
	if c.AspectRatio == "" {
		c.AspectRatio = "9:16"
	}
	if c.Resolution == "" {
		c.Resolution = "720p"
	}
	if c.DurationSeconds <= 0 {
		c.DurationSeconds = 8
	}
	if c.PersonGeneration == "" {
		c.PersonGeneration = "allow_adult"
	}
	return c
}

type clientCache struct {
	mu      sync.Mutex
	clients map[int]*genai.Client
}

// VeoService implements generator.Client and keypool.Prober.
type VeoService struct {
	cfg   VeoConfig
	cache *clientCache
}

func NewVeoService(cfg VeoConfig) *VeoService {
	return &VeoService{
		cfg:   cfg.withDefaults(),
		cache: &clientCache{clients: make(map[int]*genai.Client)},
	}
}

// ForJob returns a service using the job's video options. The client cache
// is shared.
func (s *VeoService) ForJob(opts models.JobOptions) *VeoService {
	cfg := s.cfg
	if opts.AspectRatio != "" {
		cfg.AspectRatio = opts.AspectRatio
	}
	if opts.Resolution != "" {
		cfg.Resolution = opts.Resolution
	}
	if opts.DurationSeconds > 0 {
		cfg.DurationSeconds = opts.DurationSeconds
	}
	return &VeoService{cfg: cfg, cache: s.cache}
}

func (s *VeoService) client(ctx context.Context, cred keypool.Credential) (*genai.Client, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	if c, ok := s.cache.clients[cred.Index]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cred.Secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client for key %s: %w", cred, err)
	}
	s.cache.clients[cred.Index] = c
	return c, nil
}

// Submit starts a generation. The start frame is the first frame; an end
// frame, when present, is passed as the last frame for interpolation.
func (s *VeoService) Submit(ctx context.Context, req *generator.Request, cred keypool.Credential) (*generator.Operation, error) {
	client, err := s.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      s.cfg.AspectRatio,
		Resolution:       s.cfg.Resolution,
		PersonGeneration: s.cfg.PersonGeneration,
		NumberOfVideos:   1,
		DurationSeconds:  genai.Ptr[int32](int32(s.cfg.DurationSeconds)),
	}
	if req.End != nil {
		config.LastFrame = &genai.Image{ImageBytes: req.End.Data, MIMEType: req.End.MIMEType}
	}
	first := &genai.Image{ImageBytes: req.Start.Data, MIMEType: req.Start.MIMEType}

	log.Printf("[Veo] Submitting (model=%s, key=%s, promptLen=%d, start=%s, interpolate=%v)",
		s.cfg.Model, cred, len(req.Prompt), req.Start.Key, req.End != nil)

	op, err := client.Models.GenerateVideos(ctx, s.cfg.Model, req.Prompt, first, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}
	return toOperation(op), nil
}

func (s *VeoService) Poll(ctx context.Context, op *generator.Operation, cred keypool.Credential) (*generator.Operation, error) {
	raw, ok := op.Handle.(*genai.GenerateVideosOperation)
	if !ok {
		return nil, fmt.Errorf("operation %s was not created by this client", op.Name)
	}
	client, err := s.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	next, err := client.Operations.GetVideosOperation(ctx, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation %s: %w", op.Name, err)
	}
	return toOperation(next), nil
}

func (s *VeoService) Download(ctx context.Context, op *generator.Operation, cred keypool.Credential) ([]byte, error) {
	raw, ok := op.Handle.(*genai.GenerateVideosOperation)
	if !ok || raw.Response == nil {
		return nil, fmt.Errorf("operation %s has no response", op.Name)
	}

	var video *genai.Video
	for _, gv := range raw.Response.GeneratedVideos {
		if gv != nil && gv.Video != nil {
			video = gv.Video
			break
		}
	}
	if video == nil {
		return nil, fmt.Errorf("operation %s has no generated video", op.Name)
	}
	if len(video.VideoBytes) > 0 {
		return video.VideoBytes, nil
	}

	client, err := s.client(ctx, cred)
	if err != nil {
		return nil, err
	}
	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	return data, nil
}

// Probe makes the cheapest authenticated call to check that a key works.
func (s *VeoService) Probe(ctx context.Context, cred keypool.Credential) error {
	client, err := s.client(ctx, cred)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	return nil
}

func toOperation(op *genai.GenerateVideosOperation) *generator.Operation {
	out := &generator.Operation{Name: op.Name, Done: op.Done, Handle: op}
	if !op.Done {
		return out
	}

	out.Outcome = classify.Outcome{ErrorMessage: operationError(op.Error)}
	if resp := op.Response; resp != nil {
		out.Outcome.FilteredCount = int(resp.RAIMediaFilteredCount)
		out.Outcome.FilteredReasons = resp.RAIMediaFilteredReasons
		for _, gv := range resp.GeneratedVideos {
			if gv != nil && gv.Video != nil {
				out.Outcome.VideoCount++
			}
		}
	} else if op.Metadata != nil && out.Outcome.ErrorMessage == "" {
		meta, _ := json.Marshal(op.Metadata)
		log.Printf("[Veo] Operation %s finished without a response (metadata: %s)", op.Name, truncate(string(meta), 300))
	}
	return out
}

func operationError(e map[string]any) string {
	if len(e) == 0 {
		return ""
	}
	if msg, ok := e["message"].(string); ok && msg != "" {
		if code, ok := e["code"]; ok {
			return fmt.Sprintf("%v: %s", code, msg)
		}
		return msg
	}
	data, _ := json.Marshal(e)
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
