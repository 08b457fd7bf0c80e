package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
)

const (
	// Per-attempt timeouts; clips are a few MB, frames can be larger.
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage is a Supabase Storage client for one bucket.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client

	sleep func(ctx context.Context, d time.Duration) error
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sleep: sleepContext,
	}
}

type request struct {
	op          string // for logs: "Upload", "Download", "List"
	method      string
	url         string
	body        []byte
	contentType string
	timeout     time.Duration
	upsert      bool
}

// do sends req, retrying network failures and retryable statuses with
// jittered exponential backoff. It returns the body of the first 200/201.
func (s *Storage) do(ctx context.Context, req request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] %s retry %d/%d for %s (waiting %v)...", req.op, attempt, maxRetries, req.url, delay)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s cancelled: %w", req.op, err)
			}
		}

		body, status, err := s.send(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("failed to %s: %w", req.op, err)
			if ctx.Err() != nil || !isRetryableError(err) {
				return nil, lastErr
			}
			log.Printf("[Storage] %s attempt %d failed (retryable): %v", req.op, attempt+1, err)
			continue
		}

		if status == http.StatusOK || status == http.StatusCreated {
			if attempt > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d", req.op, attempt+1)
			}
			return body, nil
		}

		lastErr = &StatusError{Op: req.op, Status: status, Body: truncate(string(body), 500)}
		if !isRetryableStatus(status) {
			return nil, lastErr
		}
		log.Printf("[Storage] %s attempt %d returned status %d (retryable): %s", req.op, attempt+1, status, truncate(string(body), 200))
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", req.op, maxRetries+1, lastErr)
}

func (s *Storage) send(ctx context.Context, req request) ([]byte, int, error) {
	// Each attempt gets its own timeout, bounded by the caller's ctx.
	attemptCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, req.url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+s.serviceKey)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Length", strconv.Itoa(len(req.body)))
	}
	if req.upsert {
		httpReq.Header.Set("x-upsert", "true")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// StatusError is a non-success HTTP response from the storage API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
}

func (s *Storage) objectURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, p)
}

// Upload stores data at path, overwriting any existing object.
func (s *Storage) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	_, err := s.do(ctx, request{
		op:          "Upload",
		method:      http.MethodPut,
		url:         s.objectURL(p),
		body:        data,
		contentType: contentType,
		timeout:     uploadTimeout,
		upsert:      true,
	})
	return err
}

// Download fetches the object at path.
func (s *Storage) Download(ctx context.Context, p string) ([]byte, error) {
	return s.do(ctx, request{
		op:      "Download",
		method:  http.MethodGet,
		url:     s.objectURL(p),
		timeout: downloadTimeout,
	})
}

type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	SortBy struct {
		Column string `json:"column"`
		Order  string `json:"order"`
	} `json:"sortBy"`
}

// Object is an entry returned by List.
type Object struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const listPageSize = 1000

// List returns the objects directly under prefix ordered by sortColumn
// ("name" or "created_at").
func (s *Storage) List(ctx context.Context, prefix, sortColumn string) ([]Object, error) {
	if sortColumn == "" {
		sortColumn = "name"
	}

	var all []Object
	for offset := 0; ; offset += listPageSize {
		lr := listRequest{Prefix: prefix, Limit: listPageSize, Offset: offset}
		lr.SortBy.Column = sortColumn
		lr.SortBy.Order = "asc"

		payload, err := json.Marshal(lr)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal list request: %w", err)
		}

		body, err := s.do(ctx, request{
			op:          "List",
			method:      http.MethodPost,
			url:         fmt.Sprintf("%s/storage/v1/object/list/%s", s.url, s.Bucket),
			body:        payload,
			contentType: "application/json",
			timeout:     downloadTimeout,
		})
		if err != nil {
			return nil, err
		}

		var page []Object
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse list response: %w", err)
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, p)
}

// GetSignedURL creates a signed URL for temporary access
func (s *Storage) GetSignedURL(ctx context.Context, p string, expiresIn int) (string, error) {
	payload := fmt.Sprintf(`{"expiresIn": %d}`, expiresIn)
	body, _, err := s.send(ctx, request{
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, p),
		body:        []byte(payload),
		contentType: "application/json",
		timeout:     downloadTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("signed URL missing for %s: %s", p, truncate(string(body), 200))
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// JobFramesPrefix is where a job's uploaded frames live.
func JobFramesPrefix(jobID string) string {
	return path.Join("jobs", jobID, "frames")
}

// JobClipPath is where a finished clip is stored.
func JobClipPath(jobID, name string) string {
	return path.Join("jobs", jobID, "clips", name)
}

// ClipSink uploads finished clips of one job.
type ClipSink struct {
	Store *Storage
	JobID string
}

// Save uploads the clip and returns its storage path.
func (c ClipSink) Save(ctx context.Context, name string, data []byte) (string, error) {
	p := JobClipPath(c.JobID, name)
	if err := c.Store.Upload(ctx, p, data, "video/mp4"); err != nil {
		return "", fmt.Errorf("failed to upload clip %s: %w", name, err)
	}
	return p, nil
}

// retryDelay is base * 2^(attempt-1) capped at maxRetryDelay, plus 0-25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch classify.Classify(err).Kind {
	case classify.KindNetwork, classify.KindTransient:
		return true
	}
	return false
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
