package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStorage(t *testing.T, h http.HandlerFunc) *Storage {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s := New(srv.URL, "service-key", "veo-clips")
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestUploadRetriesRetryableStatus(t *testing.T) {
	var calls int32
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPut || r.URL.Path != "/storage/v1/object/veo-clips/jobs/1/clips/a.mp4" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" || r.Header.Get("x-upsert") != "true" {
			t.Errorf("missing headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "mp4" {
			t.Errorf("unexpected body %q", body)
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := s.Upload(context.Background(), "jobs/1/clips/a.mp4", []byte("mp4"), "video/mp4"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	})

	_, err := s.Download(context.Background(), "missing.png")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 StatusError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls)
	}
}

func TestDownloadGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := s.Download(context.Background(), "x.png"); err == nil {
		t.Fatal("expected an error")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestListPages(t *testing.T) {
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		var lr listRequest
		if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
			t.Errorf("bad list body: %v", err)
			return
		}
		if lr.Prefix != "jobs/1/frames" || lr.SortBy.Column != "created_at" {
			t.Errorf("unexpected list request %+v", lr)
		}

		var page []Object
		if lr.Offset == 0 {
			page = make([]Object, listPageSize)
			for i := range page {
				page[i] = Object{Name: "a.png"}
			}
		} else {
			page = []Object{{Name: "z.png"}}
		}
		json.NewEncoder(w).Encode(page)
	})

	objs, err := s.List(context.Background(), "jobs/1/frames", "created_at")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != listPageSize+1 || objs[len(objs)-1].Name != "z.png" {
		t.Errorf("expected %d objects ending in z.png, got %d", listPageSize+1, len(objs))
	}
}

func TestClipSinkSave(t *testing.T) {
	var gotPath string
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ct := r.Header.Get("Content-Type"); ct != "video/mp4" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
	})

	ref, err := ClipSink{Store: s, JobID: "job-1"}.Save(context.Background(), "0_a_to_b.mp4", []byte("v"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ref != "jobs/job-1/clips/0_a_to_b.mp4" {
		t.Errorf("unexpected ref %q", ref)
	}
	if !strings.HasSuffix(gotPath, "/veo-clips/jobs/job-1/clips/0_a_to_b.mp4") {
		t.Errorf("unexpected upload path %q", gotPath)
	}
}

func TestGetSignedURL(t *testing.T) {
	s := newTestStorage(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/veo-clips/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"signedURL":"/object/sign/veo-clips/x.mp4?token=abc"}`))
	})

	url, err := s.GetSignedURL(context.Background(), "x.mp4", 3600)
	if err != nil {
		t.Fatalf("GetSignedURL failed: %v", err)
	}
	if !strings.HasSuffix(url, "/storage/v1/object/sign/veo-clips/x.mp4?token=abc") {
		t.Errorf("unexpected url %q", url)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(attempt)
		if d < baseRetryDelay || d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("retryDelay(%d) = %v out of bounds", attempt, d)
		}
	}
}
