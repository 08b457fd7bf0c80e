package models

import (
	"encoding/json"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"code":        "CELEBRITY_FILTER",
		"recoverable": true,
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	if data == nil {
		t.Fatal("expected non-nil data")
	}

	// Verify it's valid JSON
	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["code"] != "CELEBRITY_FILTER" {
		t.Errorf("expected code=CELEBRITY_FILTER, got %v", result["code"])
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	if err := j.Scan([]byte(`{"frame": "a.png", "failed_ends": 2}`)); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["frame"] != "a.png" {
		t.Errorf("expected frame=a.png, got %v", j["frame"])
	}
	if j["failed_ends"].(float64) != 2 {
		t.Errorf("expected failed_ends=2, got %v", j["failed_ends"])
	}
}

func TestStringList(t *testing.T) {
	var empty StringList
	v, err := empty.Value()
	if err != nil || string(v.([]byte)) != "[]" {
		t.Errorf("nil list should store as [], got %v %v", v, err)
	}

	var l StringList
	if err := l.Scan([]byte(`["b.png","a.png"]`)); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if len(l) != 2 || l[0] != "b.png" {
		t.Errorf("order not kept: %v", l)
	}

	if err := l.Scan(42); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestJobOptionsRoundTrip(t *testing.T) {
	in := JobOptions{Mode: ModeSequential, MaxParallel: 3, SkipOnCelebrityFilter: true}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var out JobOptions
	if err := out.Scan(v); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := out.Scan(nil); err != nil || out != (JobOptions{}) {
		t.Errorf("nil should reset options, got %+v", out)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := map[JobStatus]bool{
		JobStatusPending:   false,
		JobStatusRunning:   false,
		JobStatusPaused:    false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestClipStatusDone(t *testing.T) {
	done := map[ClipStatus]bool{
		ClipStatusPending:     false,
		ClipStatusSubmitting:  false,
		ClipStatusPolling:     false,
		ClipStatusDownloading: false,
		ClipStatusFailed:      false,
		ClipStatusCompleted:   true,
		ClipStatusSkipped:     true,
	}
	for status, want := range done {
		if status == "" {
			t.Errorf("empty status found")
		}
		if got := status.Done(); got != want {
			t.Errorf("%s.Done() = %v, want %v", status, got, want)
		}
	}
}
