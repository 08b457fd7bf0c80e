package frames

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestSelectorNext(t *testing.T) {
	s := Selector{Candidates: []string{"a.png", "b.png", "c.png", "d.png"}}

	tests := []struct {
		name      string
		current   int
		blacklist []string
		exclude   []string
		wantIdx   int
		wantOK    bool
	}{
		{"next in order", 0, nil, nil, 1, true},
		{"wraps around", 3, nil, nil, 0, true},
		{"skips blacklisted", 0, []string{"b.png", "c.png"}, nil, 3, true},
		{"skips excluded start", 0, nil, []string{"b.png"}, 2, true},
		{"returns current after full cycle", 1, []string{"c.png", "d.png", "a.png"}, nil, 1, true},
		{"none left", 0, []string{"a.png", "b.png", "c.png", "d.png"}, nil, -1, false},
		{"start before the list", -1, nil, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, c, ok := s.Next(tt.current, NewBlacklist(tt.blacklist...), tt.exclude...)
			if ok != tt.wantOK || idx != tt.wantIdx {
				t.Fatalf("Next() = (%d, %q, %v), want (%d, %v)", idx, c, ok, tt.wantIdx, tt.wantOK)
			}
			if ok && c != s.Candidates[idx] {
				t.Errorf("candidate %q does not match index %d", c, idx)
			}
		})
	}
}

func TestSelectorProbeBound(t *testing.T) {
	candidates := make([]string, 20)
	for i := range candidates {
		candidates[i] = fmt.Sprintf("f%02d.png", i)
	}
	// Only the candidate 15 steps away is clean.
	bl := NewBlacklist()
	for i, c := range candidates {
		if i != 15 {
			bl.Add(c)
		}
	}

	if _, _, ok := (Selector{Candidates: candidates}).Next(0, bl); ok {
		t.Error("default probe bound should not reach 15 steps")
	}
	idx, _, ok := Selector{Candidates: candidates, MaxProbes: Exhaustive}.Next(0, bl)
	if !ok || idx != 15 {
		t.Errorf("exhaustive scan should find index 15, got %d %v", idx, ok)
	}
}

func TestSelectorProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(12)
		candidates := make([]string, n)
		for i := range candidates {
			candidates[i] = fmt.Sprintf("img%d.png", i)
		}
		bl := NewBlacklist()
		for _, c := range candidates {
			if rng.Intn(3) == 0 {
				bl.Add(c)
			}
		}
		current := rng.Intn(n)
		s := Selector{Candidates: candidates, MaxProbes: Exhaustive}

		idx, c, ok := s.Next(current, bl)
		clean := bl.Len() < n
		if ok != clean {
			t.Fatalf("round %d: ok=%v but clean candidates exist=%v", round, ok, clean)
		}
		if ok && bl.Has(c) {
			t.Fatalf("round %d: returned blacklisted %q", round, c)
		}
		if ok {
			// Nothing clean may be skipped between current and idx.
			for step := 1; ; step++ {
				j := (current + step) % n
				if j == idx {
					break
				}
				if !bl.Has(candidates[j]) {
					t.Fatalf("round %d: skipped clean candidate %d before %d", round, j, idx)
				}
			}
		}
	}
}

func TestBlacklistNilSafe(t *testing.T) {
	var b *Blacklist
	if b.Has("x") || b.Len() != 0 || b.Items() != nil {
		t.Error("nil blacklist should behave as empty")
	}
	b.Add("x")
}

func TestBlacklistClone(t *testing.T) {
	b := NewBlacklist("a")
	c := b.Clone()
	c.Add("b")
	if b.Has("b") {
		t.Error("clone should be independent")
	}
	if !c.Has("a") {
		t.Error("clone should keep existing items")
	}
}

func writeFrame(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func TestDirSourceList(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	writeFrame(t, dir, "b.png", base)
	writeFrame(t, dir, "A.jpg", base.Add(2*time.Hour))
	writeFrame(t, dir, "c.webp", base.Add(-time.Hour))
	writeFrame(t, dir, "notes.txt", base)

	byName, err := DirSource{Dir: dir, SortBy: SortByName}.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []string{"A.jpg", "b.png", "c.webp"}; !reflect.DeepEqual(byName, want) {
		t.Errorf("by name = %v, want %v", byName, want)
	}

	byDate, err := DirSource{Dir: dir, SortBy: SortByDate}.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []string{"c.webp", "b.png", "A.jpg"}; !reflect.DeepEqual(byDate, want) {
		t.Errorf("by date = %v, want %v", byDate, want)
	}
}

func TestDirSourceLoad(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "a.jpg", time.Now())
	src := DirSource{Dir: dir}

	img, err := src.Load(context.Background(), "a.jpg")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.MIMEType != "image/jpeg" || string(img.Data) != "a.jpg" {
		t.Errorf("unexpected image: %+v", img)
	}

	if _, err := src.Load(context.Background(), "../a.jpg"); err == nil {
		t.Error("keys with path components should be rejected")
	}
}

type fakeDownloader map[string][]byte

func (f fakeDownloader) Download(_ context.Context, p string) ([]byte, error) {
	data, ok := f[p]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func TestStorageSource(t *testing.T) {
	src := StorageSource{
		Store:  fakeDownloader{"jobs/1/frames/x.png": []byte("png")},
		Prefix: "jobs/1/frames",
		Keys:   []string{"x.png", "y.png"},
	}

	keys, _ := src.List(context.Background())
	if !reflect.DeepEqual(keys, []string{"x.png", "y.png"}) {
		t.Errorf("unexpected keys %v", keys)
	}

	img, err := src.Load(context.Background(), "x.png")
	if err != nil || string(img.Data) != "png" || img.MIMEType != "image/png" {
		t.Fatalf("unexpected load result %+v, %v", img, err)
	}
	if _, err := src.Load(context.Background(), "y.png"); err == nil {
		t.Error("expected missing object error")
	}
}

func TestAssign(t *testing.T) {
	c := []string{"a.png", "b.png", "c.png"}
	tests := []struct {
		index      int
		candidates []string
		single     bool
		start, end string
	}{
		{0, c, false, "a.png", "b.png"},
		{2, c, false, "c.png", "a.png"},
		{4, c, false, "b.png", "c.png"},
		{0, []string{"a.png"}, false, "a.png", ""},
		{1, []string{"a.png"}, true, "a.png", "a.png"},
		{0, nil, false, "", ""},
	}
	for _, tt := range tests {
		start, end := Assign(tt.index, tt.candidates, tt.single)
		if start != tt.start || end != tt.end {
			t.Errorf("Assign(%d, %v, %v) = %q, %q; want %q, %q", tt.index, tt.candidates, tt.single, start, end, tt.start, tt.end)
		}
	}
}
