package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// API key pool
// Shares a small set of Gemini API keys between every clip running in the
// process. Each key has a cooldown between uses and an optional rate-limit
// window set after a 429/quota response. Waiting for a key never happens
// while holding the pool lock.
// ---------------------------------------------------------------------------

const (
	DefaultCooldown  = 8 * time.Second
	DefaultRateLimit = 300 * time.Second

	// MaxRateLimitWait is the longest AcquireAny will sleep for a rate-limited key.
	MaxRateLimitWait = 30 * time.Second
)

// ErrUnavailable means no key can be obtained soon. Callers should pause
// rather than retry in a loop.
var ErrUnavailable = errors.New("no API key available")

// Credential is the caller's view of one pooled key.
type Credential struct {
	Index  int
	Secret string
}

func (c Credential) String() string {
	return fmt.Sprintf("#%d (...%s)", c.Index, maskSecret(c.Secret))
}

type entry struct {
	secret           string
	lastUsedAt       time.Time
	rateLimitedUntil time.Time // zero or past means not limited
	invalid          bool
	reservedBy       string
}

func (e *entry) limited(now time.Time) bool {
	return now.Before(e.rateLimitedUntil)
}

// Status is a point-in-time summary of the pool.
type Status struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	RateLimited int `json:"rate_limited"`
	Invalid     int `json:"invalid"`
}

// Options configures a Pool. Zero values fall back to the defaults.
type Options struct {
	Cooldown  time.Duration
	RateLimit time.Duration
}

type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	cooldown  time.Duration
	rateLimit time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a pool from the configured secrets. The position of a secret
// in the slice is its stable index.
func New(secrets []string, opts Options) *Pool {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}

	entries := make([]*entry, len(secrets))
	for i, s := range secrets {
		entries[i] = &entry{secret: s}
	}

	log.Printf("[KeyPool] Initialized with %d key(s) (cooldown=%v, rate limit=%v)", len(secrets), opts.Cooldown, opts.RateLimit)

	return &Pool{
		entries:   entries,
		cooldown:  opts.Cooldown,
		rateLimit: opts.RateLimit,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Len returns the number of keys in the pool, including invalid ones.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AcquireAny returns a usable key, preferring one that is ready right now.
// It may wait for a cooling key or for a rate-limited key that recovers
// within MaxRateLimitWait. Otherwise it returns ErrUnavailable.
func (p *Pool) AcquireAny(ctx context.Context) (Credential, error) {
	return p.acquire(ctx, func(time.Time) ([]int, time.Duration) {
		return p.allIndicesLocked(), MaxRateLimitWait
	})
}

// scopeFunc runs under the lock and returns the indices a caller may take
// plus the longest wait it accepts for a rate-limited key.
type scopeFunc func(now time.Time) ([]int, time.Duration)

func (p *Pool) acquire(ctx context.Context, scope scopeFunc) (Credential, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Credential{}, err
		}

		p.mu.Lock()
		now := p.now()
		indices, maxLimitWait := scope(now)
		idx, wait, ok := p.pickLocked(now, indices, maxLimitWait)
		if !ok {
			p.mu.Unlock()
			return Credential{}, ErrUnavailable
		}
		if wait <= 0 {
			cred := p.claimLocked(idx, now)
			p.mu.Unlock()
			return cred, nil
		}
		p.mu.Unlock()

		log.Printf("[KeyPool] Waiting %v for key #%d", wait.Round(100*time.Millisecond), idx)
		if err := p.sleep(ctx, wait); err != nil {
			return Credential{}, err
		}

		p.mu.Lock()
		now = p.now()
		if p.usableLocked(idx, now) {
			cred := p.claimLocked(idx, now)
			p.mu.Unlock()
			return cred, nil
		}
		// Another caller took it first.
		p.mu.Unlock()
	}
}

// pickLocked chooses a key from indices. A zero wait means the key is ready.
func (p *Pool) pickLocked(now time.Time, indices []int, maxLimitWait time.Duration) (int, time.Duration, bool) {
	cooling, coolingWait := -1, time.Duration(0)
	limited, limitWait := -1, time.Duration(0)

	for _, i := range indices {
		e := p.entries[i]
		if e.invalid {
			continue
		}
		if e.limited(now) {
			remaining := e.rateLimitedUntil.Sub(now)
			if limited < 0 || remaining < limitWait {
				limited, limitWait = i, remaining
			}
			continue
		}
		remaining := p.cooldownLeftLocked(e, now)
		if remaining <= 0 {
			return i, 0, true
		}
		if cooling < 0 || remaining < coolingWait {
			cooling, coolingWait = i, remaining
		}
	}

	if cooling >= 0 {
		return cooling, coolingWait, true
	}
	if limited >= 0 && limitWait <= maxLimitWait {
		return limited, limitWait, true
	}
	return -1, 0, false
}

func (p *Pool) cooldownLeftLocked(e *entry, now time.Time) time.Duration {
	if e.lastUsedAt.IsZero() {
		return 0
	}
	return p.cooldown - now.Sub(e.lastUsedAt)
}

func (p *Pool) usableLocked(idx int, now time.Time) bool {
	e := p.entries[idx]
	return !e.invalid && !e.limited(now) && p.cooldownLeftLocked(e, now) <= 0
}

func (p *Pool) claimLocked(idx int, now time.Time) Credential {
	e := p.entries[idx]
	e.lastUsedAt = now
	return Credential{Index: idx, Secret: e.secret}
}

func (p *Pool) allIndicesLocked() []int {
	out := make([]int, len(p.entries))
	for i := range p.entries {
		out[i] = i
	}
	return out
}

// Touch restamps a key's last use. Used when a caller retries with a key it
// already holds, so other callers still see the cooldown.
func (p *Pool) Touch(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(index); e != nil {
		e.lastUsedAt = p.now()
	}
}

// MarkRateLimited excludes a key for d (the pool default when d <= 0).
// Any existing window is overwritten.
func (p *Pool) MarkRateLimited(index int, d time.Duration) {
	if d <= 0 {
		d = p.rateLimit
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(index)
	if e == nil {
		return
	}
	e.rateLimitedUntil = p.now().Add(d)
	log.Printf("[KeyPool] Key #%d (...%s) rate limited for %v", index, maskSecret(e.secret), d)
}

// MarkInvalid permanently removes a key from rotation.
func (p *Pool) MarkInvalid(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(index)
	if e == nil || e.invalid {
		return
	}
	e.invalid = true
	log.Printf("[KeyPool] Key #%d (...%s) marked invalid", index, maskSecret(e.secret))
}

func (p *Pool) entryLocked(index int) *entry {
	if index < 0 || index >= len(p.entries) {
		log.Printf("[KeyPool] Ignoring unknown key index %d", index)
		return nil
	}
	return p.entries[index]
}

// StatusSummary counts keys by state. Available excludes invalid and
// currently rate-limited keys; cooling keys count as available.
func (p *Pool) StatusSummary() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Status{Total: len(p.entries)}
	for _, e := range p.entries {
		switch {
		case e.invalid:
			s.Invalid++
		case e.limited(now):
			s.RateLimited++
		}
	}
	s.Available = s.Total - s.Invalid - s.RateLimited
	return s
}

// KeyState describes one key for the admin endpoint. The secret is masked.
type KeyState struct {
	Index          int    `json:"index"`
	Suffix         string `json:"suffix"`
	State          string `json:"state"`
	RetryInSeconds int    `json:"retry_in_seconds,omitempty"`
	ReservedBy     string `json:"reserved_by,omitempty"`
}

func (p *Pool) Snapshot() []KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]KeyState, len(p.entries))
	for i, e := range p.entries {
		ks := KeyState{Index: i, Suffix: maskSecret(e.secret), ReservedBy: e.reservedBy}
		switch {
		case e.invalid:
			ks.State = "invalid"
		case e.limited(now):
			ks.State = "rate_limited"
			ks.RetryInSeconds = int(e.rateLimitedUntil.Sub(now).Seconds()) + 1
		case p.cooldownLeftLocked(e, now) > 0:
			ks.State = "cooling"
		default:
			ks.State = "ready"
		}
		out[i] = ks
	}
	return out
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[len(s)-4:]
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
