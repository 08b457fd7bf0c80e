package keypool

import (
	"context"
	"log"
	"time"
)

// reservedRateLimitWait is how long AcquireForJob will wait on a job's own
// rate-limited keys before reporting ErrUnavailable.
const reservedRateLimitWait = 5 * time.Second

// ReserveForJob gives a job first refusal on up to count keys. Ready keys
// are preferred over rate-limited ones. Calling it again for the same job
// returns the existing reservation unchanged.
func (p *Pool) ReserveForJob(jobID string, count int) []int {
	if jobID == "" || count <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing := p.reservedLocked(jobID); len(existing) > 0 {
		return existing
	}

	now := p.now()
	var ready, limited []int
	for i, e := range p.entries {
		if e.invalid || e.reservedBy != "" {
			continue
		}
		if e.limited(now) {
			limited = append(limited, i)
		} else {
			ready = append(ready, i)
		}
	}

	picked := append(ready, limited...)
	if len(picked) > count {
		picked = picked[:count]
	}
	for _, i := range picked {
		p.entries[i].reservedBy = jobID
	}

	log.Printf("[KeyPool] Job %s reserved %d key(s): %v", jobID, len(picked), picked)
	return picked
}

// ReleaseJob drops every reservation held by the job.
func (p *Pool) ReleaseJob(jobID string) {
	if jobID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	released := 0
	for _, e := range p.entries {
		if e.reservedBy == jobID {
			e.reservedBy = ""
			released++
		}
	}
	if released > 0 {
		log.Printf("[KeyPool] Job %s released %d key(s)", jobID, released)
	}
}

func (p *Pool) reservedLocked(jobID string) []int {
	var out []int
	for i, e := range p.entries {
		if e.reservedBy == jobID {
			out = append(out, i)
		}
	}
	return out
}

// AcquireForJob acquires from the job's reservation. While the job holds a
// live reserved key it never borrows: if all of them are rate-limited for
// longer than a few seconds it returns ErrUnavailable so the job can pause.
// A job with no live reservation borrows any unreserved key, with the same
// waiting rules as AcquireAny.
func (p *Pool) AcquireForJob(ctx context.Context, jobID string) (Credential, error) {
	return p.acquire(ctx, func(time.Time) ([]int, time.Duration) {
		var live []int
		for _, i := range p.reservedLocked(jobID) {
			if !p.entries[i].invalid {
				live = append(live, i)
			}
		}
		if len(live) > 0 {
			return live, reservedRateLimitWait
		}

		var free []int
		for i, e := range p.entries {
			if e.reservedBy == "" {
				free = append(free, i)
			}
		}
		return free, MaxRateLimitWait
	})
}

// Lease is a pool handle scoped to one job. With a job ID it acquires
// through the job's reservation, otherwise it acquires dynamically.
type Lease struct {
	*Pool
	jobID string
}

// Dynamic returns a lease that always uses AcquireAny.
func (p *Pool) Dynamic() *Lease {
	return &Lease{Pool: p}
}

// ForJob returns a lease that acquires through the job's reservation.
func (p *Pool) ForJob(jobID string) *Lease {
	return &Lease{Pool: p, jobID: jobID}
}

func (l *Lease) Acquire(ctx context.Context) (Credential, error) {
	if l.jobID == "" {
		return l.AcquireAny(ctx)
	}
	return l.AcquireForJob(ctx, l.jobID)
}
