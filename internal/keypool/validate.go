package keypool

import (
	"context"
	"log"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
)

// Prober checks a single key against the remote API.
type Prober interface {
	Probe(ctx context.Context, cred Credential) error
}

type ValidationReport struct {
	Working     []int `json:"working"`
	RateLimited []int `json:"rate_limited"`
	Invalid     []int `json:"invalid"`
}

// Validate probes every key that is not already invalid and updates the
// pool from the results. Keys that fail for an unclear reason are parked
// as rate-limited rather than invalidated.
func (p *Pool) Validate(ctx context.Context, prober Prober) ValidationReport {
	p.mu.Lock()
	var creds []Credential
	var report ValidationReport
	for i, e := range p.entries {
		if e.invalid {
			report.Invalid = append(report.Invalid, i)
			continue
		}
		creds = append(creds, Credential{Index: i, Secret: e.secret})
	}
	p.mu.Unlock()

	for _, cred := range creds {
		if ctx.Err() != nil {
			break
		}

		err := prober.Probe(ctx, cred)
		if err == nil {
			report.Working = append(report.Working, cred.Index)
			continue
		}

		ce := classify.Classify(err)
		switch {
		case ce.InvalidatesCredential:
			p.MarkInvalid(cred.Index)
			report.Invalid = append(report.Invalid, cred.Index)
		case ce.Kind == classify.KindTransient || ce.Kind == classify.KindNetwork:
			// The key itself is probably fine.
			report.Working = append(report.Working, cred.Index)
		default:
			p.MarkRateLimited(cred.Index, 0)
			report.RateLimited = append(report.RateLimited, cred.Index)
		}
		log.Printf("[KeyPool] Probe of key %s failed (%s): %v", cred, ce.Kind, err)
	}

	log.Printf("[KeyPool] Validation: %d working, %d rate limited, %d invalid",
		len(report.Working), len(report.RateLimited), len(report.Invalid))
	return report
}
