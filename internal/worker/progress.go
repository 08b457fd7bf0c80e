package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

type logStore interface {
	AddJobLog(ctx context.Context, entry *models.JobLog) error
	UpdateClipStatus(ctx context.Context, jobID uuid.UUID, clipIndex int, status models.ClipStatus) error
}

type eventPublisher interface {
	PublishEvent(ctx context.Context, jobID uuid.UUID, event any) error
}

const (
	progressBuffer  = 256
	progressTimeout = 5 * time.Second
)

// progressPump takes clip progress without blocking the clip and writes it
// to job_logs, the clip row and the job's event channel. Events that do not
// fit in the buffer are dropped.
type progressPump struct {
	jobID  uuid.UUID
	store  logStore
	pub    eventPublisher
	events chan models.Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newProgressPump(jobID uuid.UUID, store logStore, pub eventPublisher, size int) *progressPump {
	if size <= 0 {
		size = progressBuffer
	}
	p := &progressPump{
		jobID:  jobID,
		store:  store,
		pub:    pub,
		events: make(chan models.Event, size),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Send implements generator.ProgressFunc.
func (p *progressPump) Send(clipIndex int, status, message string, details map[string]any) {
	idx := clipIndex
	p.emit(models.Event{
		JobID:     p.jobID,
		ClipIndex: &idx,
		Event:     status,
		Message:   message,
		Details:   models.JSONB(details),
		At:        time.Now(),
	})
}

// JobEvent records a job-level event.
func (p *progressPump) JobEvent(event, message string, details map[string]any) {
	p.emit(models.Event{
		JobID:   p.jobID,
		Event:   event,
		Message: message,
		Details: models.JSONB(details),
		At:      time.Now(),
	})
}

func (p *progressPump) emit(ev models.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[Job %s] Progress buffer full, %d event(s) dropped", p.jobID, n)
		}
	}
}

// Close stops accepting events and waits until the buffered ones are written.
func (p *progressPump) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.done
}

func (p *progressPump) drain() {
	defer close(p.done)
	for ev := range p.events {
		p.handle(ev)
	}
}

func (p *progressPump) handle(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()

	entry := &models.JobLog{
		JobID:     ev.JobID,
		ClipIndex: ev.ClipIndex,
		Level:     eventLevel(ev.Event),
		Event:     ev.Event,
		Message:   ev.Message,
		Details:   ev.Details,
	}
	if err := p.store.AddJobLog(ctx, entry); err != nil {
		log.Printf("[Job %s] Failed to write job log: %v", p.jobID, err)
	}

	if ev.ClipIndex != nil {
		switch status := models.ClipStatus(ev.Event); status {
		case models.ClipStatusSubmitting, models.ClipStatusPolling, models.ClipStatusDownloading:
			if err := p.store.UpdateClipStatus(ctx, ev.JobID, *ev.ClipIndex, status); err != nil {
				log.Printf("[Job %s] Failed to update clip %d status: %v", p.jobID, *ev.ClipIndex, err)
			}
		}
	}

	if p.pub != nil {
		if err := p.pub.PublishEvent(ctx, ev.JobID, ev); err != nil {
			log.Printf("[Job %s] Failed to publish event: %v", p.jobID, err)
		}
	}
}

func eventLevel(event string) string {
	switch event {
	case string(models.ClipStatusFailed), "job_failed":
		return "error"
	case generator.EventRateLimited, generator.EventPaused, generator.EventRetrying,
		generator.EventAPIError, generator.EventCelebrityFilter, "job_paused":
		return "warning"
	default:
		return "info"
	}
}
