package importer

import (
	"context"
	"sync"
	"time"

	"catalog-import-service/internal/events"
	"catalog-import-service/internal/models"

	"github.com/sirupsen/logrus"
)

// Progress reports the phases of one import with cumulative stats.
// Phases only move forward; a nil *Progress reports nothing.
type Progress struct {
	jobID  string
	sink   events.Sink
	logger *logrus.Entry

	mu    sync.Mutex
	phase models.ImportPhase
	stats map[string]int
}

// NewProgress creates a reporter for jobID
func NewProgress(jobID string, sink events.Sink, logger *logrus.Entry) *Progress {
	if sink == nil {
		sink = events.Discard
	}
	return &Progress{
		jobID:  jobID,
		sink:   sink,
		logger: logger,
		stats:  make(map[string]int),
	}
}

// Enter moves to phase and emits an event. Moving backwards, or past a
// terminal phase, is ignored.
func (p *Progress) Enter(ctx context.Context, phase models.ImportPhase, action string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.phase.Terminal() || phase.Rank() < p.phase.Rank() {
		current := p.phase
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{
			"job_id":  p.jobID,
			"current": current,
			"next":    phase,
		}).Warn("Ignoring out-of-order progress phase")
		return
	}
	p.phase = phase
	event := p.snapshot(action)
	p.mu.Unlock()

	if err := p.sink.Emit(ctx, event); err != nil {
		p.logger.WithError(err).WithField("job_id", p.jobID).Warn("Failed to emit progress event")
	}
}

// Set records a stat carried by subsequent events
func (p *Progress) Set(key string, value int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[key] = value
}

// Add increments a stat
func (p *Progress) Add(key string, delta int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[key] += delta
}

// Merge copies every entry of stats
func (p *Progress) Merge(stats map[string]int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range stats {
		p.stats[k] = v
	}
}

// Phase returns the last phase entered
func (p *Progress) Phase() models.ImportPhase {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Progress) snapshot(action string) models.ImportProgress {
	stats := make(map[string]int, len(p.stats))
	for k, v := range p.stats {
		stats[k] = v
	}
	return models.ImportProgress{
		JobID:         p.jobID,
		Status:        p.phase,
		CurrentAction: action,
		Stats:         stats,
		Timestamp:     time.Now().UTC(),
	}
}
