package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"catalog-import-service/internal/models"

	"github.com/sirupsen/logrus"
)

// Sink receives import progress events
type Sink interface {
	Emit(ctx context.Context, progress models.ImportProgress) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(ctx context.Context, progress models.ImportProgress) error

func (f SinkFunc) Emit(ctx context.Context, progress models.ImportProgress) error {
	return f(ctx, progress)
}

// Discard drops every event
var Discard Sink = SinkFunc(func(context.Context, models.ImportProgress) error { return nil })

// MultiSink fans an event out to several sinks. A failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, progress models.ImportProgress) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, progress); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink creates a new LogSink
func NewLogSink(logger *logrus.Entry) *LogSink {
	return &LogSink{logger: logger.WithField("component", "import-events")}
}

func (s *LogSink) Emit(ctx context.Context, progress models.ImportProgress) error {
	entry := s.logger.WithFields(logrus.Fields{
		"job_id": progress.JobID,
		"status": progress.Status,
		"action": progress.CurrentAction,
	})
	for k, v := range progress.Stats {
		entry = entry.WithField(k, v)
	}
	if progress.Status == models.PhaseError {
		entry.Warn("Import progress")
	} else {
		entry.Info("Import progress")
	}
	return nil
}

const deliveryTimeout = 5 * time.Second

// AsyncSink delivers events to the next sink from a single background worker,
// so delivery order matches emission order. When the buffer is full, non-terminal
// events are dropped; terminal events wait for room.
type AsyncSink struct {
	next   Sink
	ch     chan models.ImportProgress
	done   chan struct{}
	logger *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the delivery worker
func NewAsyncSink(next Sink, buffer int, logger *logrus.Entry) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	s := &AsyncSink{
		next:   next,
		ch:     make(chan models.ImportProgress, buffer),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "import-events"),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for progress := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := s.next.Emit(ctx, progress); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"job_id": progress.JobID,
				"status": progress.Status,
			}).Warn("Failed to deliver progress event")
		}
		cancel()
	}
}

// Emit queues an event. It only blocks for terminal events on a full buffer.
func (s *AsyncSink) Emit(ctx context.Context, progress models.ImportProgress) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("progress sink closed")
	}

	if !progress.Status.Terminal() {
		select {
		case s.ch <- progress:
		default:
			s.logger.WithFields(logrus.Fields{
				"job_id": progress.JobID,
				"status": progress.Status,
			}).Warn("Progress buffer full, dropping event")
		}
		return nil
	}

	select {
	case s.ch <- progress:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits until queued ones are delivered
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
