package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"catalog-import-service/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix is prepended to "<jobID>.progress"
const DefaultSubjectPrefix = "imports"

// Publisher is the part of *nats.Conn the sink needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes progress events as JSON on imports.<jobID>.progress
type NATSSink struct {
	conn   Publisher
	prefix string
}

// NewNATSSink creates a new NATSSink
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject progress of jobID is published on
func (s *NATSSink) Subject(jobID string) string {
	return fmt.Sprintf("%s.%s.progress", s.prefix, jobID)
}

func (s *NATSSink) Emit(ctx context.Context, progress models.ImportProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(progress.JobID), data); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

// Connect opens a NATS connection that keeps reconnecting in the background
func Connect(url, name string, logger *logrus.Entry) (*nats.Conn, error) {
	log := logger.WithField("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(8*1024*1024),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
