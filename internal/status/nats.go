package status

import (
	"context"
	"fmt"
)

// DefaultSubject is the NATS subject snapshots are published on.
const DefaultSubject = "telelog.status"

// Publisher is the NATS client operation the reporter needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSReporter publishes snapshots as JSON to a NATS subject.
type NATSReporter struct {
	client  Publisher
	subject string
}

// NewNATSReporter creates a reporter publishing to subject.
func NewNATSReporter(client Publisher, subject string) *NATSReporter {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSReporter{client: client, subject: subject}
}

// Publish sends the snapshot to <subject>.<session>.
func (r *NATSReporter) Publish(ctx context.Context, s Snapshot) error {
	subject := r.subject
	if s.Session != "" {
		subject += "." + s.Session
	}
	if err := r.client.Publish(ctx, subject, s); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
