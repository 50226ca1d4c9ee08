// Package nats connects to NATS JetStream for status publication.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StatusStream is the stream holding status snapshots.
const StatusStream = "TELELOG_STATUS"

// Client wraps a nats connection and its jetstream context.
type Client struct {
	Conn *nats.Conn
	js   jetstream.JetStream
}

// New connects to natsURL with jetstream enabled.
func New(_ context.Context, natsURL string) (*Client, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("telelog"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{Conn: conn, js: js}, nil
}

// EnsureStatusStream creates or updates the status stream for subject and
// its per-session children. Only the latest snapshot per subject is kept.
func (c *Client) EnsureStatusStream(ctx context.Context, subject string) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              StatusStream,
		Subjects:          []string{subject, subject + ".>"},
		MaxMsgsPerSubject: 1,
		Storage:           jetstream.MemoryStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StatusStream, err)
	}
	return nil
}

// Publish sends data as JSON to subject.
func (c *Client) Publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if _, err := c.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	_ = c.Conn.Drain()
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.Conn.IsConnected()
}
