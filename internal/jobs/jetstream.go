package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream holding downstream jobs.
const StreamName = "JOBS"

// JetStream publishes jobs to NATS JetStream.
type JetStream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewJetStream connects to the NATS server at url.
func NewJetStream(url string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("mailbrain"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &JetStream{nc: nc, js: js}, nil
}

// EnsureStream creates the JOBS stream unless it exists.
func (p *JetStream) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"jobs.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish publishes payload. The server drops a repeated msgID inside the
// stream's duplicate window.
func (p *JetStream) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *JetStream) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
