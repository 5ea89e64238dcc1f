package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// Publisher broadcasts one session's status lines and results.
type Publisher struct {
	client    *Client
	sessionID string
	log       *slog.Logger
	clock     func() time.Time
}

func NewPublisher(client *Client, sessionID string) *Publisher {
	return &Publisher{
		client:    client,
		sessionID: sessionID,
		log:       client.log.With(slog.String("component", "bus-publisher")),
		clock:     time.Now,
	}
}

// Report publishes a status line. Failures are logged, never returned.
func (p *Publisher) Report(message string) {
	line := protocol.StatusLine{
		SessionID: p.sessionID,
		Message:   message,
		Timestamp: p.clock().UTC(),
	}
	if err := p.publish(protocol.StatusSubject(p.sessionID), line); err != nil {
		p.log.Warn("publish status failed", slog.String("error", err.Error()))
	}
}

func (p *Publisher) PublishTranscript(ctx context.Context, t protocol.Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.SessionID = p.sessionID
	if t.Timestamp.IsZero() {
		t.Timestamp = p.clock().UTC()
	}
	return p.publish(protocol.SubjectTranscript, t)
}

func (p *Publisher) PublishModelLoaded(ctx context.Context, m protocol.ModelLoaded) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.SessionID = p.sessionID
	if m.Timestamp.IsZero() {
		m.Timestamp = p.clock().UTC()
	}
	return p.publish(protocol.SubjectModelLoaded, m)
}

func (p *Publisher) publish(subject string, v any) error {
	return p.client.PublishJSON(subject, v)
}
