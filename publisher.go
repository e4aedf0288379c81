package redelivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var _ Processor = (*Publisher)(nil)

// Publisher is a dead-letter processor that sends exhausted messages to the
// DLQ NATS stream.
type Publisher struct {
	nc          NATSPublisher
	recoverable bool
}

// NewPublisher creates a dead-letter publisher. Recoverable marks published
// entries as eligible for replay.
func NewPublisher(nc NATSPublisher, recoverable bool) *Publisher {
	return &Publisher{nc: nc, recoverable: recoverable}
}

// Process publishes msg as a DeadLetter. The returned message carries the
// DLQ id and subject so callers can acknowledge the diversion.
func (p *Publisher) Process(ctx context.Context, msg *Message) (*Message, error) {
	entry, err := deadLetterFor(ctx, msg, p.recoverable)
	if err != nil {
		return nil, err
	}
	if err := p.Publish(entry); err != nil {
		return nil, err
	}
	return &Message{
		ID:      entry.DLQID,
		Subject: SubjectForReason(entry.Reason),
		Payload: entry.OriginalPayload,
		Headers: msg.Headers,
	}, nil
}

// Publish sends an entry to the subject for its reason. The DLQ id doubles as
// the JetStream message id so duplicate publishes are discarded.
func (p *Publisher) Publish(entry DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	m := nats.NewMsg(SubjectForReason(entry.Reason))
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, entry.DLQID)
	if entry.IdentityKey != "" {
		m.Header.Set("Redelivery-Key", entry.IdentityKey)
	}

	if err := p.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publish to %s: %w", m.Subject, err)
	}
	return nil
}

// deadLetterFor builds the entry for a dead-letter call. Calls made outside a
// policy diversion are recorded with ReasonManual under a fresh id.
func deadLetterFor(ctx context.Context, msg *Message, recoverable bool) (DeadLetter, error) {
	d, ok := DeliveryFromContext(ctx)
	if d.DeadLetterID == "" {
		d.DeadLetterID = uuid.NewString()
	}
	entry, err := NewDeadLetter(d, msg, recoverable)
	if err != nil {
		return DeadLetter{}, err
	}
	if !ok {
		entry.Reason = ReasonManual
		entry.ReasonDetail = ""
	}
	return entry, nil
}

var _ Processor = (*Republisher)(nil)

// Republisher publishes messages back to their own subject. Wrapped in a
// Policy keyed by message ID it replays dead letters with a bounded number of
// attempts per entry.
type Republisher struct {
	nc NATSPublisher
}

// NewRepublisher creates a republishing processor.
func NewRepublisher(nc NATSPublisher) *Republisher {
	return &Republisher{nc: nc}
}

// Process publishes msg to msg.Subject with its headers. msg.ID becomes the
// JetStream message id.
func (p *Republisher) Process(_ context.Context, msg *Message) (*Message, error) {
	data, err := msg.PayloadBytes()
	if err != nil {
		return nil, err
	}

	m := nats.NewMsg(msg.Subject)
	m.Data = data
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.ID != "" {
		m.Header.Set(nats.MsgIdHdr, msg.ID)
	}

	if err := p.nc.PublishMsg(m); err != nil {
		return nil, fmt.Errorf("republish to %s: %w", msg.Subject, err)
	}
	return msg, nil
}
