// Package redelivery provides an idempotent redelivery policy for message
// pipelines: it correlates redeliveries of the same message by identity key,
// bounds how often a failing message reaches its listener, and diverts
// exhausted messages to a dead-letter path.
package redelivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reasons a message can be dead-lettered.
const (
	ReasonRedeliveryExhausted = "redelivery_exhausted"
	ReasonManual              = "manual"
)

// NATS subjects for dead-letter events.
const (
	SubjectExhausted = "dlq.redelivery.exhausted"
	SubjectManual    = "dlq.redelivery.manual"
	SubjectUnknown   = "dlq.redelivery.unknown"
)

// DeadLetter is a message that left the pipeline through the dead-letter path.
type DeadLetter struct {
	DLQID              string            `json:"dlq_id"`
	Policy             string            `json:"policy"`
	IdentityKey        string            `json:"identity_key"`
	MessageID          string            `json:"message_id,omitempty"`
	OriginalSubject    string            `json:"original_subject"`
	OriginalPayload    []byte            `json:"original_payload"`
	Headers            map[string]string `json:"headers,omitempty"`
	Reason             string            `json:"reason"`
	ReasonDetail       string            `json:"reason_detail,omitempty"`
	FailedAt           time.Time         `json:"failed_at"`
	Attempts           int               `json:"attempts"`
	MaxRedeliveryCount int               `json:"max_redelivery_count"`
	Recoverable        bool              `json:"recoverable"`
	Recovered          bool              `json:"recovered"`
	RecoveredAt        *time.Time        `json:"recovered_at,omitempty"`
	RecoveredBy        string            `json:"recovered_by,omitempty"`
}

// SubjectForReason returns the NATS subject to publish to for a given reason.
func SubjectForReason(reason string) string {
	switch reason {
	case ReasonRedeliveryExhausted:
		return SubjectExhausted
	case ReasonManual:
		return SubjectManual
	default:
		return SubjectUnknown
	}
}

// NewDeadLetter builds the entry for msg from the delivery that exhausted it.
// The entry id is d.DeadLetterID. Payloads without a byte form are stored as
// their JSON encoding.
func NewDeadLetter(d Delivery, msg *Message, recoverable bool) (DeadLetter, error) {
	payload, err := deadLetterPayload(msg)
	if err != nil {
		return DeadLetter{}, err
	}
	return DeadLetter{
		DLQID:              d.DeadLetterID,
		Policy:             d.Policy,
		IdentityKey:        d.Key,
		MessageID:          msg.ID,
		OriginalSubject:    msg.Subject,
		OriginalPayload:    payload,
		Headers:            msg.Headers,
		Reason:             ReasonRedeliveryExhausted,
		ReasonDetail:       fmt.Sprintf("failed %d times, limit %d redeliveries", d.Attempts, d.MaxRedeliveryCount),
		FailedAt:           time.Now().UTC(),
		Attempts:           d.Attempts,
		MaxRedeliveryCount: d.MaxRedeliveryCount,
		Recoverable:        recoverable,
	}, nil
}

func deadLetterPayload(msg *Message) ([]byte, error) {
	payload, err := msg.PayloadBytes()
	if err == nil {
		return payload, nil
	}
	payload, jerr := json.Marshal(msg.Payload)
	if jerr != nil {
		return nil, fmt.Errorf("dead letter payload: %w", errors.Join(err, jerr))
	}
	return payload, nil
}

// ReplayMessage rebuilds the original message of e for redelivery. Its ID is
// unique per dead letter so replays are deduplicated by JetStream and keyed
// apart from the original delivery.
func (e *DeadLetter) ReplayMessage() *Message {
	id := "replay-" + e.DLQID
	if e.MessageID != "" {
		id = e.MessageID + "-replay-" + e.DLQID
	}
	return &Message{
		ID:      id,
		Subject: e.OriginalSubject,
		Payload: e.OriginalPayload,
		Headers: e.Headers,
	}
}
