package redelivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var _ Processor = (*Recorder)(nil)

// Recorder persists dead letters to a DeadLetterStore. It is both a
// dead-letter processor for a Policy and a sink for dead-letter events that
// arrive over NATS from other processes.
type Recorder struct {
	store       DeadLetterStore
	recoverable bool
	logger      *slog.Logger
}

// NewRecorder creates a dead-letter recorder. Recoverable applies to entries
// it builds and to ingested events that omit the field. A nil logger selects
// slog.Default().
func NewRecorder(store DeadLetterStore, recoverable bool, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, recoverable: recoverable, logger: loggerOrDefault(logger)}
}

// Process records msg and returns it unchanged.
func (r *Recorder) Process(ctx context.Context, msg *Message) (*Message, error) {
	entry, err := deadLetterFor(ctx, msg, r.recoverable)
	if err != nil {
		return nil, err
	}
	if err := r.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("record dead letter %s: %w", entry.DLQID, err)
	}
	return msg, nil
}

// Ingest parses a raw dead-letter event payload and inserts it.
// subject is the NATS subject (e.g. "dlq.redelivery.exhausted").
func (r *Recorder) Ingest(ctx context.Context, subject string, data []byte) {
	var (
		entry  DeadLetter
		fields struct {
			Recoverable *bool `json:"recoverable"`
		}
	)
	err := json.Unmarshal(data, &entry)
	if err == nil {
		err = json.Unmarshal(data, &fields)
	}
	if err != nil {
		r.logger.Warn("redelivery recorder: malformed dead-letter event",
			"subject", subject,
			"error", err,
		)
		return
	}

	if entry.Reason == "" {
		entry.Reason = inferReason(subject)
	}
	if fields.Recoverable == nil {
		entry.Recoverable = r.recoverable
	}
	if entry.DLQID == "" {
		entry.DLQID = uuid.NewString()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	if err := r.store.Insert(ctx, entry); err != nil {
		r.logger.Error("redelivery recorder: failed to insert",
			"dlq_id", entry.DLQID,
			"subject", subject,
			"error", err,
		)
	}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func inferReason(subject string) string {
	switch {
	case strings.HasSuffix(subject, ".exhausted"):
		return ReasonRedeliveryExhausted
	case strings.HasSuffix(subject, ".manual"):
		return ReasonManual
	default:
		return "unknown"
	}
}

// Chain returns a dead-letter processor that runs every processor in order.
// All of them run even if one fails; the result is the first processor's and
// the errors are joined.
func Chain(processors ...Processor) Processor {
	return ProcessorFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		var (
			first *Message
			errs  []error
		)
		for i, p := range processors {
			out, err := p.Process(ctx, msg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if i == 0 {
				first = out
			}
		}
		return first, errors.Join(errs...)
	})
}
