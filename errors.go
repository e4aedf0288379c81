package redelivery

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by AttemptStore.Get when no record exists for a key.
	ErrNotFound = errors.New("attempt record not found")

	// ErrNotEncodable is returned when a message payload has no byte form.
	ErrNotEncodable = errors.New("payload is not encodable")

	// ErrLockAcquisition wraps every failure to obtain a per-key lock.
	ErrLockAcquisition = errors.New("lock acquisition failed")

	// ErrLockLost is the cause set on a locked callback's context when the
	// lock expired or was taken over before the callback returned.
	ErrLockLost = errors.New("lock lost")

	// ErrDeadLetterNotFound is returned when no dead letter has the requested id.
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrAlreadyRecovered is returned when marking a recovered dead letter again.
	ErrAlreadyRecovered = errors.New("dead letter already recovered")

	// ErrRedeliveryExhausted is returned when a message has used up its
	// redelivery budget and the policy has no dead-letter processor.
	ErrRedeliveryExhausted = errors.New("redelivery attempts exhausted")
)

// DigestError reports that no identity key could be derived for a message.
type DigestError struct {
	MessageID string
	Err       error
}

func (e *DigestError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("compute identity key: %v", e.Err)
	}
	return fmt.Sprintf("compute identity key for message %s: %v", e.MessageID, e.Err)
}

func (e *DigestError) Unwrap() error { return e.Err }

// LockError reports that the lock for Key could not be acquired.
type LockError struct {
	Key string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v: key %s: %v", ErrLockAcquisition, e.Key, e.Err)
}

func (e *LockError) Unwrap() []error { return []error{ErrLockAcquisition, e.Err} }
