package redelivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// KeyComputer derives the identity key used to correlate redeliveries of the
// same logical message.
type KeyComputer interface {
	ComputeKey(msg *Message) (string, error)
}

// NewKeyComputer returns SecureKeys when useSecureHash is set and
// IdentityKeys otherwise. Keys are prefixed with scope.
func NewKeyComputer(scope string, useSecureHash bool) KeyComputer {
	if useSecureHash {
		return SecureKeys{Scope: scope}
	}
	return IdentityKeys{Scope: scope}
}

// SecureKeys keys a message by the SHA-256 digest of its payload.
type SecureKeys struct {
	Scope string
}

func (k SecureKeys) ComputeKey(msg *Message) (string, error) {
	b, err := msg.PayloadBytes()
	if err != nil {
		return "", &DigestError{MessageID: msg.ID, Err: err}
	}
	sum := sha256.Sum256(b)
	return scoped(k.Scope, hex.EncodeToString(sum[:])), nil
}

// IdentityKeys keys a message by its declared ID, falling back to a
// non-cryptographic xxhash of the payload when the message carries none.
type IdentityKeys struct {
	Scope string
}

func (k IdentityKeys) ComputeKey(msg *Message) (string, error) {
	if msg.ID != "" {
		return scoped(k.Scope, msg.ID), nil
	}
	b, err := msg.PayloadBytes()
	if err != nil {
		return "", &DigestError{Err: err}
	}
	return scoped(k.Scope, strconv.FormatUint(xxhash.Sum64(b), 16)), nil
}

func scoped(scope, id string) string {
	if scope == "" {
		return id
	}
	return scope + "-" + id
}
