package redelivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Default region sizing: unbounded, five minute entry TTL, six second sweep.
const (
	DefaultEntryTTL           = 5 * time.Minute
	DefaultExpirationInterval = 6 * time.Second
)

// DefaultRegionOptions returns the sizing used when a policy is not told otherwise.
func DefaultRegionOptions() RegionOptions {
	return RegionOptions{
		EntryTTL:           DefaultEntryTTL,
		ExpirationInterval: DefaultExpirationInterval,
	}
}

// Attempt is the record stored under an identity key: how many times the
// message has been handed to the listener and failed.
type Attempt struct {
	Count int `json:"count"`
}

// MarshalBinary encodes the record for durable stores.
func (a Attempt) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (a *Attempt) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, a); err != nil {
		return fmt.Errorf("decode attempt: %w", err)
	}
	if a.Count < 0 {
		return fmt.Errorf("decode attempt: negative count %d", a.Count)
	}
	return nil
}

// Codec converts attempt records to and from bytes.
type Codec interface {
	Encode(a Attempt) ([]byte, error)
	Decode(data []byte) (Attempt, error)
}

// BinaryCodec uses Attempt's own binary encoding.
type BinaryCodec struct{}

func (BinaryCodec) Encode(a Attempt) ([]byte, error) { return a.MarshalBinary() }

func (BinaryCodec) Decode(data []byte) (Attempt, error) {
	var a Attempt
	err := a.UnmarshalBinary(data)
	return a, err
}

// attemptCount reads the counter for key, treating an absent record as zero.
func attemptCount(ctx context.Context, s AttemptStore, key string) (int, error) {
	a, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get attempt %s: %w", key, err)
	}
	return a.Count, nil
}

// regionPrefix is the key prefix of region. The region name is query-escaped,
// so it contains no separator and no region's prefix starts another's.
func regionPrefix(region, sep string) string {
	return url.QueryEscape(region) + sep
}

func regionKey(region, key string) string {
	return regionPrefix(region, "/") + key
}
