package redelivery

import (
	"context"
	"errors"
	"testing"
)

type rejectingCodec struct{ BinaryCodec }

func (rejectingCodec) Encode(Attempt) ([]byte, error) { return nil, errors.New("codec closed") }

func TestSerializingStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSerializingStore(nil)

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "k", Attempt{Count: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	a, err := s.Get(ctx, "k")
	if err != nil || a.Count != 2 {
		t.Fatalf("expected count 2, got %+v, %v", a, err)
	}
	if ok, _ := s.Contains(ctx, "k"); !ok {
		t.Error("expected key present")
	}
	_ = s.Delete(ctx, "k")
	if ok, _ := s.Contains(ctx, "k"); ok {
		t.Error("expected key gone")
	}
	_ = s.Put(ctx, "a", Attempt{Count: 1})
	_ = s.Clear(ctx)
	if ok, _ := s.Contains(ctx, "a"); ok {
		t.Error("expected clear to drop everything")
	}
}

func TestSerializingStore_EncodeError(t *testing.T) {
	s := NewSerializingStore(rejectingCodec{})
	if err := s.Put(context.Background(), "k", Attempt{Count: 1}); err == nil {
		t.Fatal("expected encode error")
	}
	if ok, _ := s.Contains(context.Background(), "k"); ok {
		t.Error("failed put must not store anything")
	}
}

func TestSerializingStore_CorruptRecord(t *testing.T) {
	s := NewSerializingStore(nil)
	s.data["k"] = []byte(`{"count":-1}`)
	if _, err := s.Get(context.Background(), "k"); err == nil {
		t.Error("expected negative count to be rejected")
	}
	s.data["k"] = []byte(`not json`)
	if _, err := s.Get(context.Background(), "k"); err == nil {
		t.Error("expected malformed record to be rejected")
	}
}

func TestSerializingProvider_ZeroValue(t *testing.T) {
	ctx := context.Background()
	var p SerializingProvider
	a, err := p.Region(ctx, "r", RegionOptions{})
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	b, _ := p.Region(ctx, "r", RegionOptions{})
	if a != b {
		t.Error("expected cached region")
	}
}

func TestAttempt_Binary(t *testing.T) {
	raw, err := Attempt{Count: 7}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"count":7}` {
		t.Errorf("unexpected encoding %s", raw)
	}
}
