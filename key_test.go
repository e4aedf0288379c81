package redelivery

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
)

type failingMarshaler struct{}

func (failingMarshaler) MarshalBinary() ([]byte, error) { return nil, errors.New("closed stream") }

func TestSecureKeys_Stable(t *testing.T) {
	k := SecureKeys{Scope: "orders"}

	a, err := k.ComputeKey(&Message{ID: "1", Payload: "message"})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	b, err := k.ComputeKey(&Message{ID: "2", Payload: []byte("message")})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	if a != b {
		t.Errorf("expected equal payloads to share a key: %s != %s", a, b)
	}
	if !strings.HasPrefix(a, "orders-") {
		t.Errorf("expected scope prefix, got %s", a)
	}
	// SHA-256 hex digest after the prefix.
	if got := len(strings.TrimPrefix(a, "orders-")); got != 64 {
		t.Errorf("expected 64 hex chars, got %d", got)
	}

	c, err := k.ComputeKey(&Message{Payload: "other"})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	if a == c {
		t.Error("expected different payloads to produce different keys")
	}
}

func TestSecureKeys_ScopeSeparatesPolicies(t *testing.T) {
	msg := &Message{Payload: "message"}
	a, _ := SecureKeys{Scope: "orders"}.ComputeKey(msg)
	b, _ := SecureKeys{Scope: "billing"}.ComputeKey(msg)
	if a == b {
		t.Error("expected different scopes to produce different keys")
	}
	unscoped, _ := SecureKeys{}.ComputeKey(msg)
	if strings.Contains(unscoped, "-") {
		t.Errorf("expected no prefix without scope, got %s", unscoped)
	}
}

func TestSecureKeys_Payloads(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{"bytes", []byte{1, 2, 3}, false},
		{"string", "hello", false},
		{"raw json", json.RawMessage(`{"a":1}`), false},
		{"text marshaler", net.ParseIP("10.0.0.1"), false},
		{"struct", struct{ A int }{1}, true},
		{"nil", nil, true},
		{"map", map[string]int{"a": 1}, true},
		{"failing marshaler", failingMarshaler{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SecureKeys{Scope: "s"}.ComputeKey(&Message{ID: "m", Payload: tt.payload})
			if tt.wantErr {
				var de *DigestError
				if !errors.As(err, &de) {
					t.Fatalf("expected DigestError, got %v", err)
				}
				if !errors.Is(err, ErrNotEncodable) {
					t.Errorf("expected ErrNotEncodable, got %v", err)
				}
				if de.MessageID != "m" {
					t.Errorf("expected message id m, got %s", de.MessageID)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIdentityKeys(t *testing.T) {
	k := IdentityKeys{Scope: "orders"}

	got, err := k.ComputeKey(&Message{ID: "m-1", Payload: struct{}{}})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	if got != "orders-m-1" {
		t.Errorf("expected orders-m-1, got %s", got)
	}

	a, err := k.ComputeKey(&Message{Payload: "message"})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	b, _ := k.ComputeKey(&Message{Payload: "message"})
	if a != b {
		t.Errorf("expected payload fallback to be stable: %s != %s", a, b)
	}

	if _, err := k.ComputeKey(&Message{Payload: struct{}{}}); !errors.Is(err, ErrNotEncodable) {
		t.Errorf("expected ErrNotEncodable without id, got %v", err)
	}
}

func TestNewKeyComputer(t *testing.T) {
	if _, ok := NewKeyComputer("s", true).(SecureKeys); !ok {
		t.Error("expected SecureKeys")
	}
	if _, ok := NewKeyComputer("s", false).(IdentityKeys); !ok {
		t.Error("expected IdentityKeys")
	}
}
