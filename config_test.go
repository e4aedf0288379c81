package redelivery

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redelivery.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Type != StoreMemory || cfg.Lock.Type != LockLocal {
		t.Errorf("unexpected backends %s/%s", cfg.Store.Type, cfg.Lock.Type)
	}
	if cfg.Policy.MaxRedeliveryCount != DefaultMaxRedeliveryCount || !cfg.Policy.UseSecureHash {
		t.Errorf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.Policy.RegionOptions() != DefaultRegionOptions() {
		t.Errorf("unexpected region options %+v", cfg.Policy.Region)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
policy:
  name: orders
  max_redelivery_count: 3
  use_secure_hash: false
  region:
    max_entries: 1000
    entry_ttl: 10m
    expiration_interval: 30s
store:
  type: badger
  badger_dir: /var/lib/redelivery
lock:
  type: redis
  ttl: 1m
redis:
  address: redis:6379
http:
  addr: ":9000"
log:
  level: debug
  format: json
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Name != "orders" || cfg.Policy.MaxRedeliveryCount != 3 || cfg.Policy.UseSecureHash {
		t.Errorf("unexpected policy %+v", cfg.Policy)
	}
	want := RegionOptions{MaxEntries: 1000, EntryTTL: 10 * time.Minute, ExpirationInterval: 30 * time.Second}
	if cfg.Policy.Region != want {
		t.Errorf("expected region %+v, got %+v", want, cfg.Policy.Region)
	}
	if cfg.Store.Type != StoreBadger || cfg.Store.BadgerDir != "/var/lib/redelivery" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Lock.Type != LockRedis || cfg.Lock.TTL != time.Minute {
		t.Errorf("unexpected lock %+v", cfg.Lock)
	}
	// Unset fields keep their defaults.
	if cfg.Lock.RetryInterval != DefaultLockRetryInterval {
		t.Errorf("expected default retry interval, got %s", cfg.Lock.RetryInterval)
	}
	if cfg.Policy.RegionName() != "orders.redelivery" {
		t.Errorf("unexpected region name %s", cfg.Policy.RegionName())
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative max", "policy:\n  max_redelivery_count: -1\n"},
		{"unknown store", "store:\n  type: etcd\n"},
		{"postgres without url", "store:\n  type: postgres\n"},
		{"unknown lock", "lock:\n  type: zookeeper\n"},
		{"bad log level", "log:\n  level: trace\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"empty addr", "http:\n  addr: \"\"\n"},
		{"malformed", "policy: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDatabaseURL:   "postgres://localhost/redelivery",
		EnvRedisAddress:  "cache:6379",
		EnvRedisPassword: "secret",
		EnvNATSURL:       "nats://bus:4222",
	}
	cfg := DefaultConfig()
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Postgres.URL != env[EnvDatabaseURL] {
		t.Errorf("unexpected postgres url %s", cfg.Postgres.URL)
	}
	if cfg.Redis.Address != "cache:6379" || cfg.Redis.Password != "secret" {
		t.Errorf("unexpected redis %+v", cfg.Redis)
	}
	if cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("unexpected nats url %s", cfg.NATS.URL)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "postgres://env/redelivery")
	path := writeConfig(t, "store:\n  type: postgres\npostgres:\n  url: postgres://file/redelivery\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.URL != "postgres://env/redelivery" {
		t.Errorf("expected env to win, got %s", cfg.Postgres.URL)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	l.Info("hidden")
	l.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected json record, got %s", out)
	}
}

func TestConfig_ReplayPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Name = "orders"
	cfg.Policy.MaxRedeliveryCount = 3

	replay := cfg.ReplayPolicy()
	if replay.Name != "orders.replay" || replay.MaxRedeliveryCount != 3 {
		t.Errorf("unexpected replay policy %+v", replay)
	}
	if replay.UseSecureHash {
		t.Error("replays must be keyed by message id")
	}
	if replay.RegionName() == cfg.Policy.RegionName() {
		t.Error("replay attempts must live in their own region")
	}
}

func TestConfig_UsesRedis(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.UsesRedis() {
		t.Error("defaults must not need redis")
	}
	cfg.Lock.Type = LockRedis
	if !cfg.UsesRedis() {
		t.Error("redis lock needs redis")
	}
	cfg.Lock.Type = LockLocal
	cfg.Store.Type = StoreRedis
	if !cfg.UsesRedis() {
		t.Error("redis store needs redis")
	}
}
