package redelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxRedeliveryCount is used by DefaultPolicyConfig.
const DefaultMaxRedeliveryCount = 5

// PolicyConfig holds the immutable settings of a Policy.
type PolicyConfig struct {
	// Name scopes identity keys and names the attempt store region.
	Name string `yaml:"name"`

	// MaxRedeliveryCount bounds failed listener invocations: the listener runs
	// at most MaxRedeliveryCount+1 times per identity key before diversion.
	MaxRedeliveryCount int `yaml:"max_redelivery_count"`

	// UseSecureHash keys messages by a SHA-256 payload digest instead of
	// their declared ID.
	UseSecureHash bool `yaml:"use_secure_hash"`

	// Region sizes the attempt store region. The zero value selects
	// DefaultRegionOptions.
	Region RegionOptions `yaml:"region"`
}

// DefaultPolicyConfig returns a config with secure hashing and five redeliveries.
func DefaultPolicyConfig(name string) PolicyConfig {
	return PolicyConfig{
		Name:               name,
		MaxRedeliveryCount: DefaultMaxRedeliveryCount,
		UseSecureHash:      true,
		Region:             DefaultRegionOptions(),
	}
}

// Validate checks the config.
func (c PolicyConfig) Validate() error {
	if c.MaxRedeliveryCount < 0 {
		return fmt.Errorf("max_redelivery_count cannot be negative: %d", c.MaxRedeliveryCount)
	}
	if c.Region.MaxEntries < 0 {
		return fmt.Errorf("region.max_entries cannot be negative: %d", c.Region.MaxEntries)
	}
	return nil
}

// RegionName is the attempt store region a policy named c.Name uses.
func (c PolicyConfig) RegionName() string {
	if c.Name == "" {
		return "redelivery"
	}
	return c.Name + ".redelivery"
}

// RegionOptions returns c.Region, or DefaultRegionOptions when it is unset.
func (c PolicyConfig) RegionOptions() RegionOptions {
	if c.Region == (RegionOptions{}) {
		return DefaultRegionOptions()
	}
	return c.Region
}

// PolicyOption configures a Policy.
type PolicyOption func(*policyOptions)

type policyOptions struct {
	deadLetter    Processor
	logger        *slog.Logger
	keys          KeyComputer
	meterProvider metric.MeterProvider
}

// WithDeadLetter sets the processor that receives messages whose budget is exhausted.
func WithDeadLetter(p Processor) PolicyOption {
	return func(o *policyOptions) {
		o.deadLetter = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) PolicyOption {
	return func(o *policyOptions) {
		o.logger = l
	}
}

// WithKeyComputer overrides the key strategy selected by UseSecureHash.
func WithKeyComputer(k KeyComputer) PolicyOption {
	return func(o *policyOptions) {
		o.keys = k
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) PolicyOption {
	return func(o *policyOptions) {
		o.meterProvider = mp
	}
}

// Policy wraps a listener with idempotent redelivery handling: it counts
// failed deliveries per identity key and diverts a message to the dead-letter
// processor once its count exceeds MaxRedeliveryCount.
type Policy struct {
	cfg        PolicyConfig
	keys       KeyComputer
	store      AttemptStore
	locker     KeyLocker
	listener   Processor
	deadLetter Processor
	logger     *slog.Logger
	metrics    *policyMetrics
}

// NewPolicy validates cfg and opens the policy's attempt store region from stores.
func NewPolicy(ctx context.Context, cfg PolicyConfig, stores StoreProvider, locker KeyLocker, listener Processor, opts ...PolicyOption) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	if stores == nil {
		return nil, errors.New("store provider can't be empty")
	}
	if locker == nil {
		return nil, errors.New("key locker can't be empty")
	}
	if listener == nil {
		return nil, errors.New("listener can't be empty")
	}
	cfg.Region = cfg.RegionOptions()

	o := policyOptions{
		logger:        slog.Default(),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keys == nil {
		o.keys = NewKeyComputer(cfg.Name, cfg.UseSecureHash)
	}

	store, err := stores.Region(ctx, cfg.RegionName(), cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("open attempt store %s: %w", cfg.RegionName(), err)
	}

	m, err := newPolicyMetrics(o.meterProvider, cfg.Name)
	if err != nil {
		return nil, err
	}

	return &Policy{
		cfg:        cfg,
		keys:       o.keys,
		store:      store,
		locker:     locker,
		listener:   listener,
		deadLetter: o.deadLetter,
		logger:     o.logger.With("policy", cfg.Name),
		metrics:    m,
	}, nil
}

// Config returns the policy's settings.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// Store returns the attempt store region the policy writes to.
func (p *Policy) Store() AttemptStore { return p.store }

// Stats returns a snapshot of the policy counters.
func (p *Policy) Stats() PolicyStats { return p.metrics.snapshot(p.cfg.Name) }

// Process delivers msg to the listener unless its identity key has exhausted
// the redelivery budget, in which case msg goes to the dead-letter processor.
//
// A listener failure is returned unchanged after the attempt count has been
// incremented. If no identity key can be computed, msg is dropped and Process
// returns (nil, nil) without touching the store, the listener or the
// dead-letter processor.
func (p *Policy) Process(ctx context.Context, msg *Message) (*Message, error) {
	key, err := p.keys.ComputeKey(msg)
	if err != nil {
		p.metrics.digestFailures.add(ctx, p.metrics.attrs)
		p.logger.Warn("redelivery: cannot compute identity key, dropping message",
			"message_id", msg.ID,
			"subject", msg.Subject,
			"error", err,
		)
		return nil, nil
	}
	p.metrics.processed.add(ctx, p.metrics.attrs)

	var result *Message
	err = p.locker.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		result, err = p.deliver(ctx, key, msg)
		return err
	})
	return result, err
}

// deliver runs with the lock for key held.
func (p *Policy) deliver(ctx context.Context, key string, msg *Message) (*Message, error) {
	n, err := attemptCount(ctx, p.store, key)
	if err != nil {
		return nil, err
	}

	if n > p.cfg.MaxRedeliveryCount {
		if err := p.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("delete attempt %s: %w", key, err)
		}
		return p.divert(ctx, key, msg, n)
	}

	out, lerr := p.listener.Process(ctx, msg)

	// A cancelled or timed out listener still counts as a failed attempt.
	storeCtx := context.WithoutCancel(ctx)

	if lerr == nil {
		p.metrics.succeeded.add(ctx, p.metrics.attrs)
		if n > 0 {
			if err := p.store.Delete(storeCtx, key); err != nil {
				return nil, fmt.Errorf("delete attempt %s: %w", key, err)
			}
		}
		return out, nil
	}

	p.metrics.failed.add(ctx, p.metrics.attrs)
	if err := p.store.Put(storeCtx, key, Attempt{Count: n + 1}); err != nil {
		return nil, errors.Join(lerr, fmt.Errorf("put attempt %s: %w", key, err))
	}
	p.logger.Debug("redelivery: listener failed",
		"key", key,
		"message_id", msg.ID,
		"attempt", n+1,
		"max_redelivery_count", p.cfg.MaxRedeliveryCount,
		"error", lerr,
	)
	if n+1 > p.cfg.MaxRedeliveryCount {
		p.logger.Info("redelivery: budget exhausted, next delivery will be diverted",
			"key", key,
			"message_id", msg.ID,
			"attempts", n+1,
		)
	}
	return nil, lerr
}

func (p *Policy) divert(ctx context.Context, key string, msg *Message, attempts int) (*Message, error) {
	p.metrics.diverted.add(ctx, p.metrics.attrs)

	if p.deadLetter == nil {
		p.logger.Warn("redelivery: budget exhausted and no dead-letter processor configured",
			"key", key,
			"message_id", msg.ID,
			"attempts", attempts,
		)
		return nil, fmt.Errorf("%w: key %s after %d attempts", ErrRedeliveryExhausted, key, attempts)
	}

	p.logger.Info("redelivery: diverting message to dead letter",
		"key", key,
		"message_id", msg.ID,
		"attempts", attempts,
	)
	return p.deadLetter.Process(withDelivery(ctx, Delivery{
		DeadLetterID:       uuid.NewString(),
		Policy:             p.cfg.Name,
		Key:                key,
		Attempts:           attempts,
		MaxRedeliveryCount: p.cfg.MaxRedeliveryCount,
	}), msg)
}

// Delivery describes why a message reached the dead-letter processor.
type Delivery struct {
	// DeadLetterID is generated once per diversion. Every processor in a
	// dead-letter chain records the entry under this id.
	DeadLetterID string

	Policy             string
	Key                string
	Attempts           int
	MaxRedeliveryCount int
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the Delivery attached to a dead-letter call.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
