package redelivery

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/DarlingtonDeveloper/swarm-redelivery"

// PolicyStats is a snapshot of a policy's counters.
type PolicyStats struct {
	Policy         string `json:"policy"`
	Processed      int64  `json:"processed"`
	Succeeded      int64  `json:"succeeded"`
	Failed         int64  `json:"failed"`
	Diverted       int64  `json:"diverted"`
	DigestFailures int64  `json:"digest_failures"`
}

type counter struct {
	n    atomic.Int64
	inst metric.Int64Counter
}

func (c *counter) add(ctx context.Context, attrs metric.MeasurementOption) {
	c.n.Add(1)
	c.inst.Add(ctx, 1, attrs)
}

type policyMetrics struct {
	attrs metric.MeasurementOption

	processed      counter
	succeeded      counter
	failed         counter
	diverted       counter
	digestFailures counter
}

func newPolicyMetrics(mp metric.MeterProvider, policy string) (*policyMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &policyMetrics{
		attrs: metric.WithAttributes(attribute.String("policy", policy)),
	}

	instruments := []struct {
		c    *counter
		name string
		desc string
	}{
		{&m.processed, "redelivery.processed", "Messages with a computed identity key"},
		{&m.succeeded, "redelivery.succeeded", "Listener invocations that succeeded"},
		{&m.failed, "redelivery.failed", "Listener invocations that failed"},
		{&m.diverted, "redelivery.diverted", "Messages diverted after exhausting their budget"},
		{&m.digestFailures, "redelivery.digest_failures", "Messages dropped because no identity key could be computed"},
	}
	for _, i := range instruments {
		inst, err := meter.Int64Counter(i.name, metric.WithDescription(i.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", i.name, err)
		}
		i.c.inst = inst
	}
	return m, nil
}

func (m *policyMetrics) snapshot(policy string) PolicyStats {
	return PolicyStats{
		Policy:         policy,
		Processed:      m.processed.n.Load(),
		Succeeded:      m.succeeded.n.Load(),
		Failed:         m.failed.n.Load(),
		Diverted:       m.diverted.n.Load(),
		DigestFailures: m.digestFailures.n.Load(),
	}
}
