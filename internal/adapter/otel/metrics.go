package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentai"

// Metrics holds all metric instruments.
type Metrics struct {
	Deliberations        metric.Int64Counter
	DeliberationDuration metric.Float64Histogram
	CapabilityCalls      metric.Int64Counter
	CapabilityLatency    metric.Float64Histogram
	ActionsCreated       metric.Int64Counter
	ActionTransitions    metric.Int64Counter
	LinkOutcomes         metric.Int64Counter
	Dispatches           metric.Int64Counter
	MemoriesAccepted     metric.Int64Counter
	MemoriesDropped      metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Deliberations, err = meter.Int64Counter("agentai.deliberations",
		metric.WithDescription("Deliberations by outcome"))
	if err != nil {
		return nil, err
	}

	m.DeliberationDuration, err = meter.Float64Histogram("agentai.deliberation.duration_seconds",
		metric.WithDescription("Deliberation wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.CapabilityCalls, err = meter.Int64Counter("agentai.capability.calls",
		metric.WithDescription("Capability provider invocations by role, tool and outcome"))
	if err != nil {
		return nil, err
	}

	m.CapabilityLatency, err = meter.Float64Histogram("agentai.capability.latency_ms",
		metric.WithDescription("Capability provider latency in milliseconds"))
	if err != nil {
		return nil, err
	}

	m.ActionsCreated, err = meter.Int64Counter("agentai.actions.created",
		metric.WithDescription("Actions created by execution path"))
	if err != nil {
		return nil, err
	}

	m.ActionTransitions, err = meter.Int64Counter("agentai.actions.transitions",
		metric.WithDescription("Action status transitions"))
	if err != nil {
		return nil, err
	}

	m.LinkOutcomes, err = meter.Int64Counter("agentai.links.outcomes",
		metric.WithDescription("Signed link visits by outcome"))
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("agentai.actions.dispatched",
		metric.WithDescription("Actions handed to the executor"))
	if err != nil {
		return nil, err
	}

	m.MemoriesAccepted, err = meter.Int64Counter("agentai.memories.accepted",
		metric.WithDescription("Memory candidates accepted by the gate"))
	if err != nil {
		return nil, err
	}

	m.MemoriesDropped, err = meter.Int64Counter("agentai.memories.dropped",
		metric.WithDescription("Memory candidates dropped by the gate"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
