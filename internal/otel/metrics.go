package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Helmsman metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksStarted      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	SlotsPending      metric.Int64UpDownCounter
	LoopSteps         metric.Int64Counter
	LoopStepDuration  metric.Float64Histogram
	ModelCallDuration metric.Float64Histogram
	ModelRetries      metric.Int64Counter
	CompactionPasses  metric.Int64Counter
	TokensUsed        metric.Int64Counter
	ModelCost         metric.Float64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("helmsman.task.duration",
		metric.WithDescription("Task wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("helmsman.tasks.started",
		metric.WithDescription("Tasks dispatched into a session"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("helmsman.tasks.completed",
		metric.WithDescription("Tasks finished with a verified success"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("helmsman.tasks.failed",
		metric.WithDescription("Tasks that terminated in a failure state"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("helmsman.sessions.active",
		metric.WithDescription("Agent sessions currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.SlotsPending, err = meter.Int64UpDownCounter("helmsman.slots.pending",
		metric.WithDescription("Slots reserved for environments still provisioning"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopSteps, err = meter.Int64Counter("helmsman.loop.steps",
		metric.WithDescription("Observe/decide/execute cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopStepDuration, err = meter.Float64Histogram("helmsman.loop.step_duration",
		metric.WithDescription("Single loop step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCallDuration, err = meter.Float64Histogram("helmsman.model.duration",
		metric.WithDescription("Model API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelRetries, err = meter.Int64Counter("helmsman.model.retries",
		metric.WithDescription("Model calls retried by the resilience layer"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionPasses, err = meter.Int64Counter("helmsman.compaction.passes",
		metric.WithDescription("History compaction passes applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("helmsman.model.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCost, err = meter.Float64Counter("helmsman.model.cost",
		metric.WithDescription("Estimated model spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
