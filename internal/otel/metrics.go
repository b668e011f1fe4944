package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskmill metrics instruments.
type Metrics struct {
	TasksSubmitted   metric.Int64Counter
	TasksSucceeded   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksCancelled   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	TaskRetries      metric.Int64Counter
	DeadLetters      metric.Int64Counter
	LeaseReclaims    metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	QueueInflight    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("taskmill.tasks.submitted",
		metric.WithDescription("Tasks admitted by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSucceeded, err = meter.Int64Counter("taskmill.tasks.succeeded",
		metric.WithDescription("Tasks settled as SUCCEEDED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskmill.tasks.failed",
		metric.WithDescription("Tasks settled as FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("taskmill.tasks.cancelled",
		metric.WithDescription("Tasks settled as CANCELLED"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskmill.task.duration",
		metric.WithDescription("Task attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("taskmill.task.retries",
		metric.WithDescription("Transient failures requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("taskmill.broker.dead_letters",
		metric.WithDescription("Messages failed past the redelivery ceiling"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("taskmill.lease.reclaims",
		metric.WithDescription("Expired leases reclaimed by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("taskmill.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("taskmill.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueInflight, err = meter.Int64UpDownCounter("taskmill.broker.inflight",
		metric.WithDescription("Deliveries handed out but not yet settled"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
