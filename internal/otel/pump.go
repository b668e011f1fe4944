package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/harborloop/taskmill/internal/bus"
)

// RunMetricsPump feeds the metric instruments from lifecycle events on the
// bus. Runs until ctx is done. Keeping metrics off the hot path means a
// stalled exporter can never slow a transition down.
func RunMetricsPump(ctx context.Context, events *bus.Bus, m *Metrics) {
	sub := events.Subscribe("")
	defer events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			record(ctx, m, ev)
		}
	}
}

func record(ctx context.Context, m *Metrics, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskStateChanged:
		sc, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			return
		}
		switch sc.ToState {
		case "PENDING":
			m.TasksSubmitted.Add(ctx, 1)
		case "SUCCEEDED":
			m.TasksSucceeded.Add(ctx, 1)
		case "FAILED":
			m.TasksFailed.Add(ctx, 1)
		case "CANCELLED":
			m.TasksCancelled.Add(ctx, 1)
		}
	case bus.TopicTaskRetrying:
		m.TaskRetries.Add(ctx, 1)
	case bus.TopicTaskDeadLetter:
		m.DeadLetters.Add(ctx, 1)
	case bus.TopicLeaseReclaimed:
		m.LeaseReclaims.Add(ctx, 1)
	case bus.TopicToolCall:
		tc, ok := ev.Payload.(bus.ToolCallEvent)
		if !ok {
			return
		}
		if tc.Status == "ERROR" || tc.Status == "TIMEOUT" {
			m.ToolCallErrors.Add(ctx, 1,
				metric.WithAttributes(AttrToolTarget.String(tc.Target)))
		}
	}
}
