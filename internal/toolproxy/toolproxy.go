// Package toolproxy is the single gate through which running tasks reach
// external capabilities. Every call is checked against the policy
// allow-list, recorded in the tool call ledger before dispatch, and bounded
// by a per-call timeout.
package toolproxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborloop/taskmill/internal/audit"
	"github.com/harborloop/taskmill/internal/bus"
	taskotel "github.com/harborloop/taskmill/internal/otel"
	"github.com/harborloop/taskmill/internal/store"
)

var (
	// ErrPolicyViolation means the target is not on the policy allow-list.
	ErrPolicyViolation = errors.New("target not allowed by policy")
	// ErrUnknownTarget means the target passed policy but no capability is
	// registered under that name.
	ErrUnknownTarget = errors.New("unknown capability target")
	// ErrCallTimeout means the capability did not answer within the
	// per-call deadline. Retryable from the caller's point of view.
	ErrCallTimeout = errors.New("tool call timed out")
)

// PolicyChecker answers whether a target may be called, and identifies the
// policy revision that answered.
type PolicyChecker interface {
	AllowTarget(target string) bool
	PolicyVersion() string
}

// Capability is one callable external integration.
type Capability struct {
	Name string
	Call func(ctx context.Context, request []byte) ([]byte, error)
}

// Gateway mediates tool calls on behalf of running tasks.
type Gateway struct {
	store   *store.Store
	policy  PolicyChecker
	events  *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration

	mu   sync.RWMutex
	caps map[string]Capability
}

// New builds a gateway. events may be nil.
func New(st *store.Store, policy PolicyChecker, events *bus.Bus, logger *slog.Logger, callTimeout time.Duration) *Gateway {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:   st,
		policy:  policy,
		events:  events,
		logger:  logger.With("component", "toolproxy"),
		tracer:  otel.Tracer(taskotel.TracerName),
		timeout: callTimeout,
		caps:    make(map[string]Capability),
	}
}

// Register installs a capability. Re-registering a name replaces it.
func (g *Gateway) Register(cap Capability) {
	g.mu.Lock()
	g.caps[cap.Name] = cap
	g.mu.Unlock()
}

// Targets lists registered capability names.
func (g *Gateway) Targets() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.caps))
	for name := range g.caps {
		out = append(out, name)
	}
	return out
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Invoke performs one mediated call for a task. The request is checked
// against policy, recorded, dispatched with a deadline, and the outcome
// written back to the ledger. Payloads are never stored; only digests.
func (g *Gateway) Invoke(ctx context.Context, taskID, target string, request []byte) ([]byte, error) {
	reqDigest := digest(request)

	if !g.policy.AllowTarget(target) {
		seq, recErr := g.store.RecordRejectedToolCall(ctx, taskID, target, reqDigest, "policy deny")
		if recErr != nil {
			g.logger.Error("record rejected tool call", "task_id", taskID, "target", target, "error", recErr)
		}
		audit.Record("deny", "tool_call:"+target, "not on allow-list", g.policy.PolicyVersion(), taskID)
		g.publish(taskID, target, seq, store.ToolCallRejected)
		return nil, fmt.Errorf("%w: %s", ErrPolicyViolation, target)
	}

	g.mu.RLock()
	cap, ok := g.caps[target]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	seq, err := g.store.BeginToolCall(ctx, taskID, target, reqDigest)
	if err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}
	audit.Record("allow", "tool_call:"+target, "", g.policy.PolicyVersion(), taskID)
	g.publish(taskID, target, seq, store.ToolCallDispatched)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	callCtx, span := taskotel.StartClientSpan(callCtx, g.tracer, "toolproxy.call",
		taskotel.AttrToolTarget.String(target),
		taskotel.AttrTaskID.String(taskID))
	start := time.Now()
	response, callErr := cap.Call(callCtx, request)
	elapsed := time.Since(start)
	if callErr != nil {
		span.RecordError(callErr)
	}
	span.End()

	switch {
	case callErr == nil:
		if err := g.store.FinishToolCall(ctx, taskID, seq, store.ToolCallOK, digest(response), ""); err != nil {
			g.logger.Error("finish tool call", "task_id", taskID, "seq", seq, "error", err)
		}
		g.publish(taskID, target, seq, store.ToolCallOK)
		g.logger.Debug("tool call ok", "task_id", taskID, "target", target, "seq", seq, "elapsed_ms", elapsed.Milliseconds())
		return response, nil

	case errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil:
		if err := g.store.FinishToolCall(ctx, taskID, seq, store.ToolCallTimeout, "", callErr.Error()); err != nil {
			g.logger.Error("finish tool call", "task_id", taskID, "seq", seq, "error", err)
		}
		g.publish(taskID, target, seq, store.ToolCallTimeout)
		g.logger.Warn("tool call timeout", "task_id", taskID, "target", target, "seq", seq, "timeout", g.timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, target, g.timeout)

	default:
		if err := g.store.FinishToolCall(ctx, taskID, seq, store.ToolCallError, "", callErr.Error()); err != nil {
			g.logger.Error("finish tool call", "task_id", taskID, "seq", seq, "error", err)
		}
		g.publish(taskID, target, seq, store.ToolCallError)
		return nil, fmt.Errorf("tool call %s failed: %w", target, callErr)
	}
}

func (g *Gateway) publish(taskID, target string, seq int64, status string) {
	if g.events == nil {
		return
	}
	g.events.Publish(bus.TopicToolCall, bus.ToolCallEvent{
		TaskID:   taskID,
		Target:   target,
		Sequence: seq,
		Status:   status,
	})
}
