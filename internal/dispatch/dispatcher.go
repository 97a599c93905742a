package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"reflect"

	"github.com/mattjoyce/tether/internal/agent"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/transport"
)

// Reporter submits interest and results to the coordination service.
type Reporter interface {
	SubmitInterest(ctx context.Context, messageID, agentID, name string, score float64) transport.Outcome
	SubmitResult(ctx context.Context, messageID, agentID string, result any) transport.Outcome
}

// Spooler keeps results whose submission failed so they can be retried later.
type Spooler interface {
	Add(ctx context.Context, messageID, agentID string, result any, lastError string) error
}

// Disposition is how a single dispatch ended.
type Disposition string

const (
	// Processed means the agent produced a result and core accepted it.
	Processed Disposition = "processed"
	// Skipped means the interest score did not reach the agent's threshold.
	Skipped Disposition = "skipped"
	// NoResult means the agent processed the message but had nothing to report.
	NoResult Disposition = "no_result"
	// ResultLost means result submission failed and the result could not be spooled.
	ResultLost Disposition = "result_lost"
	// ResultSpooled means result submission failed and the result was kept for retry.
	ResultSpooled Disposition = "result_spooled"
	// Failed means the message could not be decoded or the agent returned an error.
	Failed Disposition = "failed"
)

// Option configures an Engine.
type Option func(*Engine)

// WithSpool keeps failed result submissions in s instead of dropping them.
func WithSpool(s Spooler) Option {
	return func(e *Engine) {
		e.spool = s
	}
}

// Engine dispatches messages one at a time. It holds no per-message state.
type Engine struct {
	identity protocol.Identity
	reporter Reporter
	newAgent func() (agent.Agent, error)
	spool    Spooler
	logger   *slog.Logger
}

// New creates an Engine. newAgent is called once per dispatched message.
func New(identity protocol.Identity, reporter Reporter, newAgent func() (agent.Agent, error), logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		identity: identity,
		reporter: reporter,
		newAgent: newAgent,
		logger:   logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs the handshake for one raw message record.
// It never panics and never returns an error.
func (e *Engine) Dispatch(ctx context.Context, raw json.RawMessage) (d Disposition) {
	messageID := protocol.UnknownID
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error processing message", "message_id", messageID, "error", fmt.Sprintf("panic: %v", r))
			d = Failed
		}
	}()

	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		e.logger.Error("error processing message", "message_id", msg.IDOrUnknown(), "error", err)
		return Failed
	}
	messageID, _ = msg.ID()

	d, err = e.dispatch(ctx, messageID, msg)
	if err != nil {
		e.logger.Error("error processing message", "message_id", messageID, "error", err)
		return Failed
	}
	return d
}

func (e *Engine) dispatch(ctx context.Context, messageID string, msg protocol.Message) (Disposition, error) {
	a, err := e.newAgent()
	if err != nil {
		return Failed, fmt.Errorf("create agent: %w", err)
	}

	score, err := a.CalculateInterest(ctx, msg)
	if err != nil {
		return Failed, fmt.Errorf("calculate interest: %w", err)
	}
	threshold := a.Threshold()
	e.logger.Info("interest score calculated", "message_id", messageID, "score", score)

	// Interest is a vote, not a gate: submitted for every score and
	// a failure here does not stop processing.
	if out := e.reporter.SubmitInterest(ctx, messageID, e.identity.AgentID, e.identity.Name, score); !out.OK() {
		e.logger.Warn("failed to submit interest", "message_id", messageID, "detail", out.Detail())
	}

	// Written so that a NaN score or threshold skips rather than processes.
	if !(score >= threshold) {
		e.logger.Info("interest score below threshold, skipping processing",
			"message_id", messageID, "score", score, "threshold", threshold)
		return Skipped, nil
	}

	result, err := a.ProcessMessage(ctx, msg)
	if err != nil {
		return Failed, fmt.Errorf("process message: %w", err)
	}
	if isEmpty(result) {
		e.logger.Info("agent returned no result", "message_id", messageID)
		return NoResult, nil
	}

	result = withAgentID(result, e.identity.AgentID)

	out := e.reporter.SubmitResult(ctx, messageID, e.identity.AgentID, result)
	if out.OK() {
		e.logger.Info("message processed", "message_id", messageID)
		return Processed, nil
	}

	e.logger.Warn("failed to submit processing result", "message_id", messageID, "detail", out.Detail())
	if e.spool == nil {
		return ResultLost, nil
	}
	if err := e.spool.Add(ctx, messageID, e.identity.AgentID, result, out.Detail()); err != nil {
		e.logger.Error("failed to spool processing result", "message_id", messageID, "error", err)
		return ResultLost, nil
	}
	e.logger.Info("processing result spooled for retry", "message_id", messageID)
	return ResultSpooled, nil
}

// withAgentID returns result with agent_id set if it is a record that lacks one.
// The agent's map is copied, never mutated; an existing agent_id is kept as is.
func withAgentID(result any, agentID string) any {
	var rec map[string]any
	switch v := result.(type) {
	case map[string]any:
		rec = v
	case protocol.Message:
		rec = v
	default:
		return result
	}
	if _, ok := rec["agent_id"]; ok {
		return result
	}
	out := maps.Clone(rec)
	out["agent_id"] = agentID
	return out
}

// isEmpty reports whether an agent result means "nothing to report":
// nil, a nil pointer, false, or an empty string, map or slice.
// Numeric results, zero included, always count as a real result.
func isEmpty(result any) bool {
	if result == nil {
		return true
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	default:
		return false
	}
}
