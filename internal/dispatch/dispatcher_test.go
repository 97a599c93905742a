package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tether/internal/agent"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/transport"
)

var testIdentity = protocol.Identity{AgentID: "agent-1", Name: "Test Agent", ContainerID: "c-1"}

type interestCall struct {
	MessageID string
	AgentID   string
	Name      string
	Score     float64
}

type resultCall struct {
	MessageID string
	AgentID   string
	Result    any
}

// fakeReporter records every submission in order.
type fakeReporter struct {
	calls     []string
	interests []interestCall
	results   []resultCall

	interestOutcome transport.Outcome
	resultOutcome   transport.Outcome
}

func (f *fakeReporter) SubmitInterest(_ context.Context, messageID, agentID, name string, score float64) transport.Outcome {
	f.calls = append(f.calls, "interest:"+messageID)
	f.interests = append(f.interests, interestCall{messageID, agentID, name, score})
	return f.interestOutcome
}

func (f *fakeReporter) SubmitResult(_ context.Context, messageID, agentID string, result any) transport.Outcome {
	f.calls = append(f.calls, "result:"+messageID)
	f.results = append(f.results, resultCall{messageID, agentID, result})
	return f.resultOutcome
}

// scriptedAgent scores from a per-id table and returns a fixed result.
type scriptedAgent struct {
	scores     map[string]float64
	threshold  float64
	result     any
	scoreErr   error
	processErr error
	panicOn    string
	processed  *[]string
}

func (a *scriptedAgent) CalculateInterest(_ context.Context, msg protocol.Message) (float64, error) {
	id, _ := msg.ID()
	if id == a.panicOn {
		panic("scorer exploded")
	}
	if a.scoreErr != nil {
		return 0, a.scoreErr
	}
	return a.scores[id], nil
}

func (a *scriptedAgent) Threshold() float64 { return a.threshold }

func (a *scriptedAgent) ProcessMessage(_ context.Context, msg protocol.Message) (any, error) {
	id, _ := msg.ID()
	if a.processed != nil {
		*a.processed = append(*a.processed, id)
	}
	if a.processErr != nil {
		return nil, a.processErr
	}
	return a.result, nil
}

type fakeSpool struct {
	added []resultCall
	err   error
}

func (s *fakeSpool) Add(_ context.Context, messageID, agentID string, result any, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.added = append(s.added, resultCall{messageID, agentID, result})
	return nil
}

func okOutcome() transport.Outcome { return transport.Outcome{Status: transport.StatusOK, Code: 200} }

func failedOutcome(code int) transport.Outcome {
	return transport.Outcome{Status: transport.StatusFailed, Code: code}
}

func newTestEngine(t *testing.T, a agent.Agent, rep *fakeReporter, opts ...Option) (*Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	newAgent := func() (agent.Agent, error) { return a, nil }
	return New(testIdentity, rep, newAgent, logger, opts...), &buf
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestDispatch_AboveThresholdProcessesAndSubmits(t *testing.T) {
	var processed []string
	a := &scriptedAgent{
		scores:    map[string]float64{"m1": 0.9},
		threshold: 0.5,
		result:    map[string]any{"summary": "ok"},
		processed: &processed,
	}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
	e, _ := newTestEngine(t, a, rep)

	d := e.Dispatch(context.Background(), raw(`{"id":"m1"}`))

	assert.Equal(t, Processed, d)
	assert.Equal(t, []string{"m1"}, processed)
	assert.Equal(t, []string{"interest:m1", "result:m1"}, rep.calls)
	assert.Equal(t, interestCall{"m1", "agent-1", "Test Agent", 0.9}, rep.interests[0])
	assert.Equal(t, map[string]any{"summary": "ok", "agent_id": "agent-1"}, rep.results[0].Result)
}

func TestDispatch_ScoreEqualToThresholdProcesses(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 0.5}, threshold: 0.5, result: "done"}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
	e, _ := newTestEngine(t, a, rep)

	assert.Equal(t, Processed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	assert.Equal(t, "done", rep.results[0].Result, "non-record results are submitted unchanged")
}

func TestDispatch_BelowThresholdSkips(t *testing.T) {
	var processed []string
	a := &scriptedAgent{scores: map[string]float64{"m2": 0.2}, threshold: 0.5, processed: &processed}
	rep := &fakeReporter{interestOutcome: okOutcome()}
	e, buf := newTestEngine(t, a, rep)

	d := e.Dispatch(context.Background(), raw(`{"id":"m2"}`))

	assert.Equal(t, Skipped, d)
	assert.Empty(t, processed)
	assert.Equal(t, []string{"interest:m2"}, rep.calls)
	assert.Contains(t, buf.String(), "skipping processing")
}

func TestDispatch_NaNScoreSkips(t *testing.T) {
	cases := map[string]struct {
		score     float64
		threshold float64
	}{
		"nan score":     {score: math.NaN(), threshold: 0.5},
		"nan threshold": {score: 0.1, threshold: math.NaN()},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var processed []string
			a := &scriptedAgent{
				scores:    map[string]float64{"m1": tc.score},
				threshold: tc.threshold,
				result:    "should not be submitted",
				processed: &processed,
			}
			rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
			e, _ := newTestEngine(t, a, rep)

			assert.Equal(t, Skipped, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
			assert.Empty(t, processed)
			assert.Empty(t, rep.results)
			assert.Equal(t, []string{"interest:m1"}, rep.calls)
		})
	}
}

func TestDispatch_ZeroResultIsSubmitted(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: 0}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
	e, _ := newTestEngine(t, a, rep)

	assert.Equal(t, Processed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	require.Len(t, rep.results, 1)
	assert.Equal(t, 0, rep.results[0].Result)
}

func TestDispatch_InterestFailureDoesNotBlockProcessing(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: map[string]any{"x": 1}}
	rep := &fakeReporter{interestOutcome: failedOutcome(http.StatusServiceUnavailable), resultOutcome: okOutcome()}
	e, buf := newTestEngine(t, a, rep)

	assert.Equal(t, Processed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	assert.Equal(t, []string{"interest:m1", "result:m1"}, rep.calls)
	assert.Contains(t, buf.String(), "failed to submit interest")
}

func TestDispatch_InterestSubmittedForZeroAndNegativeScores(t *testing.T) {
	for _, score := range []float64{0, -3.5} {
		a := &scriptedAgent{scores: map[string]float64{"m": score}, threshold: 0.5}
		rep := &fakeReporter{interestOutcome: okOutcome()}
		e, _ := newTestEngine(t, a, rep)

		e.Dispatch(context.Background(), raw(`{"id":"m"}`))
		require.Len(t, rep.interests, 1)
		assert.Equal(t, score, rep.interests[0].Score)
	}
}

func TestDispatch_EmptyResultsSubmitNothing(t *testing.T) {
	for name, result := range map[string]any{
		"nil":        nil,
		"empty map":  map[string]any{},
		"empty str":  "",
		"empty list": []any{},
		"false":      false,
		"nil ptr":    (*struct{})(nil),
	} {
		t.Run(name, func(t *testing.T) {
			a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: result}
			rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
			e, buf := newTestEngine(t, a, rep)

			assert.Equal(t, NoResult, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
			assert.Empty(t, rep.results)
			assert.Contains(t, buf.String(), "agent returned no result")
		})
	}
}

func TestDispatch_ExistingAgentIDIsKept(t *testing.T) {
	agentResult := map[string]any{"agent_id": "delegate-9", "v": 1}
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: agentResult}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
	e, _ := newTestEngine(t, a, rep)

	e.Dispatch(context.Background(), raw(`{"id":"m1"}`))

	require.Len(t, rep.results, 1)
	assert.Equal(t, map[string]any{"agent_id": "delegate-9", "v": 1}, rep.results[0].Result)
	assert.Equal(t, "agent-1", rep.results[0].AgentID)
}

func TestDispatch_InjectionDoesNotMutateAgentResult(t *testing.T) {
	agentResult := map[string]any{"v": 1}
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: agentResult}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: okOutcome()}
	e, _ := newTestEngine(t, a, rep)

	e.Dispatch(context.Background(), raw(`{"id":"m1"}`))

	assert.NotContains(t, agentResult, "agent_id")
	assert.Equal(t, "agent-1", rep.results[0].Result.(map[string]any)["agent_id"])
}

func TestDispatch_ResultSubmissionFailureIsLost(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: map[string]any{"v": 1}}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: failedOutcome(http.StatusInternalServerError)}
	e, buf := newTestEngine(t, a, rep)

	assert.Equal(t, ResultLost, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	assert.Contains(t, buf.String(), "failed to submit processing result")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestDispatch_ResultSubmissionFailureIsSpooled(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: map[string]any{"v": 1}}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: failedOutcome(http.StatusBadGateway)}
	sp := &fakeSpool{}
	e, _ := newTestEngine(t, a, rep, WithSpool(sp))

	assert.Equal(t, ResultSpooled, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	require.Len(t, sp.added, 1)
	assert.Equal(t, "m1", sp.added[0].MessageID)
	assert.Equal(t, map[string]any{"v": 1, "agent_id": "agent-1"}, sp.added[0].Result)
}

func TestDispatch_SpoolFailureFallsBackToLost(t *testing.T) {
	a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, result: "r"}
	rep := &fakeReporter{interestOutcome: okOutcome(), resultOutcome: failedOutcome(500)}
	e, buf := newTestEngine(t, a, rep, WithSpool(&fakeSpool{err: errors.New("disk full")}))

	assert.Equal(t, ResultLost, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
	assert.Contains(t, buf.String(), "failed to spool processing result")
}

func TestDispatch_DecodeFailuresLogUnknown(t *testing.T) {
	for name, body := range map[string]string{
		"missing id": `{"content":"no id here"}`,
		"not json":   `{{{`,
		"not object": `42`,
	} {
		t.Run(name, func(t *testing.T) {
			rep := &fakeReporter{}
			e, buf := newTestEngine(t, &scriptedAgent{}, rep)

			assert.Equal(t, Failed, e.Dispatch(context.Background(), raw(body)))
			assert.Empty(t, rep.calls)
			assert.Contains(t, buf.String(), `"message_id":"unknown"`)
			assert.Contains(t, buf.String(), `"level":"ERROR"`)
		})
	}
}

func TestDispatch_AgentErrorsAreContained(t *testing.T) {
	t.Run("score error", func(t *testing.T) {
		rep := &fakeReporter{}
		e, buf := newTestEngine(t, &scriptedAgent{scoreErr: errors.New("model offline")}, rep)

		assert.Equal(t, Failed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
		assert.Empty(t, rep.calls)
		assert.Contains(t, buf.String(), "model offline")
		assert.Contains(t, buf.String(), `"message_id":"m1"`)
	})

	t.Run("process error", func(t *testing.T) {
		rep := &fakeReporter{interestOutcome: okOutcome()}
		a := &scriptedAgent{scores: map[string]float64{"m1": 1}, threshold: 0.5, processErr: errors.New("bad input")}
		e, _ := newTestEngine(t, a, rep)

		assert.Equal(t, Failed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
		assert.Equal(t, []string{"interest:m1"}, rep.calls)
	})

	t.Run("panic", func(t *testing.T) {
		rep := &fakeReporter{}
		e, buf := newTestEngine(t, &scriptedAgent{panicOn: "m1"}, rep)

		assert.NotPanics(t, func() {
			assert.Equal(t, Failed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
		})
		assert.Contains(t, buf.String(), "scorer exploded")
		assert.Contains(t, buf.String(), `"message_id":"m1"`)
	})

	t.Run("factory error", func(t *testing.T) {
		rep := &fakeReporter{}
		logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
		e := New(testIdentity, rep, func() (agent.Agent, error) { return nil, errors.New("no model") }, logger)

		assert.Equal(t, Failed, e.Dispatch(context.Background(), raw(`{"id":"m1"}`)))
		assert.Empty(t, rep.calls)
	})
}

func TestDispatch_FreshAgentPerMessage(t *testing.T) {
	built := 0
	rep := &fakeReporter{interestOutcome: okOutcome()}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	e := New(testIdentity, rep, func() (agent.Agent, error) {
		built++
		return &scriptedAgent{threshold: 1}, nil
	}, logger)

	e.Dispatch(context.Background(), raw(`{"id":"a"}`))
	e.Dispatch(context.Background(), raw(`{"id":"b"}`))
	assert.Equal(t, 2, built)
}

func TestWithAgentID(t *testing.T) {
	assert.Equal(t, map[string]any{"agent_id": "a"}, withAgentID(map[string]any{}, "a"))
	assert.Equal(t, map[string]any{"k": "v", "agent_id": "a"}, withAgentID(protocol.Message{"k": "v"}, "a"))
	assert.Equal(t, []any{1}, withAgentID([]any{1}, "a"))
	assert.Equal(t, map[string]any{"agent_id": nil}, withAgentID(map[string]any{"agent_id": nil}, "a"))
}
