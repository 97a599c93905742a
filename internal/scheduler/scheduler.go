package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/protocol"
)

// Option configures a Loop.
type Option func(*Loop)

// WithInbox dispatches messages received on inbox while the loop sleeps.
func WithInbox(inbox <-chan json.RawMessage) Option {
	return func(l *Loop) {
		l.inbox = inbox
	}
}

// WithSpool flushes up to batch spooled results at the start of each cycle.
func WithSpool(f Flusher, batch int) Option {
	return func(l *Loop) {
		l.spool = f
		l.spoolBatch = batch
	}
}

// Loop is the agent's control loop: register once, then
// fetch, dispatch, subscribe and sleep until the context is cancelled.
// Everything runs on the caller's goroutine.
type Loop struct {
	identity   protocol.Identity
	interval   time.Duration
	transport  Transport
	dispatcher Dispatcher
	subscriber Subscriber
	inbox      <-chan json.RawMessage
	spool      Flusher
	spoolBatch int
	logger     *slog.Logger
}

// New creates a Loop that polls every interval.
func New(identity protocol.Identity, interval time.Duration, t Transport, d Dispatcher, s Subscriber, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		identity:   identity,
		interval:   interval,
		transport:  t,
		dispatcher: d,
		subscriber: s,
		logger:     logger.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until ctx is cancelled. An interrupt is a clean stop: Run
// returns nil. A message already being dispatched is finished first.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent starting",
		"agent_id", l.identity.AgentID,
		"name", l.identity.Name,
		"container_id", l.identity.ContainerID,
		"poll_interval", l.interval.String())

	l.register(ctx)

	for ctx.Err() == nil {
		l.cycle(ctx)
		if !l.sleep(ctx) {
			break
		}
	}

	l.logger.Info("agent stopping", "agent_id", l.identity.AgentID)
	return nil
}

func (l *Loop) register(ctx context.Context) {
	out := l.transport.Register(ctx, l.identity)
	if out.OK() {
		l.logger.Info("registered with coordination service", "agent_id", l.identity.AgentID)
		return
	}
	l.logger.Warn("registration failed, continuing without registration", "detail", out.Detail())
}

func (l *Loop) cycle(ctx context.Context) {
	l.flushSpool(ctx)

	batch, out := l.transport.FetchPending(ctx, l.identity.AgentID)
	if !out.OK() {
		if ctx.Err() != nil {
			return
		}
		l.logger.Error("failed to fetch pending messages", "detail", out.Detail())
	} else {
		if len(batch) > 0 {
			l.logger.Info("fetched pending messages", "count", len(batch))
		}
		for _, raw := range batch {
			if ctx.Err() != nil {
				return
			}
			l.dispatch(ctx, raw, "poll")
		}
	}

	if ctx.Err() != nil {
		return
	}
	l.subscriber.Attempt(ctx)
}

// dispatch shields the handshake from cancellation so an interrupt never
// leaves a message half-reported.
func (l *Loop) dispatch(ctx context.Context, raw json.RawMessage, source string) dispatch.Disposition {
	d := l.dispatcher.Dispatch(context.WithoutCancel(ctx), raw)
	l.logger.Debug("message dispatched", "source", source, "disposition", string(d))
	return d
}

func (l *Loop) flushSpool(ctx context.Context) {
	if l.spool == nil {
		return
	}
	stats, err := l.spool.Flush(ctx, l.transport, l.spoolBatch)
	if err != nil {
		l.logger.Error("failed to flush result spool", "error", err)
		return
	}
	if stats.Sent+stats.Failed+stats.Dropped > 0 {
		l.logger.Info("result spool flushed", "sent", stats.Sent, "failed", stats.Failed, "dropped", stats.Dropped)
	}
}

// sleep waits one interval, dispatching pushed messages as they arrive.
// It reports false when ctx was cancelled.
func (l *Loop) sleep(ctx context.Context) bool {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case raw, ok := <-l.inbox:
			if !ok {
				l.inbox = nil
				continue
			}
			l.dispatch(ctx, raw, "push")
		}
	}
}
