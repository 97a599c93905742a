package subscribe

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/transport"
)

// Subscriber is the transport call the manager needs.
type Subscriber interface {
	Subscribe(ctx context.Context, id protocol.Identity, events []string, callbackURL string) transport.Outcome
}

// Manager opportunistically switches delivery to push. Polling continues
// regardless; Active is informational.
type Manager struct {
	client      Subscriber
	identity    protocol.Identity
	callbackURL string
	events      []string
	active      atomic.Bool
	logger      *slog.Logger
}

// New creates a Manager subscribing identity to message.new events at callbackURL.
func New(client Subscriber, identity protocol.Identity, callbackURL string, logger *slog.Logger) *Manager {
	return &Manager{
		client:      client,
		identity:    identity,
		callbackURL: callbackURL,
		events:      []string{protocol.EventMessageNew},
		logger:      logger.With("component", "subscribe"),
	}
}

// Attempt tries to subscribe once and reports whether push mode was acknowledged.
// A 404 is the normal state while the coordination service lacks push support:
// it is logged at debug and clears the active flag.
func (m *Manager) Attempt(ctx context.Context) bool {
	out := m.client.Subscribe(ctx, m.identity, m.events, m.callbackURL)

	switch out.Status {
	case transport.StatusOK:
		if !m.active.Swap(true) {
			m.logger.Info("subscribed to events", "events", m.events, "callback_url", m.callbackURL)
		} else {
			m.logger.Debug("subscription renewed")
		}
		return true
	case transport.StatusNotImplemented:
		m.active.Store(false)
		m.logger.Debug("event subscription not implemented yet, using polling mode")
		return false
	default:
		if ctx.Err() != nil {
			// Shutting down; not a subscription failure.
			return false
		}
		m.logger.Warn("failed to subscribe to events", "detail", out.Detail())
		return false
	}
}

// Active reports whether the last acknowledged subscription is still considered live.
func (m *Manager) Active() bool {
	return m.active.Load()
}

// CallbackURL returns the URL advertised to the coordination service.
func (m *Manager) CallbackURL() string {
	return m.callbackURL
}
