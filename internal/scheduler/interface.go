package scheduler

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/transport"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/tether/internal/scheduler Transport,Dispatcher,Subscriber,Flusher

// Transport is the slice of the coordination service client the loop drives.
type Transport interface {
	Register(ctx context.Context, id protocol.Identity) transport.Outcome
	FetchPending(ctx context.Context, agentID string) ([]json.RawMessage, transport.Outcome)
	SubmitResult(ctx context.Context, messageID, agentID string, result any) transport.Outcome
}

// Dispatcher handles one raw message. It must not panic.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw json.RawMessage) dispatch.Disposition
}

// Subscriber makes one push subscription attempt per cycle.
type Subscriber interface {
	Attempt(ctx context.Context) bool
}

// Flusher resubmits spooled results.
type Flusher interface {
	Flush(ctx context.Context, sender spool.Sender, batch int) (spool.FlushStats, error)
}
