package sync

import (
	"context"

	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

// Transport carries one envelope to the server and returns its answer.
// Implementations must not retry on their own; the next exchange
// retransmits whatever was not acknowledged.
type Transport interface {
	Exchange(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)
}

// Syncer runs one complete sync from a desktop node.
// This interface allows the scheduler to be tested without a database.
type Syncer interface {
	RunOnce(ctx context.Context) (*Result, error)
}

// Exchanger answers exchange requests on the server.
type Exchanger interface {
	// Exchange authenticates the sender by token, applies its packet and
	// returns the response envelope.
	Exchange(ctx context.Context, token string, env *protocol.Envelope) (*protocol.Envelope, error)
}

// Porter moves envelopes through files instead of a live connection.
type Porter interface {
	Outbound(ctx context.Context, peerID string) (*protocol.Envelope, *packet.Outbound, error)
	ApplyInbound(ctx context.Context, env *protocol.Envelope) (*Received, error)
}

var (
	_ Syncer    = (*Engine)(nil)
	_ Exchanger = (*Engine)(nil)
	_ Porter    = (*Engine)(nil)
)
