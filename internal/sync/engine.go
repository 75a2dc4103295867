// Package sync orchestrates exchanges between nodes: it acknowledges, applies
// and answers packets on the server and drives the same protocol from a
// desktop node.
package sync

import (
	"context"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/conflict"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
	"github.com/fieldledger/fieldledger/backend/internal/sync/serializer"
	"github.com/fieldledger/fieldledger/backend/internal/sync/tracker"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// DefaultMaxRounds bounds how many exchanges one desktop sync runs while
// either side still reports more work.
const DefaultMaxRounds = 10

// Config wires an Engine.
type Config struct {
	DB          *db.DB
	Store       *db.EntityStore
	Serializer  *serializer.Serializer
	Tracker     *tracker.Tracker
	Resolver    *conflict.Resolver
	Packets     *packet.Manager
	Nodes       *nodes.Registry
	LocalNodeID string

	// Transport and MaxRounds are only used by desktop nodes.
	Transport Transport
	MaxRounds int
}

// Engine runs the exchange protocol for one node.
type Engine struct {
	db          *db.DB
	store       *db.EntityStore
	ser         *serializer.Serializer
	tracker     *tracker.Tracker
	resolver    *conflict.Resolver
	packets     *packet.Manager
	nodes       *nodes.Registry
	localNodeID string
	transport   Transport
	maxRounds   int
	now         func() time.Time
	onApplied   func([]AppliedEntity)
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Engine{
		db:          cfg.DB,
		store:       cfg.Store,
		ser:         cfg.Serializer,
		tracker:     cfg.Tracker,
		resolver:    cfg.Resolver,
		packets:     cfg.Packets,
		nodes:       cfg.Nodes,
		localNodeID: cfg.LocalNodeID,
		transport:   cfg.Transport,
		maxRounds:   cfg.MaxRounds,
		now:         time.Now,
	}
}

// LocalNodeID returns the id of the node this engine runs on.
func (e *Engine) LocalNodeID() string {
	return e.localNodeID
}

// OnApplied registers a callback fired after inbound entities are committed.
func (e *Engine) OnApplied(fn func([]AppliedEntity)) {
	e.onApplied = fn
}

// AppliedEntity is one inbound entity written to the local store.
type AppliedEntity struct {
	Type      string           `json:"type"`
	UUID      string           `json:"uuid"`
	Operation models.Operation `json:"operation"`
}

// Received summarizes the inbound half of an exchange.
type Received struct {
	PacketNo     int64                `json:"packet_no"`
	Acknowledged bool                 `json:"acknowledged"`
	Replay       bool                 `json:"replay"`
	Applied      int                  `json:"applied"`
	Skipped      int                  `json:"skipped"`
	Conflicts    int                  `json:"conflicts"`
	Rejected     []protocol.Rejection `json:"rejected,omitempty"`
	Entities     []AppliedEntity      `json:"-"`
}

// Exchange handles one exchange request from a desktop node: schema gate,
// authentication, then under the node's lock one transaction that
// acknowledges, applies and answers.
func (e *Engine) Exchange(ctx context.Context, token string, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "empty envelope")
	}
	h := env.Header
	if err := e.nodes.CheckSchema(h.SchemaVersion); err != nil {
		logging.Warn("exchange rejected: schema version", map[string]interface{}{
			"node_id":        h.SenderNodeID,
			"schema_version": h.SchemaVersion,
		})
		return nil, err
	}
	peer, err := e.nodes.Authenticate(ctx, h.SenderNodeID, token)
	if err != nil {
		return nil, err
	}
	if h.RecipientNodeID != "" && h.RecipientNodeID != e.localNodeID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "envelope is addressed to %s", h.RecipientNodeID)
	}
	peerID := string(peer.ID)

	unlock := e.nodes.Locker().Lock(peerID)
	defer unlock()

	var (
		resp *protocol.Envelope
		rec  *Received
	)
	err = e.inTx(ctx, peerID, func(repo *db.Repository, node *models.SyncNode) error {
		if node.SchemaVersion != h.SchemaVersion {
			if err := repo.SetNodeSchemaVersion(ctx, peerID, h.SchemaVersion); err != nil {
				return err
			}
		}
		var err error
		if rec, err = e.receive(ctx, repo, peerID, env); err != nil {
			return err
		}
		if resp, _, err = e.outbound(ctx, repo, peerID); err != nil {
			return err
		}
		resp.Header.Rejected = rec.Rejected
		return repo.TouchOutbound(ctx, peerID, e.now())
	}, env)
	if err != nil {
		return nil, err
	}

	e.notify(rec)
	logging.Info("exchange completed", map[string]interface{}{
		"node_id":      peerID,
		"received":     rec.PacketNo,
		"replay":       rec.Replay,
		"applied":      rec.Applied,
		"conflicts":    rec.Conflicts,
		"rejected":     len(rec.Rejected),
		"sent":         resp.Header.PacketNo,
		"ack_received": h.AckPacketNo,
	})
	return resp, nil
}

// ApplyInbound applies an envelope that arrived out of band, e.g. from an
// export file. The sender must be a known, active node.
func (e *Engine) ApplyInbound(ctx context.Context, env *protocol.Envelope) (*Received, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "empty envelope")
	}
	if err := e.nodes.CheckSchema(env.Header.SchemaVersion); err != nil {
		return nil, err
	}
	peerID := env.Header.SenderNodeID
	if env.Header.RecipientNodeID != e.localNodeID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "envelope is addressed to %s", env.Header.RecipientNodeID)
	}
	peer, err := e.nodes.Get(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if !peer.IsActive {
		return nil, apperrors.Newf(apperrors.ErrNodeInactive, "node %s is deactivated", peer.Code)
	}

	unlock := e.nodes.Locker().Lock(peerID)
	defer unlock()

	var rec *Received
	err = e.inTx(ctx, peerID, func(repo *db.Repository, _ *models.SyncNode) error {
		var err error
		rec, err = e.receive(ctx, repo, peerID, env)
		return err
	}, env)
	if err != nil {
		return nil, err
	}
	e.notify(rec)
	return rec, nil
}

// Outbound builds (or reloads) the envelope for a peer and records it as
// sent. It is the out of band counterpart of the response half of Exchange.
func (e *Engine) Outbound(ctx context.Context, peerID string) (*protocol.Envelope, *packet.Outbound, error) {
	unlock := e.nodes.Locker().Lock(peerID)
	defer unlock()
	return e.prepare(ctx, peerID, true)
}

// prepare builds the outbound envelope in its own transaction. With touch the
// peer's last outbound time is recorded as well; a desktop records it only
// once the server has answered.
func (e *Engine) prepare(ctx context.Context, peerID string, touch bool) (*protocol.Envelope, *packet.Outbound, error) {
	var (
		env *protocol.Envelope
		out *packet.Outbound
	)
	err := e.inTx(ctx, peerID, func(repo *db.Repository, _ *models.SyncNode) error {
		var err error
		if env, out, err = e.outbound(ctx, repo, peerID); err != nil {
			return err
		}
		if touch {
			return repo.TouchOutbound(ctx, peerID, e.now())
		}
		return nil
	}, nil)
	return env, out, err
}

// inTx runs fn in one transaction under the database lock for peerID. A
// blocked peer is refused. If env is set it is verified first. A queue
// corruption blocks the peer after the transaction was rolled back.
func (e *Engine) inTx(ctx context.Context, peerID string, fn func(*db.Repository, *models.SyncNode) error, env *protocol.Envelope) error {
	blocked := false
	err := e.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := db.LockNode(ctx, tx, peerID); err != nil {
			return err
		}
		repo := db.NewRepository(tx)
		node, err := repo.GetNode(ctx, peerID)
		if err != nil {
			return err
		}
		if node.IsBlocked {
			blocked = true
			return apperrors.Newf(apperrors.ErrQueueCorruption, "node %s is blocked: %s", node.Code, node.BlockedReason)
		}
		if env != nil {
			if err := env.Verify(); err != nil {
				return err
			}
		}
		return fn(repo, node)
	})
	if err != nil && !blocked && apperrors.Is(err, apperrors.ErrQueueCorruption) {
		e.block(ctx, peerID, err)
	}
	return err
}

// block persists the blocked flag in its own transaction so it survives the
// rollback of the failed exchange.
func (e *Engine) block(ctx context.Context, peerID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	logging.ErrorWithCode("queue corruption, blocking node", string(apperrors.ErrQueueCorruption), cause, map[string]interface{}{
		"node_id": peerID,
	})
	if err := db.NewRepository(e.db).BlockNode(ctx, peerID, cause.Error()); err != nil {
		logging.Error("failed to block node", err, map[string]interface{}{"node_id": peerID})
	}
}

// outbound assembles the envelope for peerID: the acknowledgement of what we
// received plus our pending packet, if any.
func (e *Engine) outbound(ctx context.Context, repo *db.Repository, peerID string) (*protocol.Envelope, *packet.Outbound, error) {
	node, err := repo.GetNode(ctx, peerID)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	env := &protocol.Envelope{Header: protocol.Header{
		SenderNodeID:    e.localNodeID,
		RecipientNodeID: peerID,
		AckPacketNo:     node.LastReceivedPacket,
		SchemaVersion:   e.nodes.SchemaVersion(),
		Timestamp:       now.UTC(),
	}}
	out, err := e.packets.Build(ctx, repo, peerID)
	if err != nil {
		return nil, nil, err
	}
	if out != nil {
		out.Stamp(env)
	}
	if err := e.packets.MarkSent(ctx, repo, peerID, env.Header.PacketNo, now); err != nil {
		return nil, nil, err
	}
	return env, out, nil
}

// receive processes the acknowledgement and the packet of an inbound
// envelope. Packets at or below the last received number are replays and
// are only acknowledged; a packet beyond the next expected number means
// packets were lost and is a queue corruption.
func (e *Engine) receive(ctx context.Context, repo *db.Repository, peerID string, env *protocol.Envelope) (*Received, error) {
	h := env.Header
	rec := &Received{PacketNo: h.PacketNo}

	acked, err := e.packets.Acknowledge(ctx, repo, peerID, h.AckPacketNo)
	if err != nil {
		return nil, err
	}
	rec.Acknowledged = acked

	now := e.now()
	if h.PacketNo == 0 {
		return rec, repo.TouchInbound(ctx, peerID, now)
	}

	node, err := repo.GetNode(ctx, peerID)
	if err != nil {
		return nil, err
	}
	switch {
	case h.PacketNo <= node.LastReceivedPacket:
		rec.Replay = true
		logging.Info("replayed packet skipped", map[string]interface{}{
			"node_id":       peerID,
			"packet_no":     h.PacketNo,
			"last_received": node.LastReceivedPacket,
		})
		return rec, repo.TouchInbound(ctx, peerID, now)
	case h.PacketNo > node.LastReceivedPacket+1:
		return nil, apperrors.Newf(apperrors.ErrQueueCorruption,
			"packet gap from %s: expected %d, got %d", node.Code, node.LastReceivedPacket+1, h.PacketNo)
	}

	entities, err := env.Entities()
	if err != nil {
		return nil, err
	}
	for _, ent := range entities {
		if err := e.applyEntity(ctx, repo, peerID, h.PacketNo, ent, rec); err != nil {
			return nil, err
		}
	}
	if err := repo.MarkReceived(ctx, peerID, h.PacketNo, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyEntity writes one inbound entity. An entity that cannot be decoded is
// rejected on its own and archived; the rest of the packet still applies.
// Storage failures abort the whole exchange.
func (e *Engine) applyEntity(ctx context.Context, repo *db.Repository, source string, packetNo int64, ent protocol.Entity, rec *Received) error {
	done, err := repo.IsProcessed(ctx, source, packetNo, ent.UUID, ent.Operation)
	if err != nil {
		return err
	}
	if done {
		rec.Skipped++
		return nil
	}

	entity, doc, err := e.decode(ent)
	if err != nil {
		if rejectable(err) {
			return e.reject(ctx, repo, source, packetNo, ent, err, rec)
		}
		return err
	}

	// Without a conflict the entity is written here; a conflict leaves the
	// write to the resolver.
	apply := true
	c, err := e.resolver.Detect(ctx, repo, ent.Type, ent.UUID, source, doc)
	if err != nil {
		return err
	}
	if c != nil {
		c.Entity = entity
		res, err := e.resolver.Resolve(ctx, repo, c)
		if err != nil {
			return err
		}
		rec.Conflicts++
		apply = res.Outcome == conflict.TakeIncoming
	} else if err := e.store.Upsert(ctx, repo.Conn(), entity); err != nil {
		return err
	}

	if apply {
		if _, err := e.tracker.RegisterChange(ctx, repo, ent.Type, ent.UUID, ent.Operation, source); err != nil {
			return err
		}
		rec.Applied++
		rec.Entities = append(rec.Entities, AppliedEntity{Type: ent.Type, UUID: ent.UUID, Operation: ent.Operation})
	}

	return repo.MarkProcessed(ctx, &models.ProcessedChange{
		SourceNodeID: models.UUID(source),
		PacketNo:     packetNo,
		EntityUUID:   ent.UUID,
		Operation:    ent.Operation,
		AppliedAt:    e.now().UnixNano(),
	})
}

func (e *Engine) decode(ent protocol.Entity) (models.Synchronizable, serializer.Document, error) {
	if !ent.Operation.Valid() {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", ent.Operation)
	}
	d, err := e.ser.Registry().Lookup(ent.Type)
	if err != nil {
		return nil, nil, err
	}
	if d.Child {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "%s cannot be sent on its own", ent.Type)
	}
	if err := uuid.Validate(ent.UUID); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "entity uuid", err)
	}
	doc, err := serializer.Parse(ent.Data)
	if err != nil {
		return nil, nil, err
	}
	entity, err := e.ser.Deserialize(ent.Type, doc)
	if err != nil {
		return nil, nil, err
	}
	if entity.Meta().UUID != ent.UUID {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "data uuid %s does not match %s", entity.Meta().UUID, ent.UUID)
	}
	return entity, doc, nil
}

func rejectable(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrSerialization, apperrors.ErrSchemaMismatch, apperrors.ErrUnknownEntityType:
		return true
	}
	return false
}

func (e *Engine) reject(ctx context.Context, repo *db.Repository, source string, packetNo int64, ent protocol.Entity, cause error, rec *Received) error {
	payload := string(ent.Data)
	if payload == "" {
		payload = "null"
	}
	now := e.now().UnixNano()
	err := repo.InsertHistory(ctx, &models.ObjectVersionHistory{
		EntityUUID:   ent.UUID,
		EntityType:   ent.Type,
		SourceNodeID: models.UUID(source),
		ArrivedAt:    now,
		Payload:      payload,
		Kind:         models.HistoryRejected,
		Resolution:   "rejected: " + cause.Error(),
		CreatedAt:    now,
	})
	if err != nil {
		return err
	}
	rec.Rejected = append(rec.Rejected, protocol.Rejection{
		PacketNo:   packetNo,
		EntityType: ent.Type,
		EntityUUID: ent.UUID,
		Reason:     cause.Error(),
	})
	logging.Warn("inbound entity rejected", map[string]interface{}{
		"node_id":     source,
		"packet_no":   packetNo,
		"entity_type": ent.Type,
		"entity_uuid": ent.UUID,
		"code":        string(apperrors.CodeOf(cause)),
	})
	return nil
}

func (e *Engine) notify(rec *Received) {
	if e.onApplied != nil && rec != nil && len(rec.Entities) > 0 {
		e.onApplied(rec.Entities)
	}
}
