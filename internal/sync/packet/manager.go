// Package packet bundles pending change records into numbered, checksummed
// packets and tracks them until the receiving node acknowledges them.
package packet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
	"github.com/fieldledger/fieldledger/backend/internal/sync/serializer"
)

// Config bounds packet size.
type Config struct {
	MaxChanges int
	MaxBytes   int
	AckTimeout time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{MaxChanges: 500, MaxBytes: 4 << 20, AckTimeout: 2 * time.Minute}
}

// entityOverhead approximates the JSON framing around one entity's data.
const entityOverhead = 128

// Outbound is a packet ready to be placed in an envelope.
type Outbound struct {
	NodeID      string
	PacketNo    int64
	Body        json.RawMessage
	Checksum    string
	ChangeCount int
	More        bool
	Retransmit  bool
}

// Stamp copies the packet fields into an envelope header.
func (o *Outbound) Stamp(env *protocol.Envelope) {
	env.Header.PacketNo = o.PacketNo
	env.Header.Checksum = o.Checksum
	env.Header.More = o.More
	env.Body = o.Body
}

// Manager builds, retransmits and acknowledges packets. Every method takes a
// repository bound to the caller's transaction, and callers hold the per-node
// lock so that packet numbers are allocated by one writer at a time.
type Manager struct {
	ser   *serializer.Serializer
	store *db.EntityStore
	cfg   Config
	now   func() time.Time
}

// NewManager creates a Manager. Zero limits fall back to DefaultConfig.
func NewManager(ser *serializer.Serializer, store *db.EntityStore, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxChanges <= 0 {
		cfg.MaxChanges = def.MaxChanges
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	return &Manager{ser: ser, store: store, cfg: cfg, now: time.Now}
}

// Config returns the effective limits.
func (m *Manager) Config() Config {
	return m.cfg
}

// Build returns the packet to send to nodeID. An unacknowledged stored packet
// is returned verbatim; otherwise a new packet is built from unsent changes.
// It returns nil when there is nothing to send.
func (m *Manager) Build(ctx context.Context, repo *db.Repository, nodeID string) (*Outbound, error) {
	node, err := repo.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.IsBlocked {
		return nil, apperrors.Newf(apperrors.ErrQueueCorruption, "node %s is blocked: %s", node.Code, node.BlockedReason)
	}

	stored, err := repo.OldestPacket(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return m.reload(ctx, repo, stored)
	}
	return m.build(ctx, repo, nodeID)
}

func (m *Manager) reload(ctx context.Context, repo *db.Repository, p *models.SyncPacket) (*Outbound, error) {
	nodeID := string(p.NodeID)
	body, err := protocol.Decompress(p.Body, 0)
	if err != nil {
		return nil, m.corrupt(ctx, repo, nodeID, fmt.Sprintf("stored packet %d is unreadable: %v", p.PacketNo, err))
	}
	if protocol.BodyChecksum(body) != p.Checksum {
		return nil, m.corrupt(ctx, repo, nodeID, fmt.Sprintf("stored packet %d checksum mismatch", p.PacketNo))
	}
	logging.Debug("retransmitting packet", map[string]interface{}{
		"node_id":   nodeID,
		"packet_no": p.PacketNo,
		"attempts":  p.Attempts,
	})
	return &Outbound{
		NodeID:      nodeID,
		PacketNo:    p.PacketNo,
		Body:        body,
		Checksum:    p.Checksum,
		ChangeCount: p.ChangeCount,
		More:        p.More,
		Retransmit:  true,
	}, nil
}

// group collects the pending changes of one entity.
type group struct {
	entityType string
	entityUUID string
	first      models.Operation
	last       models.Operation
	ids        []int64
}

// operation folds a sequence of changes into the one the peer must apply.
func (g *group) operation() models.Operation {
	switch {
	case g.last == models.OpDelete:
		return models.OpDelete
	case g.first == models.OpInsert:
		return models.OpInsert
	default:
		return models.OpUpdate
	}
}

func (m *Manager) build(ctx context.Context, repo *db.Repository, nodeID string) (*Outbound, error) {
	changes, err := repo.UnsentChanges(ctx, nodeID, m.cfg.MaxChanges)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	var order []*group
	byUUID := make(map[string]*group)
	for _, c := range changes {
		g, ok := byUUID[c.EntityUUID]
		if !ok {
			g = &group{entityType: c.EntityType, entityUUID: c.EntityUUID, first: c.Operation}
			byUUID[c.EntityUUID] = g
			order = append(order, g)
		}
		g.last = c.Operation
		g.ids = append(g.ids, c.ID)
	}

	var (
		entities []protocol.Entity
		assigned []int64
		size     int
	)
	for _, g := range order {
		e, err := m.store.Load(ctx, repo.Conn(), g.entityType, g.entityUUID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Nothing left to send; the change rows still travel with this packet
			// so they are cleared on acknowledgement.
			logging.Warn("pending change refers to a missing entity", map[string]interface{}{
				"node_id":     nodeID,
				"entity_type": g.entityType,
				"entity_uuid": g.entityUUID,
			})
			assigned = append(assigned, g.ids...)
			continue
		}
		if err != nil {
			return nil, err
		}
		doc, err := m.ser.Serialize(e)
		if err != nil {
			return nil, err
		}
		data, err := serializer.Canonical(doc)
		if err != nil {
			return nil, err
		}
		if len(entities) > 0 && size+len(data)+entityOverhead > m.cfg.MaxBytes {
			break
		}
		size += len(data) + entityOverhead
		entities = append(entities, protocol.Entity{
			Type:      g.entityType,
			UUID:      g.entityUUID,
			Operation: g.operation(),
			Data:      data,
		})
		assigned = append(assigned, g.ids...)
	}

	packetNo, err := repo.AllocatePacketNo(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := repo.AssignPacket(ctx, assigned, packetNo); err != nil {
		return nil, err
	}
	remaining, err := repo.CountUnsentChanges(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	body, err := protocol.MarshalBody(&protocol.Body{Entities: entities})
	if err != nil {
		return nil, err
	}
	gz, err := protocol.Compress(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "compress packet body", err)
	}
	out := &Outbound{
		NodeID:      nodeID,
		PacketNo:    packetNo,
		Body:        body,
		Checksum:    protocol.BodyChecksum(body),
		ChangeCount: len(assigned),
		More:        remaining > 0,
	}
	err = repo.InsertPacket(ctx, &models.SyncPacket{
		NodeID:      models.UUID(nodeID),
		PacketNo:    packetNo,
		Body:        gz,
		Checksum:    out.Checksum,
		ChangeCount: out.ChangeCount,
		More:        out.More,
		CreatedAt:   m.now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	logging.Info("packet built", map[string]interface{}{
		"node_id":   nodeID,
		"packet_no": packetNo,
		"entities":  len(entities),
		"changes":   len(assigned),
		"bytes":     len(body),
		"more":      out.More,
	})
	return out, nil
}

// Acknowledge releases a packet the node confirmed: its change rows and the
// stored body are deleted. Unknown or already acknowledged numbers are
// ignored. It reports whether anything was released.
func (m *Manager) Acknowledge(ctx context.Context, repo *db.Repository, nodeID string, packetNo int64) (bool, error) {
	if packetNo <= 0 {
		return false, nil
	}
	changes, err := repo.DeleteAcknowledged(ctx, nodeID, packetNo)
	if err != nil {
		return false, err
	}
	packets, err := repo.DeletePacket(ctx, nodeID, packetNo)
	if err != nil {
		return false, err
	}
	if changes == 0 && packets == 0 {
		return false, nil
	}
	if err := repo.MarkConfirmed(ctx, nodeID, packetNo); err != nil {
		return false, err
	}
	logging.Debug("packet acknowledged", map[string]interface{}{
		"node_id":   nodeID,
		"packet_no": packetNo,
		"changes":   changes,
	})
	return true, nil
}

// MarkSent records a transmission attempt of a packet.
// The node's last outbound time is left to the caller, which knows whether
// the send went through.
func (m *Manager) MarkSent(ctx context.Context, repo *db.Repository, nodeID string, packetNo int64, at time.Time) error {
	if packetNo == 0 {
		return nil
	}
	return repo.MarkPacketSent(ctx, nodeID, packetNo, at.UnixNano())
}

// OverdueBefore returns the cutoff before which a sent packet counts as overdue.
func (m *Manager) OverdueBefore() time.Time {
	return m.now().Add(-m.cfg.AckTimeout)
}

// VerifyQueue checks the outbound queue of a node. Stored bodies must match
// their checksums, every stored packet must account for the changes stamped
// with its number, and no change may point at a packet that no longer exists.
// A failing queue blocks the node.
func (m *Manager) VerifyQueue(ctx context.Context, repo *db.Repository, nodeID string) error {
	node, err := repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	packets, err := repo.ListPackets(ctx, nodeID)
	if err != nil {
		return err
	}
	if len(packets) > 1 {
		return m.corrupt(ctx, repo, nodeID, fmt.Sprintf("%d unacknowledged packets stored", len(packets)))
	}

	stored := make(map[int64]bool, len(packets))
	for _, p := range packets {
		stored[p.PacketNo] = true
		if p.PacketNo >= node.NextPacketNo {
			return m.corrupt(ctx, repo, nodeID, fmt.Sprintf("packet %d is ahead of the counter %d", p.PacketNo, node.NextPacketNo))
		}
		body, err := protocol.Decompress(p.Body, 0)
		if err != nil || protocol.BodyChecksum(body) != p.Checksum {
			return m.corrupt(ctx, repo, nodeID, fmt.Sprintf("stored packet %d checksum mismatch", p.PacketNo))
		}
		changes, err := repo.ChangesInPacket(ctx, nodeID, p.PacketNo)
		if err != nil {
			return err
		}
		if len(changes) != p.ChangeCount {
			return m.corrupt(ctx, repo, nodeID, fmt.Sprintf("packet %d expects %d changes, found %d", p.PacketNo, p.ChangeCount, len(changes)))
		}
	}

	maxAssigned, err := repo.MaxAssignedPacket(ctx, nodeID)
	if err != nil {
		return err
	}
	if maxAssigned > 0 && !stored[maxAssigned] {
		return m.corrupt(ctx, repo, nodeID, fmt.Sprintf("changes reference missing packet %d", maxAssigned))
	}
	return nil
}

func (m *Manager) corrupt(ctx context.Context, repo *db.Repository, nodeID, reason string) error {
	err := apperrors.New(apperrors.ErrQueueCorruption, reason)
	logging.Error("outbound queue corrupted, blocking node", err, map[string]interface{}{
		"node_id": nodeID,
	})
	if blockErr := repo.BlockNode(ctx, nodeID, reason); blockErr != nil {
		return blockErr
	}
	return err
}
