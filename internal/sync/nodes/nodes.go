// Package nodes keeps the registry of sync participants: registration, token
// authentication, per-node locking, schema gating and status reporting.
package nodes

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// seedPage is the page size used when queueing existing data for a new node.
const seedPage = 500

// Schema is the range of schema versions a node accepts.
type Schema struct {
	Current string
	Min     string
}

// Registry manages the sync_nodes table of one database.
type Registry struct {
	db      *db.DB
	store   *db.EntityStore
	packets *packet.Manager
	schema  Schema
	locker  *Locker
	now     func() time.Time
}

// New creates a Registry.
func New(conn *db.DB, store *db.EntityStore, packets *packet.Manager, schema Schema) *Registry {
	if schema.Min == "" {
		schema.Min = schema.Current
	}
	return &Registry{
		db:      conn,
		store:   store,
		packets: packets,
		schema:  schema,
		locker:  NewLocker(),
		now:     time.Now,
	}
}

// Locker returns the in-process per-node lock.
func (r *Registry) Locker() *Locker {
	return r.locker
}

// SchemaVersion returns the schema version this node speaks.
func (r *Registry) SchemaVersion() string {
	return r.schema.Current
}

// HashToken returns the stored form of a node token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckSchema rejects versions outside [Min, Current].
func (r *Registry) CheckSchema(version string) error {
	v := canonical(version)
	if version == "" || !semver.IsValid(v) {
		return apperrors.Newf(apperrors.ErrSchemaVersion, "invalid schema version %q", version)
	}
	if semver.Compare(v, canonical(r.schema.Min)) < 0 || semver.Compare(v, canonical(r.schema.Current)) > 0 {
		return apperrors.Newf(apperrors.ErrSchemaVersion,
			"schema version %s is outside the supported range %s..%s", version, r.schema.Min, r.schema.Current)
	}
	return nil
}

// EnsureLocal returns the node row of this process, creating it on first use.
func (r *Registry) EnsureLocal(ctx context.Context, role models.NodeRole, code, name string) (*models.SyncNode, error) {
	var node *models.SyncNode
	err := r.db.WithTx(ctx, func(tx *db.Tx) error {
		repo := db.NewRepository(tx)
		id, ok, err := repo.GetSetting(ctx, db.SettingLocalNodeID)
		if err != nil {
			return err
		}
		if ok {
			node, err = repo.GetNode(ctx, id)
			return err
		}
		node = &models.SyncNode{
			ID:            models.UUID(uuid.New()),
			Code:          code,
			Name:          name,
			Role:          role,
			SchemaVersion: r.schema.Current,
			IsActive:      true,
		}
		if err := repo.CreateNode(ctx, node); err != nil {
			return err
		}
		return repo.SetSetting(ctx, db.SettingLocalNodeID, string(node.ID))
	})
	return node, err
}

// LocalNode returns the node row of this process.
func (r *Registry) LocalNode(ctx context.Context) (*models.SyncNode, error) {
	repo := db.NewRepository(r.db)
	id, ok, err := repo.GetSetting(ctx, db.SettingLocalNodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "local node is not initialized")
	}
	return repo.GetNode(ctx, id)
}

// Register creates a desktop node and returns it with its bearer token. The
// token is shown once; only its hash is stored. Every live entity is queued
// for the new node so it converges on the current state.
func (r *Registry) Register(ctx context.Context, code, name string) (*models.SyncNode, string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, "", apperrors.New(apperrors.ErrInvalid, "node code is required")
	}
	if name == "" {
		name = code
	}
	local, err := r.LocalNode(ctx)
	if err != nil {
		return nil, "", err
	}

	token, err := uuid.NewToken()
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrCryptoFailed, "generate node token", err)
	}
	node := &models.SyncNode{
		ID:            models.UUID(uuid.New()),
		Code:          code,
		Name:          name,
		Role:          models.RoleDesktop,
		TokenHash:     HashToken(token),
		SchemaVersion: r.schema.Current,
		IsActive:      true,
	}

	var seeded int
	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		repo := db.NewRepository(tx)
		if err := repo.CreateNode(ctx, node); err != nil {
			return err
		}
		seeded, err = r.seed(ctx, tx, node, local)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	logging.Audit("node registered", map[string]interface{}{
		"node_id": string(node.ID),
		"code":    node.Code,
		"seeded":  seeded,
	})
	return node, token, nil
}

func (r *Registry) seed(ctx context.Context, tx *db.Tx, node, origin *models.SyncNode) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	repo := db.NewRepository(tx)
	created := r.now().UnixNano()
	count := 0
	for _, d := range r.store.Registry().Descriptors() {
		if d.Child {
			continue
		}
		for offset := 0; ; offset += seedPage {
			list, err := r.store.List(ctx, tx, d.Name, false, seedPage, offset)
			if err != nil {
				return count, err
			}
			for _, e := range list {
				err := repo.InsertChange(ctx, &models.SyncChange{
					NodeID:       node.ID,
					OriginNodeID: origin.ID,
					EntityType:   d.Name,
					EntityUUID:   e.Meta().UUID,
					Operation:    models.OpInsert,
					CreatedAt:    created,
				})
				if err != nil {
					return count, err
				}
				count++
			}
			if len(list) < seedPage {
				break
			}
		}
	}
	return count, nil
}

// Membership is what a desktop learns from the server when it registers.
type Membership struct {
	NodeID     string `json:"node_id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	ServerID   string `json:"server_node_id"`
	ServerCode string `json:"server_code,omitempty"`
	ServerURL  string `json:"server_url,omitempty"`
}

// Join sets up a desktop database after registration: the local node takes
// the id the server assigned, the server gets a node row, and data that
// already exists locally is queued for upload. Joining twice is refused.
func (r *Registry) Join(ctx context.Context, m Membership) (*models.SyncNode, error) {
	if err := uuid.Validate(m.NodeID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "node id", err)
	}
	if err := uuid.Validate(m.ServerID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "server node id", err)
	}
	if m.Name == "" {
		m.Name = m.Code
	}
	if m.ServerCode == "" {
		m.ServerCode = "server"
	}

	local := &models.SyncNode{
		ID:            models.UUID(m.NodeID),
		Code:          m.Code,
		Name:          m.Name,
		Role:          models.RoleDesktop,
		SchemaVersion: r.schema.Current,
		IsActive:      true,
	}
	server := &models.SyncNode{
		ID:            models.UUID(m.ServerID),
		Code:          m.ServerCode,
		Name:          m.ServerCode,
		Role:          models.RoleServer,
		SchemaVersion: r.schema.Current,
		IsActive:      true,
	}
	var seeded int
	err := r.db.WithTx(ctx, func(tx *db.Tx) error {
		repo := db.NewRepository(tx)
		if _, ok, err := repo.GetSetting(ctx, db.SettingServerNodeID); err != nil {
			return err
		} else if ok {
			return apperrors.New(apperrors.ErrDuplicate, "this node is already registered with a server")
		}
		if err := repo.CreateNode(ctx, local); err != nil {
			return err
		}
		if err := repo.CreateNode(ctx, server); err != nil {
			return err
		}
		settings := map[string]string{
			db.SettingLocalNodeID:  m.NodeID,
			db.SettingServerNodeID: m.ServerID,
		}
		if m.ServerURL != "" {
			settings[db.SettingServerURL] = m.ServerURL
		}
		for k, v := range settings {
			if err := repo.SetSetting(ctx, k, v); err != nil {
				return err
			}
		}
		var err error
		seeded, err = r.seed(ctx, tx, server, local)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Audit("joined server", map[string]interface{}{
		"node_id":   m.NodeID,
		"server_id": m.ServerID,
		"seeded":    seeded,
	})
	return local, nil
}

// RotateToken issues a new token for a node, invalidating the old one.
func (r *Registry) RotateToken(ctx context.Context, nodeID string) (string, error) {
	token, err := uuid.NewToken()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "generate node token", err)
	}
	if err := db.NewRepository(r.db).UpdateNodeToken(ctx, nodeID, HashToken(token)); err != nil {
		return "", err
	}
	logging.Audit("node token rotated", map[string]interface{}{"node_id": nodeID})
	return token, nil
}

// Authenticate checks a bearer token against the stored hash. Unknown nodes
// and wrong tokens fail the same way.
func (r *Registry) Authenticate(ctx context.Context, nodeID, token string) (*models.SyncNode, error) {
	fail := func(reason string) error {
		logging.Security("node authentication failed", map[string]interface{}{
			"node_id": nodeID,
			"reason":  reason,
		})
		return apperrors.New(apperrors.ErrAuthentication, "invalid node credentials")
	}
	if nodeID == "" || token == "" {
		return nil, fail("missing credentials")
	}

	node, err := db.NewRepository(r.db).GetNode(ctx, nodeID)
	if apperrors.Is(err, apperrors.ErrNodeNotFound) {
		return nil, fail("unknown node")
	}
	if err != nil {
		return nil, err
	}
	if node.TokenHash == "" || subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(node.TokenHash)) != 1 {
		return nil, fail("token mismatch")
	}
	if !node.IsActive {
		return nil, apperrors.Newf(apperrors.ErrNodeInactive, "node %s is deactivated", node.Code)
	}
	return node, nil
}

// Get returns one node.
func (r *Registry) Get(ctx context.Context, nodeID string) (*models.SyncNode, error) {
	return db.NewRepository(r.db).GetNode(ctx, nodeID)
}

// List returns every node, active or not.
func (r *Registry) List(ctx context.Context) ([]*models.SyncNode, error) {
	return db.NewRepository(r.db).ListNodes(ctx)
}

// Deactivate retires a node. It stops receiving new changes; its row stays.
func (r *Registry) Deactivate(ctx context.Context, nodeID string) error {
	unlock := r.locker.Lock(nodeID)
	defer unlock()
	if err := db.NewRepository(r.db).DeactivateNode(ctx, nodeID); err != nil {
		return err
	}
	logging.Audit("node deactivated", map[string]interface{}{"node_id": nodeID})
	return nil
}

// Unblock lets a node exchange again after an operator repaired its queue.
// Changes pointing at lost packets are released for rebundling, and the
// queue must verify before the block is lifted.
func (r *Registry) Unblock(ctx context.Context, nodeID string) error {
	unlock := r.locker.Lock(nodeID)
	defer unlock()

	var released int64
	err := r.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := db.LockNode(ctx, tx, nodeID); err != nil {
			return err
		}
		repo := db.NewRepository(tx)
		var err error
		if released, err = repo.ReleaseOrphanedChanges(ctx, nodeID); err != nil {
			return err
		}
		if err := repo.UnblockNode(ctx, nodeID); err != nil {
			return err
		}
		if r.packets == nil {
			return nil
		}
		return r.packets.VerifyQueue(ctx, repo, nodeID)
	})
	if err != nil {
		return err
	}
	logging.Audit("node unblocked", map[string]interface{}{
		"node_id":  nodeID,
		"released": released,
	})
	return nil
}

// ResetReceived moves the inbound packet expectation of a node, for when the
// node's own queue was rebuilt and its numbering restarted.
func (r *Registry) ResetReceived(ctx context.Context, nodeID string, packetNo int64) error {
	if packetNo < 0 {
		return apperrors.New(apperrors.ErrInvalid, "packet number must not be negative")
	}
	unlock := r.locker.Lock(nodeID)
	defer unlock()
	if err := db.NewRepository(r.db).ResetReceived(ctx, nodeID, packetNo); err != nil {
		return err
	}
	logging.Audit("node inbound counter reset", map[string]interface{}{
		"node_id":   nodeID,
		"packet_no": packetNo,
	})
	return nil
}

// Status describes the sync state of one node.
type Status struct {
	Node           *models.SyncNode `json:"node" yaml:"node"`
	LastInbound    *time.Time       `json:"last_inbound,omitempty" yaml:"last_inbound,omitempty"`
	LastOutbound   *time.Time       `json:"last_outbound,omitempty" yaml:"last_outbound,omitempty"`
	PendingChanges int64            `json:"pending_changes" yaml:"pending_changes"`
	UnsentChanges  int64            `json:"unsent_changes" yaml:"unsent_changes"`
	PendingPackets int              `json:"pending_packets" yaml:"pending_packets"`
}

// Status reports timestamps and queue depth for one node.
func (r *Registry) Status(ctx context.Context, nodeID string) (*Status, error) {
	repo := db.NewRepository(r.db)
	node, err := repo.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	st := &Status{Node: node, LastInbound: node.LastInboundTime(), LastOutbound: node.LastOutboundTime()}
	if st.PendingChanges, err = repo.CountPendingChanges(ctx, nodeID); err != nil {
		return nil, err
	}
	if st.UnsentChanges, err = repo.CountUnsentChanges(ctx, nodeID); err != nil {
		return nil, err
	}
	packets, err := repo.ListPackets(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	st.PendingPackets = len(packets)
	return st, nil
}

// Statistics are aggregate counters over all nodes.
type Statistics struct {
	Nodes             int   `json:"nodes" yaml:"nodes"`
	ActiveNodes       int   `json:"active_nodes" yaml:"active_nodes"`
	BlockedNodes      int   `json:"blocked_nodes" yaml:"blocked_nodes"`
	ChangesPending    int64 `json:"changes_pending" yaml:"changes_pending"`
	PacketsSent       int64 `json:"packets_sent" yaml:"packets_sent"`
	PacketsPendingAck int64 `json:"packets_pending_ack" yaml:"packets_pending_ack"`
	PacketsOverdue    int64 `json:"packets_overdue" yaml:"packets_overdue"`
	ConflictsResolved int64 `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	ManualPending     int64 `json:"manual_pending" yaml:"manual_pending"`
	RejectedEntities  int64 `json:"rejected_entities" yaml:"rejected_entities"`
}

// Statistics collects the aggregate counters.
func (r *Registry) Statistics(ctx context.Context) (*Statistics, error) {
	repo := db.NewRepository(r.db)
	list, err := repo.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	st := &Statistics{Nodes: len(list)}
	for _, n := range list {
		if n.IsActive {
			st.ActiveNodes++
		}
		if n.IsBlocked {
			st.BlockedNodes++
		}
		st.PacketsSent += n.NextPacketNo - 1
	}
	if st.ChangesPending, err = repo.CountPendingChanges(ctx, ""); err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-packet.DefaultConfig().AckTimeout)
	if r.packets != nil {
		cutoff = r.packets.OverdueBefore()
	}
	if st.PacketsPendingAck, st.PacketsOverdue, err = repo.CountPackets(ctx, cutoff.UnixNano()); err != nil {
		return nil, err
	}
	conflicts, err := repo.CountHistory(ctx, models.HistoryConflict)
	if err != nil {
		return nil, err
	}
	manualResolved, err := repo.CountManualConflicts(ctx, models.ManualResolved)
	if err != nil {
		return nil, err
	}
	st.ConflictsResolved = conflicts + manualResolved
	if st.ManualPending, err = repo.CountManualConflicts(ctx, models.ManualPending); err != nil {
		return nil, err
	}
	if st.RejectedEntities, err = repo.CountHistory(ctx, models.HistoryRejected); err != nil {
		return nil, err
	}
	return st, nil
}
