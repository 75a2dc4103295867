// Package conflict detects concurrent edits of one entity on two nodes and
// settles them with a configurable policy.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/sync/serializer"
	"github.com/fieldledger/fieldledger/backend/internal/sync/tracker"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// Policy decides which version of a conflicting entity is kept.
type Policy string

const (
	PolicyServerWins    Policy = "server_wins"
	PolicyTimestampWins Policy = "timestamp_wins"
	PolicyManual        Policy = "manual"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyServerWins, PolicyTimestampWins, PolicyManual:
		return p, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown conflict policy %q", s)
}

// Outcome is what happened to the two versions.
type Outcome string

const (
	KeepLocal    Outcome = "keep_local"
	TakeIncoming Outcome = "take_incoming"
	Escalated    Outcome = "manual"
)

// State tracks a conflict through resolution.
type State string

const (
	StateDetected State = "DETECTED"
	StateResolved State = "RESOLVED"
	StateAudited  State = "AUDITED"
)

// Config maps entity types to policies.
type Config struct {
	Default  Policy
	Policies map[string]Policy
}

// ConfigFrom builds a Config from the raw configuration values.
func ConfigFrom(defaultPolicy string, policies map[string]string) (Config, error) {
	cfg := Config{Default: PolicyServerWins, Policies: make(map[string]Policy, len(policies))}
	if defaultPolicy != "" {
		p, err := ParsePolicy(defaultPolicy)
		if err != nil {
			return Config{}, err
		}
		cfg.Default = p
	}
	for entityType, name := range policies {
		p, err := ParsePolicy(name)
		if err != nil {
			return Config{}, fmt.Errorf("policy for %s: %w", entityType, err)
		}
		cfg.Policies[strings.ToLower(entityType)] = p
	}
	return cfg, nil
}

// Conflict is a detected concurrent edit.
type Conflict struct {
	EntityType string
	EntityUUID string
	Local      serializer.Document
	Incoming   serializer.Document
	// LocalOriginNodeID is the origin of the undelivered local change.
	LocalOriginNodeID string
	// SourceNodeID is the node the incoming version arrived from.
	SourceNodeID string
	ArrivedAt    time.Time
	State        State
	// Entity is the decoded incoming version. When nil it is decoded from
	// Incoming if the incoming version wins.
	Entity models.Synchronizable
	// Pending is the undelivered local change addressed to the source.
	Pending *models.SyncChange
}

// Resolution is the settled conflict.
type Resolution struct {
	Outcome   Outcome
	Policy    Policy
	Reason    string
	HistoryID int64
	// ManualID is set when the conflict was escalated.
	ManualID string
	State    State
}

// Resolver settles conflicts and archives the losing versions.
type Resolver struct {
	cfg         Config
	ser         *serializer.Serializer
	store       *db.EntityStore
	tracker     *tracker.Tracker
	localNodeID string
	now         func() time.Time
}

// NewResolver creates a Resolver for the local node. The tracker's role
// decides which side "server_wins" favours.
func NewResolver(cfg Config, ser *serializer.Serializer, store *db.EntityStore, tr *tracker.Tracker, localNodeID string) *Resolver {
	if cfg.Default == "" {
		cfg.Default = PolicyServerWins
	}
	return &Resolver{cfg: cfg, ser: ser, store: store, tracker: tr, localNodeID: localNodeID, now: time.Now}
}

// PolicyFor returns the policy for an entity type.
func (r *Resolver) PolicyFor(entityType string) Policy {
	if p, ok := r.cfg.Policies[strings.ToLower(entityType)]; ok {
		return p
	}
	return r.cfg.Default
}

// Detect reports a conflict when the entity exists locally, a local change
// of it is still waiting to be delivered to the sender, and the two versions
// differ in content. It returns nil when there is no conflict.
func (r *Resolver) Detect(ctx context.Context, repo *db.Repository, entityType, entityUUID, senderNodeID string, incoming serializer.Document) (*Conflict, error) {
	pending, err := repo.PendingChangeFor(ctx, senderNodeID, entityUUID)
	if err != nil || pending == nil {
		return nil, err
	}
	local, err := r.store.Load(ctx, repo.Conn(), entityType, entityUUID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	localDoc, err := r.ser.Serialize(local)
	if err != nil {
		return nil, err
	}
	if serializer.SameContent(localDoc, incoming) {
		return nil, nil
	}

	logging.Warn("concurrent edit conflict detected", map[string]interface{}{
		"entity_type":  entityType,
		"entity_uuid":  entityUUID,
		"source_node":  senderNodeID,
		"local_origin": string(pending.OriginNodeID),
	})
	return &Conflict{
		EntityType:        entityType,
		EntityUUID:        entityUUID,
		Local:             localDoc,
		Incoming:          incoming,
		LocalOriginNodeID: string(pending.OriginNodeID),
		SourceNodeID:      senderNodeID,
		ArrivedAt:         r.now(),
		State:             StateDetected,
		Pending:           pending,
	}, nil
}

// Resolve applies the policy of the entity type, archives the losing version,
// writes the incoming version when it wins and records the audit entry.
// Policy outcomes are never errors; only storage failures are returned.
func (r *Resolver) Resolve(ctx context.Context, repo *db.Repository, c *Conflict) (*Resolution, error) {
	if c == nil || c.State != StateDetected {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict is not in the detected state")
	}
	policy := r.PolicyFor(c.EntityType)
	res := &Resolution{Policy: policy}

	switch policy {
	case PolicyServerWins:
		if r.tracker.Role() == models.RoleServer {
			res.Outcome, res.Reason = KeepLocal, "server version kept"
		} else {
			res.Outcome, res.Reason = TakeIncoming, "server version accepted"
		}
	case PolicyTimestampWins:
		res.Outcome, res.Reason = r.byTimestamp(c)
	default:
		res.Outcome, res.Reason = Escalated, "manual policy"
	}
	c.State = StateResolved
	res.State = StateResolved

	var err error
	if res.Outcome == Escalated {
		err = r.escalate(ctx, repo, c, res)
	} else {
		err = r.archive(ctx, repo, c, res)
	}
	if err == nil && res.Outcome == TakeIncoming {
		err = r.takeIncoming(ctx, repo, c)
	}
	if err != nil {
		return nil, err
	}

	logging.Audit("conflict resolved", map[string]interface{}{
		"entity_type": c.EntityType,
		"entity_uuid": c.EntityUUID,
		"source_node": c.SourceNodeID,
		"policy":      string(res.Policy),
		"outcome":     string(res.Outcome),
		"reason":      res.Reason,
		"history_id":  res.HistoryID,
	})
	c.State = StateAudited
	res.State = StateAudited
	return res, nil
}

// byTimestamp keeps the newer updated_at. Equal timestamps go to the version
// whose origin node id sorts higher. A version without a timestamp cannot be
// ordered and is escalated.
func (r *Resolver) byTimestamp(c *Conflict) (Outcome, string) {
	lt := updatedAt(c.Local)
	it := updatedAt(c.Incoming)
	switch {
	case lt.IsZero() || it.IsZero():
		return Escalated, "missing updated_at, cannot order versions"
	case it.After(lt):
		return TakeIncoming, "incoming version is newer"
	case lt.After(it):
		return KeepLocal, "local version is newer"
	case c.SourceNodeID > c.LocalOriginNodeID:
		return TakeIncoming, "equal timestamps, incoming origin id is higher"
	default:
		return KeepLocal, "equal timestamps, local origin id is higher"
	}
}

func updatedAt(doc serializer.Document) time.Time {
	s, ok := doc[registry.KeyUpdatedAt].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(serializer.TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// archive stores the losing version of an automatically resolved conflict.
func (r *Resolver) archive(ctx context.Context, repo *db.Repository, c *Conflict, res *Resolution) error {
	loser, source := c.Incoming, c.SourceNodeID
	if res.Outcome == TakeIncoming {
		loser, source = c.Local, c.LocalOriginNodeID
	}
	payload, err := serializer.Canonical(loser)
	if err != nil {
		return err
	}
	h := &models.ObjectVersionHistory{
		EntityUUID:   c.EntityUUID,
		EntityType:   c.EntityType,
		SourceNodeID: models.UUID(source),
		ArrivedAt:    c.ArrivedAt.UnixNano(),
		Payload:      string(payload),
		Kind:         models.HistoryConflict,
		Policy:       string(res.Policy),
		Resolution:   string(res.Outcome) + ": " + res.Reason,
		CreatedAt:    r.now().UnixNano(),
	}
	if err := repo.InsertHistory(ctx, h); err != nil {
		return err
	}
	res.HistoryID = h.ID
	return nil
}

// takeIncoming writes the winning incoming version. If the local change it
// beat is already bundled in a packet the source has not acknowledged, that
// packet still carries the losing version, so a fresh change is queued behind
// it and the source ends on the winner.
func (r *Resolver) takeIncoming(ctx context.Context, repo *db.Repository, c *Conflict) error {
	e := c.Entity
	if e == nil {
		var err error
		if e, err = r.ser.Deserialize(c.EntityType, c.Incoming); err != nil {
			return err
		}
	}
	if err := r.store.Upsert(ctx, repo.Conn(), e); err != nil {
		return err
	}

	if c.Pending == nil || c.Pending.PacketNo == nil {
		return nil
	}
	queued, err := repo.HasUnsentChange(ctx, c.SourceNodeID, c.EntityUUID)
	if err != nil || queued {
		return err
	}
	op := models.OpUpdate
	if e.Meta().IsDeleted {
		op = models.OpDelete
	}
	logging.Info("winning version queued behind stale packet", map[string]interface{}{
		"entity_uuid": c.EntityUUID,
		"node_id":     c.SourceNodeID,
		"packet_no":   *c.Pending.PacketNo,
	})
	return repo.InsertChange(ctx, &models.SyncChange{
		NodeID:       models.UUID(c.SourceNodeID),
		OriginNodeID: models.UUID(c.SourceNodeID),
		EntityType:   c.EntityType,
		EntityUUID:   c.EntityUUID,
		Operation:    op,
	})
}

// escalate keeps the local version and queues both for a person to decide.
func (r *Resolver) escalate(ctx context.Context, repo *db.Repository, c *Conflict, res *Resolution) error {
	localPayload, err := serializer.Canonical(c.Local)
	if err != nil {
		return err
	}
	incomingPayload, err := serializer.Canonical(c.Incoming)
	if err != nil {
		return err
	}
	ts := r.now().UnixNano()
	h := &models.ObjectVersionHistory{
		EntityUUID:   c.EntityUUID,
		EntityType:   c.EntityType,
		SourceNodeID: models.UUID(c.SourceNodeID),
		ArrivedAt:    c.ArrivedAt.UnixNano(),
		Payload:      string(incomingPayload),
		Kind:         models.HistoryManual,
		Policy:       string(res.Policy),
		Resolution:   string(Escalated) + ": " + res.Reason,
		CreatedAt:    ts,
	}
	if err := repo.InsertHistory(ctx, h); err != nil {
		return err
	}
	mc := &models.ManualConflict{
		ID:              models.UUID(uuid.New()),
		EntityUUID:      c.EntityUUID,
		EntityType:      c.EntityType,
		LocalPayload:    string(localPayload),
		IncomingPayload: string(incomingPayload),
		LocalNodeID:     models.UUID(r.localNodeID),
		SourceNodeID:    models.UUID(c.SourceNodeID),
		HistoryID:       h.ID,
		Reason:          res.Reason,
		CreatedAt:       ts,
	}
	if err := repo.InsertManualConflict(ctx, mc); err != nil {
		return err
	}
	res.HistoryID = h.ID
	res.ManualID = string(mc.ID)
	return nil
}

// ResolveManual closes an escalated conflict. Taking the incoming version
// overwrites the local entity, stamps it as the newest edit and registers an
// UPDATE so every other node converges on it.
func (r *Resolver) ResolveManual(ctx context.Context, repo *db.Repository, id string, choice Outcome) (*models.ManualConflict, error) {
	if choice != KeepLocal && choice != TakeIncoming {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "choice must be %s or %s", KeepLocal, TakeIncoming)
	}
	mc, err := repo.GetManualConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if mc.Status != models.ManualPending {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict %s is already %s", id, mc.Status)
	}

	if choice == TakeIncoming {
		if err := r.overwrite(ctx, repo, mc); err != nil {
			return nil, err
		}
	}

	ts := r.now().UnixNano()
	if err := repo.ResolveManualConflict(ctx, id, string(choice), ts); err != nil {
		return nil, err
	}
	mc.Status = models.ManualResolved
	mc.Resolution = string(choice)
	mc.ResolvedAt = &ts

	logging.Audit("manual conflict resolved", map[string]interface{}{
		"conflict_id": id,
		"entity_type": mc.EntityType,
		"entity_uuid": mc.EntityUUID,
		"choice":      string(choice),
	})
	return mc, nil
}

func (r *Resolver) overwrite(ctx context.Context, repo *db.Repository, mc *models.ManualConflict) error {
	doc, err := serializer.Parse([]byte(mc.IncomingPayload))
	if err != nil {
		return err
	}
	e, err := r.ser.Deserialize(mc.EntityType, doc)
	if err != nil {
		return err
	}

	// The replaced local state is archived like any other losing version.
	current, err := r.store.Load(ctx, repo.Conn(), mc.EntityType, mc.EntityUUID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if current != nil {
		curDoc, err := r.ser.Serialize(current)
		if err != nil {
			return err
		}
		payload, err := serializer.Canonical(curDoc)
		if err != nil {
			return err
		}
		err = repo.InsertHistory(ctx, &models.ObjectVersionHistory{
			EntityUUID:   mc.EntityUUID,
			EntityType:   mc.EntityType,
			SourceNodeID: models.UUID(r.localNodeID),
			Payload:      string(payload),
			Kind:         models.HistoryManual,
			Policy:       string(PolicyManual),
			Resolution:   string(TakeIncoming) + ": operator choice",
			CreatedAt:    r.now().UnixNano(),
		})
		if err != nil {
			return err
		}
	}

	e.Meta().Touch()
	if err := r.store.Upsert(ctx, repo.Conn(), e); err != nil {
		return err
	}
	_, err = r.tracker.RegisterChange(ctx, repo, mc.EntityType, mc.EntityUUID, models.OpUpdate, r.localNodeID)
	return err
}
