package models

import "time"

// Operation is the kind of mutation a change record propagates.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three tracked operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncChange is one entity mutation awaiting delivery to one target node.
// PacketNo stays nil until the change is bundled; the row is removed only
// when the target acknowledges that packet.
type SyncChange struct {
	ID           int64     `db:"id" json:"id"`
	NodeID       UUID      `db:"node_id" json:"node_id"`
	OriginNodeID UUID      `db:"origin_node_id" json:"origin_node_id"`
	EntityType   string    `db:"entity_type" json:"entity_type"`
	EntityUUID   string    `db:"entity_uuid" json:"entity_uuid"`
	Operation    Operation `db:"operation" json:"operation"`
	PacketNo     *int64    `db:"packet_no" json:"packet_no,omitempty"`
	CreatedAt    int64     `db:"created_at" json:"created_at"`
}

// TableName returns the table name for SyncChange.
func (SyncChange) TableName() string {
	return "sync_changes"
}

// Time returns the CreatedAt as time.Time.
func (c *SyncChange) Time() time.Time {
	return time.Unix(0, c.CreatedAt).UTC()
}
