package models

import "time"

// HistoryKind classifies why a version was archived.
type HistoryKind string

const (
	HistoryConflict HistoryKind = "conflict"
	HistoryManual   HistoryKind = "manual"
	HistoryRejected HistoryKind = "rejected"
)

// ObjectVersionHistory archives a losing or rejected version. Rows are write-once.
type ObjectVersionHistory struct {
	ID           int64       `db:"id" json:"id"`
	EntityUUID   string      `db:"entity_uuid" json:"entity_uuid"`
	EntityType   string      `db:"entity_type" json:"entity_type"`
	SourceNodeID UUID        `db:"source_node_id" json:"source_node_id"`
	ArrivedAt    int64       `db:"arrived_at" json:"arrived_at"`
	Payload      string      `db:"payload" json:"payload"`
	Kind         HistoryKind `db:"kind" json:"kind"`
	Policy       string      `db:"policy" json:"policy"`
	Resolution   string      `db:"resolution" json:"resolution"`
	CreatedAt    int64       `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ObjectVersionHistory.
func (ObjectVersionHistory) TableName() string {
	return "object_version_history"
}

// ArrivedAtTime returns ArrivedAt as time.Time.
func (h *ObjectVersionHistory) ArrivedAtTime() time.Time {
	return time.Unix(0, h.ArrivedAt).UTC()
}

// ManualConflictStatus tracks the lifecycle of an escalated conflict.
type ManualConflictStatus string

const (
	ManualPending  ManualConflictStatus = "pending"
	ManualResolved ManualConflictStatus = "resolved"
)

// ManualConflict keeps both versions of an entity until a person picks one.
type ManualConflict struct {
	ID              UUID                 `db:"id" json:"id"`
	EntityUUID      string               `db:"entity_uuid" json:"entity_uuid"`
	EntityType      string               `db:"entity_type" json:"entity_type"`
	LocalPayload    string               `db:"local_payload" json:"local_payload"`
	IncomingPayload string               `db:"incoming_payload" json:"incoming_payload"`
	LocalNodeID     UUID                 `db:"local_node_id" json:"local_node_id"`
	SourceNodeID    UUID                 `db:"source_node_id" json:"source_node_id"`
	HistoryID       int64                `db:"history_id" json:"history_id"`
	Reason          string               `db:"reason" json:"reason"`
	Status          ManualConflictStatus `db:"status" json:"status"`
	Resolution      string               `db:"resolution" json:"resolution,omitempty"`
	CreatedAt       int64                `db:"created_at" json:"created_at"`
	ResolvedAt      *int64               `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ManualConflict.
func (ManualConflict) TableName() string {
	return "sync_manual_conflicts"
}
