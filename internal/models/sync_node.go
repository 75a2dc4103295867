package models

import "time"

// NodeRole distinguishes the authoritative server from desktop nodes.
type NodeRole string

const (
	RoleServer  NodeRole = "server"
	RoleDesktop NodeRole = "desktop"
)

// SyncNode is one participant in synchronization.
// Packet counters only move forward; nodes are deactivated, never deleted.
type SyncNode struct {
	ID                  UUID     `db:"id" json:"id" yaml:"id"`
	Code                string   `db:"code" json:"code" yaml:"code"`
	Name                string   `db:"name" json:"name" yaml:"name"`
	Role                NodeRole `db:"role" json:"role" yaml:"role"`
	TokenHash           string   `db:"token_hash" json:"-" yaml:"-"`
	SchemaVersion       string   `db:"schema_version" json:"schema_version" yaml:"schema_version"`
	LastInboundAt       *int64   `db:"last_inbound_at" json:"last_inbound_at,omitempty" yaml:"last_inbound_at,omitempty"`
	LastOutboundAt      *int64   `db:"last_outbound_at" json:"last_outbound_at,omitempty" yaml:"last_outbound_at,omitempty"`
	LastReceivedPacket  int64    `db:"last_received_packet" json:"last_received_packet" yaml:"last_received_packet"`
	LastConfirmedPacket int64    `db:"last_confirmed_packet" json:"last_confirmed_packet" yaml:"last_confirmed_packet"`
	NextPacketNo        int64    `db:"next_packet_no" json:"next_packet_no" yaml:"next_packet_no"`
	IsActive            bool     `db:"is_active" json:"is_active" yaml:"is_active"`
	IsBlocked           bool     `db:"is_blocked" json:"is_blocked" yaml:"is_blocked"`
	BlockedReason       string   `db:"blocked_reason" json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	CreatedAt           int64    `db:"created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt           int64    `db:"updated_at" json:"updated_at" yaml:"updated_at"`
}

// TableName returns the table name for SyncNode.
func (SyncNode) TableName() string {
	return "sync_nodes"
}

// LastInboundTime returns the last inbound sync as time.Time, or nil.
func (n *SyncNode) LastInboundTime() *time.Time {
	return nanosPtrToTime(n.LastInboundAt)
}

// LastOutboundTime returns the last outbound sync as time.Time, or nil.
func (n *SyncNode) LastOutboundTime() *time.Time {
	return nanosPtrToTime(n.LastOutboundAt)
}

func nanosPtrToTime(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}
