package models

// SyncPacket is an outbound packet kept until the peer acknowledges it, so a
// retransmission reuses the exact stored body.
type SyncPacket struct {
	NodeID      UUID   `db:"node_id" json:"node_id"`
	PacketNo    int64  `db:"packet_no" json:"packet_no"`
	Body        []byte `db:"body" json:"-"` // gzip-compressed body JSON
	Checksum    string `db:"checksum" json:"checksum"`
	ChangeCount int    `db:"change_count" json:"change_count"`
	More        bool   `db:"more" json:"more"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	SentAt      *int64 `db:"sent_at" json:"sent_at,omitempty"`
	Attempts    int    `db:"attempts" json:"attempts"`
}

// TableName returns the table name for SyncPacket.
func (SyncPacket) TableName() string {
	return "sync_packets"
}

// ProcessedChange is the idempotency record for one applied inbound entity.
type ProcessedChange struct {
	SourceNodeID UUID      `db:"source_node_id" json:"source_node_id"`
	PacketNo     int64     `db:"packet_no" json:"packet_no"`
	EntityUUID   string    `db:"entity_uuid" json:"entity_uuid"`
	Operation    Operation `db:"operation" json:"operation"`
	AppliedAt    int64     `db:"applied_at" json:"applied_at"`
}

// TableName returns the table name for ProcessedChange.
func (ProcessedChange) TableName() string {
	return "sync_processed_changes"
}
