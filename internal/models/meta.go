package models

import "time"

// SyncMeta is the extension every synchronizable entity embeds.
type SyncMeta struct {
	UUID      string    `db:"uuid" json:"uuid"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	IsDeleted bool      `db:"is_deleted" json:"is_deleted"`
}

// Meta gives generic code access to the sync fields.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Touch stamps UpdatedAt with the current UTC time.
func (m *SyncMeta) Touch() {
	m.UpdatedAt = time.Now().UTC()
}

// Synchronizable is implemented by every entity registered for sync.
type Synchronizable interface {
	Meta() *SyncMeta
}
