// Package protocol defines the exchange envelope and its GZIP wire encoding.
package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// Wire constants for the exchange endpoint.
const (
	ContentType     = "application/json"
	ContentEncoding = "gzip"

	// DefaultMaxDecoded caps the size of a decompressed envelope.
	DefaultMaxDecoded = 64 << 20
)

// Header carries the bookkeeping of one exchange direction.
//
// PacketNo 0 means the envelope carries no changes. AckPacketNo is the last
// packet number the sender has received and applied from the recipient.
type Header struct {
	SenderNodeID    string      `json:"sender_node_id"`
	RecipientNodeID string      `json:"recipient_node_id"`
	PacketNo        int64       `json:"packet_no"`
	AckPacketNo     int64       `json:"ack_packet_no"`
	SchemaVersion   string      `json:"schema_version"`
	Timestamp       time.Time   `json:"timestamp"`
	Checksum        string      `json:"checksum,omitempty"`
	More            bool        `json:"more,omitempty"`
	Rejected        []Rejection `json:"rejected,omitempty"`
}

// Rejection reports an entity of an inbound packet that could not be applied.
// It is archived on the receiving side; the sender only learns about it.
type Rejection struct {
	PacketNo   int64  `json:"packet_no"`
	EntityType string `json:"type"`
	EntityUUID string `json:"uuid"`
	Reason     string `json:"reason"`
}

// Entity is one entity state inside a packet body.
type Entity struct {
	Type      string           `json:"type"`
	UUID      string           `json:"uuid"`
	Operation models.Operation `json:"operation"`
	Data      json.RawMessage  `json:"data"`
}

// Body is the payload of a packet.
type Body struct {
	Entities []Entity `json:"entities"`
}

// Envelope is what travels in each direction of an exchange. Body is kept raw
// so that the checksum covers exactly the bytes that were stored and sent.
type Envelope struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// MarshalBody encodes a body into the raw form stored with a packet.
func MarshalBody(b *Body) (json.RawMessage, error) {
	if b.Entities == nil {
		b.Entities = []Entity{}
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "encode packet body", err)
	}
	return raw, nil
}

// BodyChecksum returns the hex SHA-256 of a raw body.
func BodyChecksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Entities decodes the body. An envelope without a packet has no entities.
func (e *Envelope) Entities() ([]Entity, error) {
	if e.Header.PacketNo == 0 || len(e.Body) == 0 {
		return nil, nil
	}
	var b Body
	if err := json.Unmarshal(e.Body, &b); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "decode packet body", err)
	}
	return b.Entities, nil
}

// Verify checks the header against the body. A checksum mismatch means the
// packet was damaged and is reported as queue corruption.
func (e *Envelope) Verify() error {
	h := e.Header
	if h.SenderNodeID == "" {
		return apperrors.New(apperrors.ErrInvalid, "envelope has no sender")
	}
	if h.PacketNo < 0 || h.AckPacketNo < 0 {
		return apperrors.New(apperrors.ErrInvalid, "packet numbers must not be negative")
	}
	if h.PacketNo == 0 {
		if len(e.Body) > 0 {
			return apperrors.New(apperrors.ErrInvalid, "envelope without packet number carries a body")
		}
		return nil
	}
	if len(e.Body) == 0 {
		return apperrors.Newf(apperrors.ErrQueueCorruption, "packet %d has no body", h.PacketNo)
	}
	if got := BodyChecksum(e.Body); got != h.Checksum {
		return apperrors.Newf(apperrors.ErrQueueCorruption,
			"packet %d checksum mismatch: header %s, body %s", h.PacketNo, h.Checksum, got)
	}
	return nil
}

// Compress gzips raw bytes.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress gunzips data, refusing output larger than limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "invalid gzip stream", err)
	}
	defer zr.Close()

	if limit <= 0 {
		limit = DefaultMaxDecoded
	}
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "invalid gzip stream", err)
	}
	if int64(len(out)) > limit {
		return nil, apperrors.Newf(apperrors.ErrSerialization, "decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}

// Encode serializes and gzips an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "encode envelope", err)
	}
	return Compress(raw)
}

// Decode gunzips and parses an envelope from the wire.
func Decode(data []byte, limit int64) (*Envelope, error) {
	raw, err := Decompress(data, limit)
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// Unmarshal parses an uncompressed envelope.
func Unmarshal(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "decode envelope", err)
	}
	return &e, nil
}
