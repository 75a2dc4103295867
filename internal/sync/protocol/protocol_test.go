package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

func sampleEnvelope(t *testing.T) *Envelope {
	t.Helper()
	raw, err := MarshalBody(&Body{Entities: []Entity{{
		Type:      "Material",
		UUID:      "6f1c1e2a-6a43-4c55-9f53-0b8a1a7f3c21",
		Operation: models.OpInsert,
		Data:      json.RawMessage(`{"code":"CEM-25","uuid":"6f1c1e2a-6a43-4c55-9f53-0b8a1a7f3c21"}`),
	}}})
	require.NoError(t, err)
	return &Envelope{
		Header: Header{
			SenderNodeID:    "a0d1c1a8-1b9e-4f58-8c2b-5d0c4b7d2f11",
			RecipientNodeID: "b6f2d3c4-2a7f-4e19-9d3c-6e1d5c8e3a22",
			PacketNo:        4,
			AckPacketNo:     2,
			SchemaVersion:   "1.0.0",
			Timestamp:       time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
			Checksum:        BodyChecksum(raw),
			More:            true,
		},
		Body: raw,
	}
}

func TestEncodeDecode(t *testing.T) {
	env := sampleEnvelope(t)

	wire, err := Encode(env)
	require.NoError(t, err)
	// gzip magic
	assert.True(t, bytes.HasPrefix(wire, []byte{0x1f, 0x8b}))

	got, err := Decode(wire, 0)
	require.NoError(t, err)
	assert.Equal(t, env.Header, got.Header)
	assert.JSONEq(t, string(env.Body), string(got.Body))
	require.NoError(t, got.Verify())

	entities, err := got.Entities()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Material", entities[0].Type)
	assert.Equal(t, models.OpInsert, entities[0].Operation)
}

func TestVerify_ChecksumMismatchIsCorruption(t *testing.T) {
	env := sampleEnvelope(t)
	env.Body = json.RawMessage(bytes.Replace(env.Body, []byte("CEM-25"), []byte("CEM-50"), 1))

	err := env.Verify()
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueCorruption), "got %v", err)
}

func TestVerify_EmptyEnvelope(t *testing.T) {
	env := &Envelope{Header: Header{SenderNodeID: "n1", AckPacketNo: 7}}
	require.NoError(t, env.Verify())

	entities, err := env.Entities()
	require.NoError(t, err)
	assert.Empty(t, entities)

	env.Body = json.RawMessage(`{"entities":[]}`)
	assert.True(t, apperrors.Is(env.Verify(), apperrors.ErrInvalid))
}

func TestVerify_RejectsMissingSenderAndNegativeNumbers(t *testing.T) {
	assert.True(t, apperrors.Is((&Envelope{}).Verify(), apperrors.ErrInvalid))

	env := &Envelope{Header: Header{SenderNodeID: "n1", PacketNo: -1}}
	assert.True(t, apperrors.Is(env.Verify(), apperrors.ErrInvalid))
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("plain text"), 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "got %v", err)

	gz, err := Compress([]byte("{not json"))
	require.NoError(t, err)
	_, err = Decode(gz, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "got %v", err)
}

func TestDecompress_Limit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	gz, err := Compress(payload)
	require.NoError(t, err)

	out, err := Decompress(gz, 4096)
	require.NoError(t, err)
	assert.Len(t, out, 4096)

	_, err = Decompress(gz, 4095)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "got %v", err)
}

func TestMarshalBody_NilEntities(t *testing.T) {
	raw, err := MarshalBody(&Body{})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, string(raw))
}
