package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

const (
	senderID = "6f1d2c3b-4a59-4e8d-9c7b-1a2b3c4d5e6f"
	peerID   = "0a9b8c7d-6e5f-4a3b-8c1d-2e3f4a5b6c7d"
)

// fakePorter hands out one fixed envelope and records what it was asked to
// apply. Replays are detected by packet number like the real engine does.
type fakePorter struct {
	env      *protocol.Envelope
	applied  []*protocol.Envelope
	lastSeen int64
	more     bool
	err      error
}

func (f *fakePorter) Outbound(ctx context.Context, peer string) (*protocol.Envelope, *packet.Outbound, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.env, &packet.Outbound{NodeID: peer, PacketNo: f.env.Header.PacketNo, ChangeCount: 2, More: f.more}, nil
}

func (f *fakePorter) ApplyInbound(ctx context.Context, env *protocol.Envelope) (*syncpkg.Received, error) {
	if err := env.Verify(); err != nil {
		return nil, err
	}
	f.applied = append(f.applied, env)
	rec := &syncpkg.Received{PacketNo: env.Header.PacketNo}
	if env.Header.PacketNo <= f.lastSeen {
		rec.Replay = true
		return rec, nil
	}
	f.lastSeen = env.Header.PacketNo
	ents, err := env.Entities()
	if err != nil {
		return nil, err
	}
	rec.Applied = len(ents)
	return rec, nil
}

func testEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	body, err := protocol.MarshalBody(&protocol.Body{Entities: []protocol.Entity{
		{Type: "Material", UUID: "11111111-1111-4111-8111-111111111111", Operation: models.OpInsert, Data: json.RawMessage(`{"code":"A&B <mix>","name":"Mortar"}`)},
		{Type: "Material", UUID: "22222222-2222-4222-8222-222222222222", Operation: models.OpUpdate, Data: json.RawMessage(`{"code":"C","name":"Cement"}`)},
	}})
	require.NoError(t, err)
	return &protocol.Envelope{
		Header: protocol.Header{
			SenderNodeID:    senderID,
			RecipientNodeID: peerID,
			PacketNo:        4,
			AckPacketNo:     2,
			SchemaVersion:   "1.0.0",
			Timestamp:       time.Date(2026, 6, 1, 8, 30, 0, 123456789, time.UTC),
			Checksum:        protocol.BodyChecksum(body),
		},
		Body: body,
	}
}

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(ctx context.Context, name string, data []byte) error {
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Get(ctx context.Context, name string) ([]byte, error) {
	d, ok := m.objects[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "object %s not found", name)
	}
	return d, nil
}

func (m *memStore) List(ctx context.Context) ([]string, error) {
	var names []string
	for k := range m.objects {
		names = append(names, k)
	}
	return names, nil
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := &fakePorter{env: testEnvelope(t)}
	res, err := NewService(src, dir, nil).Export(ctx, ExportConfig{PeerNodeID: peerID})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(res.FilePath))
	assert.Equal(t, int64(4), res.PacketNo)
	assert.Equal(t, int64(2), res.AckNo)
	assert.Equal(t, 2, res.Changes)
	assert.False(t, res.Encrypted)
	assert.FileExists(t, res.FilePath)
	assert.NoFileExists(t, res.FilePath+".tmp")

	dst := &fakePorter{}
	svc := NewService(dst, dir, nil)
	imp, err := svc.Import(ctx, ImportConfig{Path: res.FilePath})
	require.NoError(t, err)
	assert.Equal(t, 1, imp.Envelopes)
	assert.Equal(t, 2, imp.Applied)
	assert.Zero(t, imp.Replays)
	require.Len(t, dst.applied, 1)
	assert.Equal(t, src.env.Header.Checksum, dst.applied[0].Header.Checksum)

	again, err := svc.Import(ctx, ImportConfig{Path: res.FilePath})
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
	assert.Equal(t, 1, again.Replays)
}

func TestExportImport_Encrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	out := filepath.Join(dir, "handoff.flsync")
	res, err := NewService(&fakePorter{env: testEnvelope(t)}, dir, nil).Export(ctx, ExportConfig{
		PeerNodeID: peerID,
		OutputPath: out,
		Passphrase: "site office key",
	})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
	assert.Equal(t, "handoff.flsync", res.Name)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Mortar")

	svc := NewService(&fakePorter{}, dir, nil)
	_, err = svc.Import(ctx, ImportConfig{Path: out})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "passphrase required: %v", err)
	_, err = svc.Import(ctx, ImportConfig{Path: out, Passphrase: "wrong passphrase"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCryptoFailed))
	imp, err := svc.Import(ctx, ImportConfig{Path: out, Passphrase: "site office key"})
	require.NoError(t, err)
	assert.Equal(t, 2, imp.Applied)

	_, err = NewService(&fakePorter{env: testEnvelope(t)}, dir, nil).Export(ctx, ExportConfig{PeerNodeID: peerID, Passphrase: "short"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestDecode_Rejects(t *testing.T) {
	good := File{Format: Format, Version: Version, Envelopes: []*protocol.Envelope{testEnvelope(t)}}
	sum, err := Checksum(good.Envelopes)
	require.NoError(t, err)
	good.Checksum = sum

	encode := func(f File) []byte {
		data, err := json.Marshal(f)
		require.NoError(t, err)
		return data
	}
	_, err = Decode(encode(good), "")
	require.NoError(t, err)

	wrongFormat := good
	wrongFormat.Format = "something-else"
	wrongVersion := good
	wrongVersion.Version = 9
	wrongSum := good
	wrongSum.Checksum = "00"

	for name, data := range map[string][]byte{
		"garbage":  []byte("not json"),
		"format":   encode(wrongFormat),
		"version":  encode(wrongVersion),
		"checksum": encode(wrongSum),
	} {
		_, err := Decode(data, "")
		assert.True(t, apperrors.Is(err, apperrors.ErrCorruptedArchive), "%s: %v", name, err)
	}
}

func TestImport_TamperedBodyIsCorruption(t *testing.T) {
	ctx := context.Background()
	env := testEnvelope(t)
	env.Body = json.RawMessage(`{"entities":[]}`)
	sum, err := Checksum([]*protocol.Envelope{env})
	require.NoError(t, err)
	data, err := json.Marshal(File{Format: Format, Version: Version, Envelopes: []*protocol.Envelope{env}, Checksum: sum})
	require.NoError(t, err)

	_, err = NewService(&fakePorter{}, t.TempDir(), nil).ImportData(ctx, data, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueCorruption), "body no longer matches the header checksum: %v", err)
}

func TestExport_UploadAndImportFromStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objects: map[string][]byte{}}
	res, err := NewService(&fakePorter{env: testEnvelope(t)}, t.TempDir(), store).Export(ctx, ExportConfig{PeerNodeID: peerID, Upload: true})
	require.NoError(t, err)
	assert.True(t, res.Uploaded)
	require.Contains(t, store.objects, res.Name)

	imp, err := NewService(&fakePorter{}, t.TempDir(), store).ImportFromStore(ctx, res.Name, "")
	require.NoError(t, err)
	assert.Equal(t, 2, imp.Applied)

	_, err = NewService(&fakePorter{env: testEnvelope(t)}, t.TempDir(), nil).Export(ctx, ExportConfig{PeerNodeID: peerID, Upload: true})
	assert.True(t, apperrors.Is(err, apperrors.ErrExportFailed))
	_, err = NewService(&fakePorter{}, t.TempDir(), nil).ImportFromStore(ctx, "x", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrImportFailed))
}

func TestExport_ReportsBacklog(t *testing.T) {
	ctx := context.Background()
	src := &fakePorter{env: testEnvelope(t)}
	svc := NewService(src, t.TempDir(), nil)

	res, err := svc.Export(ctx, ExportConfig{PeerNodeID: peerID})
	require.NoError(t, err)
	assert.False(t, res.More)

	src.more = true
	res, err = svc.Export(ctx, ExportConfig{PeerNodeID: peerID, OutputPath: filepath.Join(t.TempDir(), "next.flsync")})
	require.NoError(t, err)
	assert.True(t, res.More, "changes left beyond the packet limit")
}

func TestExport_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := NewService(&fakePorter{}, t.TempDir(), nil).Export(ctx, ExportConfig{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	blocked := &fakePorter{err: apperrors.New(apperrors.ErrQueueCorruption, "node is blocked")}
	_, err = NewService(blocked, t.TempDir(), nil).Export(ctx, ExportConfig{PeerNodeID: peerID})
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueCorruption))

	_, err = NewService(&fakePorter{}, t.TempDir(), nil).Import(ctx, ImportConfig{Path: filepath.Join(t.TempDir(), "missing.flsync")})
	assert.True(t, apperrors.Is(err, apperrors.ErrImportFailed))
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.flsync", "b.flsync", "c.flsync", "notes.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	removed, err := Prune(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, filepath.Join(dir, "c.flsync"))
	assert.NoFileExists(t, filepath.Join(dir, "a.flsync"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))

	removed, err = Prune(dir, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
