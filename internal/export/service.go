// Package export moves sync envelopes through files for nodes that cannot
// reach each other over the network. A file carries the same envelopes an
// online exchange would, so importing it goes through the normal apply path.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/crypto"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

const (
	// Format identifies export files.
	Format = "fieldledger-sync-export"
	// Version is the file layout version.
	Version = 1
	// FileSuffix is appended to generated file names.
	FileSuffix = ".flsync"
)

// File is the on-disk layout of an export.
type File struct {
	Format     string               `json:"format"`
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Envelopes  []*protocol.Envelope `json:"envelopes"`
	Checksum   string               `json:"checksum"`
}

// ObjectStore is a remote drop box for export files.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
}

// Service exports and imports envelopes.
type Service struct {
	porter syncpkg.Porter
	dir    string
	store  ObjectStore
	now    func() time.Time
}

// NewService creates a Service writing to dir. store may be nil.
func NewService(porter syncpkg.Porter, dir string, store ObjectStore) *Service {
	if dir == "" {
		dir = "exports"
	}
	return &Service{porter: porter, dir: dir, store: store, now: time.Now}
}

// ExportConfig holds export options.
type ExportConfig struct {
	PeerNodeID string
	OutputPath string // default: generated name in the export directory
	Passphrase string // seals the file when set
	Upload     bool   // also put the file in the object store
}

// ImportConfig holds import options.
type ImportConfig struct {
	Path       string
	Passphrase string
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string        `json:"file_path"`
	Name      string        `json:"name"`
	SizeBytes int64         `json:"size_bytes"`
	PacketNo  int64         `json:"packet_no"`
	AckNo     int64         `json:"ack_packet_no"`
	Changes   int           `json:"changes"`
	// More is set when changes were left for a later export. A file holds
	// one packet, and the next is built once the peer acknowledged this one.
	More      bool          `json:"more"`
	Checksum  string        `json:"checksum"`
	Encrypted bool          `json:"encrypted"`
	Uploaded  bool          `json:"uploaded"`
	Duration  time.Duration `json:"duration"`
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	Envelopes int           `json:"envelopes"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Replays   int           `json:"replays"`
	Conflicts int           `json:"conflicts"`
	Rejected  int           `json:"rejected"`
	Duration  time.Duration `json:"duration"`
}

// Checksum returns the hex sha256 of the JSON encoding of envs.
func Checksum(envs []*protocol.Envelope) (string, error) {
	data, err := json.Marshal(envs)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSerialization, "encode envelopes", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Export writes the pending envelope for a peer to a file. The packet is
// built through the packet manager, so a file exported twice carries the
// same packet number and the receiver treats the second one as a replay.
// A backlog beyond one packet takes several export/import cycles; the
// result's More flag says another is needed.
func (s *Service) Export(ctx context.Context, cfg ExportConfig) (*ExportResult, error) {
	start := s.now()
	if cfg.PeerNodeID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "peer node id is required")
	}
	if cfg.Passphrase != "" {
		if err := crypto.CheckPassphrase(cfg.Passphrase); err != nil {
			return nil, err
		}
	}

	env, out, err := s.porter.Outbound(ctx, cfg.PeerNodeID)
	if err != nil {
		return nil, err
	}
	data, sum, err := s.encode([]*protocol.Envelope{env}, start, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s_%s_%s%s", shortID(env.Header.SenderNodeID), shortID(cfg.PeerNodeID),
		start.UTC().Format("20060102T150405"), FileSuffix)
	path := cfg.OutputPath
	if path == "" {
		path = filepath.Join(s.dir, name)
	} else {
		name = filepath.Base(path)
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}

	res := &ExportResult{
		FilePath:  path,
		Name:      name,
		SizeBytes: int64(len(data)),
		PacketNo:  env.Header.PacketNo,
		AckNo:     env.Header.AckPacketNo,
		Checksum:  sum,
		Encrypted: cfg.Passphrase != "",
	}
	if out != nil {
		res.Changes = out.ChangeCount
		res.More = out.More
	}
	if cfg.Upload {
		if s.store == nil {
			return nil, apperrors.New(apperrors.ErrExportFailed, "no object store configured")
		}
		if err := s.store.Put(ctx, name, data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrExportFailed, "upload export", err)
		}
		res.Uploaded = true
	}
	res.Duration = s.now().Sub(start)

	logging.Info("sync export written", map[string]interface{}{
		"path":      path,
		"peer":      cfg.PeerNodeID,
		"packet_no": res.PacketNo,
		"changes":   res.Changes,
		"more":      res.More,
		"encrypted": res.Encrypted,
		"uploaded":  res.Uploaded,
	})
	return res, nil
}

func (s *Service) encode(envs []*protocol.Envelope, at time.Time, passphrase string) ([]byte, string, error) {
	sum, err := Checksum(envs)
	if err != nil {
		return nil, "", err
	}
	f := File{Format: Format, Version: Version, ExportedAt: at.UTC(), Envelopes: envs, Checksum: sum}
	// Not indented: envelope bodies must keep their exact bytes for the
	// body checksum.
	data, err := json.Marshal(f)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrExportFailed, "encode export file", err)
	}
	if passphrase != "" {
		if data, err = crypto.Seal(data, passphrase); err != nil {
			return nil, "", err
		}
	}
	return data, sum, nil
}

// Import applies every envelope of an export file. Importing the same file
// again applies nothing.
func (s *Service) Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "read export file", err)
	}
	return s.ImportData(ctx, data, cfg.Passphrase)
}

// ImportFromStore downloads a file from the object store and imports it.
func (s *Service) ImportFromStore(ctx context.Context, name, passphrase string) (*ImportResult, error) {
	if s.store == nil {
		return nil, apperrors.New(apperrors.ErrImportFailed, "no object store configured")
	}
	data, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.ImportData(ctx, data, passphrase)
}

// ImportData imports the bytes of an export file.
func (s *Service) ImportData(ctx context.Context, data []byte, passphrase string) (*ImportResult, error) {
	start := s.now()
	f, err := Decode(data, passphrase)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Envelopes: len(f.Envelopes)}
	for _, env := range f.Envelopes {
		rec, err := s.porter.ApplyInbound(ctx, env)
		if err != nil {
			return res, err
		}
		res.Applied += rec.Applied
		res.Skipped += rec.Skipped
		res.Conflicts += rec.Conflicts
		res.Rejected += len(rec.Rejected)
		if rec.Replay {
			res.Replays++
		}
	}
	res.Duration = s.now().Sub(start)

	logging.Info("sync export imported", map[string]interface{}{
		"envelopes": res.Envelopes,
		"applied":   res.Applied,
		"replays":   res.Replays,
		"rejected":  res.Rejected,
	})
	return res, nil
}

// Decode opens (if sealed) and validates an export file.
func Decode(data []byte, passphrase string) (*File, error) {
	if crypto.IsSealed(data) {
		if passphrase == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "export file is encrypted; a passphrase is required")
		}
		var err error
		if data, err = crypto.Open(data, passphrase); err != nil {
			return nil, err
		}
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode export file", err)
	}
	if f.Format != Format {
		return nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "not a sync export (format %q)", f.Format)
	}
	if f.Version != Version {
		return nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "unsupported export version %d", f.Version)
	}
	sum, err := Checksum(f.Envelopes)
	if err != nil {
		return nil, err
	}
	if sum != f.Checksum {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "export file checksum mismatch")
	}
	return &f, nil
}

// Prune keeps the newest keep export files in dir and removes the rest.
// keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "read export directory", err)
	}
	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	if len(files) <= keep {
		return 0, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	removed := 0
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil {
			logging.Warn("failed to remove old export", map[string]interface{}{"path": f.path, "error": err.Error()})
			continue
		}
		removed++
	}
	return removed, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "create export directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "write export file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperrors.Wrap(apperrors.ErrExportFailed, "finalize export file", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
