// Package credstore keeps the desktop node's sync credentials in a bbolt
// file. The bearer token is encrypted with a key derived from the machine id.
package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldledger/fieldledger/backend/internal/crypto"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
)

// FileName is the credential file inside the data directory.
const FileName = "credentials.db"

var nodeBucket = []byte("node")

var credentialsKey = []byte("credentials")

// Credentials identify this desktop to its server.
type Credentials struct {
	NodeID       string    `json:"node_id"`
	ServerNodeID string    `json:"server_node_id"`
	ServerURL    string    `json:"server_url"`
	Token        string    `json:"-"`
	RegisteredAt time.Time `json:"registered_at"`
}

type record struct {
	Credentials
	EncryptedToken string `json:"encrypted_token"`
}

// Store is an open credential file.
type Store struct {
	db     *bolt.DB
	secret string
}

// Open opens or creates the credential file in dataDir.
func Open(dataDir, machineID string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create data directory", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, FileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open credential store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "create credential bucket", err)
	}
	return &Store{db: db, secret: crypto.MachineSecret(machineID)}, nil
}

// Close closes the file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored credentials.
func (s *Store) Save(c *Credentials) error {
	if c.NodeID == "" || c.Token == "" {
		return apperrors.New(apperrors.ErrInvalid, "node id and token are required")
	}
	enc, err := crypto.EncryptString(c.Token, s.secret)
	if err != nil {
		return err
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}
	data, err := json.Marshal(record{Credentials: *c, EncryptedToken: enc})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSerialization, "encode credentials", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodeBucket).Put(credentialsKey, data)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save credentials", err)
	}
	return nil
}

// Load returns the stored credentials with the token decrypted. It fails with
// ErrSyncNotConfigured before the node was registered.
func (s *Store) Load() (*Credentials, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(nodeBucket).Get(credentialsKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read credentials", err)
	}
	if data == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "this node is not registered")
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "decode credentials", err)
	}
	token, err := crypto.DecryptString(rec.EncryptedToken, s.secret)
	if err != nil {
		return nil, err
	}
	c := rec.Credentials
	c.Token = token
	return &c, nil
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodeBucket).Delete(credentialsKey)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear credentials", err)
	}
	return nil
}
