// Package crypto seals small secrets and export files with AES-256-GCM.
// Keys are derived from a secret with PBKDF2-SHA256 and a random salt that
// travels with the ciphertext; the secret itself is never stored.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
)

const (
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100_000
	// KeyLength selects AES-256.
	KeyLength = 32
	// SaltLength is the length of the random salt stored with each ciphertext.
	SaltLength = 16
	// PassphraseMinLength applies to user-chosen export passphrases.
	PassphraseMinLength = 8
)

// magic prefixes every sealed blob: format name and version.
var magic = []byte("FLSEAL1")

// DeriveKey derives a 32-byte key from secret and salt.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, Iterations, KeyLength, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "create gcm", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under secret. The result is
// magic | salt | nonce | ciphertext+tag.
func Seal(plaintext []byte, secret string) ([]byte, error) {
	if secret == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "encryption secret is empty")
	}
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "generate salt", err)
	}
	gcm, err := newGCM(DeriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "generate nonce", err)
	}

	out := make([]byte, 0, len(magic)+SaltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// IsSealed reports whether data starts with the sealed-blob marker.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Open decrypts data produced by Seal. A wrong secret and a damaged blob
// both fail with ErrCryptoFailed.
func Open(data []byte, secret string) ([]byte, error) {
	if !IsSealed(data) {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "not a sealed blob")
	}
	rest := data[len(magic):]
	if len(rest) < SaltLength {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "sealed blob is truncated")
	}
	salt, rest := rest[:SaltLength], rest[SaltLength:]
	gcm, err := newGCM(DeriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "sealed blob is truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "decryption failed: wrong secret or damaged data")
	}
	return plaintext, nil
}

// EncryptString seals a string and returns it base64 encoded for storage.
func EncryptString(plaintext, secret string) (string, error) {
	sealed, err := Seal([]byte(plaintext), secret)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(encoded, secret string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "decode ciphertext", err)
	}
	plaintext, err := Open(data, secret)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// MachineSecret returns the secret used for credentials at rest on this
// machine. An empty machine id falls back to a fixed value, which only
// obscures the token.
func MachineSecret(machineID string) string {
	if machineID == "" {
		machineID = "fieldledger-default-machine"
	}
	return "fieldledger:" + machineID
}

// CheckPassphrase validates a user-chosen export passphrase.
func CheckPassphrase(p string) error {
	if len(p) < PassphraseMinLength {
		return apperrors.Newf(apperrors.ErrInvalid, "passphrase must be at least %d characters", PassphraseMinLength)
	}
	return nil
}
