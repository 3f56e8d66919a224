// Package crypt seals append log payloads. The key lives in a local file
// that is created on first use.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var (
	// ErrDecrypt is returned when a payload cannot be authenticated with the key.
	ErrDecrypt = errors.New("decrypt failed")
	// ErrBadKey is returned for key files that do not hold a 32 byte key.
	ErrBadKey = errors.New("invalid key file")
)

// Sealer encrypts and decrypts opaque blobs.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// LoadKey reads a base64 key from path, generating and writing a new one
// if the file does not exist.
func LoadKey(path string) ([KeySize]byte, error) {
	var key [KeySize]byte
	b, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return generateKey(path)
	}
	if err != nil {
		return key, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrBadKey, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func generateKey(path string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return key, err
	}
	enc := base64.StdEncoding.EncodeToString(key[:])
	// O_EXCL so two daemons racing on first start cannot overwrite each other's key
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return LoadKey(path)
	}
	if err != nil {
		return key, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(enc + "\n"); err != nil {
		return key, err
	}
	return key, f.Sync()
}

// SecretBox seals with XSalsa20-Poly1305. The random nonce is prepended.
type SecretBox struct {
	key [KeySize]byte
}

func NewSecretBox(key [KeySize]byte) *SecretBox { return &SecretBox{key: key} }

func (s *SecretBox) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *SecretBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// Plain passes payloads through untouched.
type Plain struct{}

func (Plain) Seal(plain []byte) ([]byte, error) { return append([]byte(nil), plain...), nil }
func (Plain) Open(sealed []byte) ([]byte, error) { return append([]byte(nil), sealed...), nil }
