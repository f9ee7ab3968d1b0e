package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Store persists the token bundle as a single authenticated-encrypted blob.
// The key is derived deterministically from the OAuth2 client ID, so the
// blob is useless without the matching configuration.
type Store struct {
	path   string
	key    [32]byte
	logger *slog.Logger
}

// NewStore creates a Store for the given file path and client ID.
func NewStore(path, clientID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, key: deriveKey(clientID), logger: logger}
}

// deriveKey builds the symmetric key from the client ID: the segment after
// the last '-' is hashed with SHA-256 and the 32-byte digest is the key.
func deriveKey(clientID string) [32]byte {
	part := clientID
	if i := strings.LastIndex(clientID, "-"); i >= 0 {
		part = clientID[i+1:]
	}
	return sha256.Sum256([]byte(part))
}

// Load reads and decrypts the stored bundle. It returns ok=false when the
// file is missing, tampered with, encrypted under a different key, or not
// valid JSON; callers treat all of these as "no token".
func (s *Store) Load() (*Bundle, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	if len(data) < nonceSize {
		return nil, false
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		s.logger.Debug("token store failed authentication", slog.String("path", s.path))
		return nil, false
	}

	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		s.logger.Debug("token store contains invalid JSON", slog.String("path", s.path))
		return nil, false
	}
	return &b, true
}

// Save encrypts and persists the bundle. The write is atomic: the blob is
// written to a temp file in the same directory and renamed over the target,
// so a concurrent Load sees either the old or the new bundle.
func (s *Store) Save(b *Bundle) error {
	plain, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding token bundle: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	blob := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}
