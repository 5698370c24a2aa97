// Package journal persists records as an encrypted, append-only JSON
// array in a single file.
//
// Every Append rewrites the whole file. A missing, corrupt or
// undecryptable file reads as an empty journal, so rotating the secret
// silently starts a fresh journal.
package journal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

// Store is safe for concurrent use within one process.
type Store struct {
	path string
	aead cipher.AEAD
	now  func() time.Time

	mu sync.Mutex
}

// Open returns a Store backed by path and keyed by secret.
// The file is not touched until the first Load or Append.
func Open(path, secret string) (*Store, error) {
	if secret == "" {
		return nil, apperr.ErrJournalLocked
	}
	aead, err := deriveAEAD(secret)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, aead: aead, now: time.Now}, nil
}

// deriveAEAD hashes secret into a 32-byte AES-256 key.
func deriveAEAD(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("journal cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// LoadAll returns every record in append order.
func (s *Store) LoadAll() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Append adds rec to the end of the journal. ID and Timestamp are
// filled in when empty. The returned record is the one written.
func (s *Store) Append(rec model.Record) (model.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := append(s.read(), rec)
	plain, err := json.Marshal(records)
	if err != nil {
		return rec, fmt.Errorf("%w: encode: %v", apperr.ErrJournalWrite, err)
	}
	if err := s.write(s.seal(plain)); err != nil {
		return rec, fmt.Errorf("%w: %v", apperr.ErrJournalWrite, err)
	}
	return rec, nil
}

func (s *Store) read() []model.Record {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		return []model.Record{}
	}
	plain, err := s.open(blob)
	if err != nil {
		return []model.Record{}
	}
	var records []model.Record
	if err := json.Unmarshal(plain, &records); err != nil || records == nil {
		return []model.Record{}
	}
	return records
}

func (s *Store) seal(plain []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic("journal: read nonce: " + err.Error())
	}
	return s.aead.Seal(nonce, nonce, plain, nil)
}

var errShortBlob = errors.New("journal: ciphertext too short")

func (s *Store) open(blob []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(blob) < n+s.aead.Overhead() {
		return nil, errShortBlob
	}
	return s.aead.Open(nil, blob[:n], blob[n:], nil)
}

// write replaces the file via a temp file and rename so a crash never
// leaves a half-written journal behind.
func (s *Store) write(blob []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
