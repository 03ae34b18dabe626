// Package checkpoint stores FSM snapshots on disk behind an HMAC so that a
// resumed experiment never acts on bytes it did not write itself.
//
// File format: hex(HMAC-BLAKE2b-512(key, payload)) + " " + payload.
package checkpoint

import (
	"bytes"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// ErrAbsent reports that no usable checkpoint exists.
var ErrAbsent = errors.New("checkpoint absent")

const separator = ' '

// Store persists one checkpoint file.
type Store struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// New returns a Store for path authenticated with key. The key must not be
// empty and must not be stored in the checkpoint file itself.
func New(path string, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: checkpoint key is empty", fault.ErrInvalidConfig)
	}
	return &Store{path: path, key: append([]byte(nil), key...)}, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Save authenticates payload and atomically replaces the checkpoint.
func (s *Store) Save(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path+".lock", true)
	if err != nil {
		return fmt.Errorf("locking checkpoint: %w", err)
	}
	defer unlock()

	digest := hex.EncodeToString(s.sign(payload))
	buf := make([]byte, 0, len(digest)+1+len(payload))
	buf = append(buf, digest...)
	buf = append(buf, separator)
	buf = append(buf, payload...)

	if err := fsutil.WriteFile(s.path, buf, 0o600); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load returns the authenticated payload. A missing or unparseable file is
// ErrAbsent; a digest that does not match is fault.ErrTampered. No payload
// bytes are returned unless the digest verifies.
func (s *Store) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path+".lock", false)
	if err != nil {
		return nil, fmt.Errorf("locking checkpoint: %w", err)
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrAbsent, fault.ErrReadFailed, err)
	}

	idx := bytes.IndexByte(data, separator)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %w: no digest separator", ErrAbsent, fault.ErrReadFailed)
	}

	want, err := hex.DecodeString(string(data[:idx]))
	if err != nil {
		return nil, fmt.Errorf("%w: digest is not hex", fault.ErrTampered)
	}
	payload := data[idx+1:]
	if !hmac.Equal(want, s.sign(payload)) {
		return nil, fault.ErrTampered
	}
	return payload, nil
}

// Clear removes the checkpoint. Clearing an absent checkpoint is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	if err := os.Remove(s.path + ".lock"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing checkpoint lock: %w", err)
	}
	return nil
}

func (s *Store) sign(payload []byte) []byte {
	mac := hmac.New(newBlake2b, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func newBlake2b() hash.Hash {
	// New512 only fails for keys longer than 64 bytes; no key is passed here.
	h, _ := blake2b.New512(nil)
	return h
}
