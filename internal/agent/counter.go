package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// CounterStore persists the host-maintained authentication counter for
// each (application parameter, key handle) pair the token has signed
// for. The device itself is stateless, so nothing else remembers this
// across process restarts.
type CounterStore struct {
	mu       sync.Mutex
	path     string // empty for an in-memory-only store
	counters map[string]uint32
}

// NewMemoryCounterStore returns a CounterStore that never touches disk,
// useful for tests and for --no-persist-counters runs.
func NewMemoryCounterStore() *CounterStore {
	return &CounterStore{counters: map[string]uint32{}}
}

// DefaultCounterStorePath returns the file counters are persisted to
// under the user's configuration directory (os.UserConfigDir), creating
// the containing directory if needed.
func DefaultCounterStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("agent: UserConfigDir: %w", err)
	}
	dir = filepath.Join(dir, "tkey-fido")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("agent: mkdir %s: %w", dir, err)
	}
	return filepath.Join(dir, "counters.yaml"), nil
}

// LoadCounterStore reads path (a YAML map of hex key to counter value),
// tolerating a missing file by starting empty.
func LoadCounterStore(path string) (*CounterStore, error) {
	s := &CounterStore{path: path, counters: map[string]uint32{}}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("agent: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &s.counters); err != nil {
		return nil, fmt.Errorf("agent: parse %s: %w", path, err)
	}
	return s, nil
}

func counterKey(appParam [32]byte, keyHandle [64]byte) string {
	h := sha256.New()
	h.Write(appParam[:])
	h.Write(keyHandle[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Next returns the next counter value for (appParam, keyHandle) —
// starting at 1, since U2F counters must never be zero on the first
// signature — persisting the increment before returning it so a crash
// between device-sign and disk-write can only ever skip a value forward,
// never replay one.
func (s *CounterStore) Next(appParam [32]byte, keyHandle [64]byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(appParam, keyHandle)
	s.counters[key]++
	v := s.counters[key]

	if s.path != "" {
		if err := s.saveLocked(); err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (s *CounterStore) saveLocked() error {
	out, err := yaml.Marshal(s.counters)
	if err != nil {
		return fmt.Errorf("agent: marshal counters: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("agent: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("agent: rename %s: %w", tmp, err)
	}
	return nil
}
