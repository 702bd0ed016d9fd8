package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrBaseHashMismatch is returned by Store.Patch when the caller's base_hash
// no longer names the store's current snapshot (spec §6/§9: configuration is
// "an immutable snapshot taken at startup plus explicit, versioned patch
// operations guarded by optimistic base-hash concurrency").
var ErrBaseHashMismatch = errors.New("config: base_hash does not match the current snapshot")

// Snapshot is one immutable, content-addressed view of the loaded
// configuration. Hash is a digest of Raw, so two snapshots with identical
// content always compare equal without the caller diffing field by field.
type Snapshot struct {
	Hash   string
	Raw    map[string]any
	Config *Config
}

// Store holds the process's current config Snapshot behind a short
// critical section (spec §9's small shared state behind a mutex, same shape
// as the profile chain's cooldown map). Readers get a pointer to an
// immutable Snapshot; Patch never mutates one in place, it builds and
// installs a new one.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore builds a Store from an already-validated Config, the same one
// Load returns, so nothing can observe a Store whose snapshot would fail
// its own invariants.
func NewStore(cfg *Config) (*Store, error) {
	snap, err := newSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{current: snap}, nil
}

func newSnapshot(cfg *Config) (*Snapshot, error) {
	raw, err := toRawMap(cfg)
	if err != nil {
		return nil, err
	}
	hash, err := hashRaw(raw)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Hash: hash, Raw: raw, Config: cfg}, nil
}

// toRawMap derives the canonical map form of cfg by round-tripping it
// through YAML, mirroring the teacher's own configToMap — the raw view the
// control plane serves is always exactly what the typed Config contains,
// defaults included, never the caller's pre-default input.
func toRawMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: marshal snapshot: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: marshal snapshot: %w", err)
	}
	return raw, nil
}

// hashRaw digests raw's canonical JSON encoding (encoding/json sorts map
// keys, so the digest is stable across process restarts given the same
// content). No pack library covers content hashing, so this is the one
// place the store reaches for the standard library instead of a dependency.
func hashRaw(raw map[string]any) (string, error) {
	canon, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("config: hash snapshot: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Snapshot returns the store's current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Patch applies patch as a recursive merge over the snapshot named by
// baseHash, decodes and validates the result, and only then installs it as
// the store's new current snapshot (spec §8's get -> patch -> get
// round-trip). A stale baseHash or an invalid result leaves the store
// untouched.
func (s *Store) Patch(baseHash string, patch map[string]any) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if baseHash != s.current.Hash {
		return nil, ErrBaseHashMismatch
	}

	merged := deepCopyMap(s.current.Raw)
	merged = mergeMaps(merged, patch)

	cfg, err := decodeRawConfig(merged)
	if err != nil {
		return nil, fmt.Errorf("config: patch produced an invalid config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	snap, err := newSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	s.current = snap
	return snap, nil
}

func deepCopyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

// sensitiveKeyNeedles matches the token/credential-shaped keys a config
// snapshot must never expose over the control plane, grounded on the
// teacher's own isSensitiveKey check.
var sensitiveKeyNeedles = []string{"token", "secret", "dsn", "api_key", "apikey", "password", "credential"}

// RedactSecrets returns a deep copy of raw with any sensitive-looking leaf
// key's value replaced by a placeholder, so GET /config can return the full
// shape of the snapshot without leaking channel tokens or DSNs.
func RedactSecrets(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if isSensitiveKey(key) {
			out[key] = "***"
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactSecrets(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range sensitiveKeyNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
