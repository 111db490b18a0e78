package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

const DefaultMaxStateBytes = 1 << 20 // 1 MiB

// Snapshot names.
const (
	Orchestrator = "orchestrator"
	CurrentJob   = "current_job"
	AMRState     = "amr_state"
)

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store keeps crash-inspection snapshots as <dir>/<name>.json. Every write
// goes to a temp file that is fsynced and renamed into place, so a reader
// never sees a torn file.
type Store struct {
	dir      string
	maxBytes int

	mu sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		maxBytes: DefaultMaxStateBytes,
	}
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

// Get returns the snapshot for name, or {} if missing.
func (s *Store) Get(name string) (json.RawMessage, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("stored snapshot is invalid JSON for name=%q", name)
	}
	return json.RawMessage(raw), nil
}

// Put replaces the snapshot for name with v encoded as JSON.
func (s *Store) Put(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name, data)
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged snapshot is persisted and returned.
func (s *Store) ShallowMerge(name string, updates json.RawMessage) (json.RawMessage, error) {
	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	curRaw, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	cur, err := decodeObjectOrEmpty(curRaw)
	if err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}

	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged snapshot: %w", err)
	}
	if err := s.writeLocked(name, merged); err != nil {
		return nil, err
	}
	return json.RawMessage(merged), nil
}

// Remove deletes the snapshot for name. Missing snapshots are not an error.
func (s *Store) Remove(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid snapshot name %q", name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

func (s *Store) writeLocked(name string, data []byte) error {
	if len(data) > s.maxBytes {
		return fmt.Errorf("snapshot %s exceeds max size (%d bytes)", name, s.maxBytes)
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
