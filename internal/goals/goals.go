// Package goals maps upstream goal ids (DOT400002) to AMR waypoint names.
// The map file is YAML (JSON is accepted too); each entry is either a bare
// waypoint string or a {goal, cmd} object.
package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// CmdGoto is the only motion command the sequence issues.
	CmdGoto = "goto"

	reloadDebounce = 100 * time.Millisecond
)

// Target is the AMR side of one goal mapping.
type Target struct {
	Goal string `json:"goal" yaml:"goal"`
	Cmd  string `json:"cmd" yaml:"cmd"`
}

// UnmarshalYAML accepts "Goal2" or {goal: Goal2, cmd: goto}. arcl_goal and
// name are accepted as aliases for goal.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Goal = strings.TrimSpace(value.Value)
		t.Cmd = CmdGoto
		return nil
	}
	var raw struct {
		Goal     string `yaml:"goal"`
		ArclGoal string `yaml:"arcl_goal"`
		Name     string `yaml:"name"`
		Cmd      string `yaml:"cmd"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Goal = strings.TrimSpace(firstNonEmpty(raw.Goal, raw.ArclGoal, raw.Name))
	t.Cmd = strings.ToLower(strings.TrimSpace(raw.Cmd))
	if t.Cmd == "" {
		t.Cmd = CmdGoto
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Parse decodes a goals map.
func Parse(data []byte) (map[string]Target, error) {
	var entries map[string]Target
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse goals: %w", err)
	}
	out := make(map[string]Target, len(entries))
	for id, t := range entries {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("parse goals: empty goal id")
		}
		if t.Goal == "" {
			return nil, fmt.Errorf("parse goals: %s has no waypoint", id)
		}
		if t.Cmd != CmdGoto {
			return nil, fmt.Errorf("parse goals: %s uses unsupported cmd %q (only %q)", id, t.Cmd, CmdGoto)
		}
		out[id] = t
	}
	return out, nil
}

// LoadFile reads and parses the goals map at path.
func LoadFile(path string) (map[string]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Registry is a hot-reloadable goals map.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Target
}

// NewRegistry loads path. A missing file yields an empty registry, so every
// goal id resolves to itself.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		logger:  logger.With("component", "goals"),
		entries: map[string]Target{},
	}
	if err := r.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file. On error the previous map stays in place.
func (r *Registry) Reload() error {
	entries, err := LoadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("goals file not found, goal ids are used as waypoints", "path", r.path)
		}
		return err
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	r.logger.Info("goals loaded", "path", r.path, "count", len(entries))
	return nil
}

// Resolve returns the target for goalID, falling back to goalID itself.
func (r *Registry) Resolve(goalID string) (Target, bool) {
	r.mu.RLock()
	t, ok := r.entries[goalID]
	r.mu.RUnlock()
	if !ok {
		return Target{Goal: goalID, Cmd: CmdGoto}, false
	}
	return t, true
}

// Waypoint returns the waypoint name for goalID.
func (r *Registry) Waypoint(goalID string) string {
	t, _ := r.Resolve(goalID)
	return t.Goal
}

// Len returns the number of mapped goals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Watch reloads the registry whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("resolve goals path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	// Debounce: editors emit several events per save.
	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			if err := r.Reload(); err != nil {
				r.logger.Error("Goals reload failed, keeping previous map", "path", r.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Goals watcher error", "error", err)
		}
	}
}
