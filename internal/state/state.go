// SPDX-License-Identifier: Apache-2.0
// Package state owns Katana's durable, single-source-of-truth record of
// installed modules and the system lock flag.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samurai-wtf/katana/internal/katanaerr"
)

// Target is a persisted, installed target module.
type Target struct {
	Name           string  `yaml:"name"`
	InstalledAt    string  `yaml:"installed_at"`
	ComposeProject string  `yaml:"compose_project"`
	Routes         []Route `yaml:"routes"`
}

// Route is a persisted proxy route for an installed target.
type Route struct {
	Hostname string `yaml:"hostname"`
	Service  string `yaml:"service"`
	Port     int    `yaml:"port"`
}

// Tool is a persisted, installed tool module.
type Tool struct {
	Name        string `yaml:"name"`
	InstalledAt string `yaml:"installed_at"`
	Version     string `yaml:"version,omitempty"`
}

// State is the full persisted record.
type State struct {
	Locked      bool     `yaml:"locked"`
	LastUpdated string   `yaml:"last_updated"`
	Targets     []Target `yaml:"targets"`
	Tools       []Tool   `yaml:"tools"`
}

// clone returns a deep copy so callers can never mutate the store's
// internal value through a returned reference.
func (s *State) clone() *State {
	cp := &State{
		Locked:      s.Locked,
		LastUpdated: s.LastUpdated,
		Targets:     append([]Target(nil), s.Targets...),
		Tools:       append([]Tool(nil), s.Tools...),
	}
	for i, t := range cp.Targets {
		cp.Targets[i].Routes = append([]Route(nil), t.Routes...)
	}
	return cp
}

func validate(s *State) error {
	seen := make(map[string]string, len(s.Targets)+len(s.Tools))
	for _, t := range s.Targets {
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			return katanaerr.New(katanaerr.CodeState, fmt.Sprintf("module %q installed more than once", t.Name), nil)
		}
		seen[key] = "target"
	}
	for _, t := range s.Tools {
		key := strings.ToLower(t.Name)
		if _, dup := seen[key]; dup {
			return katanaerr.New(katanaerr.CodeState, fmt.Sprintf("module %q installed as both target and tool", t.Name), nil)
		}
		seen[key] = "tool"
	}
	return nil
}

// Store guards the persisted state with an in-process lock and makes
// every write atomic at the filesystem level.
type Store struct {
	mu        sync.Mutex
	path      string
	current   *State
	listeners []func(*State)
}

// Open loads state from path, creating an empty, valid state file if
// none exists yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.current = &State{LastUpdated: time.Now().UTC().Format(time.RFC3339)}
		if writeErr := s.writeLocked(s.current); writeErr != nil {
			return nil, writeErr
		}
		return s, nil
	}
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeState, "read state file", err)
	}

	var loaded State
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, katanaerr.New(katanaerr.CodeState, "parse state file: corrupt state.yml", err).
			WithHelp("state.yml is corrupt; restore it from backup rather than deleting it")
	}
	if err := validate(&loaded); err != nil {
		return nil, err
	}
	s.current = &loaded
	return s, nil
}

// OnChange registers a callback invoked after every successful mutation,
// so the Route Table can recompute. Callbacks run while the Store's lock
// is still held, so a callback must not call back into the Store.
func (s *Store) OnChange(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns a defensive copy of the current state.
func (s *Store) Get() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Update runs fn against a copy of the current state under the lock; if
// fn succeeds and the result validates, it is persisted atomically and
// becomes the new current state.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := validate(next); err != nil {
		return err
	}
	next.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.current = next

	listeners := append([]func(*State){}, s.listeners...)
	snapshot := next.clone()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// writeLocked serializes and atomically persists state. Caller must hold s.mu.
func (s *Store) writeLocked(st *State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return katanaerr.New(katanaerr.CodeState, "marshal state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.yml.tmp")
	if err != nil {
		return katanaerr.New(katanaerr.CodeState, "create temp state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return katanaerr.New(katanaerr.CodeState, "write temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return katanaerr.New(katanaerr.CodeState, "fsync temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return katanaerr.New(katanaerr.CodeState, "close temp state file", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return katanaerr.New(katanaerr.CodeState, "chmod temp state file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return katanaerr.New(katanaerr.CodeState, "rename state file into place", err)
	}
	return nil
}

// --- sugar helpers -------------------------------------------------------

// SetLocked flips the lock flag.
func (s *Store) SetLocked(locked bool) error {
	return s.Update(func(st *State) error {
		st.Locked = locked
		return nil
	})
}

// AddTarget appends a newly installed target.
func (s *Store) AddTarget(t Target) error {
	return s.Update(func(st *State) error {
		if findTargetIn(st, t.Name) != nil {
			return katanaerr.AlreadyExists("target", t.Name)
		}
		st.Targets = append(st.Targets, t)
		return nil
	})
}

// RemoveTarget removes an installed target by name (case-insensitive).
func (s *Store) RemoveTarget(name string) error {
	return s.Update(func(st *State) error {
		idx := -1
		for i, t := range st.Targets {
			if strings.EqualFold(t.Name, name) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return katanaerr.NotFound("target", name)
		}
		st.Targets = append(st.Targets[:idx], st.Targets[idx+1:]...)
		return nil
	})
}

// AddTool appends a newly installed tool.
func (s *Store) AddTool(t Tool) error {
	return s.Update(func(st *State) error {
		if findToolIn(st, t.Name) != nil {
			return katanaerr.AlreadyExists("tool", t.Name)
		}
		st.Tools = append(st.Tools, t)
		return nil
	})
}

// RemoveTool removes an installed tool by name (case-insensitive).
func (s *Store) RemoveTool(name string) error {
	return s.Update(func(st *State) error {
		idx := -1
		for i, t := range st.Tools {
			if strings.EqualFold(t.Name, name) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return katanaerr.NotFound("tool", name)
		}
		st.Tools = append(st.Tools[:idx], st.Tools[idx+1:]...)
		return nil
	})
}

// FindTarget returns the installed target with the given name, or nil.
func (s *Store) FindTarget(name string) *Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findTargetIn(s.current, name)
}

// FindTool returns the installed tool with the given name, or nil.
func (s *Store) FindTool(name string) *Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findToolIn(s.current, name)
}

func findTargetIn(st *State, name string) *Target {
	for i := range st.Targets {
		if strings.EqualFold(st.Targets[i].Name, name) {
			cp := st.Targets[i]
			return &cp
		}
	}
	return nil
}

func findToolIn(st *State, name string) *Tool {
	for i := range st.Tools {
		if strings.EqualFold(st.Tools[i].Name, name) {
			cp := st.Tools[i]
			return &cp
		}
	}
	return nil
}
