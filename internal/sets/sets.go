// Package sets stores named groups of decision IDs in a JSON sidecar
// file next to the decision log. Clients use them to follow a curated
// slice of the log instead of the whole thing.
package sets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Set is a named collection of decision IDs.
type Set struct {
	Name      string    `json:"name"`
	Decisions []string  `json:"decisions"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists sets to a single JSON file. All methods are safe for
// concurrent use; writes go through a temp file and rename.
type Store struct {
	mu   sync.Mutex
	path string
	sets map[string]Set
}

func Open(path string) (*Store, error) {
	s := &Store{path: path, sets: make(map[string]Set)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sets file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var loaded []Set
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse sets file: %w", err)
	}
	for _, set := range loaded {
		if set.Name == "" {
			continue
		}
		s.sets[set.Name] = set
	}
	return s, nil
}

// List returns all sets sorted by name.
func (s *Store) List() []Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Set, 0, len(s.sets))
	for _, set := range s.sets {
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) Get(name string) (Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[name]
	return set, ok
}

// Put creates or replaces a set and persists the result.
func (s *Store) Put(name string, decisions []string) (Set, error) {
	if name == "" {
		return Set{}, fmt.Errorf("set name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := Set{
		Name:      name,
		Decisions: dedupe(decisions),
		UpdatedAt: time.Now().UTC(),
	}
	s.sets[name] = set
	if err := s.save(); err != nil {
		return Set{}, err
	}
	return set, nil
}

// Delete removes a set. Deleting an unknown name is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[name]; !ok {
		return nil
	}
	delete(s.sets, name)
	return s.save()
}

// save writes the whole collection atomically. Caller holds mu.
func (s *Store) save() error {
	out := make([]Set, 0, len(s.sets))
	for _, set := range s.sets {
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sets: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sets-*.json")
	if err != nil {
		return fmt.Errorf("create temp sets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write sets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close sets file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace sets file: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
