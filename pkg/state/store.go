/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package state persists the NodeRecord table so in-flight nodes survive a
// restart.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const fileVersion = 1

type file struct {
	Version int                `json:"version"`
	Nodes   []*core.NodeRecord `json:"nodes"`
}

// Store is the NodeRecord table. Every mutation is written through to disk
// when a path is set. Callers always receive copies.
type Store struct {
	mu      sync.RWMutex
	records map[string]*core.NodeRecord
	path    string
}

// DefaultPath returns ~/.fleet/nodes.json.
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		log.Debugf("failed to get home directory for state file: %v", err)
		return ""
	}
	return filepath.Join(home, ".fleet", "nodes.json")
}

// NewMemory returns a store that is never persisted.
func NewMemory() *Store {
	return &Store{records: make(map[string]*core.NodeRecord)}
}

// Open loads the table at path. A missing file is an empty table.
func Open(path string) (*Store, error) {
	s := &Store{records: make(map[string]*core.NodeRecord), path: path}

	// #nosec G304 - path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("state file %s: unsupported version %d", path, f.Version)
	}
	for _, rec := range f.Nodes {
		s.records[rec.ID] = rec
	}
	log.WithField("file", path).Debugf("loaded %d node records", len(s.records))
	return s, nil
}

func clone(rec *core.NodeRecord) *core.NodeRecord {
	cp := *rec
	return &cp
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (*core.NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return clone(rec), true
}

// List returns copies of every record ordered by id.
func (s *Store) List() []*core.NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.NodeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put inserts a new record.
func (s *Store) Put(rec *core.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("node %s already recorded", rec.ID)
	}
	s.records[rec.ID] = clone(rec)
	if err := s.save(); err != nil {
		delete(s.records, rec.ID)
		return err
	}
	return nil
}

// Update applies fn to a copy of the record and stores the result only if
// fn succeeds.
func (s *Store) Update(id string, fn func(*core.NodeRecord) error) (*core.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, core.ErrNodeNotFound)
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.records[id] = next
	if err := s.save(); err != nil {
		s.records[id] = cur
		return nil, err
	}
	return clone(next), nil
}

// Delete removes a record. Unknown ids are ignored.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	if err := s.save(); err != nil {
		s.records[id] = cur
		return err
	}
	return nil
}

// save writes the table through a temp file and rename. Callers hold mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	f := file{Version: fileVersion, Nodes: make([]*core.NodeRecord, 0, len(s.records))}
	for _, rec := range s.records {
		f.Nodes = append(f.Nodes, rec)
	}
	sort.Slice(f.Nodes, func(i, j int) bool { return f.Nodes[i].ID < f.Nodes[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".nodes-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
