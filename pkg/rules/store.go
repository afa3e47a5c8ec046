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

package rules

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
)

// Set is one immutable generation of rules.
type Set struct {
	Generation int64
	Rules      []*Rule
}

// Get returns the rule with the given name.
func (s *Set) Get(name string) (*Rule, bool) {
	for _, r := range s.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Listener is told about every successful reload.
type Listener func(old, updated *Set)

// Store holds the current rule set. Reads are lock-free; a cycle takes one
// Snapshot and keeps using it until it finishes.
type Store struct {
	current   atomic.Pointer[Set]
	mu        sync.Mutex
	listeners []Listener
}

// NewStore creates a store seeded with an initial, already validated set.
func NewStore(initial []*Rule) *Store {
	s := &Store{}
	s.current.Store(&Set{Generation: 1, Rules: initial})
	return s
}

// Snapshot returns the current generation.
func (s *Store) Snapshot() *Set {
	return s.current.Load()
}

// Subscribe registers a reload listener.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Reload swaps in a new generation.
func (s *Store) Reload(rules []*Rule) *Set {
	s.mu.Lock()
	old := s.current.Load()
	updated := &Set{Generation: old.Generation + 1, Rules: rules}
	s.current.Store(updated)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old, updated)
	}
	return updated
}

// ReloadSpecs validates specs and reloads on success. On failure the
// current generation stays in effect and the error is returned.
func (s *Store) ReloadSpecs(specs []Spec, cat *catalog.Catalog) error {
	rules, err := Load(specs, cat)
	if err != nil {
		return err
	}
	set := s.Reload(rules)
	log.WithFields(log.Fields{
		"generation":   set.Generation,
		"provisioners": len(set.Rules),
	}).Info("provisioners reloaded")
	return nil
}

// Watch reloads the store whenever viper sees the config file change.
func (s *Store) Watch(v *viper.Viper, cat *catalog.Catalog) {
	v.OnConfigChange(func(e fsnotify.Event) {
		specs, err := Decode(v)
		if err == nil {
			err = s.ReloadSpecs(specs, cat)
		}
		if err != nil {
			log.WithField("file", e.Name).Errorf("keeping previous provisioners: %v", err)
		}
	})
	v.WatchConfig()
}
