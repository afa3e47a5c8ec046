package cloud

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// cacheEntry records an offering the provider recently refused for a rule.
type cacheEntry struct {
	Rule      string
	Offering  string
	Reason    string
	Timestamp time.Time
}

// Unavailable is a reported (rule, offering) pair.
type Unavailable struct {
	Rule     string
	Offering string
	Reason   string
	Until    time.Time
}

// Cache holds offerings marked temporarily unavailable, with TTL and
// optional disk persistence so a restart does not retry a known-exhausted
// pool immediately.
type Cache struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry
	ttl   time.Duration
	clock clock.PassiveClock
	path  string
}

// NewCache creates an unavailable-offering cache. An empty path keeps it in
// memory only.
func NewCache(ttl time.Duration, clk clock.PassiveClock, path string) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &Cache{
		cache: make(map[string]*cacheEntry),
		ttl:   ttl,
		clock: clk,
		path:  path,
	}
	if path != "" {
		c.loadFromDisk()
	}
	return c
}

// DefaultCachePath returns ~/.fleet/unavailable.json.
func DefaultCachePath() string {
	home, err := homedir.Dir()
	if err != nil {
		log.Debugf("failed to get home directory for offering cache: %v", err)
		return ""
	}
	return filepath.Join(home, ".fleet", "unavailable.json")
}

func cacheKey(rule string, o core.InstanceOffering) string {
	return rule + "|" + o.Key()
}

// IsUnavailable reports whether o is marked unavailable for rule.
func (c *Cache) IsUnavailable(rule string, o core.InstanceOffering) bool {
	c.mu.RLock()
	entry, ok := c.cache[cacheKey(rule, o)]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.clock.Since(entry.Timestamp) <= c.ttl
}

// MarkUnavailable stores o as unavailable for rule.
func (c *Cache) MarkUnavailable(rule string, o core.InstanceOffering, reason string) {
	c.mu.Lock()
	c.cache[cacheKey(rule, o)] = &cacheEntry{
		Rule:      rule,
		Offering:  o.Key(),
		Reason:    reason,
		Timestamp: c.clock.Now(),
	}
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"rule":     rule,
		"offering": o.Key(),
		"ttl":      c.ttl,
	}).Warnf("offering marked unavailable: %s", reason)

	c.saveToDisk()
}

// List returns the entries still in effect, ordered by rule then offering.
func (c *Cache) List() []Unavailable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Unavailable
	for _, e := range c.cache {
		if c.clock.Since(e.Timestamp) > c.ttl {
			continue
		}
		out = append(out, Unavailable{Rule: e.Rule, Offering: e.Offering, Reason: e.Reason, Until: e.Timestamp.Add(c.ttl)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Offering < out[j].Offering
	})
	return out
}

// Prune drops expired entries.
func (c *Cache) Prune() {
	c.mu.Lock()
	for k, e := range c.cache {
		if c.clock.Since(e.Timestamp) > c.ttl {
			delete(c.cache, k)
		}
	}
	c.mu.Unlock()
}

// loadFromDisk loads unexpired entries from disk.
func (c *Cache) loadFromDisk() {
	// #nosec G304 - path is computed from home directory or operator configuration
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debugf("failed to read offering cache from disk: %v", err)
		}
		return
	}

	var diskCache map[string]*cacheEntry
	if err := json.Unmarshal(data, &diskCache); err != nil {
		log.Debugf("failed to unmarshal offering cache: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range diskCache {
		if c.clock.Since(entry.Timestamp) <= c.ttl {
			c.cache[key] = entry
		}
	}

	log.Debugf("loaded %d unavailable offerings from disk", len(c.cache))
}

// saveToDisk saves the current cache to disk.
func (c *Cache) saveToDisk() {
	if c.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0750); err != nil {
		log.Debugf("failed to create cache directory: %v", err)
		return
	}

	c.mu.RLock()
	data, err := json.Marshal(c.cache)
	c.mu.RUnlock()
	if err != nil {
		log.Debugf("failed to marshal offering cache: %v", err)
		return
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		log.Debugf("failed to write offering cache to disk: %v", err)
	}
}
