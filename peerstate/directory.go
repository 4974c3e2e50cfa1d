package peerstate

import (
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultPeerTTL         = 5 * time.Second
	DefaultCleanupInterval = 10 * time.Second
)

// Directory remembers the latest state of every remote peer. A peer that has
// not been heard from for the TTL disappears from the directory.
type Directory struct {
	cache *cache.Cache
}

// NewDirectory creates an empty Directory.
//
// Parameters:
//   - ttl: How long a state stays listed after it was recorded
//   - cleanupInterval: How often expired states are purged from memory
//
// Returns:
//   - A new *Directory
func NewDirectory(ttl, cleanupInterval time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}

	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	return &Directory{cache: cache.New(ttl, cleanupInterval)}
}

// Record stores s as the latest state of s.ID and restarts its TTL.
func (d *Directory) Record(s PeerState) {
	d.cache.Set(s.ID, s, cache.DefaultExpiration)
}

// Lookup returns the latest unexpired state of id.
func (d *Directory) Lookup(id string) (PeerState, bool) {
	v, ok := d.cache.Get(id)
	if !ok {
		return PeerState{}, false
	}

	s, ok := v.(PeerState)
	return s, ok
}

// Forget removes id immediately.
func (d *Directory) Forget(id string) {
	d.cache.Delete(id)
}

// Snapshot returns every unexpired state ordered by ID.
func (d *Directory) Snapshot() []PeerState {
	items := d.cache.Items()

	out := make([]PeerState, 0, len(items))
	for _, item := range items {
		if s, ok := item.Object.(PeerState); ok {
			out = append(out, s)
		}
	}

	slices.SortFunc(out, func(a, b PeerState) int {
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Len returns the number of unexpired states.
func (d *Directory) Len() int {
	return len(d.cache.Items())
}
