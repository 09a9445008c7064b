package peeradv

import (
	"strings"
	"sync/atomic"
)

// Collection is the node's current view of cluster membership: a
// snapshot of Advertisements keyed by node id (case-insensitive),
// published via atomic swap so readers never block on the writer (§5:
// "Node collection: protected by an atomic-swap on the snapshot
// reference; readers take a consistent snapshot without locking.").
type Collection struct {
	snapshot atomic.Pointer[map[string]Advertisement]
}

// NewCollection returns an empty Collection.
func NewCollection() *Collection {
	c := &Collection{}
	empty := map[string]Advertisement{}
	c.snapshot.Store(&empty)
	return c
}

// Replace atomically swaps in a new working set, built by the discovery
// crawl. Keys are normalized to lower-case node ids.
func (c *Collection) Replace(advs []Advertisement) {
	next := make(map[string]Advertisement, len(advs))
	for _, a := range advs {
		next[strings.ToLower(a.NodeID)] = a
	}
	c.snapshot.Store(&next)
}

// Get returns the advertisement for nodeID (case-insensitive) and whether
// it was present.
func (c *Collection) Get(nodeID string) (Advertisement, bool) {
	m := *c.snapshot.Load()
	a, ok := m[strings.ToLower(nodeID)]
	return a, ok
}

// Snapshot returns every advertisement currently known, excluding
// selfNodeID (case-insensitive) when non-empty (§4.8 self-exclusion).
func (c *Collection) Snapshot(selfNodeID string) []Advertisement {
	m := *c.snapshot.Load()
	self := strings.ToLower(selfNodeID)
	out := make([]Advertisement, 0, len(m))
	for id, a := range m {
		if self != "" && id == self {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Len reports the number of advertisements currently held, including self
// if present.
func (c *Collection) Len() int {
	return len(*c.snapshot.Load())
}
