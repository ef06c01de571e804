// Package ring implements the central side of the Zikr Ring link: scan
// bookkeeping, the connection state machine, the reconnect schedule, tap
// frame decoding and the orchestrating manager that ties them to a BLE
// adapter.
package ring

import (
	"sort"
	"sync"
	"time"
)

// DiscoveredRing is one candidate ring observed during the current scan
// session.
type DiscoveredRing struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RSSI       int16     `json:"rssi"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Registry holds the rings seen during the current scan session, keyed by
// platform id. Repeated sightings of the same id refresh the stored entry
// in place, so the list never grows duplicates for a chatty advertiser.
type Registry struct {
	mu    sync.Mutex
	rings map[string]DiscoveredRing
}

func NewRegistry() *Registry {
	return &Registry{rings: make(map[string]DiscoveredRing)}
}

// Upsert inserts or refreshes the entry for d.ID.
func (r *Registry) Upsert(d DiscoveredRing) {
	r.mu.Lock()
	r.rings[d.ID] = d
	r.mu.Unlock()
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (DiscoveredRing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rings[id]
	return d, ok
}

// Len returns the number of known rings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rings)
}

// Clear drops every entry. Called when a scan session ends.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.rings = make(map[string]DiscoveredRing)
	r.mu.Unlock()
}

// Sorted returns the rings ordered strongest signal first. Ties on RSSI
// fall to the most recent sighting, then to id, so the order is
// deterministic for equal inputs.
func (r *Registry) Sorted() []DiscoveredRing {
	r.mu.Lock()
	out := make([]DiscoveredRing, 0, len(r.rings))
	for _, d := range r.rings {
		out = append(out, d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
