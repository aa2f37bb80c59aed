// Package snapcache is a bounded LRU+TTL advisory cache of incident
// snapshots and prior approval decisions. It serves reporting reads
// only; the workflow engine always validates transitions against the
// backing store, never against this cache.
package snapcache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/incident"
)

// Hooks lets the caller observe hit rates for metrics.
type Hooks struct {
	OnLookup func(kind string, hit bool)
}

// Cache holds incident snapshots and decision results with LRU eviction
// and a shared TTL.
type Cache struct {
	incidents *lru.LRU[string, *incident.Incident]
	decisions *lru.LRU[string, approval.Decision]
	hooks     Hooks
}

// New creates a cache bounded to capacity entries per kind, expiring
// entries after ttl.
func New(capacity int, ttl time.Duration, hooks Hooks) *Cache {
	return &Cache{
		incidents: lru.NewLRU[string, *incident.Incident](capacity, nil, ttl),
		decisions: lru.NewLRU[string, approval.Decision](capacity, nil, ttl),
		hooks:     hooks,
	}
}

// GetIncident returns a cached snapshot clone, if present.
func (c *Cache) GetIncident(id string) (*incident.Incident, bool) {
	in, ok := c.incidents.Get(id)
	c.lookup("incident", ok)
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// PutIncident stores a snapshot clone.
func (c *Cache) PutIncident(in *incident.Incident) {
	c.incidents.Add(in.ID, in.Clone())
}

// GetDecision returns the last cached approval decision for an incident.
func (c *Cache) GetDecision(incidentID string) (approval.Decision, bool) {
	d, ok := c.decisions.Get(incidentID)
	c.lookup("decision", ok)
	return d, ok
}

// PutDecision stores the approval decision that was made for an incident.
func (c *Cache) PutDecision(incidentID string, d approval.Decision) {
	c.decisions.Add(incidentID, d)
}

// Invalidate drops everything cached for an incident. Called on every
// successful transition.
func (c *Cache) Invalidate(incidentID string) {
	c.incidents.Remove(incidentID)
	c.decisions.Remove(incidentID)
}

func (c *Cache) lookup(kind string, hit bool) {
	if c.hooks.OnLookup != nil {
		c.hooks.OnLookup(kind, hit)
	}
}
