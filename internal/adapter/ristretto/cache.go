// Package ristretto implements the in-process membership cache using
// dgraph-io/ristretto. Member lists are small and read hot during
// webhook bursts, so a short TTL keeps host API reads down without
// letting membership changes go stale for long.
package ristretto

import (
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemberCache caches member login lists keyed by "org:<name>" or
// "team:<org>/<slug>".
type MemberCache struct {
	c *ristretto.Cache[string, []string]
}

// NewMemberCache creates a cache bounded by maxCostBytes, where each
// entry's cost is the byte length of its logins.
func NewMemberCache(maxCostBytes int64) (*MemberCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemberCache{c: c}, nil
}

// Get returns the cached login list for the key.
func (m *MemberCache) Get(key string) ([]string, bool) {
	return m.c.Get(key)
}

// Set stores a login list with the given TTL.
func (m *MemberCache) Set(key string, logins []string, ttl time.Duration) {
	// cost is the total byte length of the logins plus the key
	cost := int64(len(key))
	for _, l := range logins {
		cost += int64(len(l))
	}
	m.c.SetWithTTL(key, logins, cost, ttl)
}

// Wait blocks until buffered writes have been applied. Tests use it to
// make Set visible before the next Get.
func (m *MemberCache) Wait() {
	m.c.Wait()
}

// Close shuts down the cache and releases resources.
func (m *MemberCache) Close() {
	m.c.Close()
}

// OrgKey builds the cache key for an organization member list.
func OrgKey(org string) string {
	return "org:" + strings.ToLower(org)
}

// TeamKey builds the cache key for a team member list.
func TeamKey(org, slug string) string {
	return "team:" + strings.ToLower(org) + "/" + strings.ToLower(slug)
}
