// Package groups maps authenticated users to the groups that carry their
// role memberships. Group membership is the only path from a user to a
// role, so the resolver sits on every decision.
package groups

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver returns the groups a user belongs to. Implementations must be
// safe for concurrent use.
type Resolver interface {
	Groups(ctx context.Context, user string) ([]string, error)
}

// StaticResolver serves a fixed user-to-groups mapping, typically loaded
// from the policy file. Unknown users resolve to no groups.
type StaticResolver struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewStaticResolver copies the mapping; group lists are sorted and
// deduplicated.
func NewStaticResolver(members map[string][]string) *StaticResolver {
	r := &StaticResolver{members: make(map[string][]string, len(members))}
	for user, groups := range members {
		r.members[user] = dedupe(groups)
	}
	return r
}

// Groups implements Resolver.
func (r *StaticResolver) Groups(_ context.Context, user string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := r.members[user]
	out := make([]string, len(groups))
	copy(out, groups)
	return out, nil
}

// Replace swaps in a new mapping, used on policy reload.
func (r *StaticResolver) Replace(members map[string][]string) {
	fresh := make(map[string][]string, len(members))
	for user, groups := range members {
		fresh[user] = dedupe(groups)
	}
	r.mu.Lock()
	r.members = fresh
	r.mu.Unlock()
}

// CachedResolver memoizes another resolver behind an expirable LRU. Entries
// age out after the TTL so directory changes are picked up without a
// restart.
type CachedResolver struct {
	inner Resolver
	cache *expirable.LRU[string, []string]
}

// NewCachedResolver caches up to size users for ttl.
func NewCachedResolver(inner Resolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

// Groups implements Resolver. Lookup errors are never cached.
func (r *CachedResolver) Groups(ctx context.Context, user string) ([]string, error) {
	if groups, ok := r.cache.Get(user); ok {
		out := make([]string, len(groups))
		copy(out, groups)
		return out, nil
	}
	groups, err := r.inner.Groups(ctx, user)
	if err != nil {
		return nil, err
	}
	r.cache.Add(user, groups)
	out := make([]string, len(groups))
	copy(out, groups)
	return out, nil
}

// Invalidate drops a single user's cached entry.
func (r *CachedResolver) Invalidate(user string) {
	r.cache.Remove(user)
}

// Purge drops every cached entry, used on policy reload.
func (r *CachedResolver) Purge() {
	r.cache.Purge()
}

func dedupe(groups []string) []string {
	seen := make(map[string]bool, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
