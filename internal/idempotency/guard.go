// Package idempotency tracks completed request identifiers so a logical
// send is never performed twice within one process lifetime.
package idempotency

import "sync"

// Guard is an append-only set of spent request IDs. There is no expiry and
// no removal: once an ID is marked complete it stays spent until the process
// exits. Deployments that need eviction have to layer it on top.
//
// MarkComplete is called only after a confirmed successful delivery, so two
// in-flight calls with the same ID can both pass IsDuplicate before either
// completes. The guard promises only that once MarkComplete returns, every
// subsequent IsDuplicate for that ID observes true.
type Guard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{seen: make(map[string]struct{})}
}

// IsDuplicate reports whether the ID has already been marked complete.
// Pure membership test; never mutates.
func (g *Guard) IsDuplicate(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[id]
	return ok
}

// MarkComplete unconditionally records the ID as spent.
func (g *Guard) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[id] = struct{}{}
}

// Size returns the number of spent IDs.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
