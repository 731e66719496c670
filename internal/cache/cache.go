// Package cache implements the Entry Cache from design §4.2: a
// write-through, generation-invalidated mirror of the hot attributes of
// recently touched nodes, keyed both by id and by (parent, name).
//
// No library in the retrieval pack offers this exact contract (strong
// ownership inside one transaction, but generation-counter invalidation of
// all outstanding references between transactions) — a generic LRU like
// the one GoogleCloudPlatform-gcsfuse hand-rolls in internal/cache/lru
// solves simple eviction, not cross-transaction reference invalidation, so
// this piece is deliberately built directly on the standard library
// (see DESIGN.md).
//
// Entry mirrors graphstore.Node's hot fields without importing
// internal/graphstore: the Store is the cache's only writer (it converts
// its own Node to an Entry at the write-through boundary), and importing
// graphstore back would close an import cycle between the two packages.
package cache

import "sync"

// Entry is the cache's mirror of one node row. Field names and types
// intentionally match graphstore.Node's so the Store's write-through
// conversion is a straight field copy.
type Entry struct {
	ID       int64
	ParentID int64
	Name     string
	Type     int
	MtimeKind int
	MtimeSec  int64
	MtimeNsec int64
	Display   string
	Flags     string
	SrcID     int64
}

type key struct {
	parent int64
	name   string
}

// Ref is a borrow-style handle into the cache. It is only valid for the
// generation it was obtained in; call Cache.Valid to check.
type Ref struct {
	Entry      Entry
	generation uint64
}

// Cache is the Entry Cache. It is process-scoped (design §9 "Global
// state": exposed as part of the explicit Engine context, not a hidden
// global) and shared by every Txn a Store hands out.
type Cache struct {
	mu         sync.Mutex
	byID       map[int64]Entry
	byName     map[key]int64
	generation uint64
}

// New returns an empty Entry Cache.
func New() *Cache {
	return &Cache{
		byID:   make(map[int64]Entry),
		byName: make(map[key]int64),
	}
}

// Generation returns the current generation counter. References obtained
// before the counter changed are considered stale.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Valid reports whether ref was obtained in the cache's current
// generation.
func (c *Cache) Valid(ref Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ref.generation == c.generation
}

// Put inserts or overwrites the cache entry for a node, write-through from
// a Store mutation performed within the same transaction (design §4.2:
// "the cache entry is updated in place within the same transaction").
// No two cache entries ever share an id: Put first evicts the node's
// previous (parent, name) key if its identity changed.
func (c *Cache) Put(e Entry) Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[e.ID]; ok {
		delete(c.byName, key{old.ParentID, old.Name})
	}
	c.byID[e.ID] = e
	c.byName[key{e.ParentID, e.Name}] = e.ID
	return Ref{Entry: e, generation: c.generation}
}

// GetByID returns the cached entry for id, if present.
func (c *Cache) GetByID(id int64) (Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return Ref{}, false
	}
	return Ref{Entry: e, generation: c.generation}, true
}

// GetByName returns the cached entry for (parent, name), if present.
func (c *Cache) GetByName(parent int64, name string) (Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byName[key{parent, name}]
	if !ok {
		return Ref{}, false
	}
	e := c.byID[id]
	return Ref{Entry: e, generation: c.generation}, true
}

// Evict removes a node's cache entry, used when a node is destroyed.
func (c *Cache) Evict(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		delete(c.byName, key{e.ParentID, e.Name})
		delete(c.byID, id)
	}
}

// Invalidate drops every entry and bumps the generation counter, so that
// any Ref obtained before the call reports itself stale via Valid. Called
// on transaction rollback (design §4.2: "On rollback, the cache is fully
// invalidated").
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[int64]Entry)
	c.byName = make(map[key]int64)
	c.generation++
}
