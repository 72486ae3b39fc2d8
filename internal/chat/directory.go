package chat

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Directory maps identities to the delivery handle of their session.
// Implementations are safe for concurrent use and never fail; every
// operation on a single identity is atomic.
type Directory interface {
	// Insert registers h under id and returns the handle it replaced, if any.
	Insert(id string, h *Handle) (previous *Handle)
	// Lookup returns the handle registered under id.
	Lookup(id string) (*Handle, bool)
	// Remove drops the entry for id. It is a no-op if absent.
	Remove(id string)
	// RemoveIf drops the entry for id only if it still points at h.
	RemoveIf(id string, h *Handle) bool
	// Count returns the number of registered identities.
	Count() int
	// Range calls fn for every entry. The view is not a consistent snapshot.
	Range(fn func(id string, h *Handle))
}

// MemoryDirectory is the process-wide in-memory Directory.
// Both TCP and WebSocket sessions share a single instance.
type MemoryDirectory struct {
	entries cmap.ConcurrentMap[string, *Handle]
}

// compile-time check to ensure MemoryDirectory implements Directory.
var _ Directory = (*MemoryDirectory)(nil)

// NewDirectory creates an empty directory.
func NewDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: cmap.New[*Handle]()}
}

// Insert registers h under id and returns the handle it replaced, if any.
func (d *MemoryDirectory) Insert(id string, h *Handle) *Handle {
	var previous *Handle
	d.entries.Upsert(id, h, func(exists bool, current, next *Handle) *Handle {
		if exists && current != next {
			previous = current
		}
		return next
	})
	return previous
}

// Lookup returns the handle registered under id.
func (d *MemoryDirectory) Lookup(id string) (*Handle, bool) {
	return d.entries.Get(id)
}

// Remove drops the entry for id.
func (d *MemoryDirectory) Remove(id string) {
	d.entries.Remove(id)
}

// RemoveIf drops the entry for id only if it still points at h.
func (d *MemoryDirectory) RemoveIf(id string, h *Handle) bool {
	return d.entries.RemoveCb(id, func(_ string, current *Handle, exists bool) bool {
		return exists && current == h
	})
}

// Count returns the number of registered identities.
func (d *MemoryDirectory) Count() int {
	return d.entries.Count()
}

// Range calls fn for every entry while holding each shard's read lock,
// so fn must not modify the directory.
func (d *MemoryDirectory) Range(fn func(id string, h *Handle)) {
	d.entries.IterCb(fn)
}
