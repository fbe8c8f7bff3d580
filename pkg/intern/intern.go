// Package intern provides a content-addressed pool of immutable byte
// strings. Equal content maps to the same Handle for as long as its entry
// stays in the pool (see SetCapacity), so comparing two handles for
// equality is usually a pointer compare rather than a byte compare.
//
// The pool is safe for concurrent use: the ptrace tracer thread, the eBPF
// ring-buffer drain thread, and any sidecar /proc reader goroutine can all
// intern strings without external synchronization.
package intern

import (
	"sort"
	"sync"
)

// Handle is a shared, immutable reference to interned content. The zero
// Handle is invalid; use Empty() for the interned empty string.
type Handle struct {
	e *entry
}

type entry struct {
	b []byte
}

// Bytes returns the interned content. Callers must not modify the returned
// slice; the pool hands out the same backing array to every caller.
func (h Handle) Bytes() []byte {
	if h.e == nil {
		return nil
	}
	return h.e.b
}

// String returns the interned content as a string.
func (h Handle) String() string {
	if h.e == nil {
		return ""
	}
	return string(h.e.b)
}

// Equal reports whether h and o refer to the same interned content. Because
// both handles come from pools that dedupe by content, identity comparison
// suffices when both were produced by the same Pool; Equal falls back to a
// byte compare otherwise so cross-pool comparisons (e.g. in tests) are still
// correct.
func (h Handle) Equal(o Handle) bool {
	if h.e == o.e {
		return true
	}
	if h.e == nil || o.e == nil {
		return false
	}
	return string(h.e.b) == string(o.e.b)
}

// Less orders handles by their content, for use in ordered maps / sorted
// output where a deterministic order is required.
func (h Handle) Less(o Handle) bool {
	return h.String() < o.String()
}

// Valid reports whether h was produced by a Pool (as opposed to the zero
// value).
func (h Handle) Valid() bool { return h.e != nil }

const shardCount = 32

// Pool is a concurrent content-addressed string pool.
type Pool struct {
	shards [shardCount]shard
	empty  Handle
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	// order, when capacity > 0, tracks insertion order for eviction. A
	// zero capacity means unbounded (order stays empty), the default per
	// spec.md 4.1 ("a single global pool is acceptable").
	order    []*entry
	capacity int
}

// NewPool constructs an empty pool with no eviction.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.shards {
		p.shards[i].entries = make(map[string]*entry)
	}
	p.empty = p.Intern(nil)
	return p
}

// SetCapacity bounds each shard to approximately capacity/shardCount live
// entries, evicting oldest-interned entries first once exceeded. Intended
// for long-running system-wide traces where unbounded growth is
// undesirable; off by default.
func (p *Pool) SetCapacity(capacity int) {
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range p.shards {
		p.shards[i].mu.Lock()
		p.shards[i].capacity = perShard
		p.shards[i].mu.Unlock()
	}
}

func fnv32(b []byte) uint32 {
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// Intern returns a Handle for b, copying it if it is not already present.
func (p *Pool) Intern(b []byte) Handle {
	return p.intern(b, nil)
}

// InternString is a convenience wrapper avoiding a caller-side []byte(s)
// conversion when the caller already has a string.
func (p *Pool) InternString(s string) Handle {
	return p.intern(nil, &s)
}

// InternOwned interns b without copying, on the assumption that the caller
// will not mutate or retain b after this call. Use this when the caller
// already owns a freshly allocated buffer (e.g. just read off a tracee) to
// avoid a redundant copy.
func (p *Pool) InternOwned(b []byte) Handle {
	key := string(b) // one copy, used only as the map key
	idx := fnv32(b) % shardCount
	sh := &p.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return Handle{e: e}
	}
	e := &entry{b: b}
	sh.entries[key] = e
	sh.touch(e)
	return Handle{e: e}
}

func (p *Pool) intern(b []byte, s *string) Handle {
	var key string
	if s != nil {
		key = *s
	} else {
		key = string(b)
	}
	idx := fnv32([]byte(key)) % shardCount
	sh := &p.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return Handle{e: e}
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	e := &entry{b: owned}
	sh.entries[key] = e
	sh.touch(e)
	return Handle{e: e}
}

// touch records e as most-recently-interned and evicts the oldest entry if
// the shard is over capacity. Must be called with sh.mu held.
func (sh *shard) touch(e *entry) {
	if sh.capacity == 0 {
		return
	}
	sh.order = append(sh.order, e)
	for len(sh.order) > sh.capacity {
		oldest := sh.order[0]
		sh.order = sh.order[1:]
		delete(sh.entries, string(oldest.b))
	}
}

// Empty returns the Handle for the empty string.
func (p *Pool) Empty() Handle { return p.empty }

// Default is the process-wide pool shared by both tracer backends.
var Default = NewPool()

// SortHandles sorts a slice of handles by content, used where a
// deterministic ordering of otherwise-unordered interned keys is required
// (e.g. serializing a diff map).
func SortHandles(hs []Handle) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Less(hs[j]) })
}
