// Copyright 2025 The linear Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linear implements an open-addressed (closed) hash table with
// linear probing that maps unique keys to values, similar to Go's builtin
// map type. If you're not familiar with open-addressing see
// https://en.wikipedia.org/wiki/Open_addressing.
//
// # Layout
//
// A Map stores its elements in three parallel arrays: a key array, a value
// array, and a compact metadata array holding a small per-slot state packed
// into 64-bit words. Keeping the metadata separate from the entries means a
// probe walk touches a handful of metadata words rather than a cache line
// per slot, and lets iteration find occupied slots with a bit-scan rather
// than a key-by-key walk. The capacity is always a power of two so that
// capacity-1 serves as the modulus for all index arithmetic.
//
// A freshly constructed Map stores its elements in a fixed-size buffer
// embedded in the Map itself, so small maps never touch the heap. The first
// growth migrates to storage obtained from a pluggable Allocator; once
// migrated the table never returns to the inline buffer.
//
// # Probing
//
// The home slot for a key is hash(key) & (capacity-1) and probing advances
// one slot at a time, wrapping at the end of the table. A lookup terminates
// at the slot holding the key, at the first empty slot in the probe
// sequence, or after a full revolution. Insertion claims the first
// non-occupied slot in the sequence. The load factor is capped at 1/2, but
// the cap is only enforced when an insert actually collides: a table whose
// keys all sit in their home slots can fill past the cap without growing.
// Growth doubles the capacity and re-inserts every element.
//
// # Erasure
//
// Two interchangeable strategies repair the table after an erase. The
// default rehash strategy stores one metadata bit per slot and shifts
// cluster entries backward into the hole so that no tombstones ever exist;
// erase costs up to the cluster length but lookups stay fast. The marker
// strategy, selected with WithTombstones, stores two bits per slot and
// marks erased slots deleted in O(1); deleted slots keep probe chains alive
// until a growth drops them. See the strategy type for the trade-off.
//
// A Map is NOT goroutine-safe and must not be copied after first use.
package linear

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/dolthub/maphash"
)

const (
	debug = false

	// defaultCapacity is the capacity a Map starts with when none is
	// requested, and the size of the inline buffer. Must be a power of
	// two.
	defaultCapacity = 32

	// inlineMetaWords sizes the inline metadata buffer for the wider
	// 2-bit marker encoding so that either strategy can reside inline.
	inlineMetaWords = (defaultCapacity*2 + metaWordBits - 1) / metaWordBits
)

// Map is an unordered associative container mapping keys to values with
// Insert, Get, Put, Delete, Find, Index, and iteration operations. By
// default a Map[K,V] hashes with a per-map seeded maphash.Hasher, though a
// different hash function can be specified using the WithHash option. Key
// equality is Go's == on K.
//
// The zero value for a Map is not usable; construct with New or Init.
type Map[K comparable, V any] struct {
	// hash maps a key to a machine word. The home slot for a key is
	// hash(key) & (capacity-1).
	hash func(key K) uintptr
	// policy supplies the erase procedure and the metadata encoding. Fixed
	// for the lifetime of the Map.
	policy strategy[K, V]
	// bits and occupied cache policy.bitsPerSlot and policy.occupiedLanes
	// so the hot paths avoid interface calls.
	bits     uintptr
	occupied uint64
	// allocator provides storage once the table outgrows the inline
	// buffer.
	allocator Allocator[K, V]
	// data is the current residency: either views of the inline buffer
	// below, or allocator-owned arrays.
	data storage[K, V]

	// The inline buffer. Used from construction until the first growth,
	// and never freed. Residency is decided by comparing data.meta against
	// inlineMeta.
	inlineMeta   [inlineMetaWords]uint64
	inlineKeys   [defaultCapacity]K
	inlineValues [defaultCapacity]V
}

// New constructs a Map with the specified initial capacity, rounded up to
// the next power of two. If initialCapacity is 0 the map starts at the
// default capacity of 32. Capacities at or below the default reside in the
// Map's inline buffer.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map, discarding any prior state. It is the in-place
// equivalent of New, useful for reusing a Map allocation across
// generations of contents.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	if initialCapacity < 0 {
		panic(fmt.Sprintf("linear: invalid initial capacity %d", initialCapacity))
	}

	hasher := maphash.NewHasher[K]()
	*m = Map[K, V]{
		hash:      func(key K) uintptr { return uintptr(hasher.Hash(key)) },
		policy:    rehashStrategy[K, V]{},
		allocator: defaultAllocator[K, V]{},
	}
	for _, op := range options {
		op.apply(m)
	}
	m.bits = m.policy.bitsPerSlot()
	m.occupied = m.policy.occupiedLanes()

	capacity := uintptr(defaultCapacity)
	if initialCapacity > 0 {
		capacity = roundUpPow2(uintptr(initialCapacity))
	}
	if capacity <= defaultCapacity {
		m.data = storage[K, V]{
			meta:   makeUnsafeSlice(m.inlineMeta[:]),
			keys:   makeUnsafeSlice(m.inlineKeys[:]),
			values: makeUnsafeSlice(m.inlineValues[:]),
			mask:   capacity - 1,
		}
	} else {
		m.data = m.allocStorage(capacity)
	}
	m.checkInvariants()
}

// Close releases any allocator-owned storage back to the Map's configured
// allocator, destroying the remaining entries first. It is unnecessary to
// close a map using the default allocator. It is invalid to use a Map
// after it has been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	m.Clear()
	m.freeStorage(&m.data)
	m.data = storage[K, V]{}
	m.allocator = nil
}

// Insert stores the key/value pair if the key is not already present and
// reports whether it did. A Map never holds two entries with equal keys:
// when the key is present the map is left unmodified and Insert returns
// false. Iterators are invalidated when Insert returns true.
func (m *Map[K, V]) Insert(key K, value V) bool {
	h := m.hash(key)
	if _, ok := m.getIndex(key, h); ok {
		return false
	}
	m.addNew(key, value, h)
	m.checkInvariants()
	return true
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	h := m.hash(key)
	if i, ok := m.getIndex(key, h); ok {
		*m.data.values.At(i) = value
		return
	}
	m.addNew(key, value, h)
	m.checkInvariants()
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.getIndex(key, m.hash(key))
	if !ok {
		return value, false
	}
	return *m.data.values.At(i), true
}

// Index returns a pointer to the value stored for key, inserting the zero
// value of V first if the key is not present. It is the analogue of m[key]
// on a builtin map used as an lvalue. The returned pointer, like any
// reference into the table, is invalidated by any operation that can grow
// or rehash the table.
func (m *Map[K, V]) Index(key K) *V {
	h := m.hash(key)
	if i, ok := m.getIndex(key, h); ok {
		return m.data.values.At(i)
	}
	var zero V
	i := m.addNew(key, zero, h)
	m.checkInvariants()
	return m.data.values.At(i)
}

// Count returns the number of entries stored for key: 1 if present, 0
// otherwise.
func (m *Map[K, V]) Count(key K) int {
	if _, ok := m.getIndex(key, m.hash(key)); ok {
		return 1
	}
	return 0
}

// Delete deletes the entry corresponding to the specified key from the
// map. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) {
	h := m.hash(key)
	i, ok := m.getIndex(key, h)
	if !ok {
		return
	}
	var zeroK K
	var zeroV V
	*m.data.keys.At(i) = zeroK
	*m.data.values.At(i) = zeroV
	m.policy.erase(m, i)
	m.data.used--
	m.checkInvariants()
}

// Reserve grows the table to hold at least n slots, rounded up to the next
// power of two, migrating the existing entries once rather than through
// repeated doublings. Reserving at or below the current capacity is a
// no-op; the capacity of a Map never shrinks.
func (m *Map[K, V]) Reserve(n int) {
	if n < 0 {
		panic(fmt.Sprintf("linear: invalid capacity %d", n))
	}
	if uintptr(n) <= m.data.capacity() {
		return
	}
	m.grow(roundUpPow2(uintptr(n)))
	m.checkInvariants()
}

// Clear removes all entries, retaining the current capacity and storage.
func (m *Map[K, V]) Clear() {
	s := &m.data
	var zeroK K
	var zeroV V
	for i := s.scanFirst(m.bits, m.occupied); i != endPos; i = s.scanNext(i, m.bits, m.occupied) {
		*s.keys.At(i) = zeroK
		*s.values.At(i) = zeroV
	}
	for w, n := uintptr(0), metaWords(s.capacity(), m.bits); w < n; w++ {
		*s.meta.At(w) = 0
	}
	s.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.data.used
}

// Capacity returns the number of slots in the table. Always a power of
// two, and at least twice Len after any insert has grown the table.
func (m *Map[K, V]) Capacity() int {
	return int(m.data.capacity())
}

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, iteration stops. Iteration order is unspecified
// and changes as the table grows. The storage is snapshotted up front, so
// growth during iteration does not affect which elements are visited.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	s := m.data
	for i := s.scanFirst(m.bits, m.occupied); i != endPos; i = s.scanNext(i, m.bits, m.occupied) {
		if !yield(*s.keys.At(i), *s.values.At(i)) {
			return
		}
	}
}

// getIndex walks the probe sequence of key, returning the slot holding it.
// The walk stops without a match at the first empty slot or after a full
// revolution back to the home slot. Deleted slots continue the walk but
// are never candidates for equality.
func (m *Map[K, V]) getIndex(key K, h uintptr) (uintptr, bool) {
	s := &m.data
	p := s.probeStart(h, m.bits)
	home := p.idx
	if debug {
		fmt.Printf("get(%v): home=%d\n", key, home)
	}
	for {
		switch p.state(m.bits) {
		case slotEmpty:
			return 0, false
		case slotOccupied:
			if *s.keys.At(p.idx) == key {
				return p.idx, true
			}
		}
		p = s.probeNext(p, m.bits)
		if p.idx == home {
			return 0, false
		}
	}
}

// addNew inserts an entry known not to be in the table, returning its
// slot. The first non-occupied slot in the probe sequence receives the
// entry; under the marker strategy that may be a deleted slot, which is
// safe because the caller has already probed the full chain for the key.
// On a collision with the load factor at or above 1/2 the table grows and
// the walk restarts against the new storage.
func (m *Map[K, V]) addNew(key K, value V, h uintptr) uintptr {
	for {
		s := &m.data
		p := s.probeStart(h, m.bits)
		home := p.idx
		for {
			if p.state(m.bits) != slotOccupied {
				s.setState(p.idx, m.bits, slotOccupied)
				*s.keys.At(p.idx) = key
				*s.values.At(p.idx) = value
				s.used++
				if debug {
					fmt.Printf("add(%v): slot=%d used=%d\n", key, p.idx, s.used)
				}
				return p.idx
			}
			if 2*uintptr(s.used) > s.mask {
				// Collision with the load factor at or past 1/2: grow and
				// restart the walk against the new storage.
				m.grow(2 * s.capacity())
				break
			}
			p = s.probeNext(p, m.bits)
			if p.idx == home {
				// Unreachable: the load factor bound guarantees a
				// non-occupied slot somewhere in the ring.
				panic(fmt.Sprintf("linear: probe wrapped without a free slot\n%s", m.debugString()))
			}
		}
	}
}

// grow allocates storage at newCapacity and copies every occupied slot
// into it; the originals are not cleared. Deleted markers do not migrate. The
// old storage is released afterwards, so a failed allocation leaves the
// table in its pre-growth state. Iterators are invalidated.
func (m *Map[K, V]) grow(newCapacity uintptr) {
	if !isPow2(newCapacity) || newCapacity <= m.data.capacity() {
		panic(fmt.Sprintf("linear: invalid growth capacity %d", newCapacity))
	}
	if debug {
		fmt.Printf("grow: %d -> %d\n", m.data.capacity(), newCapacity)
	}

	newData := m.allocStorage(newCapacity)
	old := m.data
	for i := old.scanFirst(m.bits, m.occupied); i != endPos; i = old.scanNext(i, m.bits, m.occupied) {
		key := *old.keys.At(i)
		// The new table has at least twice the old capacity and at most
		// half its slots will fill, so add cannot trigger a nested grow.
		newData.add(m.hash(key), key, *old.values.At(i), m.bits)
	}
	// The old entries are released wholesale with their storage rather
	// than destroyed slot by slot; a snapshot taken by All stays readable
	// until the allocator reclaims it.
	m.freeStorage(&old)
	m.data = newData
}

func (m *Map[K, V]) allocStorage(capacity uintptr) storage[K, V] {
	if !isPow2(capacity) {
		panic(fmt.Sprintf("linear: invalid capacity %d", capacity))
	}
	meta := m.allocator.AllocMeta(int(metaWords(capacity, m.bits)))
	for i := range meta {
		meta[i] = 0
	}
	return storage[K, V]{
		meta:   makeUnsafeSlice(meta),
		keys:   makeUnsafeSlice(m.allocator.AllocKeys(int(capacity))),
		values: makeUnsafeSlice(m.allocator.AllocValues(int(capacity))),
		mask:   capacity - 1,
	}
}

// freeStorage returns s to the allocator. The inline buffer shares the
// Map's lifetime and is never freed.
func (m *Map[K, V]) freeStorage(s *storage[K, V]) {
	if s.meta.ptr == nil || s.meta.ptr == unsafe.Pointer(&m.inlineMeta[0]) {
		return
	}
	c := s.capacity()
	m.allocator.FreeMeta(s.meta.Slice(0, metaWords(c, m.bits)))
	m.allocator.FreeKeys(s.keys.Slice(0, c))
	m.allocator.FreeValues(s.values.Slice(0, c))
}

// usingInline reports whether the table currently resides in the inline
// buffer.
func (m *Map[K, V]) usingInline() bool {
	return m.data.meta.ptr == unsafe.Pointer(&m.inlineMeta[0])
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		m.validate()
	}
}

// validate panics if the table violates a structural invariant. Called
// from every mutating operation under the invariants build tag, and
// directly by tests.
func (m *Map[K, V]) validate() {
	s := &m.data
	if !isPow2(s.capacity()) {
		panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", s.capacity()))
	}

	var used, deleted int
	for i := uintptr(0); i < s.capacity(); i++ {
		switch s.state(i, m.bits) {
		case slotOccupied:
			used++
			key := *s.keys.At(i)
			j, ok := m.getIndex(key, m.hash(key))
			if !ok {
				panic(fmt.Sprintf("invariant failed: slot %d key %v unreachable by probing\n%s",
					i, key, m.debugString()))
			}
			if j != i {
				panic(fmt.Sprintf("invariant failed: key %v stored at slot %d but probes to %d\n%s",
					key, i, j, m.debugString()))
			}
		case slotDeleted:
			deleted++
		}
	}
	if used != s.used {
		panic(fmt.Sprintf("invariant failed: found %d occupied slots, but used count is %d\n%s",
			used, s.used, m.debugString()))
	}
	if deleted > 0 && m.bits == 1 {
		panic(fmt.Sprintf("invariant failed: %d deleted slots under the rehash strategy\n%s",
			deleted, m.debugString()))
	}

	// Metadata bits past the last slot in the final word must stay zero;
	// the iteration scan depends on it.
	if tail := (s.capacity() * m.bits) & (metaWordBits - 1); tail != 0 {
		if w := *s.meta.At(metaWords(s.capacity(), m.bits) - 1); w>>tail != 0 {
			panic(fmt.Sprintf("invariant failed: metadata bits set past slot %d", s.capacity()-1))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	s := &m.data
	fmt.Fprintf(&buf, "policy=%s capacity=%d used=%d inline=%t\n",
		m.policy, s.capacity(), s.used, m.usingInline())
	for i := uintptr(0); i < s.capacity(); i++ {
		switch s.state(i, m.bits) {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case slotDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case slotOccupied:
			key := *s.keys.At(i)
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, key, m.hash(key)&s.mask)
		default:
			fmt.Fprintf(&buf, "  %4d: invalid state %d\n", i, s.state(i, m.bits))
		}
	}
	return buf.String()
}
