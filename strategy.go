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

package linear

import "fmt"

// A strategy defines how a Map repairs its metadata after an erase, and
// with it the width of a slot's state. The two strategies share the
// probing protocol: both encode slotEmpty as all-zero bits and
// slotOccupied as 1, so lookup and insertion walk the same code path and
// only erase and the iteration lane mask differ.
//
//   - rehashStrategy stores 1 bit per slot and restores probe-chain
//     integrity on erase by shifting cluster entries backward into the
//     hole. Erase costs O(cluster length) but lookups never degrade.
//
//   - markerStrategy stores 2 bits per slot and marks erased slots
//     slotDeleted. Erase is O(1); tombstones keep probe chains intact but
//     lengthen them until the next growth drops them. Preferable when
//     keys or values are expensive to move or hash.
//
// The strategy is fixed for the lifetime of a Map.
type strategy[K comparable, V any] interface {
	// bitsPerSlot is the metadata state width B.
	bitsPerSlot() uintptr
	// occupiedLanes masks a metadata word down to the bits that are set
	// iff their slot is occupied.
	occupiedLanes() uint64
	// erase repairs slot states after the entry at slot i has been
	// destroyed. The caller decrements the occupancy count.
	erase(m *Map[K, V], i uintptr)
	String() string
}

type rehashStrategy[K comparable, V any] struct{}

func (rehashStrategy[K, V]) bitsPerSlot() uintptr { return 1 }

func (rehashStrategy[K, V]) occupiedLanes() uint64 { return ^uint64(0) }

func (rehashStrategy[K, V]) String() string { return "rehash" }

// erase closes the hole at slot i by walking the cluster to its right and
// shifting back every entry whose home slot permits it. An entry at probe
// cursor j may move into hole i only if its home slot does not lie in the
// open ring interval (i, j]; moving such an entry would detach it from its
// probe chain.
func (rehashStrategy[K, V]) erase(m *Map[K, V], i uintptr) {
	s := &m.data
	j := i
	for {
		s.setState(i, 1, slotEmpty)
		for {
			j = (j + 1) & s.mask
			if s.state(j, 1) == slotEmpty {
				return
			}
			home := m.hash(*s.keys.At(j)) & s.mask
			var chained bool
			if i <= j {
				chained = i < home && home <= j
			} else {
				chained = i < home || home <= j
			}
			if !chained {
				break
			}
		}
		if debug {
			fmt.Printf("erase(shift): %d <- %d\n", i, j)
		}
		*s.keys.At(i) = *s.keys.At(j)
		*s.values.At(i) = *s.values.At(j)
		var zeroK K
		var zeroV V
		*s.keys.At(j) = zeroK
		*s.values.At(j) = zeroV
		s.setState(i, 1, slotOccupied)
		i = j
	}
}

type markerStrategy[K comparable, V any] struct{}

func (markerStrategy[K, V]) bitsPerSlot() uintptr { return 2 }

func (markerStrategy[K, V]) occupiedLanes() uint64 { return 0x5555555555555555 }

func (markerStrategy[K, V]) String() string { return "marker" }

func (markerStrategy[K, V]) erase(m *Map[K, V], i uintptr) {
	m.data.setState(i, 2, slotDeleted)
}
