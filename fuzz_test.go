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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// FuzzMapOps drives both erase strategies through an arbitrary operation
// sequence and checks each against a builtin map after every step. Bytes
// are consumed in (op, key) pairs.
func FuzzMapOps(f *testing.F) {
	f.Add([]byte{0, 1, 0, 2, 4, 1, 0, 1})
	f.Add([]byte{0, 1, 1, 1, 4, 1, 4, 1})
	f.Add([]byte{5, 200, 5, 200, 4, 200, 5, 200})
	f.Add([]byte{7, 255, 0, 0, 7, 0})
	seq := make([]byte, 0, 512)
	for i := 0; i < 256; i++ {
		seq = append(seq, byte(i%8), byte(i*37))
	}
	f.Add(seq)

	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzMapOps(t, data, false)
		fuzzMapOps(t, data, true)
	})
}

func fuzzMapOps(t *testing.T, data []byte, tombstones bool) {
	var opts []option[byte, int]
	if tombstones {
		opts = append(opts, WithTombstones[byte, int]())
	}
	m := New[byte, int](0, opts...)
	golden := make(map[byte]int)

	for i := 0; i+1 < len(data); i += 2 {
		op, k := data[i]%8, data[i+1]
		switch op {
		case 0, 1, 2:
			_, present := golden[k]
			require.Equal(t, !present, m.Insert(k, i), "insert %d", k)
			if !present {
				golden[k] = i
			}
		case 3:
			m.Put(k, i)
			golden[k] = i
		case 4:
			m.Delete(k)
			delete(golden, k)
		case 5:
			p := m.Index(k)
			if v, present := golden[k]; present {
				require.Equal(t, v, *p, "index %d", k)
			} else {
				require.Equal(t, 0, *p, "index %d", k)
				golden[k] = 0
			}
		case 6:
			ev, present := golden[k]
			v, ok := m.Get(k)
			require.Equal(t, present, ok, "get %d", k)
			if ok {
				require.Equal(t, ev, v, "get %d", k)
			}
			if present {
				require.Equal(t, 1, m.Count(k))
			} else {
				require.Equal(t, 0, m.Count(k))
				require.False(t, m.Find(k).Valid())
			}
		case 7:
			if k == 255 {
				m.Clear()
				golden = make(map[byte]int)
			} else {
				require.Equal(t, golden, m.toBuiltinMap())
			}
		}
		require.Equal(t, len(golden), m.Len(), "op %d key %d", op, k)
	}

	require.Equal(t, golden, m.toBuiltinMap())
	m.validate()
}
