/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package subscribe

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one persisted event on a topic.
type Record struct {
	Seq       uint64
	Payload   []byte
	Timestamp time.Time
}

// Oracle is the continuity oracle backing a topic: append assigns the
// next global seq for a topic and persists the event; ReadSince
// backfills everything after a cursor. A nil Oracle reduces delivery
// to in-memory best-effort — Engine treats that as "no backfill, no
// persistence" rather than an error.
type Oracle interface {
	Append(ctx context.Context, topic string, payload []byte, timestamp time.Time) (seq uint64, err error)
	ReadSince(ctx context.Context, topic string, since time.Time) ([]Record, error)
}

// MemoryOracle is an in-process Oracle backed by a per-topic slice. It
// has no durability across restarts; burrows that need that wire a
// different Oracle implementation behind the same interface.
type MemoryOracle struct {
	mu    sync.Mutex
	seq   map[string]uint64
	store map[string][]Record
}

// NewMemoryOracle returns an empty in-memory oracle.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{seq: map[string]uint64{}, store: map[string][]Record{}}
}

func (o *MemoryOracle) Append(_ context.Context, topic string, payload []byte, timestamp time.Time) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq[topic]++
	seq := o.seq[topic]
	cp := make([]byte, len(payload))
	copy(cp, payload)
	o.store[topic] = append(o.store[topic], Record{Seq: seq, Payload: cp, Timestamp: timestamp})
	return seq, nil
}

func (o *MemoryOracle) ReadSince(_ context.Context, topic string, since time.Time) ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := o.store[topic]
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
