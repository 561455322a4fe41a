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

// Package subscribe implements the topic registry and SUBSCRIBE/
// PUBLISH fan-out: one buffered queue and worker
// goroutine per subscriber so a slow subscriber never blocks
// publication to the others, backed by an optional continuity oracle
// for backfill and at-least-once delivery.
package subscribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgoldman0/rabbit/pkg/frame"
)

// Subscriber is what a subscription delivers events to. *lane.Lane
// satisfies this directly — Send assigns the lane's own Seq: header,
// which doubles as the strictly-monotone lane-local event sequence a
// subscriber requires, so the engine never tracks a second sequence
// counter of its own.
type Subscriber interface {
	Send(ctx context.Context, f frame.Frame) error
	Close(err error)
}

type subscription struct {
	id       uint64
	topic    string
	sink     Subscriber
	queue    chan frame.Frame
	cancel   context.CancelFunc
	lastSend atomic.Int64 // unix nanos, read by the heartbeat loop
}

func (s *subscription) touch(now time.Time) {
	s.lastSend.Store(now.UnixNano())
}

func (s *subscription) idleSince(now time.Time) time.Duration {
	last := s.lastSend.Load()
	if last == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, last))
}

// registry is the topic -> subscriber-set mapping, guarded by one
// mutex as in the broker this is grounded on; each subscriber's own
// delivery path runs off-lock in its worker goroutine.
type registry struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*subscription
}

func newRegistry() *registry {
	return &registry{topics: map[string]map[uint64]*subscription{}}
}

func (r *registry) add(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[s.topic] == nil {
		r.topics[s.topic] = map[uint64]*subscription{}
	}
	r.topics[s.topic][s.id] = s
}

func (r *registry) remove(topic string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// snapshot returns the current subscriber set for topic without
// holding the registry lock during delivery.
func (r *registry) snapshot(topic string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

func (r *registry) all() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription
	for _, subs := range r.topics {
		for _, s := range subs {
			out = append(out, s)
		}
	}
	return out
}
