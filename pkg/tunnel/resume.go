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

package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dgoldman0/rabbit/pkg/frame"
)

// ResumeState is what a disconnected tunnel leaves behind so a
// reconnecting peer can pick up where it left off within the
// resumption window: the last cumulative ack known per lane, and the
// frames sent past that ack the peer never confirmed, so the resuming
// side replays exactly what's missing and nothing that already
// arrived.
type ResumeState struct {
	BurrowID  string
	LaneAcks  map[uint32]uint32
	Pending   map[uint32][]frame.Frame
	ExpiresAt time.Time
}

// ResumeStore issues and redeems one-shot resume tokens. Tokens are
// consumed on first redemption; a second AUTH RESUME with the same
// token is treated as not-found, since a resume token is valid for a
// single resumption attempt.
type ResumeStore struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu     sync.Mutex
	issued map[string]string // token -> burrowID, offered at HELLO time, not yet disconnected
	state  map[string]ResumeState
}

// NewResumeStore creates a store whose tokens expire after ttl,
// counted from the moment the tunnel that offered them actually
// disconnects (Update), not from when they were offered.
func NewResumeStore(ttl time.Duration, clock clockwork.Clock) *ResumeStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ResumeStore{
		ttl:    ttl,
		clock:  clock,
		issued: map[string]string{},
		state:  map[string]ResumeState{},
	}
}

// Offer reserves a fresh token for burrowID at HELLO time, before the
// tunnel's eventual disconnect snapshot exists. The token is not
// redeemable until Update fills it in.
func (s *ResumeStore) Offer(burrowID string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.issued[token] = burrowID
	s.mu.Unlock()
	return token
}

// Update finalizes a previously offered token with the tunnel's
// disconnect-time snapshot, making it redeemable for ttl. A token
// nobody offered (or already redeemed) is silently ignored — the
// tunnel that's closing doesn't need to know whether its peer ever
// negotiated the resume capability.
func (s *ResumeStore) Update(token string, laneAcks map[uint32]uint32, pending map[uint32][]frame.Frame) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	burrowID, ok := s.issued[token]
	if !ok {
		return
	}
	delete(s.issued, token)

	acks := make(map[uint32]uint32, len(laneAcks))
	for k, v := range laneAcks {
		acks[k] = v
	}
	pend := make(map[uint32][]frame.Frame, len(pending))
	for k, frames := range pending {
		buf := make([]frame.Frame, len(frames))
		copy(buf, frames)
		pend[k] = buf
	}
	s.state[token] = ResumeState{
		BurrowID:  burrowID,
		LaneAcks:  acks,
		Pending:   pend,
		ExpiresAt: s.clock.Now().Add(s.ttl),
	}
}

// Redeem consumes token, returning its snapshot once. A second call
// with the same token, or a call after expiry, reports ok=false.
func (s *ResumeStore) Redeem(token string) (ResumeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[token]
	if !ok {
		return ResumeState{}, false
	}
	delete(s.state, token)
	if s.clock.Now().After(st.ExpiresAt) {
		return ResumeState{}, false
	}
	return st, true
}

// Sweep drops expired, unredeemed tokens; callers run it periodically
// (e.g. alongside the heartbeat loop) to bound store size.
func (s *ResumeStore) Sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, st := range s.state {
		if now.After(st.ExpiresAt) {
			delete(s.state, token)
		}
	}
}
