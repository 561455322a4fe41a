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

package handshake

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/tunnel"
)

// SupportedConstraint is the protocol version range this build
// negotiates; a HELLO version outside it must
// fail with 431 BAD-HELLO rather than silently downgrading.
var SupportedConstraint = mustConstraint(">= 1.0, < 2.0")

func mustConstraint(c string) goversion.Constraints {
	constraint, err := goversion.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Config is this side's negotiation offer.
type Config struct {
	LocalID        string
	Version        string // e.g. "1.0"
	Capabilities   []string
	ChannelBinding []byte // TLS exporter value, nil over a non-TLS transport
	RequireAuth    bool

	// ResumeToken and ResumeLaneAcks describe a previous session this
	// side is trying to resume: the token it was handed at that
	// session's HELLO, and its own per-lane cumulative acks as of
	// disconnect, offered so the peer knows exactly where to resume
	// sending from.
	ResumeToken    string
	ResumeLaneAcks map[uint32]uint32
}

// Result is what a completed handshake produced.
type Result struct {
	Peer Identity
	// ResumeToken is the token this side issued to the peer for a
	// future reconnect; callers save it (keyed by whatever identifies
	// this tunnel) and present it back as Config.ResumeToken.
	ResumeToken  string
	Capabilities []string
	Resumed      bool
	ResumeState  tunnel.ResumeState
}

// Negotiate runs the HELLO (and, if required, CHALLENGE/AUTH)
// exchange over rw before any lane exists. It returns the buffered
// reader it used so the caller can hand the exact same unread bytes
// to tunnel.NewWithReader instead of risking a second bufio.Reader
// dropping whatever the peer pipelined right behind its HELLO.
func Negotiate(rw io.ReadWriter, limits frame.Limits, cfg Config, store *tunnel.ResumeStore) (*Result, *bufio.Reader, error) {
	reader := bufio.NewReader(rw)

	hello := frame.Frame{Start: frame.StartLine{Token: "HELLO", Rest: "RABBIT/" + cfg.Version}}
	hello.SetHeader("Id", cfg.LocalID)
	hello.SetHeader("Caps", joinCaps(cfg.Capabilities))
	if cfg.ResumeToken != "" {
		hello.SetHeader("Resume", cfg.ResumeToken)
		if len(cfg.ResumeLaneAcks) > 0 {
			hello.SetHeader("Lanes-Resume", formatLanesResume(cfg.ResumeLaneAcks))
		}
	}
	if _, err := rw.Write(frame.Encode(hello)); err != nil {
		return nil, reader, err
	}

	peerHello, err := frame.Decode(reader, limits)
	if err != nil {
		return nil, reader, err
	}
	if peerHello.Start.Token != "HELLO" {
		return nil, reader, reject(rw, api.ErrBadHello("expected HELLO, got "+peerHello.Start.Token))
	}

	peerVersionStr := peerHello.Start.Rest
	if len(peerVersionStr) > len("RABBIT/") && peerVersionStr[:7] == "RABBIT/" {
		peerVersionStr = peerVersionStr[7:]
	}
	peerVersion, err := goversion.NewVersion(peerVersionStr)
	if err != nil {
		return nil, reader, reject(rw, api.ErrBadHello("unparsable protocol version "+peerVersionStr))
	}
	if !SupportedConstraint.Check(peerVersion) {
		return nil, reader, reject(rw, api.ErrBadHello("unsupported protocol version "+peerVersionStr))
	}

	peerID, _ := peerHello.Header("Id")
	peerCapsRaw, _ := peerHello.Header("Caps")
	peerCaps := splitCaps(peerCapsRaw)

	agreed := intersectCaps(cfg.Capabilities, peerCaps)
	if !hasCap(agreed, api.CapLanes) {
		return nil, reader, reject(rw, api.ErrBadHello("no common lane capability"))
	}

	result := &Result{Peer: Identity{ID: peerID, Trust: api.TrustSelfSigned}}

	var state tunnel.ResumeState
	if token, ok := peerHello.Header("Resume"); ok && store != nil {
		if st, ok := store.Redeem(token); ok {
			state = st
			result.Resumed = true
		}
	}
	if raw, ok := peerHello.Header("Lanes-Resume"); ok {
		if state.LaneAcks == nil {
			state.LaneAcks = map[uint32]uint32{}
		}
		for id, ack := range parseLanesResume(raw) {
			state.LaneAcks[id] = ack
		}
	}
	if result.Resumed {
		result.ResumeState = state
		result.Peer.Trust = api.TrustAnchored
	}

	var peerResp *frame.Frame
	if cfg.RequireAuth && !result.Resumed {
		identity, err := challengeAndVerify(rw, reader, limits, cfg, &peerResp)
		if err != nil {
			var perr *api.Error
			if !errors.As(err, &perr) {
				perr = api.ErrUnauthorized(err.Error())
			}
			return nil, reader, reject(rw, perr)
		}
		result.Peer = identity
	}

	result.Capabilities = agreed

	if store != nil && hasCap(agreed, api.CapResume) {
		result.ResumeToken = store.Offer(cfg.LocalID)
	}

	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusHello, api.ReasonHello)}}
	if result.Resumed {
		resp = frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusResumed, api.ReasonResumed)}}
		resp.SetHeader("Lanes", formatLaneList(sortedLaneIDs(result.ResumeState.LaneAcks)))
	}
	resp.SetHeader("Id", cfg.LocalID)
	resp.SetHeader("Caps", joinCaps(agreed))
	if result.ResumeToken != "" {
		resp.SetHeader("Resume", result.ResumeToken)
	}
	if _, err := rw.Write(frame.Encode(resp)); err != nil {
		return nil, reader, err
	}

	// The peer's own response may be its final confirmation, or a
	// CHALLENGE it's issuing to us (it may require auth even if we
	// don't require it of it). Either way this side must read and
	// answer it before the tunnel is usable. challengeAndVerify may
	// already have read it.
	if peerResp == nil {
		peerResp, err = frame.Decode(reader, limits)
		if err != nil {
			return nil, reader, err
		}
	}
	switch peerResp.Start.Rest {
	case api.ReasonChallenge:
		if err := answerChallenge(rw, reader, limits, peerResp, cfg); err != nil {
			var perr *api.Error
			if !errors.As(err, &perr) {
				perr = api.ErrUnauthorized(err.Error())
			}
			return nil, reader, reject(rw, perr)
		}
	case api.ReasonHello, api.ReasonResumed:
		// Peer completed without requiring auth from us.
	default:
		return nil, reader, reject(rw, api.ErrBadHello("unexpected handshake response "+peerResp.Start.String()))
	}

	return result, reader, nil
}

// reject writes a rejection status-line to rw and returns perr
// unchanged, so callers can do `return nil, reader, reject(rw, perr)`
// and always leave the peer with a frame explaining why instead of
// just watching the socket close.
func reject(rw io.Writer, perr *api.Error) *api.Error {
	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(perr.Status, api.WireReason(perr.Kind))}}
	resp.SetHeader("Reason", perr.Reason)
	_, _ = rw.Write(frame.Encode(resp))
	return perr
}

// challengeAndVerify issues a 300 CHALLENGE nonce and validates the
// peer's AUTH proof against this side's channel-binding value. A peer
// that does not challenge back sends its own handshake response ahead
// of its AUTH; that frame is stored in *peerResp for the caller.
func challengeAndVerify(w io.Writer, r *bufio.Reader, limits frame.Limits, cfg Config, peerResp **frame.Frame) (Identity, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Identity{}, api.ErrInternal("nonce generation failed").WithCause(err)
	}
	nonceHex := hex.EncodeToString(nonce)

	challenge := frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusChallenge, api.ReasonChallenge)}}
	challenge.SetHeader("Nonce", nonceHex)
	if _, err := w.Write(frame.Encode(challenge)); err != nil {
		return Identity{}, err
	}

	auth, err := frame.Decode(r, limits)
	if err != nil {
		return Identity{}, err
	}
	if auth.Start.Rest == api.ReasonHello || auth.Start.Rest == api.ReasonResumed {
		*peerResp = auth
		if auth, err = frame.Decode(r, limits); err != nil {
			return Identity{}, err
		}
	}
	if auth.Start.Token != string(api.VerbAuth) {
		return Identity{}, api.ErrBadHello("expected AUTH, got " + auth.Start.Token)
	}

	proof, _ := auth.Header("Proof")
	want := computeProof(nonceHex, cfg.ChannelBinding)
	if !proofsMatch(proof, want) {
		return Identity{}, api.ErrUnauthorized("channel-binding proof mismatch")
	}

	peerID, _ := auth.Header("Id")
	return Identity{ID: peerID, Trust: api.TrustVerified}, nil
}

// answerChallenge plays the passive/responder role: the peer already
// sent us its CHALLENGE (challenge), so we compute and send the
// matching AUTH proof and then read the peer's true final response.
func answerChallenge(w io.Writer, r *bufio.Reader, limits frame.Limits, challenge *frame.Frame, cfg Config) error {
	nonceHex, _ := challenge.Header("Nonce")
	proof := computeProof(nonceHex, cfg.ChannelBinding)

	auth := frame.Frame{Start: frame.StartLine{Token: string(api.VerbAuth)}}
	auth.SetHeader("Id", cfg.LocalID)
	auth.SetHeader("Proof", proof)
	if _, err := w.Write(frame.Encode(auth)); err != nil {
		return err
	}

	final, err := frame.Decode(r, limits)
	if err != nil {
		return err
	}
	switch final.Start.Rest {
	case api.ReasonHello, api.ReasonResumed:
		return nil
	default:
		return api.ErrUnauthorized("challenge rejected: " + final.Start.String())
	}
}

// parseLanesResume parses "1=ACK:5,2=ACK:3" into {1:5, 2:3}.
func parseLanesResume(raw string) map[uint32]uint32 {
	out := map[uint32]uint32{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ackRaw, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		ackRaw = strings.TrimPrefix(ackRaw, "ACK:")
		idN, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		ackN, err := strconv.ParseUint(ackRaw, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(idN)] = uint32(ackN)
	}
	return out
}

// formatLanesResume is parseLanesResume's inverse, in ascending lane
// order for a deterministic wire representation.
func formatLanesResume(acks map[uint32]uint32) string {
	ids := sortedLaneIDs(acks)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(uint64(id), 10)+"=ACK:"+strconv.FormatUint(uint64(acks[id]), 10))
	}
	return strings.Join(parts, ",")
}

func sortedLaneIDs(m map[uint32]uint32) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func formatLaneList(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
