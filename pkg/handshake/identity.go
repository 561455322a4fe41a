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

// Package handshake performs the HELLO/AUTH/CHALLENGE negotiation,
// ahead of the point where pkg/tunnel takes over framing
// the same connection for lane traffic.
package handshake

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/utils"
)

// Identity is what a completed handshake learned about the peer.
type Identity struct {
	ID    string
	Trust api.TrustLevel
}

func splitCaps(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinCaps(caps []string) string {
	return strings.Join(caps, ",")
}

// intersectCaps returns the capabilities present in both lists,
// sorted for a deterministic wire representation.
func intersectCaps(local, remote []string) []string {
	remoteSet := make(utils.Set[string], len(remote))
	remoteSet.AddAll(remote...)
	var out []string
	for _, c := range local {
		if _, ok := remoteSet[c]; ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func hasCap(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// computeProof derives the channel-binding proof a peer must echo
// back in its AUTH frame: sha256(nonce || channel-binding-value),
// hex-encoded. No dependency in scope offers TLS-exporter-binding
// helpers, so this uses stdlib crypto directly rather than inventing
// an ecosystem dependency that doesn't exist.
func computeProof(nonce string, channelBinding []byte) string {
	h := sha256.New()
	h.Write([]byte(nonce))
	h.Write(channelBinding)
	return hex.EncodeToString(h.Sum(nil))
}

func proofsMatch(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
