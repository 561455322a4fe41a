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

// Package dispatch interprets LIST/FETCH/SEARCH/DESCRIBE/OFFER/PING
// against a Resolver and renders the Rabbitmap or content response,
// including the recursive-warren delegation path.
package dispatch

import (
	"context"

	"github.com/dgoldman0/rabbit/pkg/selector"
)

// Kind distinguishes what a Resolver found for a selector.
type Kind int

const (
	// KindNotFound means the selector names nothing this burrow
	// serves and has no onward warren for it either.
	KindNotFound Kind = iota
	// KindMenu carries a Rabbitmap listing.
	KindMenu
	// KindContent carries a FETCH body and its View.
	KindContent
	// KindDescription carries a DESCRIBE schema.
	KindDescription
	// KindMoved means the selector now lives at Location.
	KindMoved
	// KindDelegate means another burrow must answer this selector.
	KindDelegate
	// KindForbidden means the selector exists but is not permitted.
	KindForbidden
)

// Delegate names the onward burrow and selector a warren forwards to.
type Delegate struct {
	Burrow   string
	Selector string
}

// Resolution is what a Resolver returns for one selector lookup. Only
// the fields matching Kind are meaningful; the others are zero.
type Resolution struct {
	Kind Kind

	Menu []selector.Entry

	Content []byte
	View    string

	// Description is an arbitrary schema value (typically a
	// map[string]interface{}) decoded into Schema via mapstructure
	// before rendering.
	Description interface{}

	Location string
	Delegate Delegate
}

// Resolver maps selectors to local content or to a delegate. A burrow
// that never forwards implements Resolve and leaves Search/Peers
// returning KindNotFound / an empty list.
type Resolver interface {
	// Resolve looks up sel (LIST/FETCH/DESCRIBE all route through here;
	// the caller has already checked sel.Permits).
	Resolve(ctx context.Context, sel selector.Selector) (Resolution, error)
	// Search evaluates query against sel's namespace and returns a
	// Resolution of Kind KindMenu (or KindNotFound).
	Search(ctx context.Context, sel selector.Selector, query string) (Resolution, error)
	// Peers lists this burrow's known warren peers for OFFER /warren,
	// each formatted "burrow: ed25519:…" or "burrow: dns:<name>".
	Peers(ctx context.Context) ([]string, error)
}

// Forwarder opens (or reuses) an onward tunnel to a delegate burrow
// and relays one verb, used when a Resolver returns KindDelegate.
type Forwarder interface {
	Forward(ctx context.Context, to Delegate, verb string, sel selector.Selector, query string, hops int) (Resolution, error)
}
