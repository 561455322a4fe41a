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

package dispatch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/xid"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/selector"
)

// Schema is the decoded shape of a DESCRIBE response body. Resolvers
// hand back an arbitrary value (usually a map); Dispatch decodes it
// through mapstructure so a malformed resolver implementation fails
// fast with a field-level error instead of a panic deep in rendering.
type Schema struct {
	Title  string        `mapstructure:"title"`
	Fields []FieldSchema `mapstructure:"fields"`
}

// FieldSchema describes one field of a DESCRIBE schema.
type FieldSchema struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
}

// Config bounds idempotency-cache and delegation behavior.
type Config struct {
	MaxHops int
	IdemTTL time.Duration
	Clock   clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxHops == 0 {
		c.MaxHops = api.DefaultMaxHops
	}
	if c.IdemTTL == 0 {
		c.IdemTTL = time.Duration(api.DefaultResumeTTLSeconds) * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type idemEntry struct {
	resp    frame.Frame
	expires time.Time
}

// Dispatcher answers LIST/FETCH/SEARCH/DESCRIBE/OFFER/PING requests
// against a Resolver, forwarding to a Forwarder when resolution names
// another burrow.
type Dispatcher struct {
	resolver  Resolver
	forwarder Forwarder
	cfg       Config

	mu    sync.Mutex
	idem  map[string]idemEntry
}

// New builds a Dispatcher. forwarder may be nil; a burrow with no
// onward warren simply fails KindDelegate resolutions with 404.
func New(resolver Resolver, forwarder Forwarder, cfg Config) *Dispatcher {
	return &Dispatcher{
		resolver:  resolver,
		forwarder: forwarder,
		cfg:       cfg.withDefaults(),
		idem:      map[string]idemEntry{},
	}
}

// Dispatch answers one request frame. hops counts how many onward
// warren delegations already carried this request; callers start a
// fresh request at hops 0.
func (d *Dispatcher) Dispatch(ctx context.Context, req *frame.Frame, hops int) (frame.Frame, error) {
	laneStr, _ := req.Header("Lane")
	txn, ok := req.Header("Txn")
	if !ok || txn == "" {
		// A caller that didn't supply its own correlation id still gets
		// one, so every response and Idem cache entry can be scoped to
		// a Txn even for callers that never set one themselves.
		txn = xid.New().String()
		req.SetHeader("Txn", txn)
	}
	var lane *uint32
	if laneStr != "" {
		if v, err := strconv.ParseUint(laneStr, 10, 32); err == nil {
			l := uint32(v)
			lane = &l
		}
	}

	scope := func(e *api.Error) error {
		if lane != nil {
			e = e.WithLane(*lane)
		}
		if txn != "" {
			e = e.WithTxn(txn)
		}
		return e
	}

	if idem, ok := req.Header("Idem"); ok {
		if cached, ok := d.lookupIdem(req.Start.Rest, idem); ok {
			return cached, nil
		}
	}

	verb := req.Start.Token
	if verb == "PING" {
		return d.echo(req, api.StatusHello, api.ReasonPong), nil
	}

	sel, err := selector.Parse(req.Start.Rest)
	if err != nil && verb != "OFFER" {
		return frame.Frame{}, scope(api.ErrMalformed("invalid selector " + req.Start.Rest))
	}

	var resp frame.Frame
	switch verb {
	case string(api.VerbList):
		if !sel.Permits(api.VerbList) {
			return frame.Frame{}, scope(api.ErrMalformed("selector is not a menu"))
		}
		resp, err = d.resolve(ctx, req, sel, "", hops, scope)
	case string(api.VerbFetch):
		resp, err = d.resolve(ctx, req, sel, "", hops, scope)
	case string(api.VerbDescribe):
		resp, err = d.resolve(ctx, req, sel, "", hops, scope)
	case string(api.VerbSearch):
		query, _ := req.Header("Query")
		resp, err = d.search(ctx, req, sel, query, scope)
	case string(api.VerbOffer):
		resp, err = d.offer(ctx, req, scope)
	default:
		return frame.Frame{}, scope(api.ErrProtocolViolation("unsupported verb " + verb))
	}
	if err != nil {
		return frame.Frame{}, err
	}

	if idem, ok := req.Header("Idem"); ok {
		d.storeIdem(req.Start.Rest, idem, resp)
	}
	return resp, nil
}

func (d *Dispatcher) resolve(ctx context.Context, req *frame.Frame, sel selector.Selector, query string, hops int, scope func(*api.Error) error) (frame.Frame, error) {
	res, err := d.resolver.Resolve(ctx, sel)
	if err != nil {
		return frame.Frame{}, scope(api.ErrInternal("resolver error").WithCause(err))
	}
	return d.render(ctx, req, sel, req.Start.Token, query, res, hops, scope)
}

func (d *Dispatcher) search(ctx context.Context, req *frame.Frame, sel selector.Selector, query string, scope func(*api.Error) error) (frame.Frame, error) {
	if !sel.Permits(api.VerbSearch) {
		return frame.Frame{}, scope(api.ErrMalformed("selector does not accept SEARCH"))
	}
	res, err := d.resolver.Search(ctx, sel, query)
	if err != nil {
		return frame.Frame{}, scope(api.ErrInternal("resolver error").WithCause(err))
	}
	return d.render(ctx, req, sel, req.Start.Token, query, res, 0, scope)
}

func (d *Dispatcher) offer(ctx context.Context, req *frame.Frame, scope func(*api.Error) error) (frame.Frame, error) {
	peers, err := d.resolver.Peers(ctx)
	if err != nil {
		return frame.Frame{}, scope(api.ErrInternal("resolver error").WithCause(err))
	}
	var b strings.Builder
	for _, p := range peers {
		b.WriteString(p)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	resp := d.echo(req, 200, api.ReasonPeers)
	resp.Body = []byte(b.String())
	resp.SetHeader("Length", strconv.Itoa(len(resp.Body)))
	return resp, nil
}

// render turns one Resolution into a wire response, following a
// KindDelegate through the Forwarder (bounded by MaxHops) and a
// KindMoved into a 301 with Location:.
func (d *Dispatcher) render(ctx context.Context, req *frame.Frame, sel selector.Selector, verb, query string, res Resolution, hops int, scope func(*api.Error) error) (frame.Frame, error) {
	switch res.Kind {
	case KindNotFound:
		return frame.Frame{}, scope(api.ErrNotFound("selector not found"))
	case KindForbidden:
		return frame.Frame{}, scope(api.ErrForbidden("selector access denied"))
	case KindMoved:
		resp := d.echo(req, api.StatusMoved, api.ReasonMoved)
		resp.SetHeader("Location", res.Location)
		return resp, nil
	case KindDelegate:
		if d.forwarder == nil {
			return frame.Frame{}, scope(api.ErrNotFound("no onward warren for selector"))
		}
		if hops+1 > d.cfg.MaxHops {
			return frame.Frame{}, scope(api.ErrFlowLimit("max forwarding hops exceeded"))
		}
		onward, err := d.forwarder.Forward(ctx, res.Delegate, verb, sel, query, hops+1)
		if err != nil {
			return frame.Frame{}, scope(api.ErrInternal("forwarding failed").WithCause(err))
		}
		return d.render(ctx, req, sel, verb, query, onward, hops+1, scope)
	case KindMenu:
		resp := d.echo(req, 200, api.ReasonMenu)
		resp.Body = selector.Menu(res.Menu)
		resp.SetHeader("Length", strconv.Itoa(len(resp.Body)))
		return resp, nil
	case KindContent:
		resp := d.echo(req, 200, api.ReasonContent)
		resp.SetHeader("View", res.View)
		resp.Body = res.Content
		resp.SetHeader("Length", strconv.Itoa(len(resp.Body)))
		return resp, nil
	case KindDescription:
		var schema Schema
		if err := mapstructure.Decode(res.Description, &schema); err != nil {
			return frame.Frame{}, scope(api.ErrInternal("malformed schema from resolver").WithCause(err))
		}
		resp := d.echo(req, 200, api.ReasonDescription)
		resp.Body = renderSchema(schema)
		resp.SetHeader("Length", strconv.Itoa(len(resp.Body)))
		return resp, nil
	default:
		return frame.Frame{}, scope(api.ErrInternal("resolver returned unrecognized kind"))
	}
}

func renderSchema(s Schema) []byte {
	var b strings.Builder
	b.WriteString("title\t")
	b.WriteString(s.Title)
	b.WriteString("\r\n")
	for _, f := range s.Fields {
		b.WriteString("field\t")
		b.WriteString(f.Name)
		b.WriteByte('\t')
		b.WriteString(f.Type)
		b.WriteByte('\t')
		b.WriteString(f.Description)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}

// echo builds a response start-line, copying Lane: and Txn: forward
// from req.
func (d *Dispatcher) echo(req *frame.Frame, status api.Status, reason string) frame.Frame {
	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(status, reason)}}
	if lane, ok := req.Header("Lane"); ok {
		resp.SetHeader("Lane", lane)
	}
	if txn, ok := req.Header("Txn"); ok {
		resp.SetHeader("Txn", txn)
	}
	return resp
}

func (d *Dispatcher) lookupIdem(sel, idem string) (frame.Frame, bool) {
	key := sel + "\x00" + idem
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.idem[key]
	if !ok {
		return frame.Frame{}, false
	}
	if d.cfg.Clock.Now().After(e.expires) {
		delete(d.idem, key)
		return frame.Frame{}, false
	}
	return e.resp.Clone(), true
}

func (d *Dispatcher) storeIdem(sel, idem string, resp frame.Frame) {
	key := sel + "\x00" + idem
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idem[key] = idemEntry{resp: resp.Clone(), expires: d.cfg.Clock.Now().Add(d.cfg.IdemTTL)}
}
