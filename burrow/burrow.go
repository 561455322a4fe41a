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

// Package burrow wires transport, handshake, tunnel multiplexing, verb
// dispatch, and subscription fan-out into one running node: the
// engine's top-level type, the way composeService ties the Docker
// engine client, the compose-go loader, and the progress UI together
// behind one facade.
package burrow

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/config"
	"github.com/dgoldman0/rabbit/pkg/dispatch"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/handshake"
	"github.com/dgoldman0/rabbit/pkg/lane"
	"github.com/dgoldman0/rabbit/pkg/metrics"
	"github.com/dgoldman0/rabbit/pkg/subscribe"
	"github.com/dgoldman0/rabbit/pkg/tunnel"
)

// Burrow is one running Rabbit node: it accepts or dials tunnels,
// negotiates identity over each, and demultiplexes every lane's
// request traffic to the Dispatcher and every SUBSCRIBE/PUBLISH to the
// subscription Engine.
type Burrow struct {
	cfg        *config.Config
	clock      clockwork.Clock
	metrics    *metrics.Registry
	resumes    *tunnel.ResumeStore
	dispatcher *dispatch.Dispatcher
	subs       *subscribe.Engine

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Options supplies the collaborators a Burrow can't construct for
// itself: the Resolver/Forwarder backing its selector namespace and,
// optionally, a Prometheus registerer and clock for tests.
type Options struct {
	Resolver  dispatch.Resolver
	Forwarder dispatch.Forwarder
	Oracle    subscribe.Oracle
	Metrics   *metrics.Registry
	Clock     clockwork.Clock
}

// New builds a Burrow from a loaded Config and the caller's Resolver/
// Forwarder. It does not start listening; call Serve or Accept.
func New(cfg *config.Config, opts Options) *Burrow {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := opts.Metrics

	b := &Burrow{
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		resumes:  tunnel.NewResumeStore(cfg.Limits.ResumeTTL, clock),
		inflight: map[string]context.CancelFunc{},
	}
	b.dispatcher = dispatch.New(opts.Resolver, opts.Forwarder, dispatch.Config{
		MaxHops: cfg.Limits.MaxHops,
		IdemTTL: cfg.Limits.ResumeTTL,
		Clock:   clock,
	})
	b.subs = subscribe.New(subscribe.Config{
		HeartbeatInterval: cfg.Limits.Heartbeat,
		Clock:             clock,
		Oracle:            opts.Oracle,
	})
	return b
}

// Serve listens on the Burrow's configured address and handles
// connections until ctx is canceled.
func (b *Burrow) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		if err := b.subs.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("burrow: subscription heartbeat loop exited")
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.handle(ctx, conn)
	}
}

func (b *Burrow) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	result, reader, err := handshake.Negotiate(conn, frame.DefaultLimits, handshake.Config{
		LocalID:      b.cfg.Identity,
		Version:      "1.0",
		Capabilities: b.cfg.Capabilities,
	}, b.resumes)
	if err != nil {
		logrus.WithError(err).Warn("burrow: handshake failed")
		return
	}
	logrus.WithField("peer", result.Peer.ID).Info("burrow: tunnel negotiated")

	if b.metrics != nil {
		b.metrics.TunnelOpened()
		defer b.metrics.TunnelClosed()
	}

	cfg := tunnel.Config{
		MaxLanes: b.cfg.Limits.MaxLanes,
		LaneConfig: lane.Config{
			InitialCredit: int64(b.cfg.Limits.InitialCredit),
			Clock:         b.clock,
		},
		FrameLimits: frame.Limits{
			MaxHeaderBlock: b.cfg.Limits.FrameHeaderMax,
			MaxBody:        b.cfg.Limits.BodyMax,
		},
		HeartbeatInterval: b.cfg.Limits.Heartbeat,
		Clock:             b.clock,
	}
	if result.ResumeToken != "" {
		token := result.ResumeToken
		cfg.OnClose = func(laneAcks map[uint32]uint32, pending map[uint32][]frame.Frame) {
			b.resumes.Update(token, laneAcks, pending)
		}
	}

	// t is referenced by the onDeliver closure below before it exists;
	// the closure only runs once Run starts draining frames, by which
	// point t has been assigned.
	var t *tunnel.Tunnel
	t = tunnel.NewWithReader(tunnel.NewNetTransport(conn), reader, cfg, func(laneID uint32, f *frame.Frame) {
		b.onDeliver(t, laneID, f)
	})

	if result.Resumed {
		b.resumeLanes(ctx, t, result.ResumeState)
	}

	if err := t.Run(ctx); err != nil {
		logrus.WithError(err).WithField("peer", result.Peer.ID).Debug("burrow: tunnel closed")
	}
}

// resumeLanes re-admits every lane the peer is resuming and replays
// whatever this side buffered but the peer's ack never confirmed, so
// the reconnected peer sees exactly the frames it missed.
func (b *Burrow) resumeLanes(ctx context.Context, t *tunnel.Tunnel, state tunnel.ResumeState) {
	for id, ack := range state.LaneAcks {
		l, err := t.OpenLane(id)
		if err != nil {
			logrus.WithError(err).WithField("lane", id).Warn("burrow: could not reopen resumed lane")
			continue
		}
		pending := state.Pending[id]
		l.SeedResume(ack, pending)
		for _, f := range pending {
			if seqStr, ok := f.Header("Seq"); ok {
				if n, err := strconv.ParseUint(seqStr, 10, 32); err == nil && uint32(n) <= ack {
					continue
				}
			}
			if err := l.Resend(ctx, f); err != nil {
				logrus.WithError(err).WithField("lane", id).Warn("burrow: replay failed")
				break
			}
		}
	}
}

// onDeliver routes one fully-assembled inbound frame to the
// dispatcher or the subscription engine depending on its verb.
func (b *Burrow) onDeliver(t *tunnel.Tunnel, laneID uint32, f *frame.Frame) {
	l, ok := t.Lane(laneID)
	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.FrameSeen(f.Start.Token, "in")
	}

	switch api.Verb(f.Start.Token) {
	case api.VerbSubscribe:
		b.handleSubscribe(l, f)
	case api.VerbPublish:
		b.handlePublish(l, f)
	case api.VerbCancel:
		b.handleCancelVerb(l, f)
	default:
		b.dispatchRequest(l, f)
	}
}

// dispatchRequest runs one request through the Dispatcher on its own
// goroutine so a Timeout: header or an incoming CANCEL for the same
// Txn can cut it short: the caller gets 408 TIMEOUT or 499 CANCELED
// instead of waiting past the deadline or a withdrawn request.
func (b *Burrow) dispatchRequest(l *lane.Lane, f *frame.Frame) {
	txn, ok := f.Header("Txn")
	if !ok || txn == "" {
		txn = xid.New().String()
		f.SetHeader("Txn", txn)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if d, ok := requestTimeout(f); ok {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	b.mu.Lock()
	b.inflight[txn] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, txn)
		b.mu.Unlock()
		cancel()
	}()

	type result struct {
		resp frame.Frame
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := b.dispatcher.Dispatch(ctx, f, 0)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			b.respond(l, errResponse(r.err))
			return
		}
		b.respond(l, r.resp)
	case <-ctx.Done():
		status, reason := api.StatusTimeout, api.ReasonTimeout
		if ctx.Err() == context.Canceled {
			status, reason = api.StatusCanceled, api.ReasonCanceled
		}
		resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(status, reason)}}
		copyCorrelation(f, &resp)
		b.respond(l, resp)

		cancelCtx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		_ = l.Send(cancelCtx, frame.Frame{
			Start:   frame.StartLine{Token: string(api.VerbCancel)},
			Headers: frame.Headers{{Key: "Txn", Value: txn}},
		})
		cancelFn()
	}
}

func requestTimeout(f *frame.Frame) (time.Duration, bool) {
	raw, ok := f.Header("Timeout")
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// handleCancelVerb answers an explicit CANCEL: it withdraws any
// in-flight dispatch for the same Txn (if this burrow is still
// working on it) and confirms with 499 CANCELED either way.
func (b *Burrow) handleCancelVerb(l *lane.Lane, f *frame.Frame) {
	if txn, ok := f.Header("Txn"); ok && txn != "" {
		b.mu.Lock()
		if cancel, ok := b.inflight[txn]; ok {
			cancel()
			delete(b.inflight, txn)
		}
		b.mu.Unlock()
	}
	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusCanceled, api.ReasonCanceled)}}
	copyCorrelation(f, &resp)
	b.respond(l, resp)
}

func (b *Burrow) handleSubscribe(l *lane.Lane, f *frame.Frame) {
	topic := f.Start.Rest
	var since *time.Time
	if raw, ok := f.Header("Since"); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = &t
		}
	}
	if _, err := b.subs.Subscribe(context.Background(), topic, l, since); err != nil {
		b.respond(l, errResponse(err))
		return
	}
	if b.metrics != nil {
		b.metrics.SubscriptionOpened()
	}
	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusSubscribed, api.ReasonSubscribed)}}
	copyCorrelation(f, &resp)
	resp.SetHeader("Heartbeats", strconv.Itoa(int(b.cfg.Limits.Heartbeat/time.Second)))
	b.respond(l, resp)
}

func (b *Burrow) handlePublish(l *lane.Lane, f *frame.Frame) {
	topic := f.Start.Rest
	if err := b.subs.Publish(context.Background(), topic, f.Body); err != nil {
		b.respond(l, errResponse(err))
		return
	}
	resp := frame.Frame{Start: frame.StartLine{Token: api.StartLine(api.StatusDone, api.ReasonDone)}}
	copyCorrelation(f, &resp)
	b.respond(l, resp)
}

// respond sends resp on l, chunking bodies over the non-chunked limit
// through SendChunked rather than handing frame.Encode a frame its
// peer's codec would reject as too large.
func (b *Burrow) respond(l *lane.Lane, resp frame.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if len(resp.Body) > b.cfg.Limits.BodyMax {
		body := resp.Body
		resp.Body = nil
		resp.Headers.Del("Length")
		err = l.SendChunked(ctx, resp, body, b.cfg.Limits.BodyMax)
	} else {
		err = l.Send(ctx, resp)
	}
	if err != nil {
		logrus.WithError(err).WithField("lane", l.ID()).Warn("burrow: failed to send response")
		return
	}
	if b.metrics != nil {
		b.metrics.FrameSeen(resp.Start.Token, "out")
	}
}

func copyCorrelation(req, resp *frame.Frame) {
	if txn, ok := req.Header("Txn"); ok {
		resp.SetHeader("Txn", txn)
	}
}

// errResponse renders any error Dispatch/Subscribe/Publish can return
// as a response frame. Publish's error may be a *multierror.Error
// wrapping several lanes' disconnects (pkg/merr); errors.As unwraps to
// the first *api.Error in that chain the same way respondLaneError
// does for tunnel-level errors.
func errResponse(err error) frame.Frame {
	var perr *api.Error
	if !errors.As(err, &perr) {
		perr = api.ErrInternal(err.Error())
	}
	resp := frame.Frame{Start: frame.StartLine{Token: perr.StartLine()}}
	if perr.Txn != "" {
		resp.SetHeader("Txn", perr.Txn)
	}
	return resp
}
