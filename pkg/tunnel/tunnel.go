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
	"bufio"
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/lane"
	"github.com/dgoldman0/rabbit/pkg/utils"
)

// DeliverFunc receives a fully assembled inbound frame on the given
// lane, already past sequencing and reassembly. It is supplied by
// whoever wires a Tunnel into the rest of a burrow (the dispatcher for
// request verbs, the subscription engine for EVENT/PUBLISH).
type DeliverFunc func(laneID uint32, f *frame.Frame)

// Config bounds one tunnel's lane table and scheduling behavior.
type Config struct {
	MaxLanes          int
	LaneConfig        lane.Config
	FrameLimits       frame.Limits
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock

	// OnClose, if set, is invoked once from Close with every admitted
	// lane's peer-ack and unacked-frame buffer, while the lane table is
	// still intact — the hook a resume token's snapshot is taken from.
	OnClose func(laneAcks map[uint32]uint32, pending map[uint32][]frame.Frame)
}

func (c Config) withDefaults() Config {
	if c.MaxLanes == 0 {
		c.MaxLanes = api.DefaultMaxLanes
	}
	if c.FrameLimits == (frame.Limits{}) {
		c.FrameLimits = frame.DefaultLimits
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = api.DefaultHeartbeatSeconds * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Tunnel multiplexes a Transport into a table of Lanes.
type Tunnel struct {
	transport Transport
	reader    *bufio.Reader
	cfg       Config
	onDeliver DeliverFunc

	mu       sync.Mutex
	lanes    map[uint32]*lane.Lane
	laneIDs  utils.Set[uint32]
	closed   bool
	closeErr error

	die     chan struct{}
	dieOnce sync.Once
}

// New wires a Tunnel over transport. onDeliver is invoked (from the
// tunnel's own recv goroutine) for every frame a lane hands back as
// complete; it must not block for long.
func New(transport Transport, cfg Config, onDeliver DeliverFunc) *Tunnel {
	return NewWithReader(transport, bufio.NewReader(transport), cfg, onDeliver)
}

// NewWithReader is New, but takes an already-buffered reader over
// transport. pkg/handshake negotiates HELLO/AUTH on the same
// connection before any lane exists and may have buffered bytes past
// its last frame (the peer pipelining lane traffic right behind its
// HELLO); handing that exact reader in here means those bytes are
// decoded rather than stranded in a reader this Tunnel never sees.
func NewWithReader(transport Transport, reader *bufio.Reader, cfg Config, onDeliver DeliverFunc) *Tunnel {
	cfg = cfg.withDefaults()
	return &Tunnel{
		transport: transport,
		reader:    reader,
		cfg:       cfg,
		onDeliver: onDeliver,
		lanes:     map[uint32]*lane.Lane{},
		laneIDs:   utils.Set[uint32]{},
		die:       make(chan struct{}),
	}
}

// Run drives the tunnel until the transport fails, ctx is canceled, or
// Close is called, fanning recv/send/heartbeat out the way
// smux.newSession spawns recvLoop/sendLoop/keepalive over one conn.
func (t *Tunnel) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return t.recvLoop(ctx) })
	eg.Go(func() error { return t.sendLoop(ctx) })
	eg.Go(func() error { return t.heartbeatLoop(ctx) })

	err := eg.Wait()
	t.Close(err)
	return err
}

// Close tears down every lane and the underlying transport. Safe to
// call multiple times and from any goroutine.
func (t *Tunnel) Close(err error) error {
	t.dieOnce.Do(func() {
		if err == nil {
			err = io.ErrClosedPipe
		}
		t.mu.Lock()
		t.closed = true
		t.closeErr = err
		lanes := t.lanes
		t.lanes = map[uint32]*lane.Lane{}
		t.mu.Unlock()

		if t.cfg.OnClose != nil {
			acks := make(map[uint32]uint32, len(lanes))
			pending := make(map[uint32][]frame.Frame, len(lanes))
			for id, l := range lanes {
				acks[id] = l.PeerAck()
				if buf := l.Unacked(); len(buf) > 0 {
					pending[id] = buf
				}
			}
			t.cfg.OnClose(acks, pending)
		}

		for _, l := range lanes {
			l.Close(err)
		}
		close(t.die)
	})
	return t.transport.Close()
}

// OpenLane admits a locally initiated lane, enforcing the tunnel's
// max-lane quota.
func (t *Tunnel) OpenLane(id uint32) (*lane.Lane, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.closeErr
	}
	if l, ok := t.lanes[id]; ok {
		return l, nil
	}
	if len(t.laneIDs) >= t.cfg.MaxLanes {
		return nil, api.ErrFlowLimit("max lanes exceeded").WithLane(id)
	}
	l := lane.New(id, t.cfg.LaneConfig)
	t.lanes[id] = l
	t.laneIDs.Add(id)
	return l, nil
}

// LaneIDs returns the currently admitted lane ids. The disconnect-time
// snapshot of per-lane acks goes through Config.OnClose, not this.
func (t *Tunnel) LaneIDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.laneIDs.Elements()
}

// Lane returns an already-admitted lane, if any.
func (t *Tunnel) Lane(id uint32) (*lane.Lane, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lanes[id]
	return l, ok
}

// CloseLane removes one lane from the table without tearing down the
// whole tunnel, used when a lane reaches Done.
func (t *Tunnel) CloseLane(id uint32, err error) {
	t.mu.Lock()
	l, ok := t.lanes[id]
	if ok {
		delete(t.lanes, id)
		t.laneIDs.Remove(id)
	}
	t.mu.Unlock()
	if ok {
		l.Close(err)
	}
}

func (t *Tunnel) laneSnapshot() []*lane.Lane {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*lane.Lane, 0, len(t.lanes))
	for _, l := range t.lanes {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *Tunnel) recvLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := frame.Decode(t.reader, t.cfg.FrameLimits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		t.demux(f)
	}
}

func (t *Tunnel) demux(f *frame.Frame) {
	laneStr, _ := f.Header("Lane")
	id64, err := strconv.ParseUint(laneStr, 10, 32)
	if err != nil {
		logrus.WithField("raw", laneStr).Warn("tunnel: frame with missing or unparsable Lane:, dropping")
		return
	}
	laneID := uint32(id64)

	l, ok := t.Lane(laneID)
	if !ok {
		l, err = t.admitRemote(laneID)
		if err != nil {
			t.respondError(api.ControlLane, err)
			return
		}
	}

	result, derr := l.Deliver(f)
	if derr != nil {
		t.respondLaneError(l, derr)
		return
	}
	if result != nil && t.onDeliver != nil {
		t.onDeliver(laneID, result)
	}
}

// admitRemote accepts a peer-initiated lane the first time a frame
// names it, subject to the same quota as OpenLane.
func (t *Tunnel) admitRemote(id uint32) (*lane.Lane, error) {
	return t.OpenLane(id)
}

func (t *Tunnel) respondError(laneID uint32, err error) {
	var perr *api.Error
	if !errors.As(err, &perr) {
		perr = api.ErrInternal(err.Error())
	}
	l, ok := t.Lane(laneID)
	if !ok {
		var admitErr error
		l, admitErr = t.OpenLane(laneID)
		if admitErr != nil {
			return
		}
	}
	t.respondLaneError(l, perr)
}

func (t *Tunnel) respondLaneError(l *lane.Lane, err error) {
	var perr *api.Error
	if !errors.As(err, &perr) {
		perr = api.ErrInternal(err.Error())
	}
	resp := frame.Frame{Start: frame.StartLine{Token: strconv.Itoa(int(perr.Status)), Rest: api.WireReason(perr.Kind)}}
	if perr.Txn != "" {
		resp.SetHeader("Txn", perr.Txn)
	}
	if perr.Kind == api.KindOutOfOrder {
		resp.SetHeader("Expected", strconv.FormatUint(uint64(l.PeerSeqExpected()), 10))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Send(ctx, resp); err != nil {
		logrus.WithError(err).WithField("lane", l.ID()).Warn("tunnel: failed to send error response")
	}
}

// sendLoop is the fair outbound scheduler: each pass visits every lane
// once, rotating the starting point so no lane is consistently served
// last, and always prefers a lane's credit-free control queue over its
// data queue.
func (t *Tunnel) sendLoop(ctx context.Context) error {
	start := 0
	for {
		lanes := t.laneSnapshot()
		if len(lanes) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.die:
				return nil
			case <-t.cfg.Clock.After(5 * time.Millisecond):
				continue
			}
		}

		n := len(lanes)
		if start >= n {
			start = 0
		}
		sent, err := t.tryRotatedSend(lanes, start, true)
		if err != nil {
			return err
		}
		if !sent {
			sent, err = t.tryRotatedSend(lanes, start, false)
			if err != nil {
				return err
			}
		}
		start = (start + 1) % n

		if !sent {
			if err := t.blockUntilReady(ctx, lanes); err != nil {
				return err
			}
		}
	}
}

func (t *Tunnel) tryRotatedSend(lanes []*lane.Lane, start int, ctrl bool) (bool, error) {
	n := len(lanes)
	for i := 0; i < n; i++ {
		l := lanes[(start+i)%n]
		ctrlCh, dataCh := l.Outbound()
		ch := dataCh
		if ctrl {
			ch = ctrlCh
		}
		select {
		case f := <-ch:
			return true, t.writeFrame(f)
		default:
		}
	}
	return false, nil
}

// blockUntilReady waits for any lane to signal Ready, or for the
// tunnel/context to end, without busy-polling. It only ever consumes
// the lane's wake signal, never the queued frame itself, so the next
// rotated scan is the one that actually dequeues and writes it.
func (t *Tunnel) blockUntilReady(ctx context.Context, lanes []*lane.Lane) error {
	cases := make([]reflect.SelectCase, 0, len(lanes)+2)
	for _, l := range lanes {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.Ready())})
	}
	doneIdx := len(cases)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.die)},
	)

	idx, _, _ := reflect.Select(cases)
	if idx == doneIdx {
		return ctx.Err()
	}
	return nil
}

func (t *Tunnel) writeFrame(f frame.Frame) error {
	_, err := t.transport.Write(frame.Encode(f))
	return err
}

// heartbeatLoop pings the control lane whenever it's gone quiet for a
// full interval; two consecutive quiet intervals after a PING means
// the peer missed both pongs, and the tunnel closes rather than
// holding a dead connection's lanes open indefinitely.
func (t *Tunnel) heartbeatLoop(ctx context.Context) error {
	ticker := t.cfg.Clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.die:
			return nil
		case <-ticker.Chan():
			l, ok := t.Lane(api.ControlLane)
			if !ok {
				var err error
				l, err = t.OpenLane(api.ControlLane)
				if err != nil {
					continue
				}
			}
			if t.cfg.Clock.Since(l.LastActivity()) < t.cfg.HeartbeatInterval {
				missed = 0
				continue
			}
			missed++
			if missed > 2 {
				return api.ErrTimeout("peer missed heartbeat pongs")
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := l.Send(pingCtx, frame.Frame{Start: frame.StartLine{Token: "PING"}})
			cancel()
			if err != nil {
				logrus.WithError(err).Debug("tunnel: heartbeat PING failed")
			}
		}
	}
}
