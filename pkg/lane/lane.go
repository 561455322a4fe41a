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

// Package lane implements the per-lane state machine: sequencing,
// cumulative ack, additive credit, chunked reassembly, and
// timeouts. A Lane knows nothing about the transport or about other
// lanes; pkg/tunnel owns the lane table and the fair write scheduler
// that drains each Lane's outbound queues.
package lane

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
)

// Config bounds one lane's credit and reassembly behavior. Defaults
// match Rabbit's recommended values.
type Config struct {
	InitialCredit      int64
	LowWatermark       int64 // defaults to InitialCredit/2 if zero
	ChunkReassemblyMax int
	Clock              clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.InitialCredit == 0 {
		c.InitialCredit = api.DefaultInitialCredit
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = c.InitialCredit / 2
	}
	if c.ChunkReassemblyMax == 0 {
		c.ChunkReassemblyMax = 4 * api.DefaultNonChunkedBodyMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type awaiter struct {
	ch chan txnResult
}

type txnResult struct {
	frame *frame.Frame
	err   error
}

type reassembler struct {
	envelope frame.Frame
	buf      []byte
}

// Lane is one logical channel multiplexed within a tunnel.
type Lane struct {
	id  uint32
	cfg Config

	mu              sync.Mutex
	mode            api.LaneMode
	peerSeqExpected uint32
	localSeqNext    uint32
	peerAck         uint32
	localAck        uint32
	sendCredit      int64
	recvRemaining   int64
	lastActivity    time.Time
	closed          bool
	closeErr        error
	creditSignal    chan struct{}
	txns            map[string]*awaiter
	reassembly      map[string]*reassembler
	sentBuf         map[uint32]frame.Frame // Seq -> sent data frame, pruned by handleAck; replay source on resume

	out     chan frame.Frame // data-bearing outbound frames, credit-gated
	ctrlOut chan frame.Frame // ACK/CREDIT/PING/PONG, credit-free
	ready   chan struct{}    // best-effort wake signal, never carries payload
}

// New creates a lane in Idle mode. id must already be validated by the
// caller (pkg/tunnel) against the admitted lane-id range and quota.
func New(id uint32, cfg Config) *Lane {
	cfg = cfg.withDefaults()
	return &Lane{
		id:              id,
		cfg:             cfg,
		mode:            api.LaneIdle,
		peerSeqExpected: 1,
		localSeqNext:    1,
		sendCredit:      cfg.InitialCredit,
		recvRemaining:   cfg.InitialCredit,
		lastActivity:    cfg.Clock.Now(),
		creditSignal:    make(chan struct{}),
		out:             make(chan frame.Frame, 64),
		ctrlOut:         make(chan frame.Frame, 256),
		ready:           make(chan struct{}, 1),
	}
}

func (l *Lane) ID() uint32 { return l.id }

func (l *Lane) Mode() api.LaneMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *Lane) SetMode(m api.LaneMode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

func (l *Lane) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

func (l *Lane) touch() {
	l.mu.Lock()
	l.lastActivity = l.cfg.Clock.Now()
	l.mu.Unlock()
}

// PeerSeqExpected returns the next inbound Seq: this lane will accept,
// used to render the Expected: header on a 409 OUT-OF-ORDER response.
func (l *Lane) PeerSeqExpected() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerSeqExpected
}

// PeerAck returns the highest Seq: the peer has cumulatively acked.
func (l *Lane) PeerAck() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerAck
}

// Outbound exposes the lane's two outbound queues so the tunnel's fair
// scheduler can drain them; ctrl is always serviced ahead of data,
// since control frames are credit-free and must never queue behind a
// credit-exhausted lane's backlog.
func (l *Lane) Outbound() (ctrl, data <-chan frame.Frame) {
	return l.ctrlOut, l.out
}

// Ready fires (best-effort, never blocking) after Send enqueues a
// frame onto either outbound queue, so a scheduler polling many lanes
// can block without consuming the frame itself.
func (l *Lane) Ready() <-chan struct{} {
	return l.ready
}

func (l *Lane) signalReady() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func isControlFrame(f frame.Frame) bool {
	switch f.Start.Token {
	case "ACK", "CREDIT", "PING", "CANCEL":
		return true
	case "200":
		return f.Start.Rest == api.ReasonPong
	case string(api.VerbEvent):
		// A subscription heartbeat is an EVENT with no Seq: of its
		// own: it's a liveness marker, not part of the
		// topic's ordered stream, so it must not consume a lane Seq
		// or block on send credit behind a slow subscriber's backlog.
		_, heartbeat := f.Header("Heartbeat")
		return heartbeat
	}
	return false
}

// Send assigns Seq: to data-bearing frames and blocks until send
// credit is available — the sender blocks until a CREDIT: +N frame
// arrives; ACK/CREDIT/PING/PONG frames are credit-free and never
// carry Seq:.
func (l *Lane) Send(ctx context.Context, f frame.Frame) error {
	control := isControlFrame(f)
	if err := l.reserveCredit(ctx, control); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.closeErr
	}
	f.SetHeader("Lane", strconv.FormatUint(uint64(l.id), 10))
	if !control {
		seq := l.localSeqNext
		f.SetHeader("Seq", strconv.FormatUint(uint64(seq), 10))
		l.localSeqNext++
		if l.sentBuf == nil {
			l.sentBuf = map[uint32]frame.Frame{}
		}
		l.sentBuf[seq] = f.Clone()
	}
	l.lastActivity = l.cfg.Clock.Now()
	l.mu.Unlock()

	dest := l.out
	if control {
		dest = l.ctrlOut
	}
	select {
	case dest <- f:
		l.signalReady()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChunked splits body across a Transfer: chunked envelope and a
// run of Part: MORE/END frames, each one credit-gated the same
// as any other data-bearing send. Callers use this instead of Send
// whenever a response body exceeds the non-chunked limit: bodies
// larger than that limit must be sent chunked.
func (l *Lane) SendChunked(ctx context.Context, envelope frame.Frame, body []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = api.DefaultNonChunkedBodyMax
	}
	env := envelope.Clone()
	env.Headers.Del("Length")
	env.SetHeader("Transfer", "chunked")
	env.Body = nil
	if err := l.Send(ctx, env); err != nil {
		return err
	}

	// The envelope already opened this txn's reassembler on the peer
	// side (Deliver's Transfer: chunked branch), so every Part frame
	// here can go straight to MORE/END without a separate BEGIN marker.
	txn, _ := envelope.Header("Txn")
	offset := 0
	for {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[offset:end]
		last := end == len(body)

		f := frame.Frame{Start: frame.StartLine{Token: "PART"}}
		if txn != "" {
			f.SetHeader("Txn", txn)
		}
		if last {
			f.SetHeader("Part", "END")
		} else {
			f.SetHeader("Part", "MORE")
		}
		f.SetHeader("Length", strconv.Itoa(len(chunk)))
		f.Body = chunk
		if err := l.Send(ctx, f); err != nil {
			return err
		}
		if last {
			return nil
		}
		offset = end
	}
}

// reserveCredit blocks non-control sends until send_credit > 0,
// decrementing it atomically with the zero-check so two concurrent
// senders can never both observe and spend the last unit.
func (l *Lane) reserveCredit(ctx context.Context, control bool) error {
	for {
		l.mu.Lock()
		if l.closed {
			err := l.closeErr
			l.mu.Unlock()
			return err
		}
		if control || l.sendCredit > 0 {
			if !control {
				l.sendCredit--
			}
			l.mu.Unlock()
			return nil
		}
		ch := l.creditSignal
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Lane) wakeCreditWaiters() {
	close(l.creditSignal)
	l.creditSignal = make(chan struct{})
}

// Ack returns the cumulative ack for this lane: the highest contiguous
// Seq: delivered so far. Deliver already queues an ACK carrying this
// value for every in-order frame.
func (l *Lane) Ack() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peerSeqExpected == 0 {
		return 0
	}
	return l.peerSeqExpected - 1
}

// RecordLocalAck updates local_ack after we send an ACK frame.
func (l *Lane) RecordLocalAck(k uint32) {
	l.mu.Lock()
	if k > l.localAck {
		l.localAck = k
	}
	l.mu.Unlock()
}

func (l *Lane) handleAck(f *frame.Frame) error {
	v, ok := f.Header("Ack")
	if !ok {
		return api.ErrMalformed("ACK without Ack: header").WithLane(l.id)
	}
	k, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return api.ErrMalformed("bad Ack value").WithLane(l.id)
	}
	l.mu.Lock()
	if uint32(k) > l.peerAck {
		l.peerAck = uint32(k)
	}
	for seq := range l.sentBuf {
		if seq <= uint32(k) {
			delete(l.sentBuf, seq)
		}
	}
	l.lastActivity = l.cfg.Clock.Now()
	l.mu.Unlock()
	return nil
}

func (l *Lane) handleCredit(f *frame.Frame) error {
	v, ok := f.Header("Credit")
	if !ok {
		return api.ErrMalformed("CREDIT without Credit: header").WithLane(l.id)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return api.ErrMalformed("bad Credit value " + v).WithLane(l.id)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.sendCredit += n
	l.lastActivity = l.cfg.Clock.Now()
	l.wakeCreditWaiters()
	l.mu.Unlock()
	return nil
}

func (l *Lane) handleCancel(f *frame.Frame) error {
	txn, hasTxn := f.Header("Txn")
	l.mu.Lock()
	if hasTxn {
		delete(l.reassembly, txn)
	} else {
		l.mode = api.LaneClosing
	}
	l.mu.Unlock()
	if hasTxn {
		l.resolveTxn(txn, nil, api.ErrCanceled("canceled by peer").WithLane(l.id).WithTxn(txn))
	}
	return nil
}

// Deliver processes one inbound frame already demultiplexed to this
// lane. It returns the frame to hand to the dispatcher/subscription
// engine, or (nil, nil) when the frame was fully absorbed internally
// (ACK, CREDIT, a chunk envelope, or a non-final Part), or (nil, err)
// when the frame violates the lane's invariants.
func (l *Lane) Deliver(f *frame.Frame) (*frame.Frame, error) {
	switch f.Start.Token {
	case "ACK":
		return nil, l.handleAck(f)
	case "CREDIT":
		return nil, l.handleCredit(f)
	case "CANCEL":
		if err := l.handleCancel(f); err != nil {
			return nil, err
		}
		return f, nil
	}

	if seqStr, ok := f.Header("Seq"); ok {
		seq64, err := strconv.ParseUint(seqStr, 10, 32)
		if err != nil {
			return nil, api.ErrMalformed("bad Seq value").WithLane(l.id)
		}
		l.mu.Lock()
		if uint32(seq64) != l.peerSeqExpected {
			expected := l.peerSeqExpected
			l.mu.Unlock()
			return nil, api.ErrOutOfOrder("unexpected Seq").WithLane(l.id).
				WithCause(fmt.Errorf("expected %d got %d", expected, seq64))
		}
		l.peerSeqExpected++
		ack := l.peerSeqExpected - 1
		l.lastActivity = l.cfg.Clock.Now()
		topUp := l.computeTopUpLocked()
		l.mu.Unlock()
		l.enqueueAck(ack)
		if topUp > 0 {
			l.enqueueCredit(topUp)
		}
	} else {
		l.touch()
	}

	if part, ok := f.Header("Part"); ok {
		return l.handlePart(f, part)
	}

	if transfer, ok := f.Header("Transfer"); ok && transfer == "chunked" {
		txn, _ := f.Header("Txn")
		l.mu.Lock()
		if l.reassembly == nil {
			l.reassembly = map[string]*reassembler{}
		}
		l.reassembly[txn] = &reassembler{envelope: f.Clone()}
		l.mode = api.LaneStreaming
		l.mu.Unlock()
		return nil, nil
	}

	if txn, ok := f.Header("Txn"); ok {
		l.resolveTxn(txn, f, nil)
	}
	return f, nil
}

// computeTopUpLocked must be called with l.mu held. It decrements the
// credit we've granted the peer by the unit just consumed and, if that
// drops us below the low watermark, returns the amount to top back up
// to InitialCredit, the recommended replenishment policy.
func (l *Lane) computeTopUpLocked() int64 {
	l.recvRemaining--
	if l.recvRemaining >= l.cfg.LowWatermark {
		return 0
	}
	amt := l.cfg.InitialCredit - l.recvRemaining
	l.recvRemaining += amt
	return amt
}

// enqueueAck acknowledges every Seq: delivered through ack, cumulative,
// so a peer that missed one ACK still advances on the next.
func (l *Lane) enqueueAck(ack uint32) {
	l.RecordLocalAck(ack)
	f := frame.Frame{
		Start: frame.StartLine{Token: "ACK"},
		Headers: frame.Headers{
			{Key: "Lane", Value: strconv.FormatUint(uint64(l.id), 10)},
			{Key: "Ack", Value: strconv.FormatUint(uint64(ack), 10)},
		},
	}
	select {
	case l.ctrlOut <- f:
		l.signalReady()
	default:
		logrus.WithField("lane", l.id).Warn("ack dropped, control queue full")
	}
}

func (l *Lane) enqueueCredit(n int64) {
	f := frame.Frame{
		Start: frame.StartLine{Token: "CREDIT"},
		Headers: frame.Headers{
			{Key: "Lane", Value: strconv.FormatUint(uint64(l.id), 10)},
			{Key: "Credit", Value: fmt.Sprintf("+%d", n)},
		},
	}
	select {
	case l.ctrlOut <- f:
		l.signalReady()
	default:
		logrus.WithField("lane", l.id).Warn("credit top-up dropped, control queue full")
	}
}

// Await registers interest in the terminal response for txn and blocks
// until it arrives, ctx is done, or the lane closes.
func (l *Lane) Await(ctx context.Context, txn string) (*frame.Frame, error) {
	l.mu.Lock()
	if l.closed {
		err := l.closeErr
		l.mu.Unlock()
		return nil, err
	}
	if l.txns == nil {
		l.txns = map[string]*awaiter{}
	}
	aw := &awaiter{ch: make(chan txnResult, 1)}
	l.txns[txn] = aw
	l.mu.Unlock()

	select {
	case r := <-aw.ch:
		return r.frame, r.err
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.txns, txn)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *Lane) resolveTxn(txn string, f *frame.Frame, err error) {
	l.mu.Lock()
	aw, ok := l.txns[txn]
	if ok {
		delete(l.txns, txn)
	}
	l.mu.Unlock()
	if ok {
		aw.ch <- txnResult{frame: f, err: err}
	}
}

// Close tears the lane down: pending awaiters observe err, and further
// Send/Await calls fail immediately. This must complete within one
// scheduling quantum — it never blocks on I/O.
func (l *Lane) Close(err error) {
	if err == nil {
		err = api.ErrCanceled("lane closed")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.closeErr = err
	l.mode = api.LaneDone
	pending := l.txns
	l.txns = nil
	close(l.creditSignal)
	l.mu.Unlock()

	for _, aw := range pending {
		aw.ch <- txnResult{err: err}
	}
}

// Unacked returns this lane's buffered data frames the peer has not yet
// acked, in Seq order, for a resume token's replay set.
func (l *Lane) Unacked() []frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]frame.Frame, 0, len(l.sentBuf))
	for _, f := range l.sentBuf {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		si, _ := out[i].Header("Seq")
		sj, _ := out[j].Header("Seq")
		ni, _ := strconv.ParseUint(si, 10, 32)
		nj, _ := strconv.ParseUint(sj, 10, 32)
		return ni < nj
	})
	return out
}

// SeedResume primes a freshly reopened lane with a previous session's
// state: peerAck carries over so a stale duplicate ACK from the peer
// can't regress it, and the sent-frame buffer and localSeqNext pick up
// exactly where the old lane left off so replay and any new sends
// share one unbroken Seq space.
func (l *Lane) SeedResume(peerAck uint32, pending []frame.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if peerAck > l.peerAck {
		l.peerAck = peerAck
	}
	if l.sentBuf == nil {
		l.sentBuf = map[uint32]frame.Frame{}
	}
	var maxSeq uint32
	for _, f := range pending {
		seqStr, ok := f.Header("Seq")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(seqStr, 10, 32)
		if err != nil {
			continue
		}
		seq := uint32(n)
		l.sentBuf[seq] = f.Clone()
		if seq >= maxSeq {
			maxSeq = seq
		}
	}
	if maxSeq >= l.localSeqNext {
		l.localSeqNext = maxSeq + 1
	}
}

// Resend re-enqueues a previously sent, already-Seq'd frame onto the
// outbound data queue without assigning a new Seq or consuming fresh
// credit — used to replay a resumed lane's unacknowledged frames.
func (l *Lane) Resend(ctx context.Context, f frame.Frame) error {
	l.mu.Lock()
	if l.closed {
		err := l.closeErr
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	select {
	case l.out <- f:
		l.signalReady()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
