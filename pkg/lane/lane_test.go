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

package lane

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLane(t *testing.T, cfg Config) *Lane {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	return New(7, cfg)
}

func TestSendAssignsSeqAndConsumesCredit(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 2})
	ctx := context.Background()

	require.NoError(t, l.Send(ctx, frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}))
	require.NoError(t, l.Send(ctx, frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/y"}}))

	_, data := l.Outbound()
	f1 := <-data
	f2 := <-data
	seq1, _ := f1.Header("Seq")
	seq2, _ := f2.Header("Seq")
	assert.Equal(t, "1", seq1)
	assert.Equal(t, "2", seq2)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Send(timeoutCtx, frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/z"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendControlFrameBypassesCredit(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 1})
	ctx := context.Background()

	// Spend the only unit of credit so the ACK below goes out with none left.
	require.NoError(t, l.Send(ctx, frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}))
	require.NoError(t, l.Send(ctx, frame.Frame{
		Start:   frame.StartLine{Token: "ACK"},
		Headers: frame.Headers{{Key: "Ack", Value: "0"}},
	}))

	ctrl, _ := l.Outbound()
	got := <-ctrl
	_, hasSeq := got.Header("Seq")
	assert.False(t, hasSeq)
}

func TestDeliverEnforcesSeqOrder(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8})

	f1 := frame.Frame{Start: frame.StartLine{Token: "FETCH"}}
	f1.SetHeader("Seq", "1")
	delivered, err := l.Deliver(&f1)
	require.NoError(t, err)
	require.NotNil(t, delivered)

	f3 := frame.Frame{Start: frame.StartLine{Token: "FETCH"}}
	f3.SetHeader("Seq", "3")
	_, err = l.Deliver(&f3)
	require.Error(t, err)
	assert.True(t, api.IsOutOfOrder(err))
}

func TestHandleAckIsCumulativeAndMonotonic(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8})

	high := frame.Frame{Start: frame.StartLine{Token: "ACK"}, Headers: frame.Headers{{Key: "Ack", Value: "5"}}}
	_, err := l.Deliver(&high)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), l.PeerAck())

	stale := frame.Frame{Start: frame.StartLine{Token: "ACK"}, Headers: frame.Headers{{Key: "Ack", Value: "3"}}}
	_, err = l.Deliver(&stale)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), l.PeerAck())
}

func TestHandleCreditWakesBlockedSender(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Spend the only unit of credit so the next Send blocks.
	require.NoError(t, l.Send(ctx, frame.Frame{Start: frame.StartLine{Token: "FETCH"}}))

	done := make(chan error, 1)
	go func() {
		done <- l.Send(ctx, frame.Frame{Start: frame.StartLine{Token: "FETCH"}})
	}()

	time.Sleep(20 * time.Millisecond)
	credit := frame.Frame{Start: frame.StartLine{Token: "CREDIT"}, Headers: frame.Headers{{Key: "Credit", Value: "+1"}}}
	_, err := l.Deliver(&credit)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after CREDIT delivery")
	}
}

func TestRecvCreditToppedUpBelowLowWatermark(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 4, LowWatermark: 2})

	for i := uint32(1); i <= 3; i++ {
		f := frame.Frame{Start: frame.StartLine{Token: "FETCH"}}
		f.SetHeader("Seq", itoaDec(i))
		_, err := l.Deliver(&f)
		require.NoError(t, err)
	}

	ctrl, _ := l.Outbound()
	// Each delivered frame queues its cumulative ACK first; the top-up
	// follows the third one.
	for i := 0; i < 3; i++ {
		ack := <-ctrl
		require.Equal(t, "ACK", ack.Start.Token)
	}
	select {
	case got := <-ctrl:
		assert.Equal(t, "CREDIT", got.Start.Token)
		v, ok := got.Header("Credit")
		require.True(t, ok)
		assert.Equal(t, "+3", v)
	case <-time.After(time.Second):
		t.Fatal("expected a CREDIT top-up frame")
	}
}

func TestChunkedReassemblyConcatenatesParts(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8})

	envelope := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}}
	envelope.SetHeader("Txn", "F1")
	envelope.SetHeader("Transfer", "chunked")
	envelope.SetHeader("Seq", "1")
	_, err := l.Deliver(&envelope)
	require.NoError(t, err)

	begin := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}, Body: []byte("ab")}
	begin.SetHeader("Txn", "F1")
	begin.SetHeader("Part", "BEGIN")
	begin.SetHeader("Seq", "2")
	out, err := l.Deliver(&begin)
	require.NoError(t, err)
	require.Nil(t, out)

	more := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}, Body: []byte("cd")}
	more.SetHeader("Txn", "F1")
	more.SetHeader("Part", "MORE")
	more.SetHeader("Seq", "3")
	out, err = l.Deliver(&more)
	require.NoError(t, err)
	require.Nil(t, out)

	end := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}, Body: []byte("ef")}
	end.SetHeader("Txn", "F1")
	end.SetHeader("Part", "END")
	end.SetHeader("Seq", "4")
	final, err := l.Deliver(&end)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "abcdef", string(final.Body))
	length, _ := final.Header("Length")
	assert.Equal(t, "6", length)
}

func TestChunkedReassemblyOverflowCancelsTxn(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8, ChunkReassemblyMax: 3})

	envelope := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}}
	envelope.SetHeader("Txn", "F2")
	envelope.SetHeader("Transfer", "chunked")
	envelope.SetHeader("Seq", "1")
	_, err := l.Deliver(&envelope)
	require.NoError(t, err)

	begin := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}, Body: []byte("ab")}
	begin.SetHeader("Txn", "F2")
	begin.SetHeader("Part", "BEGIN")
	begin.SetHeader("Seq", "2")
	_, err = l.Deliver(&begin)
	require.NoError(t, err)

	more := frame.Frame{Start: frame.StartLine{Token: "200", Rest: "CONTENT"}, Body: []byte("cd")}
	more.SetHeader("Txn", "F2")
	more.SetHeader("Part", "MORE")
	more.SetHeader("Seq", "3")
	_, err = l.Deliver(&more)
	require.Error(t, err)
}

func TestAwaitResolvesOnMatchingTxn(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8})
	ctx := context.Background()

	result := make(chan *frame.Frame, 1)
	go func() {
		f, err := l.Await(ctx, "F9")
		require.NoError(t, err)
		result <- f
	}()

	time.Sleep(10 * time.Millisecond)
	resp := frame.Frame{Start: frame.StartLine{Token: "204", Rest: "DONE"}}
	resp.SetHeader("Txn", "F9")
	resp.SetHeader("Seq", "1")
	_, err := l.Deliver(&resp)
	require.NoError(t, err)

	select {
	case f := <-result:
		txn, _ := f.Header("Txn")
		assert.Equal(t, "F9", txn)
	case <-time.After(time.Second):
		t.Fatal("Await did not resolve")
	}
}

func TestCloseResolvesPendingAwaiters(t *testing.T) {
	l := newTestLane(t, Config{InitialCredit: 8})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Await(ctx, "F3")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	l.Close(api.ErrCanceled("tunnel shutting down"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, api.IsCanceled(err))
	case <-time.After(time.Second):
		t.Fatal("Close did not resolve pending awaiter")
	}
}

func itoaDec(n uint32) string {
	digits := []byte{}
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
