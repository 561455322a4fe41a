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
	"strconv"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
)

// handlePart accumulates one Part: {BEGIN,MORE,END} chunk into the
// reassembler opened by the preceding Transfer: chunked envelope.
// A BEGIN with no prior envelope is itself accepted as
// the opening chunk (some verbs never send a bare envelope first).
func (l *Lane) handlePart(f *frame.Frame, part string) (*frame.Frame, error) {
	txn, _ := f.Header("Txn")

	l.mu.Lock()
	if l.reassembly == nil {
		l.reassembly = map[string]*reassembler{}
	}
	ra, ok := l.reassembly[txn]
	if !ok {
		if part != "BEGIN" {
			l.mu.Unlock()
			return nil, api.ErrProtocolViolation("Part continuation without BEGIN").WithLane(l.id).WithTxn(txn)
		}
		ra = &reassembler{envelope: f.Clone()}
		l.reassembly[txn] = ra
	}
	ra.buf = append(ra.buf, f.Body...)
	overflow := len(ra.buf) > l.cfg.ChunkReassemblyMax
	if overflow {
		delete(l.reassembly, txn)
	}
	l.mu.Unlock()

	if overflow {
		err := api.ErrMalformed("frame-too-large").WithLane(l.id).WithTxn(txn)
		l.resolveTxn(txn, nil, err)
		return nil, err
	}

	if part != "END" {
		return nil, nil
	}

	l.mu.Lock()
	delete(l.reassembly, txn)
	l.mu.Unlock()

	final := ra.envelope.Clone()
	final.Headers.Del("Transfer")
	final.Headers.Del("Part")
	final.Headers.Set("Length", strconv.Itoa(len(ra.buf)))
	final.Body = ra.buf
	l.resolveTxn(txn, &final, nil)
	return &final, nil
}
