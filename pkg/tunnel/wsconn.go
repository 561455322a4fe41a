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
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a message-oriented *websocket.Conn to the byte-stream
// Transport interface: each inbound text/binary message is drained
// through io.Reader as if it were more bytes on a TCP stream, and each
// Write is framed as one binary message.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	readMu sync.Mutex
	cur    io.Reader
}

// NewWebsocketTransport wraps conn, the carrier named by the "ui"
// capability for browser-hosted burrows that cannot open a raw TCP
// socket.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.cur != nil {
			n, err := w.cur.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				w.cur = nil
				continue
			}
			return n, err
		}
		_, r, err := w.conn.NextReader()
		if err != nil {
			return 0, err
		}
		w.cur = r
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
