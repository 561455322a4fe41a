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

// Package tunnel implements the tunnel multiplexer: one
// Tunnel owns a byte-stream Transport and a table of Lanes, demuxing
// inbound frames by their Lane: header and fairly scheduling outbound
// writes across every lane with something to send.
package tunnel

import (
	"io"
	"net"
)

//go:generate mockgen -destination=../../internal/mocks/transport.go -package=mocks . Transport

// Transport is the byte stream a Tunnel frames over. A raw net.Conn
// already satisfies this; wsConn (wsconn.go) adapts a message-oriented
// websocket.Conn to the same interface so the multiplexer never cares
// which carried the bytes.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// netTransport adapts a net.Conn to Transport and adds a String() for
// log lines; the tunnel manages liveness through its own context
// rather than net.Conn's per-call deadlines.
type netTransport struct {
	net.Conn
}

// NewNetTransport wraps a dialed or accepted net.Conn as a Transport.
func NewNetTransport(conn net.Conn) Transport {
	return netTransport{Conn: conn}
}

func (t netTransport) String() string {
	return t.LocalAddr().String() + "->" + t.RemoteAddr().String()
}
