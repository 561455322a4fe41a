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

package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/handshake"
)

func TestRootCommandRequiresConfigFlag(t *testing.T) {
	cmd := RootCommand()
	cmd.SetArgs([]string{"serve"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	require.Error(t, cmd.Execute())
}

// freePort reserves an ephemeral port and immediately releases it, the
// same trick burrow_test.go uses to hand a real address to a config
// before the daemon under test binds it.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startTestServe boots runServe in the background against a fresh
// content dir and identity, returning its address and a stop func that
// cancels it and waits for a clean exit.
func startTestServe(t *testing.T, identity string, contentDir string) (addr string, stop func()) {
	t.Helper()
	addr = freePort(t)
	cfgPath := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
listen: "`+addr+`"
identity: `+identity+`
capabilities: [async, lanes]
`), 0o644))

	opts := &serveOptions{configPath: cfgPath, contentDir: contentDir}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, opts) }()

	for i := 0; i < 100; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runServe did not exit after cancellation")
		}
	}
}

func TestServeBringsUpAWorkingBurrow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.txt"), []byte("burrow online"), 0o644))

	addr, stop := startTestServe(t, "rabbitd-test", dir)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	result, reader, err := handshake.Negotiate(conn, frame.DefaultLimits, handshake.Config{
		LocalID:      "client",
		Version:      "1.0",
		Capabilities: []string{api.CapAsync, api.CapLanes},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "rabbitd-test", result.Peer.ID)

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/index.txt"}}
	req.SetHeader("Lane", "1")
	_, _ = conn.Write(frame.Encode(req))

	resp, err := frame.Decode(reader, frame.DefaultLimits)
	require.NoError(t, err)
	require.Equal(t, "200", resp.Start.Token)
	require.Equal(t, "burrow online", string(resp.Body))
}

func TestOfferCommandListsNoPeers(t *testing.T) {
	addr, stop := startTestServe(t, "rabbitd-offer-test", t.TempDir())
	defer stop()

	peers, err := fetchPeers(addr)
	require.NoError(t, err)
	require.Empty(t, peers)
}
