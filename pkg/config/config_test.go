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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/rabbit/pkg/api"
)

func TestParseFillsDefaultLimits(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: "0.0.0.0:7070"
identity: burrow-a
capabilities: [async, lanes]
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7070", cfg.Listen)
	require.Equal(t, []string{"async", "lanes"}, cfg.Capabilities)
	require.Equal(t, api.DefaultMaxLanes, cfg.Limits.MaxLanes)
	require.Equal(t, api.DefaultInitialCredit, cfg.Limits.InitialCredit)
	require.Equal(t, time.Duration(api.DefaultResumeTTLSeconds)*time.Second, cfg.Limits.ResumeTTL)
	require.Equal(t, time.Duration(api.DefaultHeartbeatSeconds)*time.Second, cfg.Limits.Heartbeat)
	require.Equal(t, api.DefaultMaxHops, cfg.Limits.MaxHops)
}

func TestParseHonorsExplicitLimits(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: "0.0.0.0:7070"
identity: burrow-a
limits:
  max_lanes: 4
  initial_credit: 2
`))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Limits.MaxLanes)
	require.Equal(t, 2, cfg.Limits.InitialCredit)
}

func TestParseRejectsMissingIdentity(t *testing.T) {
	_, err := Parse([]byte(`listen: "0.0.0.0:7070"`))
	require.Error(t, err)
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:9"
identity: burrow-b
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "burrow-b", cfg.Identity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
