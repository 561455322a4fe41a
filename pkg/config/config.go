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

// Package config loads a burrow's YAML configuration file: the
// listen address, its advertised identity and capabilities, and the
// resource limits a burrow uses as defaults.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dgoldman0/rabbit/pkg/api"
)

// Limits bounds one burrow's resource usage. Zero fields are filled
// with recommended defaults by Load.
type Limits struct {
	MaxLanes       int           `yaml:"max_lanes"`
	InitialCredit  int           `yaml:"initial_credit"`
	ResumeTTL      time.Duration `yaml:"resume_ttl"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	MaxHops        int           `yaml:"max_hops"`
	FrameHeaderMax int           `yaml:"frame_header_max"`
	BodyMax        int           `yaml:"body_max"`
}

// Config is one burrow's declarative configuration file.
type Config struct {
	Listen       string   `yaml:"listen"`
	Identity     string   `yaml:"identity"`
	Capabilities []string `yaml:"capabilities"`
	Limits       Limits   `yaml:"limits"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxLanes == 0 {
		l.MaxLanes = api.DefaultMaxLanes
	}
	if l.InitialCredit == 0 {
		l.InitialCredit = api.DefaultInitialCredit
	}
	if l.ResumeTTL == 0 {
		l.ResumeTTL = time.Duration(api.DefaultResumeTTLSeconds) * time.Second
	}
	if l.Heartbeat == 0 {
		l.Heartbeat = time.Duration(api.DefaultHeartbeatSeconds) * time.Second
	}
	if l.MaxHops == 0 {
		l.MaxHops = api.DefaultMaxHops
	}
	if l.FrameHeaderMax == 0 {
		l.FrameHeaderMax = api.DefaultFrameHeaderMax
	}
	if l.BodyMax == 0 {
		l.BodyMax = api.DefaultNonChunkedBodyMax
	}
	return l
}

// Load reads and parses a burrow config file from path, filling in
// default limits for anything the file leaves at zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes a burrow config from raw YAML, for callers that don't
// read it from a file (embedded defaults, tests).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing burrow config")
	}
	cfg.Limits = cfg.Limits.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a config missing the fields a burrow can't start
// without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.Identity == "" {
		return errors.New("config: identity is required")
	}
	if c.Limits.MaxLanes <= 0 {
		return errors.New("config: limits.max_lanes must be positive")
	}
	if c.Limits.InitialCredit <= 0 {
		return errors.New("config: limits.initial_credit must be positive")
	}
	return nil
}
