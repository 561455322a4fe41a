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

package subscribe

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	merr "github.com/dgoldman0/rabbit/pkg/merr"
)

// Config bounds per-subscriber backlog and heartbeat behavior.
// Defaults match the recommended resource limits used across Rabbit.
type Config struct {
	MaxInflightPerSubscriber int
	HeartbeatInterval        time.Duration
	Clock                    clockwork.Clock
	Oracle                   Oracle
}

func (c Config) withDefaults() Config {
	if c.MaxInflightPerSubscriber == 0 {
		c.MaxInflightPerSubscriber = api.DefaultMaxInflightPerSubscriber
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Duration(api.DefaultHeartbeatSeconds) * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Engine is the topic registry and fan-out publisher for PUBLISH/SUBSCRIBE.
type Engine struct {
	cfg    Config
	reg    *registry
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// New builds an Engine. Callers still need to run Engine.Run for
// heartbeats to fire; Subscribe/Publish work without it, just without
// liveness markers on idle topics.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), reg: newRegistry()}
}

// Run drives the heartbeat loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.cfg.Clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.sendDueHeartbeats(ctx)
		}
	}
}

// Subscribe registers sink against topic. If since is non-nil and an
// Oracle is configured, every record timestamped after *since is
// queued for delivery (in seq order) before Subscribe returns, ahead
// of whatever Publish calls land afterward — the registry lock is held
// across both the oracle read and the registration so no publish can
// land between "read the backlog" and "start watching for new
// events", which would either duplicate or drop an event.
func (e *Engine) Subscribe(ctx context.Context, topic string, sink Subscriber, since *time.Time) (uint64, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		id:     e.nextID.Add(1),
		topic:  topic,
		sink:   sink,
		queue:  make(chan frame.Frame, e.cfg.MaxInflightPerSubscriber),
		cancel: cancel,
	}
	s.touch(e.cfg.Clock.Now())

	e.reg.mu.Lock()
	var backfill []Record
	var err error
	if since != nil && e.cfg.Oracle != nil {
		backfill, err = e.cfg.Oracle.ReadSince(ctx, topic, *since)
	}
	if err != nil {
		e.reg.mu.Unlock()
		cancel()
		return 0, err
	}
	if e.reg.topics[topic] == nil {
		e.reg.topics[topic] = map[uint64]*subscription{}
	}
	e.reg.topics[topic][s.id] = s
	e.reg.mu.Unlock()

	e.wg.Add(1)
	go e.runSubscriber(subCtx, s)

	for _, r := range backfill {
		f := frame.Frame{Start: frame.StartLine{Token: string(api.VerbEvent), Rest: topic}}
		f.Body = r.Payload
		f.SetHeader("Length", strconv.Itoa(len(r.Payload)))
		select {
		case s.queue <- f:
		case <-subCtx.Done():
			return s.id, subCtx.Err()
		}
	}

	return s.id, nil
}

// Unsubscribe tears down one subscription; its worker goroutine exits
// on its own once it observes the canceled context.
func (e *Engine) Unsubscribe(topic string, id uint64) {
	e.reg.mu.Lock()
	subs := e.reg.topics[topic]
	s, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(e.reg.topics, topic)
		}
	}
	e.reg.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Publish assigns the topic's next seq (via the Oracle, if present),
// then fans the payload out to every current subscriber of topic.
// Publish ordering is total per topic: the Oracle append and the
// registry snapshot both happen before any subscriber's queue is
// touched, and the registry lock is released before that fan-out, so
// a slow subscriber's full channel never blocks delivery to the
// others. A subscriber whose backlog is already at
// MaxInflightPerSubscriber is disconnected with 429 FLOW-LIMIT instead
// of queuing past the bound; Publish returns the aggregate of those
// disconnect errors (nil if every subscriber kept up).
func (e *Engine) Publish(ctx context.Context, topic string, payload []byte) error {
	now := e.cfg.Clock.Now()
	if e.cfg.Oracle != nil {
		if _, err := e.cfg.Oracle.Append(ctx, topic, payload, now); err != nil {
			return err
		}
	}

	subs := e.reg.snapshot(topic)

	var errs error
	for _, s := range subs {
		f := frame.Frame{Start: frame.StartLine{Token: string(api.VerbEvent), Rest: topic}}
		f.Body = payload
		f.SetHeader("Length", strconv.Itoa(len(payload)))
		select {
		case s.queue <- f:
		default:
			kickErr := api.ErrFlowLimit("subscriber backlog exceeded on topic " + topic)
			logrus.WithField("topic", topic).WithField("subscriber", s.id).
				Warn("disconnecting slow subscriber, backlog full")
			e.disconnect(s, kickErr)
			errs = merr.Append(errs, kickErr)
		}
	}
	return errs
}

func (e *Engine) disconnect(s *subscription, err error) {
	e.reg.remove(s.topic, s.id)
	s.cancel()
	s.sink.Close(err)
}

func (e *Engine) runSubscriber(ctx context.Context, s *subscription) {
	defer e.wg.Done()
	for {
		select {
		case f, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.sink.Send(ctx, f); err != nil {
				e.disconnect(s, err)
				return
			}
			s.touch(e.cfg.Clock.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sendDueHeartbeats(ctx context.Context) {
	now := e.cfg.Clock.Now()
	for _, s := range e.reg.all() {
		if s.idleSince(now) < e.cfg.HeartbeatInterval {
			continue
		}
		hb := frame.Frame{Start: frame.StartLine{Token: string(api.VerbEvent)}}
		hb.SetHeader("Heartbeat", "1")
		hb.SetHeader("Length", "0")
		if err := s.sink.Send(ctx, hb); err != nil {
			logrus.WithField("topic", s.topic).WithError(err).Warn("heartbeat delivery failed, disconnecting subscriber")
			e.disconnect(s, err)
			continue
		}
		s.touch(now)
	}
}
