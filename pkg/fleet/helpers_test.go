/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/models"
)

var (
	errRefused    = errors.New("connection refused")
	errProbe      = errors.New("probe timed out")
	errSubscribe  = errors.New("subscribe rejected")
	errNoResponse = errors.New("no response")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTransport connects every device except those marked failing. It
// records per-device connect calls and the peak number of concurrent dials.
type fakeTransport struct {
	delay     time.Duration
	onSession func(*fakeSession)

	mu       sync.Mutex
	failing  map[string]bool
	hang     map[string]bool
	calls    map[string]int
	sessions map[string]*fakeSession

	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failing:  make(map[string]bool),
		hang:     make(map[string]bool),
		calls:    make(map[string]int),
		sessions: make(map[string]*fakeSession),
	}
}

func (f *fakeTransport) setFailing(id string, failing bool) {
	f.mu.Lock()
	f.failing[id] = failing
	f.mu.Unlock()
}

func (f *fakeTransport) setHang(id string) {
	f.mu.Lock()
	f.hang[id] = true
	f.mu.Unlock()
}

func (f *fakeTransport) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.calls {
		total += n
	}

	return total
}

func (f *fakeTransport) session(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sessions[id]
}

func (f *fakeTransport) Connect(ctx context.Context, device Device) (Session, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[device.ID]++
	failing := f.failing[device.ID]
	hang := f.hang[device.ID]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failing {
		return nil, fmt.Errorf("%s: %w", device.ID, errRefused)
	}

	s := newFakeSession(device.ID)
	if f.onSession != nil {
		f.onSession(s)
	}

	f.mu.Lock()
	f.sessions[device.ID] = s
	f.mu.Unlock()

	return s, nil
}

type fakeSession struct {
	id string

	connected    atomic.Bool
	probes       atomic.Int64
	disconnected atomic.Int64
	probeDelay   time.Duration
	onProbe      func(id string)

	probePeak   *atomic.Int64
	probeActive *atomic.Int64

	mu           sync.Mutex
	probeErr     error
	subscribeErr error
	subscribes   map[string]int
	unsubscribed []string
	handlers     map[string]MessageHandler
}

func newFakeSession(id string) *fakeSession {
	s := &fakeSession{
		id:         id,
		subscribes: make(map[string]int),
		handlers:   make(map[string]MessageHandler),
	}
	s.connected.Store(true)

	return s
}

func (s *fakeSession) setProbeErr(err error) {
	s.mu.Lock()
	s.probeErr = err
	s.mu.Unlock()
}

func (s *fakeSession) setSubscribeErr(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

func (s *fakeSession) subscribeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscribes[topic]
}

func (s *fakeSession) unsubscribedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.unsubscribed...)
}

func (s *fakeSession) handler(topic string) MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handlers[topic]
}

func (s *fakeSession) Probe(ctx context.Context) error {
	s.probes.Add(1)

	if s.onProbe != nil {
		s.onProbe(s.id)
	}

	if s.probeActive != nil {
		n := s.probeActive.Add(1)
		defer s.probeActive.Add(-1)

		for {
			peak := s.probePeak.Load()
			if n <= peak || s.probePeak.CompareAndSwap(peak, n) {
				break
			}
		}
	}

	if s.probeDelay > 0 {
		select {
		case <-time.After(s.probeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.probeErr
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return s.subscribeErr
	}

	s.subscribes[topic]++
	s.handlers[topic] = handler

	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribed = append(s.unsubscribed, topics...)

	return nil
}

func (s *fakeSession) Publish(context.Context, string, []byte) error {
	if !s.connected.Load() {
		return errNoResponse
	}

	return nil
}

func (s *fakeSession) Disconnect(context.Context) error {
	s.connected.Store(false)
	s.disconnected.Add(1)

	return nil
}

func (s *fakeSession) IsConnected() bool {
	return s.connected.Load()
}

// fastConfig keeps every timer in the millisecond range.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = models.Duration(time.Millisecond)
	cfg.PermitPollInterval = models.Duration(time.Millisecond)
	cfg.ConnectionTimeout = models.Duration(500 * time.Millisecond)
	cfg.OperationTimeout = models.Duration(500 * time.Millisecond)
	cfg.BackoffInitial = models.Duration(time.Millisecond)
	cfg.BackoffMax = models.Duration(2 * time.Millisecond)
	cfg.ConnectionRateLimit = 1000
	cfg.DefaultTopics = nil

	return cfg
}

func newTestManager(t *testing.T, cfg Config, transport Transport, opts ...Option) *Manager {
	t.Helper()

	opts = append([]Option{WithLogger(logger.NewTestLogger()), WithMemoryProbe(nil)}, opts...)

	m, err := New(cfg, transport, opts...)
	require.NoError(t, err)

	return m
}

func devices(n int) []Device {
	out := make([]Device, n)
	for i := range out {
		out[i] = Device{ID: fmt.Sprintf("node-%03d", i)}
	}

	return out
}

// setLevel forces a monitored device to a level.
func setLevel(t *testing.T, m *Manager, id string, level Level) {
	t.Helper()

	m.table.mu.Lock()
	defer m.table.mu.Unlock()

	row := m.table.rows[id]
	require.NotNil(t, row)
	require.NotNil(t, row.mon)

	row.mon.level = level
	row.mon.successes = 0
}

// probe feeds one health-check outcome for id through the monitor.
func probe(t *testing.T, m *Manager, id string, err error) {
	t.Helper()

	m.table.mu.Lock()
	row := m.table.rows[id]
	require.NotNil(t, row)
	mon := row.mon
	m.table.mu.Unlock()

	require.NotNil(t, mon, "device %s is not monitored", id)

	m.monitor.applyProbe(context.Background(), row, mon, err)
}
