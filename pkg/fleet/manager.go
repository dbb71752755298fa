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

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetlink/pkg/lifecycle"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/ratelimit"
)

// Manager owns the device table and the components that share it.
type Manager struct {
	cfg     Config
	policy  levelPolicy
	clock   Clock
	logger  logger.Logger
	sink    EventSink
	memory  MemoryProbe
	table   *table
	limiter *ratelimit.Limiter
	events  *eventDispatcher
	metrics *fleetMetrics

	pool    *Pool
	monitor *Monitor
	subs    *Subscriptions

	mu         sync.Mutex
	cancel     context.CancelFunc
	started    bool
	recovering atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithMemoryProbe(p MemoryProbe) Option {
	return func(m *Manager) { m.memory = p }
}

// New validates cfg and builds a Manager. Background work begins with Start.
func New(cfg Config, transport Transport, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}

	limiter, err := ratelimit.New(cfg.ConnectionRateLimit)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		clock:   realClock{},
		logger:  logger.NewTestLogger(),
		memory:  SystemMemory{},
		table:   newTable(),
		limiter: limiter,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.policy = newLevelPolicy(&m.cfg)
	m.events = newEventDispatcher(m.sink, lifecycle.ComponentLogger(m.logger, "events"),
		cfg.EventBuffer, cfg.OperationTimeout.Std())

	m.metrics, err = newFleetMetrics()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Fleet metrics unavailable")
	}

	tracer := otel.Tracer(meterName)

	m.pool = &Pool{
		cfg:         &m.cfg,
		table:       m.table,
		transport:   transport,
		limiter:     limiter,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections)),
		clock:       m.clock,
		logger:      lifecycle.ComponentLogger(m.logger, "pool"),
		events:      m.events,
		metrics:     m.metrics,
		tracer:      tracer,
		onConnected: m.handleConnected,
	}

	m.monitor = &Monitor{
		cfg:           &m.cfg,
		policy:        m.policy,
		table:         m.table,
		slots:         semaphore.NewWeighted(int64(cfg.MaxConcurrentMonitors)),
		clock:         m.clock,
		logger:        lifecycle.ComponentLogger(m.logger, "monitor"),
		events:        m.events,
		tracer:        tracer,
		wake:          make(chan struct{}, 1),
		onLevelChange: m.handleLevelChange,
		onBreakerOpen: m.handleBreakerOpen,
	}

	m.subs = &Subscriptions{
		cfg:     &m.cfg,
		table:   m.table,
		clock:   m.clock,
		logger:  lifecycle.ComponentLogger(m.logger, "subscriptions"),
		events:  m.events,
		handler: m.activityHandler,
	}

	return m, nil
}

// Start launches the health check scheduler and the event worker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	m.events.start()

	m.monitor.wg.Add(1)

	go m.monitor.run(runCtx)

	return nil
}

// Stop halts the scheduler, then disconnects every session best effort.
// In-flight checks and connects are abandoned once ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})

	go func() {
		m.monitor.wg.Wait()
		close(done)
	}()

	var errs []error

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("Abandoning running health checks")
		errs = append(errs, ctx.Err())
	}

	m.Close(ctx)
	m.events.stop()
	errs = append(errs, m.metrics.close())

	return errors.Join(errs...)
}

// Close disconnects every session in parallel, bounded by ctx.
func (m *Manager) Close(ctx context.Context) {
	var sessions []Session

	m.table.mu.Lock()

	for _, r := range m.table.rows {
		session, _ := m.table.detach(r)
		if session != nil {
			sessions = append(sessions, session)
		}

		if r.state == StateConnected {
			r.state = StatePending
		}
	}

	m.table.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentConnections)

	for _, s := range sessions {
		g.Go(func() error {
			opCtx, cancel := context.WithTimeout(gctx, m.cfg.OperationTimeout.Std())
			defer cancel()

			_ = s.Disconnect(opCtx)

			return nil
		})
	}

	_ = g.Wait()

	m.logger.Info().Int("sessions", len(sessions)).Msg("Closed device sessions")
}

func (m *Manager) handleConnected(ctx context.Context, id string) {
	if _, ok := m.monitor.register(id); !ok {
		return
	}

	m.subscribeDefaults(ctx, id)
}

func (m *Manager) handleLevelChange(ctx context.Context, id string, from, to Level) {
	if to.Tier() < from.Tier() {
		m.subscribeDefaults(ctx, id)
	}
}

func (m *Manager) handleBreakerOpen(_ string, session Session) {
	m.pool.disconnect(session)
}

func (m *Manager) subscribeDefaults(ctx context.Context, id string) {
	if len(m.cfg.DefaultTopics) == 0 {
		return
	}

	res, err := m.subs.EnsureSubscribed(ctx, id, DeviceTopics(id, m.cfg.DefaultTopics))

	switch {
	case errors.Is(err, ErrBudgetExhausted):
		m.logger.Debug().Str("device_id", id).Int("shortfall", res.Shortfall).Msg("Subscription budget exhausted")
	case err != nil:
		m.logger.Debug().Err(err).Str("device_id", id).Msg("Default subscriptions not placed")
	}
}

func (m *Manager) activityHandler(id string) MessageHandler {
	return func(string, []byte) {
		m.monitor.RecordActivity(id)
	}
}

// Submit connects devices through the pool. See Pool.Submit.
func (m *Manager) Submit(ctx context.Context, devices []Device) SubmitResult {
	return m.pool.Submit(ctx, devices)
}

// Disconnect tears down one device session.
func (m *Manager) Disconnect(id string) error {
	return m.pool.Disconnect(id)
}

// EnsureSubscribed makes a device hold topics. See Subscriptions.EnsureSubscribed.
func (m *Manager) EnsureSubscribed(ctx context.Context, id string, topics []string) (SubscribeResult, error) {
	return m.subs.EnsureSubscribed(ctx, id, topics)
}

// Unsubscribe releases every subscription held by a device.
func (m *Manager) Unsubscribe(ctx context.Context, id string) ([]string, error) {
	return m.subs.Unsubscribe(ctx, id)
}

// Subscriptions returns the topics a device holds.
func (m *Manager) Subscriptions(id string) []string {
	return m.subs.Held(id)
}

func (m *Manager) RecordActivity(id string) {
	m.monitor.RecordActivity(id)
}

func (m *Manager) RecordError(ctx context.Context, id, reason string) error {
	return m.monitor.RecordError(ctx, id, reason)
}

// Level reports the monitoring level of a connected device.
func (m *Manager) Level(id string) (Level, bool) {
	return m.monitor.Level(id)
}

// Publish sends payload on topic through the device's session. A failed
// publish counts as a device error.
func (m *Manager) Publish(ctx context.Context, id, topic string, payload []byte) error {
	m.table.mu.Lock()

	row, ok := m.table.rows[id]

	var session Session
	if ok {
		session = row.session
	}

	m.table.mu.Unlock()

	if !ok {
		return ErrUnknownDevice
	}

	if session == nil {
		return ErrNotConnected
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout.Std())
	defer cancel()

	if err := session.Publish(opCtx, topic, payload); err != nil {
		_ = m.monitor.RecordError(ctx, id, "publish_failed")
		return fmt.Errorf("publish to %s: %w", id, err)
	}

	m.monitor.RecordActivity(id)

	return nil
}

// ConnectionStats returns a snapshot of the pool.
func (m *Manager) ConnectionStats() ConnectionStats {
	return m.connectionStats()
}

// MonitoringStatus returns a snapshot of the monitor.
func (m *Manager) MonitoringStatus() MonitoringStatus {
	return m.monitoringStatus()
}

// SubscriptionStatus returns a snapshot of the subscription budget.
func (m *Manager) SubscriptionStatus() SubscriptionStatus {
	return m.subscriptionStatus()
}

// Snapshot gathers every status view plus a memory sample. A failed memory
// sample leaves Memory nil.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Connections:   m.connectionStats(),
		Monitoring:    m.monitoringStatus(),
		Subscriptions: m.subscriptionStatus(),
	}

	if m.memory != nil {
		if ms, err := m.memory.Sample(ctx); err == nil {
			s.Memory = &ms
		} else {
			m.logger.Debug().Err(err).Msg("Memory sample failed")
		}
	}

	return s
}

// Recommendations derives tuning advice from the current snapshot.
func (m *Manager) Recommendations(ctx context.Context) []Recommendation {
	return Recommend(m.Snapshot(ctx))
}

// Config returns the configuration the manager runs with.
func (m *Manager) Config() Config {
	return m.cfg
}
