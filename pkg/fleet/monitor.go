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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetlink/pkg/logger"
)

const idleWait = time.Minute

// Monitor runs per-device health checks at a cadence set by each device's
// monitoring level. Checks are started in due-time order and at most
// MaxConcurrentMonitors run at once.
type Monitor struct {
	cfg    *Config
	policy levelPolicy
	table  *table
	slots  *semaphore.Weighted
	clock  Clock
	logger logger.Logger
	events *eventDispatcher
	tracer trace.Tracer

	wake   chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	onLevelChange func(ctx context.Context, id string, from, to Level)
	onBreakerOpen func(id string, session Session)
}

// ReviewResult summarizes a bulk review pass.
type ReviewResult struct {
	Reviewed    int `json:"reviewed"`
	Escalated   int `json:"escalated"`
	Deescalated int `json:"deescalated"`
	Rescheduled int `json:"rescheduled"`
}

type levelChange struct {
	id       string
	from, to Level
	reason   string
}

// register starts monitoring a freshly connected device. The initial level
// follows connection order.
func (m *Monitor) register(id string) (Level, bool) {
	now := m.clock.Now()

	m.table.mu.Lock()

	row, ok := m.table.rows[id]
	if !ok || row.state != StateConnected || row.mon != nil {
		m.table.mu.Unlock()
		return 0, false
	}

	level := initialLevel(m.table.monitorOrder, m.cfg.InitialHigh, m.cfg.InitialNormal)
	m.table.monitorOrder++

	row.mon = &monitorState{
		level:     level,
		index:     -1,
		lastCheck: now,
		nextDue:   now.Add(m.policy.interval(level)),
	}
	m.table.schedule(row)

	m.table.mu.Unlock()

	m.notify()

	m.logger.Debug().Str("device_id", id).Str("level", level.String()).Msg("Monitoring started")

	return level, true
}

func (m *Monitor) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run dispatches due checks until ctx is done. A slot is taken before the
// head of the queue is popped so that saturated checks keep their order.
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info().Int("max_concurrent", m.cfg.MaxConcurrentMonitors).Msg("Starting health check scheduler")

	for {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return
		}

		row := m.nextDue(ctx)
		if row == nil {
			m.slots.Release(1)
			return
		}

		m.active.Add(1)
		m.wg.Add(1)

		go func() {
			defer m.wg.Done()
			defer m.slots.Release(1)
			defer m.active.Add(-1)

			m.check(ctx, row)
		}()
	}
}

func (m *Monitor) nextDue(ctx context.Context) *deviceRow {
	for {
		m.table.mu.Lock()
		row, wait, ok := m.table.popDue(m.clock.Now())
		m.table.mu.Unlock()

		if row != nil {
			return row
		}

		if !ok {
			wait = idleWait
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context, row *deviceRow) {
	m.table.mu.Lock()
	mon, session, id := row.mon, row.session, row.device.ID
	m.table.mu.Unlock()

	if mon == nil || session == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout.Std())
	probeCtx, span := m.tracer.Start(probeCtx, "fleet.probe",
		trace.WithAttributes(attribute.String("device.id", id)))

	err := session.Probe(probeCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
	cancel()

	if ctx.Err() != nil {
		m.table.mu.Lock()
		if row.mon == mon {
			mon.running = false
			m.table.schedule(row)
		}
		m.table.mu.Unlock()

		return
	}

	m.applyProbe(ctx, row, mon, err)
}

// applyProbe folds one probe outcome into the monitoring record and breaker.
func (m *Monitor) applyProbe(ctx context.Context, row *deviceRow, mon *monitorState, probeErr error) {
	now := m.clock.Now()
	ok := probeErr == nil
	id := row.device.ID

	m.table.mu.Lock()

	if row.mon != mon {
		m.table.mu.Unlock()
		return
	}

	mon.running = false
	mon.checks++
	mon.lastCheck = now

	var opened bool

	if ok {
		mon.successes++
		mon.failures = 0
		row.lastActivity = now
		m.decayErrors(mon)
		row.breaker.RecordSuccess()
	} else {
		mon.failures++
		mon.successes = 0
		mon.errorCount++
		mon.errorChecks++
		mon.sinceError = 0
		opened = row.breaker.RecordFailure(now)
	}

	if opened {
		row.state = StateFailed
		row.lastError = probeErr.Error()
		session, topics := m.table.detach(row)

		m.table.mu.Unlock()

		m.logger.Warn().Err(probeErr).
			Str("device_id", id).
			Int("released_topics", len(topics)).
			Msg("Health checks exhausted breaker, dropping device")

		m.events.emit(Event{Kind: EventBreakerOpened, DeviceID: id, Reason: probeErr.Error(), Time: now})

		if m.onBreakerOpen != nil {
			m.onBreakerOpen(id, session)
		}

		return
	}

	from := mon.level
	to, changed := m.policy.next(from, ok, false, mon.successes)

	if changed {
		mon.level = to
		mon.successes = 0
	}

	mon.nextDue = mon.lastCheck.Add(m.policy.interval(mon.level))
	m.table.schedule(row)

	m.table.mu.Unlock()

	m.notify()

	if changed {
		reason := "success_streak"
		if !ok {
			reason = "probe_failed"
		}

		m.levelChanged(ctx, levelChange{id: id, from: from, to: to, reason: reason})
	}
}

// decayErrors forgives one recorded error per ErrorDecayAfter successes.
// Must hold table.mu.
func (m *Monitor) decayErrors(mon *monitorState) {
	if mon.errorCount == 0 || m.cfg.ErrorDecayAfter == 0 {
		return
	}

	mon.sinceError++
	if mon.sinceError >= m.cfg.ErrorDecayAfter {
		mon.errorCount--
		mon.sinceError = 0
	}
}

func (m *Monitor) levelChanged(ctx context.Context, c levelChange) {
	m.logger.Info().
		Str("device_id", c.id).
		Str("from", c.from.String()).
		Str("to", c.to.String()).
		Str("reason", c.reason).
		Msg("Monitoring level changed")

	m.events.emit(Event{
		Kind:     EventLevelChanged,
		DeviceID: c.id,
		From:     c.from.String(),
		To:       c.to.String(),
		Reason:   c.reason,
		Time:     m.clock.Now(),
	})

	if m.onLevelChange != nil {
		m.onLevelChange(ctx, c.id, c.from, c.to)
	}
}

// RecordActivity marks inbound traffic from a device.
func (m *Monitor) RecordActivity(id string) {
	now := m.clock.Now()

	m.table.mu.Lock()
	defer m.table.mu.Unlock()

	if row, ok := m.table.rows[id]; ok {
		row.lastActivity = now
	}
}

// RecordError registers a command failure against a device and escalates its
// monitoring level one step.
func (m *Monitor) RecordError(ctx context.Context, id, reason string) error {
	now := m.clock.Now()

	m.table.mu.Lock()

	row, ok := m.table.rows[id]
	if !ok {
		m.table.mu.Unlock()
		return ErrUnknownDevice
	}

	mon := row.mon
	if mon == nil {
		m.table.mu.Unlock()
		return ErrNotConnected
	}

	mon.errorCount++
	mon.sinceError = 0
	mon.successes = 0

	from := mon.level
	to := from.escalate()
	changed := to != from

	if changed {
		mon.level = to
		m.reschedule(row, now)
	}

	m.table.mu.Unlock()

	if changed {
		m.notify()
		m.levelChanged(ctx, levelChange{id: id, from: from, to: to, reason: reason})
	}

	return nil
}

// reschedule recomputes next-due from the last check and the current level,
// never earlier than now. Must hold table.mu.
func (m *Monitor) reschedule(row *deviceRow, now time.Time) {
	mon := row.mon

	mon.nextDue = mon.lastCheck.Add(m.policy.interval(mon.level))
	if mon.nextDue.Before(now) {
		mon.nextDue = now
	}

	m.table.schedule(row)
}

// Review is the periodic safety net over every monitored device: devices
// over the error budget or without activity past the staleness window are
// escalated, long success streaks are de-escalated and drifted schedules are
// re-queued.
func (m *Monitor) Review(ctx context.Context) ReviewResult {
	now := m.clock.Now()

	var (
		res     ReviewResult
		changes []levelChange
	)

	m.table.mu.Lock()

	for _, row := range m.table.ordered() {
		mon := row.mon
		if mon == nil || mon.running {
			continue
		}

		res.Reviewed++

		window := m.cfg.StaleAfter.Std() + m.policy.interval(mon.level)
		stale := now.Sub(row.lastActivity) > window
		overBudget := mon.errorCount > m.cfg.MaxErrors

		from := mon.level
		to, changed := m.policy.next(from, !overBudget, stale, mon.successes)

		if changed {
			mon.level = to
			mon.successes = 0

			if to < from {
				res.Escalated++
			} else {
				res.Deescalated++
			}

			reason := "error_budget"
			switch {
			case stale:
				reason = "stale"
			case to > from:
				reason = "success_streak"
			}

			changes = append(changes, levelChange{id: row.device.ID, from: from, to: to, reason: reason})
		}

		expected := mon.lastCheck.Add(m.policy.interval(mon.level))

		switch {
		case stale:
			mon.nextDue = now
			m.table.schedule(row)
			res.Rescheduled++
		case changed || mon.index < 0 || mon.nextDue.After(expected):
			m.reschedule(row, now)
			res.Rescheduled++
		}
	}

	m.table.mu.Unlock()

	if res.Rescheduled > 0 {
		m.notify()
	}

	for _, c := range changes {
		m.levelChanged(ctx, c)
	}

	m.logger.Debug().
		Int("reviewed", res.Reviewed).
		Int("escalated", res.Escalated).
		Int("deescalated", res.Deescalated).
		Int("rescheduled", res.Rescheduled).
		Msg("Monitoring review complete")

	return res
}

// Level reports the current monitoring level of a device.
func (m *Monitor) Level(id string) (Level, bool) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()

	row, ok := m.table.rows[id]
	if !ok || row.mon == nil {
		return 0, false
	}

	return row.mon.level, true
}

// Active is the number of health checks currently running.
func (m *Monitor) Active() int {
	return int(m.active.Load())
}
