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
	"time"

	"github.com/carverauto/fleetlink/pkg/breaker"
)

// HealthSample is the result of one pool health pass.
type HealthSample struct {
	At            time.Time `json:"at"`
	Connected     int       `json:"connected"`
	Failed        int       `json:"failed"`
	BreakerOpen   int       `json:"breaker_open"`
	Monitored     int       `json:"monitored"`
	Subscriptions int       `json:"subscriptions"`
	Lost          int       `json:"lost"`
}

// RefillPermits restores the connection rate budget. Run once per second.
func (m *Manager) RefillPermits() {
	m.limiter.Refill()
}

// SampleHealth counts device states, refreshes the exported gauges and marks
// devices whose session dropped without a probe noticing as Failed so that
// recovery reconnects them.
func (m *Manager) SampleHealth(_ context.Context) HealthSample {
	now := m.clock.Now()
	sample := HealthSample{At: now}

	var lost []Session

	m.table.mu.Lock()

	for _, r := range m.table.rows {
		if r.state == StateConnected && r.session != nil && !r.session.IsConnected() {
			r.state = StateFailed
			r.lastError = "connection lost"

			session, _ := m.table.detach(r)
			lost = append(lost, session)
		}

		switch r.state {
		case StateConnected:
			sample.Connected++
		case StateFailed:
			sample.Failed++
		case StatePending, StateConnecting:
		}

		if r.breaker.State() == breaker.Open {
			sample.BreakerOpen++
		}

		if r.mon != nil {
			sample.Monitored++
		}
	}

	sample.Subscriptions = m.table.held
	sample.Lost = len(lost)

	m.table.mu.Unlock()

	for _, s := range lost {
		m.pool.disconnect(s)
	}

	m.metrics.observe(sample)

	evt := m.logger.Debug()
	if sample.Lost > 0 {
		evt = m.logger.Warn()
	}

	evt.Int("connected", sample.Connected).
		Int("failed", sample.Failed).
		Int("breaker_open", sample.BreakerOpen).
		Int("monitored", sample.Monitored).
		Int("subscriptions", sample.Subscriptions).
		Int("lost", sample.Lost).
		Msg("Fleet health sample")

	return sample
}

// ReviewLevels runs the monitor's bulk review pass.
func (m *Manager) ReviewLevels(ctx context.Context) ReviewResult {
	return m.monitor.Review(ctx)
}

// RecoverFailed resubmits Failed devices whose breaker would admit an
// attempt now. Overlapping calls return immediately.
func (m *Manager) RecoverFailed(ctx context.Context) SubmitResult {
	if !m.recovering.CompareAndSwap(false, true) {
		return SubmitResult{}
	}
	defer m.recovering.Store(false)

	now := m.clock.Now()

	var devices []Device

	m.table.mu.Lock()

	for _, r := range m.table.ordered() {
		if r.state == StateFailed && r.breaker.Ready(now) {
			devices = append(devices, r.device)
		}
	}

	m.table.mu.Unlock()

	if len(devices) == 0 {
		return SubmitResult{}
	}

	m.logger.Info().Int("devices", len(devices)).Msg("Recovering failed devices")

	return m.pool.Submit(ctx, devices)
}
