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
	"sort"
	"time"

	"github.com/carverauto/fleetlink/pkg/breaker"
	"github.com/carverauto/fleetlink/pkg/ratelimit"
)

const topErrorDevices = 10

// DeviceStats is the per-device part of ConnectionStats.
type DeviceStats struct {
	ID                  string        `json:"id"`
	State               string        `json:"state"`
	Breaker             string        `json:"breaker"`
	BreakerFailures     int           `json:"breaker_failures"`
	Attempts            int           `json:"attempts"`
	Successful          int           `json:"successful"`
	Failed              int           `json:"failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastAttempt         *time.Time    `json:"last_attempt,omitempty"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	Uptime              time.Duration `json:"uptime"`
	LastError           string        `json:"last_error,omitempty"`
}

// ConnectionStats is a read-only snapshot of the connection pool.
type ConnectionStats struct {
	Total           int             `json:"total"`
	Pending         int             `json:"pending"`
	Connecting      int             `json:"connecting"`
	Connected       int             `json:"connected"`
	Failed          int             `json:"failed"`
	BreakerOpen     int             `json:"breaker_open"`
	BreakerHalfOpen int             `json:"breaker_half_open"`
	Attempts        int             `json:"attempts"`
	Successes       int             `json:"successes"`
	Failures        int             `json:"failures"`
	SuccessRate     float64         `json:"success_rate"`
	InFlight        int             `json:"in_flight"`
	PermitWaits     int64           `json:"permit_waits"`
	RateLimit       ratelimit.Stats `json:"rate_limit"`
	Devices         []DeviceStats   `json:"devices"`
}

// DeviceErrors names a monitored device with recorded errors.
type DeviceErrors struct {
	ID         string `json:"id"`
	Level      string `json:"level"`
	ErrorCount int    `json:"error_count"`
}

// MonitoringStatus is a read-only snapshot of the adaptive monitor.
type MonitoringStatus struct {
	Monitored         int            `json:"monitored"`
	ActiveChecks      int            `json:"active_checks"`
	MaxConcurrent     int            `json:"max_concurrent"`
	LevelDistribution map[string]int `json:"level_distribution"`
	TotalChecks       int            `json:"total_checks"`
	ErrorChecks       int            `json:"error_checks"`
	DevicesWithErrors int            `json:"devices_with_errors"`
	ErrorDevices      []DeviceErrors `json:"error_devices"`
	NextDue           *time.Time     `json:"next_due,omitempty"`
}

// SubscriptionStatus is a read-only snapshot of the subscription budget.
type SubscriptionStatus struct {
	Held           int         `json:"held"`
	Budget         int         `json:"budget"`
	Utilization    float64     `json:"utilization_percent"`
	Devices        int         `json:"devices"`
	AveragePerDev  float64     `json:"average_per_device"`
	ByTier         map[int]int `json:"by_tier"`
	EvictedTopics  int64       `json:"evicted_topics"`
	ShortfallCalls int64       `json:"shortfall_calls"`
}

func (m *Manager) connectionStats() ConnectionStats {
	now := m.clock.Now()

	st := ConnectionStats{
		InFlight:    m.pool.InFlight(),
		PermitWaits: m.pool.permitWaits.Load(),
		RateLimit:   m.limiter.Stats(),
	}

	m.table.mu.Lock()

	rows := m.table.ordered()
	st.Devices = make([]DeviceStats, 0, len(rows))

	for _, r := range rows {
		bs := r.breaker.Snapshot()

		ds := DeviceStats{
			ID:                  r.device.ID,
			State:               r.state.String(),
			Breaker:             bs.State.String(),
			BreakerFailures:     bs.Failures,
			Attempts:            r.attempts,
			Successful:          r.successes,
			Failed:              r.failures,
			ConsecutiveFailures: r.consecutiveFailures,
			LastAttempt:         timePtr(r.lastAttempt),
			LastSuccess:         timePtr(r.lastSuccess),
			LastError:           r.lastError,
		}

		if r.state == StateConnected && !r.connectedAt.IsZero() {
			ds.Uptime = now.Sub(r.connectedAt)
		}

		switch r.state {
		case StatePending:
			st.Pending++
		case StateConnecting:
			st.Connecting++
		case StateConnected:
			st.Connected++
		case StateFailed:
			st.Failed++
		}

		switch bs.State {
		case breaker.Open:
			st.BreakerOpen++
		case breaker.HalfOpen:
			st.BreakerHalfOpen++
		case breaker.Closed:
		}

		st.Attempts += r.attempts
		st.Successes += r.successes
		st.Failures += r.failures
		st.Devices = append(st.Devices, ds)
	}

	m.table.mu.Unlock()

	st.Total = len(st.Devices)
	if st.Attempts > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Attempts) * 100
	}

	return st
}

func (m *Manager) monitoringStatus() MonitoringStatus {
	st := MonitoringStatus{
		ActiveChecks:      m.monitor.Active(),
		MaxConcurrent:     m.cfg.MaxConcurrentMonitors,
		LevelDistribution: make(map[string]int, len(Levels)),
	}

	for _, l := range Levels {
		st.LevelDistribution[l.String()] = 0
	}

	m.table.mu.Lock()

	for _, r := range m.table.ordered() {
		if r.mon == nil {
			continue
		}

		st.Monitored++
		st.LevelDistribution[r.mon.level.String()]++
		st.TotalChecks += r.mon.checks
		st.ErrorChecks += r.mon.errorChecks

		if r.mon.errorCount > 0 {
			st.ErrorDevices = append(st.ErrorDevices, DeviceErrors{
				ID:         r.device.ID,
				Level:      r.mon.level.String(),
				ErrorCount: r.mon.errorCount,
			})
		}
	}

	if len(m.table.queue) > 0 {
		next := m.table.queue[0].mon.nextDue
		st.NextDue = &next
	}

	m.table.mu.Unlock()

	st.DevicesWithErrors = len(st.ErrorDevices)

	sort.SliceStable(st.ErrorDevices, func(i, j int) bool {
		return st.ErrorDevices[i].ErrorCount > st.ErrorDevices[j].ErrorCount
	})

	if len(st.ErrorDevices) > topErrorDevices {
		st.ErrorDevices = st.ErrorDevices[:topErrorDevices]
	}

	return st
}

func (m *Manager) subscriptionStatus() SubscriptionStatus {
	st := SubscriptionStatus{
		Budget:         m.cfg.SubscriptionBudget,
		ByTier:         map[int]int{1: 0, 2: 0, 3: 0},
		EvictedTopics:  m.subs.evictions.Load(),
		ShortfallCalls: m.subs.shortfalls.Load(),
	}

	m.table.mu.Lock()

	st.Held = m.table.held

	for _, r := range m.table.rows {
		if len(r.topics) == 0 {
			continue
		}

		st.Devices++
		st.ByTier[r.tier()] += len(r.topics)
	}

	m.table.mu.Unlock()

	if st.Budget > 0 {
		st.Utilization = float64(st.Held) / float64(st.Budget) * 100
	}

	if st.Devices > 0 {
		st.AveragePerDev = float64(st.Held) / float64(st.Devices)
	}

	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
