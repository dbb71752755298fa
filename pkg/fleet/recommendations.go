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

import "fmt"

// Severity ranks a recommendation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Recommendation is a piece of tuning advice derived from status snapshots.
type Recommendation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Snapshot bundles the inputs of Recommend.
type Snapshot struct {
	Connections   ConnectionStats    `json:"connections"`
	Monitoring    MonitoringStatus   `json:"monitoring"`
	Subscriptions SubscriptionStatus `json:"subscriptions"`
	Memory        *MemoryStats       `json:"memory,omitempty"`
}

const (
	failedDevicesLimit    = 10
	openBreakersLimit     = 5
	errorDeviceShareLimit = 0.10
	highUtilization       = 80.0
	lowUtilization        = 20.0
	permitWaitShareLimit  = 0.5
	memoryPressurePercent = 85.0
	largeMonitoredFleet   = 500
)

// Recommend derives advice from a snapshot. It holds no state.
func Recommend(s Snapshot) []Recommendation {
	var out []Recommendation

	add := func(code string, sev Severity, format string, args ...interface{}) {
		out = append(out, Recommendation{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	conn := s.Connections

	if conn.Failed > failedDevicesLimit {
		add("investigate_network", SeverityWarning,
			"%d devices failed to connect; check broker reachability and device certificates", conn.Failed)
	}

	if conn.BreakerOpen > openBreakersLimit {
		add("increase_breaker_cooldown", SeverityWarning,
			"%d circuit breakers are open; consider a longer breaker cooldown", conn.BreakerOpen)
	}

	if conn.Attempts > 0 && float64(conn.PermitWaits)/float64(conn.Attempts) > permitWaitShareLimit {
		add("raise_rate_limit", SeverityInfo,
			"%d of %d connection attempts waited for a rate-limit permit; the limit of %d/s may be too low",
			conn.PermitWaits, conn.Attempts, conn.RateLimit.Limit)
	}

	mon := s.Monitoring
	if mon.Monitored > 0 && float64(mon.DevicesWithErrors)/float64(mon.Monitored) > errorDeviceShareLimit {
		add("adjust_monitoring_levels", SeverityWarning,
			"%d of %d monitored devices report errors; review their monitoring levels",
			mon.DevicesWithErrors, mon.Monitored)
	}

	sub := s.Subscriptions
	switch {
	case sub.Utilization > highUtilization:
		add("raise_subscription_budget", SeverityWarning,
			"subscription budget is %.1f%% used (%d/%d); raise it or reduce topics per device",
			sub.Utilization, sub.Held, sub.Budget)
	case sub.Budget > 0 && mon.Monitored > 0 && sub.Utilization < lowUtilization:
		add("widen_subscription_coverage", SeverityInfo,
			"subscription budget is only %.1f%% used; more devices or topics can be subscribed", sub.Utilization)
	}

	if s.Memory != nil && s.Memory.UsedPercent > memoryPressurePercent && mon.Monitored > largeMonitoredFleet {
		add("lower_monitor_concurrency", SeverityWarning,
			"host memory is %.1f%% used with %d monitored devices; lower max concurrent monitors",
			s.Memory.UsedPercent, mon.Monitored)
	}

	return out
}
