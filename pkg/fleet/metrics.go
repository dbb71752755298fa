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
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/carverauto/fleetlink/pkg/fleet"

	metricConnectedName     = "fleetlink_devices_connected"
	metricFailedName        = "fleetlink_devices_failed"
	metricBreakerOpenName   = "fleetlink_breakers_open"
	metricMonitoredName     = "fleetlink_devices_monitored"
	metricSubscriptionsName = "fleetlink_subscriptions_held"
	metricAttemptsName      = "fleetlink_connection_attempts_total"
)

// fleetMetrics publishes the latest health sample as observable gauges.
// Gauge values are refreshed by the health sample job.
type fleetMetrics struct {
	connected     atomic.Int64
	failed        atomic.Int64
	breakerOpen   atomic.Int64
	monitored     atomic.Int64
	subscriptions atomic.Int64

	attempts     metric.Int64Counter
	registration metric.Registration
}

func newFleetMetrics() (*fleetMetrics, error) {
	meter := otel.Meter(meterName)
	fm := &fleetMetrics{}

	gauge := func(name, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
		}

		return g
	}

	connected := gauge(metricConnectedName, "Devices with an established broker session")
	failed := gauge(metricFailedName, "Devices whose last connection cycle failed")
	breakerOpen := gauge(metricBreakerOpenName, "Devices with an open circuit breaker")
	monitored := gauge(metricMonitoredName, "Devices under adaptive health monitoring")
	subscriptions := gauge(metricSubscriptionsName, "Topic subscriptions held against the budget")

	var err error

	fm.attempts, err = meter.Int64Counter(metricAttemptsName,
		metric.WithDescription("Connection attempts by outcome"))
	if err != nil {
		return nil, err
	}

	fm.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connected, fm.connected.Load())
		o.ObserveInt64(failed, fm.failed.Load())
		o.ObserveInt64(breakerOpen, fm.breakerOpen.Load())
		o.ObserveInt64(monitored, fm.monitored.Load())
		o.ObserveInt64(subscriptions, fm.subscriptions.Load())

		return nil
	}, connected, failed, breakerOpen, monitored, subscriptions)
	if err != nil {
		return nil, err
	}

	return fm, nil
}

func (fm *fleetMetrics) recordAttempt(ctx context.Context, ok bool) {
	if fm == nil || fm.attempts == nil {
		return
	}

	outcome := "success"
	if !ok {
		outcome = "failure"
	}

	fm.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (fm *fleetMetrics) observe(h HealthSample) {
	if fm == nil {
		return
	}

	fm.connected.Store(int64(h.Connected))
	fm.failed.Store(int64(h.Failed))
	fm.breakerOpen.Store(int64(h.BreakerOpen))
	fm.monitored.Store(int64(h.Monitored))
	fm.subscriptions.Store(int64(h.Subscriptions))
}

func (fm *fleetMetrics) close() error {
	if fm == nil || fm.registration == nil {
		return nil
	}

	return fm.registration.Unregister()
}
