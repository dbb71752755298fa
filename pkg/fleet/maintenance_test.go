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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetlink/pkg/models"
)

func TestRefillPermitsRestoresBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectionRateLimit = 2

	m := newTestManager(t, cfg, newFakeTransport())

	require.Equal(t, 2, m.Submit(context.Background(), devices(2)).Connected)
	assert.Zero(t, m.ConnectionStats().RateLimit.Available)

	m.RefillPermits()
	assert.Equal(t, 2, m.ConnectionStats().RateLimit.Available)
}

func TestSampleHealthDetectsLostSessions(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultTopics = DefaultTopicSuffixes

	transport := newFakeTransport()
	m := newTestManager(t, cfg, transport)

	require.Equal(t, 3, m.Submit(context.Background(), devices(3)).Connected)

	lost := transport.session("node-001")
	lost.connected.Store(false)

	sample := m.SampleHealth(context.Background())

	assert.Equal(t, 2, sample.Connected)
	assert.Equal(t, 1, sample.Failed)
	assert.Equal(t, 1, sample.Lost)
	assert.Equal(t, 2, sample.Monitored)
	assert.Equal(t, 6, sample.Subscriptions)
	assert.Zero(t, sample.BreakerOpen)
	assert.Equal(t, int64(1), lost.disconnected.Load())

	for _, ds := range m.ConnectionStats().Devices {
		if ds.ID == "node-001" {
			assert.Equal(t, "failed", ds.State)
			assert.Equal(t, "connection lost", ds.LastError)
		}
	}

	again := m.SampleHealth(context.Background())
	assert.Zero(t, again.Lost)
}

func TestRecoverFailedWaitsForBreakerCooldown(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = models.Duration(time.Minute)

	clock := newFakeClock()
	transport := newFakeTransport()
	transport.setFailing("node-000", true)

	m := newTestManager(t, cfg, transport, WithClock(clock))
	ctx := context.Background()

	require.Equal(t, 1, m.Submit(ctx, devices(2)).Failed)

	res := m.RecoverFailed(ctx)
	assert.Zero(t, res.Total, "breaker still cooling down")

	transport.setFailing("node-000", false)
	clock.Advance(time.Minute)

	res = m.RecoverFailed(ctx)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Connected)
	assert.Equal(t, 2, m.ConnectionStats().Connected)
	assert.Equal(t, LevelHigh, levelOf(t, m, "node-000"))
}

func TestRecoverFailedReconnectsLostSessions(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(t, fastConfig(), transport)
	ctx := context.Background()

	require.Equal(t, 1, m.Submit(ctx, devices(1)).Connected)

	transport.session("node-000").connected.Store(false)
	require.Equal(t, 1, m.SampleHealth(ctx).Lost)

	res := m.RecoverFailed(ctx)
	assert.Equal(t, 1, res.Connected)
	assert.Equal(t, 2, transport.callCount("node-000"))
	assert.Equal(t, 1, m.SampleHealth(ctx).Connected)
}

func TestRecoverFailedSkipsOverlappingRuns(t *testing.T) {
	m := newTestManager(t, fastConfig(), newFakeTransport())

	m.recovering.Store(true)
	assert.Equal(t, SubmitResult{}, m.RecoverFailed(context.Background()))

	m.recovering.Store(false)
}
