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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetlink/pkg/models"
)

func connectOne(t *testing.T, m *Manager, id string) {
	t.Helper()

	res := m.Submit(context.Background(), []Device{{ID: id}})
	require.Equal(t, 1, res.Connected)
}

func levelOf(t *testing.T, m *Manager, id string) Level {
	t.Helper()

	l, ok := m.Level(id)
	require.True(t, ok, "device %s is not monitored", id)

	return l
}

func TestInitialLevelsFollowConnectionOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 1
	cfg.InitialNormal = 2

	m := newTestManager(t, cfg, newFakeTransport())

	for _, d := range devices(4) {
		connectOne(t, m, d.ID)
	}

	assert.Equal(t, LevelHigh, levelOf(t, m, "node-000"))
	assert.Equal(t, LevelNormal, levelOf(t, m, "node-001"))
	assert.Equal(t, LevelNormal, levelOf(t, m, "node-002"))
	assert.Equal(t, LevelLow, levelOf(t, m, "node-003"))

	st := m.MonitoringStatus()
	assert.Equal(t, 4, st.Monitored)
	assert.Equal(t, map[string]int{"critical": 0, "high": 1, "normal": 2, "low": 1, "minimal": 0}, st.LevelDistribution)
	require.NotNil(t, st.NextDue)
}

func TestNormalDeviceRelaxesAfterTwentySuccesses(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 0

	m := newTestManager(t, cfg, newFakeTransport())
	connectOne(t, m, "node-a")
	require.Equal(t, LevelNormal, levelOf(t, m, "node-a"))

	for i := 0; i < 19; i++ {
		probe(t, m, "node-a", nil)
	}

	assert.Equal(t, LevelNormal, levelOf(t, m, "node-a"))

	probe(t, m, "node-a", nil)

	level := levelOf(t, m, "node-a")
	assert.Equal(t, LevelLow, level)
	assert.Equal(t, 3, level.Tier())
}

func TestProbeFailureEscalatesAndRestartsStreak(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 0

	m := newTestManager(t, cfg, newFakeTransport())
	connectOne(t, m, "node-a")

	for i := 0; i < 15; i++ {
		probe(t, m, "node-a", nil)
	}

	probe(t, m, "node-a", errProbe)
	require.Equal(t, LevelHigh, levelOf(t, m, "node-a"))

	for i := 0; i < 9; i++ {
		probe(t, m, "node-a", nil)
	}

	assert.Equal(t, LevelHigh, levelOf(t, m, "node-a"), "streak restarts after the escalation")

	probe(t, m, "node-a", nil)
	assert.Equal(t, LevelNormal, levelOf(t, m, "node-a"))

	st := m.MonitoringStatus()
	assert.Equal(t, 26, st.TotalChecks)
	assert.Equal(t, 1, st.ErrorChecks)
}

func TestProbeFailuresOpenBreakerAndDropDevice(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 3
	cfg.DefaultTopics = DefaultTopicSuffixes

	transport := newFakeTransport()
	m := newTestManager(t, cfg, transport)
	connectOne(t, m, "node-a")

	require.Len(t, m.Subscriptions("node-a"), len(DefaultTopicSuffixes))

	probe(t, m, "node-a", errProbe)
	probe(t, m, "node-a", errProbe)
	assert.Equal(t, LevelCritical, levelOf(t, m, "node-a"))

	probe(t, m, "node-a", errProbe)

	_, ok := m.Level("node-a")
	assert.False(t, ok)
	assert.Empty(t, m.Subscriptions("node-a"))
	assert.Zero(t, m.SubscriptionStatus().Held)
	assert.Equal(t, int64(1), transport.session("node-a").disconnected.Load())

	stats := m.ConnectionStats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.BreakerOpen)
	assert.Equal(t, errProbe.Error(), stats.Devices[0].LastError)
}

func TestErrorCountDecaysWithSuccesses(t *testing.T) {
	cfg := fastConfig()
	cfg.ErrorDecayAfter = 3

	m := newTestManager(t, cfg, newFakeTransport())
	connectOne(t, m, "node-a")

	probe(t, m, "node-a", errProbe)
	assert.Equal(t, 1, m.MonitoringStatus().DevicesWithErrors)

	probe(t, m, "node-a", nil)
	probe(t, m, "node-a", nil)
	assert.Equal(t, 1, m.MonitoringStatus().DevicesWithErrors)

	probe(t, m, "node-a", nil)
	assert.Zero(t, m.MonitoringStatus().DevicesWithErrors)
}

func TestRecordErrorEscalatesOneStep(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 0

	clock := newFakeClock()
	m := newTestManager(t, cfg, newFakeTransport(), WithClock(clock))
	connectOne(t, m, "node-a")

	ctx := context.Background()

	require.NoError(t, m.RecordError(ctx, "node-a", "command_timeout"))
	assert.Equal(t, LevelHigh, levelOf(t, m, "node-a"))

	st := m.MonitoringStatus()
	require.NotNil(t, st.NextDue)
	assert.False(t, st.NextDue.After(clock.Now().Add(cfg.Intervals.High.Std())))
	require.Len(t, st.ErrorDevices, 1)
	assert.Equal(t, 1, st.ErrorDevices[0].ErrorCount)

	require.NoError(t, m.RecordError(ctx, "node-a", "command_timeout"))
	require.NoError(t, m.RecordError(ctx, "node-a", "command_timeout"))
	assert.Equal(t, LevelCritical, levelOf(t, m, "node-a"))

	assert.ErrorIs(t, m.RecordError(ctx, "ghost", "x"), ErrUnknownDevice)

	require.NoError(t, m.Disconnect("node-a"))
	assert.ErrorIs(t, m.RecordError(ctx, "node-a", "x"), ErrNotConnected)
}

func TestReviewEscalatesStaleAndOverBudgetDevices(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 0
	cfg.StaleAfter = models.Duration(time.Minute)
	cfg.MaxErrors = 1

	clock := newFakeClock()
	m := newTestManager(t, cfg, newFakeTransport(), WithClock(clock))

	require.Equal(t, 3, m.Submit(context.Background(), []Device{{ID: "quiet"}, {ID: "noisy"}, {ID: "busy"}}).Connected)

	m.table.mu.Lock()
	m.table.rows["noisy"].mon.errorCount = 2
	busyDue := m.table.rows["busy"].mon.nextDue
	m.table.mu.Unlock()

	// past StaleAfter plus the Normal interval
	clock.Advance(2*time.Minute + time.Second)
	m.RecordActivity("busy")
	m.RecordActivity("noisy")

	res := m.ReviewLevels(context.Background())

	assert.Equal(t, 3, res.Reviewed)
	assert.Equal(t, 2, res.Escalated)
	assert.Zero(t, res.Deescalated)

	assert.Equal(t, LevelHigh, levelOf(t, m, "quiet"))
	assert.Equal(t, LevelHigh, levelOf(t, m, "noisy"))
	assert.Equal(t, LevelNormal, levelOf(t, m, "busy"))

	m.table.mu.Lock()
	quietDue := m.table.rows["quiet"].mon.nextDue
	noisyDue := m.table.rows["noisy"].mon.nextDue
	busyAfter := m.table.rows["busy"].mon.nextDue
	m.table.mu.Unlock()

	assert.True(t, quietDue.Equal(clock.Now()), "stale device is due immediately")
	assert.True(t, noisyDue.Equal(clock.Now()), "overdue escalation is clamped to now")
	assert.True(t, busyAfter.Equal(busyDue), "an unchanged schedule is left alone")

	st := m.MonitoringStatus()
	require.NotNil(t, st.NextDue)
	assert.True(t, st.NextDue.Equal(busyDue), "the oldest due time heads the queue")
}

func TestReviewRelaxesLongStreaks(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialHigh = 0

	m := newTestManager(t, cfg, newFakeTransport())
	connectOne(t, m, "node-a")

	m.table.mu.Lock()
	m.table.rows["node-a"].mon.successes = cfg.Deescalation.Normal
	m.table.mu.Unlock()

	res := m.ReviewLevels(context.Background())

	assert.Equal(t, 1, res.Deescalated)
	assert.Equal(t, 1, res.Rescheduled)
	assert.Equal(t, LevelLow, levelOf(t, m, "node-a"))
}

func TestSchedulerBoundsConcurrentChecks(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrentMonitors = 2
	cfg.Intervals = LevelIntervals{
		Critical: models.Duration(10 * time.Millisecond),
		High:     models.Duration(20 * time.Millisecond),
		Normal:   models.Duration(40 * time.Millisecond),
		Low:      models.Duration(80 * time.Millisecond),
		Minimal:  models.Duration(160 * time.Millisecond),
	}

	var active, peak atomic.Int64

	transport := newFakeTransport()
	transport.onSession = func(s *fakeSession) {
		s.probeDelay = 5 * time.Millisecond
		s.probeActive = &active
		s.probePeak = &peak
	}

	m := newTestManager(t, cfg, transport)
	require.Equal(t, 6, m.Submit(context.Background(), devices(6)).Connected)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		return m.MonitoringStatus().TotalChecks >= 30
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(ctx))

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Positive(t, peak.Load())
	assert.Zero(t, m.ConnectionStats().Connected)
	assert.Equal(t, int64(1), transport.session("node-003").disconnected.Load())
}

func TestSchedulerRunsChecksInDueOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrentMonitors = 1

	var (
		mu     sync.Mutex
		order  []string
		active atomic.Int64
		peak   atomic.Int64
	)

	checked := func() []string {
		mu.Lock()
		defer mu.Unlock()

		return append([]string(nil), order...)
	}

	clock := newFakeClock()
	transport := newFakeTransport()
	transport.onSession = func(s *fakeSession) {
		s.probeDelay = 2 * time.Millisecond
		s.probeActive = &active
		s.probePeak = &peak
		s.onProbe = func(id string) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	m := newTestManager(t, cfg, transport, WithClock(clock))
	require.Equal(t, 5, m.Submit(context.Background(), devices(5)).Connected)

	due := map[string]time.Duration{
		"node-003": -4 * time.Second,
		"node-001": -3 * time.Second,
		"node-002": -2 * time.Second,
		"node-000": -time.Second,
		"node-004": 10 * time.Millisecond,
	}

	m.table.mu.Lock()
	for id, offset := range due {
		row := m.table.rows[id]
		row.mon.nextDue = clock.Now().Add(offset)
		m.table.schedule(row)
	}
	m.table.mu.Unlock()

	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(checked()) == 4
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"node-003", "node-001", "node-002", "node-000"}, checked())

	clock.Advance(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(checked()) == 5
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "node-004", checked()[4])
	assert.Equal(t, int64(1), peak.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(ctx))
}
