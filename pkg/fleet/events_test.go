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
	"go.uber.org/mock/gomock"

	"github.com/carverauto/fleetlink/pkg/logger"
)

type countingSink struct {
	release chan struct{}
	err     error

	published atomic.Int64
}

func (s *countingSink) Publish(context.Context, Event) error {
	if s.release != nil {
		<-s.release
	}

	s.published.Add(1)

	return s.err
}

func TestNilDispatcherIsSafe(t *testing.T) {
	d := newEventDispatcher(nil, logger.NewTestLogger(), 4, time.Second)
	require.Nil(t, d)

	d.start()
	d.emit(Event{Kind: EventConnected})
	d.stop()
}

func TestDispatcherDropsWhenBufferIsFull(t *testing.T) {
	sink := &countingSink{}
	d := newEventDispatcher(sink, logger.NewTestLogger(), 2, time.Second)

	for i := 0; i < 5; i++ {
		d.emit(Event{Kind: EventLevelChanged, DeviceID: "node-a"})
	}

	assert.Equal(t, int64(3), d.dropped.Load())

	d.start()
	d.stop()

	assert.Equal(t, int64(2), sink.published.Load())

	d.emit(Event{Kind: EventConnected})
	assert.Equal(t, int64(3), d.dropped.Load(), "emit after stop is ignored, not dropped")
}

func TestDispatcherCountsSinkFailures(t *testing.T) {
	sink := &countingSink{err: errNoResponse}
	d := newEventDispatcher(sink, logger.NewTestLogger(), 4, time.Second)

	d.start()
	d.emit(Event{Kind: EventDisconnected, DeviceID: "node-a"})
	d.stop()

	assert.Equal(t, int64(1), d.failed.Load())
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockEventSink(ctrl)

	var (
		mu     sync.Mutex
		events []Event
	)

	sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()

		return nil
	}).AnyTimes()

	cfg := fastConfig()
	cfg.BreakerThreshold = 1

	transport := newFakeTransport()
	transport.setFailing("bad", true)

	m := newTestManager(t, cfg, transport, WithEventSink(sink))
	require.NoError(t, m.Start(context.Background()))

	m.Submit(context.Background(), []Device{{ID: "ok"}, {ID: "bad"}})
	require.NoError(t, m.RecordError(context.Background(), "ok", "command_timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()

	kinds := make(map[string][]EventKind)
	for _, ev := range events {
		kinds[ev.DeviceID] = append(kinds[ev.DeviceID], ev.Kind)
	}

	assert.Contains(t, kinds["ok"], EventConnected)
	assert.Contains(t, kinds["ok"], EventLevelChanged)
	assert.Contains(t, kinds["bad"], EventConnectFailed)
	assert.Contains(t, kinds["bad"], EventBreakerOpened)
	assert.NotContains(t, kinds["bad"], EventConnected)
}
