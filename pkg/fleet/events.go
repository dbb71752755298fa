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

	"github.com/carverauto/fleetlink/pkg/logger"
)

// eventDispatcher forwards events to the sink from a single worker so that
// callers never block on it. When the buffer is full the event is dropped.
type eventDispatcher struct {
	sink    EventSink
	logger  logger.Logger
	timeout time.Duration

	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

func newEventDispatcher(sink EventSink, log logger.Logger, buffer int, timeout time.Duration) *eventDispatcher {
	if sink == nil {
		return nil
	}

	return &eventDispatcher{
		sink:    sink,
		logger:  log,
		timeout: timeout,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

func (d *eventDispatcher) start() {
	if d == nil {
		return
	}

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case ev := <-d.ch:
				d.publish(ev)
			case <-d.done:
				d.drain()
				return
			}
		}
	}()
}

func (d *eventDispatcher) drain() {
	for {
		select {
		case ev := <-d.ch:
			d.publish(ev)
		default:
			return
		}
	}
}

func (d *eventDispatcher) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Publish(ctx, ev); err != nil {
		d.failed.Add(1)
		d.logger.Warn().Err(err).
			Str("device_id", ev.DeviceID).
			Str("kind", string(ev.Kind)).
			Msg("Failed to publish fleet event")
	}
}

func (d *eventDispatcher) emit(ev Event) {
	if d == nil {
		return
	}

	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.ch <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn().Int64("dropped", n).Msg("Event buffer full, dropping fleet events")
		}
	}
}

func (d *eventDispatcher) stop() {
	if d == nil {
		return
	}

	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
