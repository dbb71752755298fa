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
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/ratelimit"
)

// SubmitResult summarizes one Submit call.
type SubmitResult struct {
	Total      int `json:"total"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Connected  int `json:"connected"`
	Failed     int `json:"failed"`
	Abandoned  int `json:"abandoned"`
}

// Pool establishes device sessions in rate-limited batches, bounded by a
// global in-flight limit and gated by each device's breaker.
type Pool struct {
	cfg       *Config
	table     *table
	transport Transport
	limiter   *ratelimit.Limiter
	slots     *semaphore.Weighted
	clock     Clock
	logger    logger.Logger
	events    *eventDispatcher
	metrics   *fleetMetrics
	tracer    trace.Tracer

	inFlight    atomic.Int64
	peak        atomic.Int64
	permitWaits atomic.Int64

	onConnected func(ctx context.Context, id string)
}

type attemptOutcome int

const (
	outcomeConnected attemptOutcome = iota
	outcomeFailed
	outcomeAbandoned
)

// Submit connects every eligible device. Devices are taken in batches of
// BatchSize; all devices of a batch are dispatched concurrently and the next
// batch follows after BatchDelay. Submit returns once every dispatched
// attempt has finished or ctx is done.
func (p *Pool) Submit(ctx context.Context, devices []Device) SubmitResult {
	res := SubmitResult{Total: len(devices)}

	var (
		g         errgroup.Group
		connected atomic.Int64
		failed    atomic.Int64
		abandoned atomic.Int64
	)

	size := p.cfg.BatchSize

	p.logger.Info().Int("devices", len(devices)).Int("batch_size", size).Msg("Submitting devices")

	for start := 0; start < len(devices); start += size {
		if ctx.Err() != nil {
			res.Skipped += len(devices) - start
			break
		}

		end := min(start+size, len(devices))

		for _, dev := range devices[start:end] {
			if !p.admit(dev) {
				res.Skipped++
				continue
			}

			res.Dispatched++

			g.Go(func() error {
				switch p.connect(ctx, dev) {
				case outcomeConnected:
					connected.Add(1)
				case outcomeFailed:
					failed.Add(1)
				case outcomeAbandoned:
					abandoned.Add(1)
				}

				return nil
			})
		}

		if end < len(devices) {
			p.logger.Debug().Int("batch_end", end).Msg("Batch dispatched")
			sleepCtx(ctx, p.cfg.BatchDelay.Std())
		}
	}

	_ = g.Wait()

	res.Connected = int(connected.Load())
	res.Failed = int(failed.Load())
	res.Abandoned = int(abandoned.Load())

	p.logger.Info().
		Int("connected", res.Connected).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("total", res.Total).
		Msg("Submit finished")

	return res
}

// admit claims a device for one attempt cycle. Devices already connecting or
// connected are skipped, as are devices whose breaker refuses.
func (p *Pool) admit(dev Device) bool {
	now := p.clock.Now()

	p.table.mu.Lock()

	row := p.table.upsert(dev, p.cfg.BreakerThreshold, p.cfg.BreakerCooldown.Std())

	switch row.state {
	case StateConnecting:
		p.table.mu.Unlock()
		return false
	case StateConnected:
		if row.session != nil && row.session.IsConnected() {
			p.table.mu.Unlock()
			return false
		}
	case StatePending, StateFailed:
	}

	if !row.breaker.IsEligible(now) {
		row.state = StateFailed
		p.table.mu.Unlock()

		p.logger.Debug().Str("device_id", dev.ID).Msg("Breaker open, skipping device")

		return false
	}

	var stale Session
	if row.state == StateConnected {
		// the previous session dropped; forget it before reconnecting
		stale, _ = p.table.detach(row)
	}

	row.state = StateConnecting
	p.table.mu.Unlock()

	p.disconnect(stale)

	return true
}

func (p *Pool) connect(ctx context.Context, dev Device) attemptOutcome {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial.Std()
	bo.MaxInterval = p.cfg.BackoffMax.Std()
	bo.Multiplier = p.cfg.BackoffMultiplier
	bo.RandomizationFactor = p.cfg.BackoffJitter

	operation := func() (Session, error) {
		session, err := p.attempt(ctx, dev)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		return session, err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug().Err(err).
			Str("device_id", dev.ID).
			Dur("backoff", wait).
			Msg("Connection attempt failed, retrying")
	}

	session, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)),
		backoff.WithNotify(notify),
	)

	switch {
	case err == nil && ctx.Err() == nil:
		p.markConnected(ctx, dev.ID, session)
		return outcomeConnected
	case ctx.Err() != nil:
		if session != nil {
			p.disconnect(session)
		}

		p.markAbandoned(dev.ID)

		return outcomeAbandoned
	default:
		p.markEpisodeFailed(dev.ID, err)
		return outcomeFailed
	}
}

// attempt runs a single connect: permit, then slot, then the bounded dial.
// The slot is returned before the outcome is recorded.
func (p *Pool) attempt(ctx context.Context, dev Device) (Session, error) {
	if err := p.waitPermit(ctx); err != nil {
		return nil, err
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		p.limiter.Release()
		return nil, err
	}

	p.recordAttempt(dev.ID)

	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout.Std())
	dialCtx, span := p.tracer.Start(dialCtx, "fleet.connect",
		trace.WithAttributes(attribute.String("device.id", dev.ID)))

	session, err := p.transport.Connect(dialCtx, dev)
	if err == nil && dialCtx.Err() != nil {
		// completed after the deadline; treat as a timeout
		p.disconnect(session)
		session, err = nil, dialCtx.Err()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
	cancel()

	p.inFlight.Add(-1)
	p.slots.Release(1)

	if err != nil {
		p.recordAttemptFailure(dev.ID, err)
		p.metrics.recordAttempt(ctx, false)

		return nil, err
	}

	p.metrics.recordAttempt(ctx, true)

	return session, nil
}

func (p *Pool) waitPermit(ctx context.Context) error {
	waited := false

	for !p.limiter.TryAcquire() {
		if !waited {
			waited = true
			p.permitWaits.Add(1)
		}

		if !sleepCtx(ctx, p.cfg.PermitPollInterval.Std()) {
			return ctx.Err()
		}
	}

	return nil
}

func (p *Pool) recordAttempt(id string) {
	now := p.clock.Now()

	p.table.mu.Lock()
	defer p.table.mu.Unlock()

	if row, ok := p.table.rows[id]; ok {
		row.attempts++
		row.lastAttempt = now
	}
}

func (p *Pool) recordAttemptFailure(id string, err error) {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()

	if row, ok := p.table.rows[id]; ok {
		row.failures++
		row.consecutiveFailures++
		row.lastError = err.Error()
	}
}

func (p *Pool) markConnected(ctx context.Context, id string, session Session) {
	now := p.clock.Now()

	p.table.mu.Lock()

	row, ok := p.table.rows[id]
	if !ok {
		p.table.mu.Unlock()
		p.disconnect(session)

		return
	}

	row.state = StateConnected
	row.session = session
	row.successes++
	row.consecutiveFailures = 0
	row.lastSuccess = now
	row.connectedAt = now
	row.lastActivity = now
	row.lastError = ""
	recovered := row.breaker.RecordSuccess()

	p.table.mu.Unlock()

	p.logger.Debug().Str("device_id", id).Msg("Device connected")

	p.events.emit(Event{Kind: EventConnected, DeviceID: id, To: StateConnected.String(), Time: now})

	if recovered {
		p.events.emit(Event{Kind: EventBreakerClosed, DeviceID: id, Time: now})
	}

	if p.onConnected != nil {
		p.onConnected(ctx, id)
	}
}

// markEpisodeFailed records one exhausted retry cycle against the breaker.
func (p *Pool) markEpisodeFailed(id string, cause error) {
	now := p.clock.Now()

	p.table.mu.Lock()

	row, ok := p.table.rows[id]
	if !ok {
		p.table.mu.Unlock()
		return
	}

	row.state = StateFailed
	opened := row.breaker.RecordFailure(now)
	failures := row.breaker.Snapshot().Failures

	p.table.mu.Unlock()

	p.logger.Warn().Err(cause).
		Str("device_id", id).
		Int("breaker_failures", failures).
		Msg("Connection attempts exhausted")

	p.events.emit(Event{Kind: EventConnectFailed, DeviceID: id, Reason: cause.Error(), Count: failures, Time: now})

	if opened {
		p.logger.Warn().Str("device_id", id).Msg("Circuit breaker opened")
		p.events.emit(Event{Kind: EventBreakerOpened, DeviceID: id, Count: failures, Time: now})
	}
}

func (p *Pool) markAbandoned(id string) {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()

	if row, ok := p.table.rows[id]; ok && row.state == StateConnecting {
		row.state = StatePending
		row.breaker.ReleaseProbe()
	}
}

// Disconnect closes a device session and drops its monitoring and
// subscription state. The device returns to Pending.
func (p *Pool) Disconnect(id string) error {
	p.table.mu.Lock()

	row, ok := p.table.rows[id]
	if !ok {
		p.table.mu.Unlock()
		return ErrUnknownDevice
	}

	session, topics := p.table.detach(row)
	if row.state == StateConnected {
		row.state = StatePending
	}

	p.table.mu.Unlock()

	if session == nil {
		return nil
	}

	p.disconnect(session)

	p.logger.Info().Str("device_id", id).Int("released_topics", len(topics)).Msg("Device disconnected")

	p.events.emit(Event{Kind: EventDisconnected, DeviceID: id, Time: p.clock.Now()})

	return nil
}

// disconnect closes a session best effort, bounded by OperationTimeout.
func (p *Pool) disconnect(session Session) {
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout.Std())
	defer cancel()

	if err := session.Disconnect(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		p.logger.Debug().Err(err).Msg("Disconnect failed")
	}
}

// InFlight is the number of connection attempts currently dialing.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// PeakInFlight is the highest InFlight value observed.
func (p *Pool) PeakInFlight() int {
	return int(p.peak.Load())
}

// sleepCtx waits for d or ctx, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
