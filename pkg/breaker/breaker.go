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

// Package breaker implements a per-device circuit breaker. It performs no I/O
// and takes the current time as an argument; callers serialize access.
package breaker

import "time"

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker counts failure episodes. It opens at threshold, waits out the
// cooldown and then admits a single probe cycle.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	state         State
	failures      int
	openSince     time.Time
	probeInFlight bool
	trips         int
}

// New returns a Closed breaker. threshold below 1 is treated as 1.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}

	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// RecordFailure registers one failure. It reports whether the breaker moved
// to Open as a result. Failures while already Open are ignored.
func (b *Breaker) RecordFailure(now time.Time) bool {
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		b.failures++
		b.trip(now)

		return true
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.trip(now)
			return true
		}

		return false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openSince = now
	b.probeInFlight = false
	b.trips++
}

// RecordSuccess zeroes the failure count and closes the breaker. It reports
// whether the breaker left HalfOpen.
func (b *Breaker) RecordSuccess() bool {
	recovered := b.state == HalfOpen

	if b.state != Open {
		b.state = Closed
		b.failures = 0
		b.probeInFlight = false
	}

	return recovered
}

// IsEligible reports whether an attempt may start now. The first call after
// the cooldown moves an Open breaker to HalfOpen and claims the single probe;
// further calls return false until that probe is recorded.
func (b *Breaker) IsEligible(now time.Time) bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openSince) < b.cooldown {
			return false
		}

		b.state = HalfOpen
		b.probeInFlight = true

		return true
	default:
		if b.probeInFlight {
			return false
		}

		b.probeInFlight = true

		return true
	}
}

// Ready is IsEligible without side effects.
func (b *Breaker) Ready(now time.Time) bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		return now.Sub(b.openSince) >= b.cooldown
	default:
		return !b.probeInFlight
	}
}

// ReleaseProbe returns an unused HalfOpen probe claim, for attempts that were
// abandoned before reaching the device.
func (b *Breaker) ReleaseProbe() {
	if b.state == HalfOpen {
		b.probeInFlight = false
	}
}

// Remaining is the cooldown left while Open, zero otherwise.
func (b *Breaker) Remaining(now time.Time) time.Duration {
	if b.state != Open {
		return 0
	}

	left := b.cooldown - now.Sub(b.openSince)
	if left < 0 {
		return 0
	}

	return left
}

// Snapshot is a copy of the breaker fields for reporting.
type Snapshot struct {
	State     State
	Failures  int
	OpenSince time.Time
	Trips     int
}

func (b *Breaker) Snapshot() Snapshot {
	return Snapshot{
		State:     b.state,
		Failures:  b.failures,
		OpenSince: b.openSince,
		Trips:     b.trips,
	}
}

func (b *Breaker) State() State {
	return b.state
}
