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

// Package ratelimit provides a non-blocking permit gate whose budget is
// restored to a fixed limit by an external periodic refill.
package ratelimit

import (
	"errors"
	"sync/atomic"
)

var ErrInvalidLimit = errors.New("rate limit must be positive")

// Limiter hands out at most Limit permits between two Refill calls. It never
// queues callers: a failed TryAcquire must be retried by the caller.
type Limiter struct {
	limit     int64
	available atomic.Int64

	granted atomic.Int64
	denied  atomic.Int64
}

// New returns a Limiter that starts with a full budget.
func New(limit int) (*Limiter, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	l := &Limiter{limit: int64(limit)}
	l.available.Store(l.limit)

	return l, nil
}

// TryAcquire takes one permit if any remain.
func (l *Limiter) TryAcquire() bool {
	for {
		cur := l.available.Load()
		if cur <= 0 {
			l.denied.Add(1)
			return false
		}

		if l.available.CompareAndSwap(cur, cur-1) {
			l.granted.Add(1)
			return true
		}
	}
}

// Release hands back a permit that was acquired but never used. The budget
// never rises above the limit, so a Refill in between makes this a no-op.
func (l *Limiter) Release() {
	for {
		cur := l.available.Load()
		if cur >= l.limit {
			return
		}

		if l.available.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// Refill restores the budget to the configured limit. Unused permits do not
// carry over.
func (l *Limiter) Refill() {
	l.available.Store(l.limit)
}

func (l *Limiter) Limit() int {
	return int(l.limit)
}

func (l *Limiter) Available() int {
	return int(l.available.Load())
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	Limit     int   `json:"limit"`
	Available int   `json:"available"`
	Granted   int64 `json:"granted"`
	Denied    int64 `json:"denied"`
}

func (l *Limiter) Stats() Stats {
	return Stats{
		Limit:     int(l.limit),
		Available: int(l.available.Load()),
		Granted:   l.granted.Load(),
		Denied:    l.denied.Load(),
	}
}
