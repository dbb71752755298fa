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

package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositive(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = New(-3)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestTryAcquireUntilExhausted(t *testing.T) {
	l, err := New(3)
	require.NoError(t, err)

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 0, l.Available())

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.Granted)
	assert.Equal(t, int64(1), stats.Denied)
}

func TestRefillDoesNotAccumulate(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)

	l.Refill()
	l.Refill()
	assert.Equal(t, 2, l.Available())

	assert.True(t, l.TryAcquire())
	l.Refill()
	assert.Equal(t, 2, l.Available())
}

func TestReleaseReturnsUnusedPermit(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)

	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	l.Release()
	assert.Equal(t, 1, l.Available())
	assert.True(t, l.TryAcquire())
}

func TestReleaseNeverExceedsLimit(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)

	require.True(t, l.TryAcquire())
	l.Refill()
	l.Release()
	l.Release()

	assert.Equal(t, 2, l.Available())
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 20

	l, err := New(limit)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)

	for i := 0; i < 200; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if l.TryAcquire() {
				granted.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	assert.Equal(t, int64(180), l.Stats().Denied)
}
