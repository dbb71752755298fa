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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetlink/pkg/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.MaxConcurrentConnections)
	assert.Equal(t, 20, cfg.ConnectionRateLimit)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 120*time.Second, cfg.BreakerCooldown.Std())
	assert.Equal(t, 300, cfg.SubscriptionBudget)
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionRateLimit = 0
	cfg.BatchSize = -1
	cfg.BackoffJitter = 1
	cfg.MaxErrors = -2

	err := cfg.Validate()
	require.Error(t, err)

	assert.ErrorIs(t, err, errNonPositive)
	assert.ErrorIs(t, err, errNegative)
	assert.ErrorIs(t, err, errJitterRange)
	assert.Contains(t, err.Error(), "connection_rate_limit")
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "max_errors")
}

func TestConfigValidateIntervalsMustIncrease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Intervals.Low = cfg.Intervals.Normal

	assert.ErrorIs(t, cfg.Validate(), errIntervalsNotSorted)
}

func TestConfigValidateBackoffMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffMultiplier = 0.5

	assert.ErrorIs(t, cfg.Validate(), errMultiplier)
}

func TestConfigValidateAllowsZeroBatchDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 0

	require.NoError(t, cfg.Validate())

	cfg.BatchDelay = models.Duration(-time.Millisecond)
	assert.ErrorIs(t, cfg.Validate(), errNegative)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrNilTransport)

	cfg := DefaultConfig()
	cfg.MaxConcurrentMonitors = 0

	_, err = New(cfg, newFakeTransport())
	require.ErrorIs(t, err, errNonPositive)
}
