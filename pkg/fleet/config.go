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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/fleetlink/pkg/models"
)

var (
	errNonPositive        = errors.New("must be positive")
	errNegative           = errors.New("must not be negative")
	errIntervalsNotSorted = errors.New("level intervals must strictly increase from critical to minimal")
	errJitterRange        = errors.New("backoff jitter must be within [0, 1)")
	errMultiplier         = errors.New("backoff multiplier must be at least 1")
)

// LevelIntervals are the base health-check periods per monitoring level.
type LevelIntervals struct {
	Critical models.Duration `json:"critical" envconfig:"CRITICAL"`
	High     models.Duration `json:"high" envconfig:"HIGH"`
	Normal   models.Duration `json:"normal" envconfig:"NORMAL"`
	Low      models.Duration `json:"low" envconfig:"LOW"`
	Minimal  models.Duration `json:"minimal" envconfig:"MINIMAL"`
}

// DeescalationThresholds are the consecutive successes needed to leave a
// level for the next less frequent one. Zero disables that edge.
type DeescalationThresholds struct {
	Critical int `json:"critical" envconfig:"CRITICAL"`
	High     int `json:"high" envconfig:"HIGH"`
	Normal   int `json:"normal" envconfig:"NORMAL"`
	Low      int `json:"low" envconfig:"LOW"`
}

// Config is the resource-limit surface of the fleet manager. It is read once
// at construction.
type Config struct {
	MaxConcurrentConnections int             `json:"max_concurrent_connections" envconfig:"MAX_CONCURRENT_CONNECTIONS"`
	ConnectionRateLimit      int             `json:"connection_rate_limit" envconfig:"CONNECTION_RATE_LIMIT"`
	BatchSize                int             `json:"batch_size" envconfig:"BATCH_SIZE"`
	BatchDelay               models.Duration `json:"batch_delay" envconfig:"BATCH_DELAY"`
	PermitPollInterval       models.Duration `json:"permit_poll_interval" envconfig:"PERMIT_POLL_INTERVAL"`

	BreakerThreshold int             `json:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerCooldown  models.Duration `json:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN"`

	ConnectionTimeout models.Duration `json:"connection_timeout" envconfig:"CONNECTION_TIMEOUT"`
	OperationTimeout  models.Duration `json:"operation_timeout" envconfig:"OPERATION_TIMEOUT"`

	MaxRetries        int             `json:"max_retries" envconfig:"MAX_RETRIES"`
	BackoffInitial    models.Duration `json:"backoff_initial" envconfig:"BACKOFF_INITIAL"`
	BackoffMax        models.Duration `json:"backoff_max" envconfig:"BACKOFF_MAX"`
	BackoffMultiplier float64         `json:"backoff_multiplier" envconfig:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64         `json:"backoff_jitter" envconfig:"BACKOFF_JITTER"`

	MaxConcurrentMonitors int                    `json:"max_concurrent_monitors" envconfig:"MAX_CONCURRENT_MONITORS"`
	Intervals             LevelIntervals         `json:"intervals" envconfig:"INTERVALS"`
	Deescalation          DeescalationThresholds `json:"deescalation" envconfig:"DEESCALATION"`
	InitialHigh           int                    `json:"initial_high" envconfig:"INITIAL_HIGH"`
	InitialNormal         int                    `json:"initial_normal" envconfig:"INITIAL_NORMAL"`
	StaleAfter            models.Duration        `json:"stale_after" envconfig:"STALE_AFTER"`
	MaxErrors             int                    `json:"max_errors" envconfig:"MAX_ERRORS"`
	ErrorDecayAfter       int                    `json:"error_decay_after" envconfig:"ERROR_DECAY_AFTER"`

	SubscriptionBudget int      `json:"subscription_budget" envconfig:"SUBSCRIPTION_BUDGET"`
	DefaultTopics      []string `json:"default_topics" envconfig:"DEFAULT_TOPICS"`

	BulkReviewInterval   models.Duration `json:"bulk_review_interval" envconfig:"BULK_REVIEW_INTERVAL"`
	HealthSampleInterval models.Duration `json:"health_sample_interval" envconfig:"HEALTH_SAMPLE_INTERVAL"`
	RecoveryInterval     models.Duration `json:"recovery_interval" envconfig:"RECOVERY_INTERVAL"`

	EventBuffer int `json:"event_buffer" envconfig:"EVENT_BUFFER"`
}

// DefaultTopicSuffixes are subscribed for every device unless overridden.
var DefaultTopicSuffixes = []string{"params/remote", "otaurl", "from-node"}

// DefaultConfig returns the stock limits. Loaders decode on top of it, so an
// omitted field keeps its default and an explicit zero is rejected.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentConnections: 100,
		ConnectionRateLimit:      20,
		BatchSize:                25,
		BatchDelay:               models.Duration(100 * time.Millisecond),
		PermitPollInterval:       models.Duration(50 * time.Millisecond),
		BreakerThreshold:         3,
		BreakerCooldown:          models.Duration(120 * time.Second),
		ConnectionTimeout:        models.Duration(8 * time.Second),
		OperationTimeout:         models.Duration(6 * time.Second),
		MaxRetries:               2,
		BackoffInitial:           models.Duration(time.Second),
		BackoffMax:               models.Duration(30 * time.Second),
		BackoffMultiplier:        1.5,
		BackoffJitter:            0.2,
		MaxConcurrentMonitors:    50,
		Intervals: LevelIntervals{
			Critical: models.Duration(5 * time.Second),
			High:     models.Duration(30 * time.Second),
			Normal:   models.Duration(60 * time.Second),
			Low:      models.Duration(300 * time.Second),
			Minimal:  models.Duration(600 * time.Second),
		},
		Deescalation: DeescalationThresholds{
			Critical: 5,
			High:     10,
			Normal:   20,
			Low:      40,
		},
		InitialHigh:          10,
		InitialNormal:        40,
		StaleAfter:           models.Duration(300 * time.Second),
		MaxErrors:            1,
		ErrorDecayAfter:      20,
		SubscriptionBudget:   300,
		DefaultTopics:        append([]string(nil), DefaultTopicSuffixes...),
		BulkReviewInterval:   models.Duration(60 * time.Second),
		HealthSampleInterval: models.Duration(30 * time.Second),
		RecoveryInterval:     models.Duration(30 * time.Second),
		EventBuffer:          256,
	}
}

// Validate rejects limits the manager cannot run with. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, errNonPositive))
		}
	}

	positiveDur := func(name string, v models.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, errNonPositive))
		}
	}

	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, errNegative))
		}
	}

	positive("max_concurrent_connections", c.MaxConcurrentConnections)
	positive("connection_rate_limit", c.ConnectionRateLimit)
	positive("batch_size", c.BatchSize)
	positive("breaker_threshold", c.BreakerThreshold)
	positive("max_retries", c.MaxRetries)
	positive("max_concurrent_monitors", c.MaxConcurrentMonitors)
	positive("subscription_budget", c.SubscriptionBudget)
	positive("event_buffer", c.EventBuffer)

	nonNegative("initial_high", c.InitialHigh)
	nonNegative("initial_normal", c.InitialNormal)
	nonNegative("max_errors", c.MaxErrors)
	nonNegative("error_decay_after", c.ErrorDecayAfter)
	nonNegative("deescalation.critical", c.Deescalation.Critical)
	nonNegative("deescalation.high", c.Deescalation.High)
	nonNegative("deescalation.normal", c.Deescalation.Normal)
	nonNegative("deescalation.low", c.Deescalation.Low)

	if c.BatchDelay < 0 {
		errs = append(errs, fmt.Errorf("batch_delay: %w", errNegative))
	}

	positiveDur("permit_poll_interval", c.PermitPollInterval)
	positiveDur("breaker_cooldown", c.BreakerCooldown)
	positiveDur("connection_timeout", c.ConnectionTimeout)
	positiveDur("operation_timeout", c.OperationTimeout)
	positiveDur("backoff_initial", c.BackoffInitial)
	positiveDur("backoff_max", c.BackoffMax)
	positiveDur("stale_after", c.StaleAfter)
	positiveDur("bulk_review_interval", c.BulkReviewInterval)
	positiveDur("health_sample_interval", c.HealthSampleInterval)
	positiveDur("recovery_interval", c.RecoveryInterval)

	if c.BackoffMultiplier < 1 {
		errs = append(errs, errMultiplier)
	}

	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, errJitterRange)
	}

	iv := c.Intervals
	if iv.Critical <= 0 || iv.High <= iv.Critical || iv.Normal <= iv.High ||
		iv.Low <= iv.Normal || iv.Minimal <= iv.Low {
		errs = append(errs, errIntervalsNotSorted)
	}

	return errors.Join(errs...)
}
