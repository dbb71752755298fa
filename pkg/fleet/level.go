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

import "time"

// Level is a monitoring level. Lower values are checked more often.
type Level int

const (
	LevelCritical Level = iota
	LevelHigh
	LevelNormal
	LevelLow
	LevelMinimal
)

// Levels lists every level from most to least frequent.
var Levels = []Level{LevelCritical, LevelHigh, LevelNormal, LevelLow, LevelMinimal}

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelHigh:
		return "high"
	case LevelNormal:
		return "normal"
	case LevelLow:
		return "low"
	case LevelMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// Tier is the subscription priority derived from the level; 1 is best.
func (l Level) Tier() int {
	switch l {
	case LevelCritical, LevelHigh:
		return 1
	case LevelNormal:
		return 2
	default:
		return 3
	}
}

// escalate moves one step toward Critical.
func (l Level) escalate() Level {
	if l <= LevelCritical {
		return LevelCritical
	}

	return l - 1
}

// deescalate moves one step toward Minimal.
func (l Level) deescalate() Level {
	if l >= LevelMinimal {
		return LevelMinimal
	}

	return l + 1
}

// levelPolicy holds the per-level intervals and de-escalation streaks.
type levelPolicy struct {
	intervals  [5]time.Duration
	deescalate [5]int
}

func newLevelPolicy(cfg *Config) levelPolicy {
	return levelPolicy{
		intervals: [5]time.Duration{
			cfg.Intervals.Critical.Std(),
			cfg.Intervals.High.Std(),
			cfg.Intervals.Normal.Std(),
			cfg.Intervals.Low.Std(),
			cfg.Intervals.Minimal.Std(),
		},
		deescalate: [5]int{
			cfg.Deescalation.Critical,
			cfg.Deescalation.High,
			cfg.Deescalation.Normal,
			cfg.Deescalation.Low,
			0,
		},
	}
}

func (p levelPolicy) interval(l Level) time.Duration {
	return p.intervals[l]
}

// next applies one evaluation of the level FSM. A failure or stale device
// escalates; a success streak at or above the level's threshold de-escalates.
// At most one step is taken and the streak restarts on every change.
func (p levelPolicy) next(l Level, ok, stale bool, streak int) (Level, bool) {
	if !ok || stale {
		up := l.escalate()
		return up, up != l
	}

	need := p.deescalate[l]
	if need <= 0 || streak < need {
		return l, false
	}

	down := l.deescalate()

	return down, down != l
}

// initialLevel assigns the starting level from connection order (0-based).
func initialLevel(order, high, normal int) Level {
	switch {
	case order < high:
		return LevelHigh
	case order < high+normal:
		return LevelNormal
	default:
		return LevelLow
	}
}
