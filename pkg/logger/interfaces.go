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

//go:generate mockgen -destination=mock_logger.go -package=logger github.com/carverauto/fleetlink/pkg/logger Logger

package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the injected logging surface used by every component.
type Logger interface {
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	Panic() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) zerolog.Logger
	WithFields(fields map[string]interface{}) zerolog.Logger
	SetLevel(level zerolog.Level)
	SetDebug(debug bool)
}

// NewTestLogger creates a no-op logger for testing that discards all output
func NewTestLogger() Logger {
	return &nopLogger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

type nopLogger struct {
	zl zerolog.Logger
}

func (n *nopLogger) Trace() *zerolog.Event { return n.zl.Trace() }
func (n *nopLogger) Debug() *zerolog.Event { return n.zl.Debug() }
func (n *nopLogger) Info() *zerolog.Event  { return n.zl.Info() }
func (n *nopLogger) Warn() *zerolog.Event  { return n.zl.Warn() }
func (n *nopLogger) Error() *zerolog.Event { return n.zl.Error() }
func (n *nopLogger) Fatal() *zerolog.Event { return n.zl.Fatal() }
func (n *nopLogger) Panic() *zerolog.Event { return n.zl.Panic() }
func (n *nopLogger) With() zerolog.Context { return n.zl.With() }

func (n *nopLogger) WithComponent(component string) zerolog.Logger {
	return n.zl.With().Str("component", component).Logger()
}

func (n *nopLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	return n.zl.With().Fields(fields).Logger()
}

func (*nopLogger) SetLevel(zerolog.Level) {}
func (*nopLogger) SetDebug(bool)          {}
