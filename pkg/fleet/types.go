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

// Package fleet manages connections to a device fleet over a shared broker:
// rate-limited batched connection establishment guarded by per-device circuit
// breakers, an adaptive health-check scheduler and a bounded subscription
// budget allocated by priority. All per-device state lives in a single table
// behind one lock; callers only ever see snapshots.
package fleet

import "time"

// Credentials reference the client certificate material of a device. The
// files are owned by certificate discovery; only paths are carried.
type Credentials struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file,omitempty"`
}

// Device is a fleet member as handed over by certificate discovery.
type Device struct {
	ID          string      `json:"id"`
	Credentials Credentials `json:"credentials"`
}

// ConnState is the connection lifecycle position of a device.
type ConnState int

const (
	StatePending ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind classifies lifecycle events emitted to the EventSink.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventConnectFailed EventKind = "connect_failed"
	EventBreakerOpened EventKind = "breaker_opened"
	EventBreakerClosed EventKind = "breaker_closed"
	EventLevelChanged  EventKind = "level_changed"
	EventEvicted       EventKind = "subscriptions_evicted"
	EventDisconnected  EventKind = "disconnected"
)

// Event describes a single device state change.
type Event struct {
	Kind     EventKind
	DeviceID string
	From     string
	To       string
	Reason   string
	Count    int
	Time     time.Time
}
