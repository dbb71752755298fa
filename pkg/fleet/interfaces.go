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

//go:generate mockgen -destination=mock_fleet.go -package=fleet github.com/carverauto/fleetlink/pkg/fleet Transport,Session,EventSink,MemoryProbe

package fleet

import (
	"context"
	"time"
)

// MessageHandler receives inbound messages on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Transport opens broker sessions on behalf of a device. Connect must honor
// ctx cancellation and deadline.
type Transport interface {
	Connect(ctx context.Context, device Device) (Session, error)
}

// Session is an established broker connection for one device. Every call is
// bounded by ctx.
type Session interface {
	Probe(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// EventSink receives device lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// MemoryProbe samples host memory for recommendations.
type MemoryProbe interface {
	Sample(ctx context.Context) (MemoryStats, error)
}

// Clock abstracts time for breaker and staleness accounting.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
