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

// Package natsutil publishes fleet lifecycle events to NATS JetStream as
// CloudEvents.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/models"
)

const (
	eventSource     = "fleetlink/fleet"
	eventTypePrefix = "com.carverauto.fleetlink.device."
	subjectPrefix   = "events.fleet."
	contentType     = "application/json"
)

// EventPublisher publishes CloudEvents to NATS JetStream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
}

var _ fleet.EventSink = (*EventPublisher)(nil)

func NewEventPublisher(js jetstream.JetStream, streamName string) *EventPublisher {
	return &EventPublisher{
		js:     js,
		stream: streamName,
	}
}

// EventSubject is the subject a fleet event of the given kind is published on.
func EventSubject(kind fleet.EventKind) string {
	return subjectPrefix + string(kind)
}

// Publish sends one fleet event. The CloudEvent id doubles as the JetStream
// message id so that retried publishes are deduplicated.
func (p *EventPublisher) Publish(ctx context.Context, ev fleet.Event) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypePrefix + string(ev.Kind),
		DataContentType: contentType,
		Subject:         EventSubject(ev.Kind),
		Time:            &ts,
		Data: models.FleetEventData{
			DeviceID:      ev.DeviceID,
			Kind:          string(ev.Kind),
			PreviousState: ev.From,
			CurrentState:  ev.To,
			Reason:        ev.Reason,
			Count:         ev.Count,
			Timestamp:     ts,
		},
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal fleet event: %w", err)
	}

	if _, err := p.js.Publish(ctx, event.Subject, eventBytes, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish fleet event: %w", err)
	}

	return nil
}

// ConnectWithSecurity creates a NATS connection with security configuration.
func ConnectWithSecurity(natsURL string, security *models.SecurityConfig, log logger.Logger, extraOpts ...nats.Option) (*nats.Conn, error) {
	var opts []nats.Option

	if security != nil && security.Mode == models.SecurityModeMTLS {
		tlsConf, err := TLSConfig(security)
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tlsConf))
	}

	opts = append(opts,
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}

// CreateEventPublisher creates an EventPublisher for an existing NATS
// connection, creating the stream or widening its subjects so that fleet
// events are captured.
func CreateEventPublisher(
	ctx context.Context, nc *nats.Conn, domain, streamName string, subjects []string, log logger.Logger,
) (*EventPublisher, error) {
	var (
		js  jetstream.JetStream
		err error
	)

	if domain != "" {
		js, err = jetstream.NewWithDomain(nc, domain)
	} else {
		js, err = jetstream.New(nc)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	required := subjectPrefix + ">"

	stream, err := js.Stream(ctx, streamName)

	switch {
	case err == nil:
		cfg := stream.CachedInfo().Config
		merged := ensureSubjectList(append([]string(nil), cfg.Subjects...), required)

		if len(merged) != len(cfg.Subjects) {
			cfg.Subjects = merged

			if _, err := js.UpdateStream(ctx, cfg); err != nil {
				return nil, fmt.Errorf("failed to update stream %s: %w", streamName, err)
			}

			log.Info().Str("stream", streamName).Strs("subjects", merged).Msg("Widened NATS JetStream stream subjects")
		}
	case isStreamMissingErr(err):
		cfg := jetstream.StreamConfig{
			Name:     streamName,
			Subjects: ensureSubjectList(append([]string(nil), subjects...), required),
		}

		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}

		log.Info().Str("stream", streamName).Msg("Created NATS JetStream stream")
	default:
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	return NewEventPublisher(js, streamName), nil
}

// ensureSubjectList appends subject unless an existing pattern covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether pattern covers subject using NATS token
// wildcards. A literal ">" in subject is matched only by ">" in pattern.
func matchesSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}

		if i >= len(st) {
			return false
		}

		if st[i] == ">" || (p != "*" && p != st[i]) {
			return false
		}
	}

	return len(pt) == len(st)
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}
