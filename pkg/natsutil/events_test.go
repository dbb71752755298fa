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

package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/models"
)

var errTestFixture = errors.New("fixture error")

func TestEnsureSubjectList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subjects []string
		subject  string
		want     []string
	}{
		{
			name:     "adds subject when list empty",
			subjects: nil,
			subject:  "events.fleet.>",
			want:     []string{"events.fleet.>"},
		},
		{
			name:     "keeps list when greater wildcard matches",
			subjects: []string{"events.>"},
			subject:  "events.fleet.>",
			want:     []string{"events.>"},
		},
		{
			name:     "appends when single wildcard cannot cover",
			subjects: []string{"events.fleet.*"},
			subject:  "events.fleet.>",
			want:     []string{"events.fleet.*", "events.fleet.>"},
		},
		{
			name:     "appends when unmatched",
			subjects: []string{"logs.syslog.*"},
			subject:  "events.fleet.>",
			want:     []string{"logs.syslog.*", "events.fleet.>"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := ensureSubjectList(append([]string(nil), tc.subjects...), tc.subject)

			if len(result) != len(tc.want) {
				t.Fatalf("expected %d subjects, got %d", len(tc.want), len(result))
			}

			for i := range tc.want {
				if tc.want[i] != result[i] {
					t.Fatalf("result[%d] = %q, want %q", i, result[i], tc.want[i])
				}
			}
		})
	}
}

func TestMatchesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{"exact match", "events.fleet.connected", "events.fleet.connected", true},
		{"single wildcard", "events.*.connected", "events.fleet.connected", true},
		{"greater wildcard", "events.>", "events.fleet.connected", true},
		{"greater covers greater", "events.fleet.>", "events.fleet.>", true},
		{"single cannot cover greater", "events.fleet.*", "events.fleet.>", false},
		{"no match length", "events.*", "events.fleet.connected", false},
		{"no match tokens", "logs.syslog.*", "events.fleet.connected", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := matchesSubject(tc.pattern, tc.subject); got != tc.expected {
				t.Fatalf("matchesSubject(%q, %q) = %t, want %t", tc.pattern, tc.subject, got, tc.expected)
			}
		})
	}
}

func TestIsStreamMissingErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"jetstream no stream response", jetstream.ErrNoStreamResponse, true},
		{"jetstream stream not found", jetstream.ErrStreamNotFound, true},
		{"nats no stream response", nats.ErrNoStreamResponse, true},
		{"nats stream not found", nats.ErrStreamNotFound, true},
		{"nats no responders", nats.ErrNoResponders, true},
		{"other error", errTestFixture, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isStreamMissingErr(tc.err); got != tc.expected {
				t.Fatalf("isStreamMissingErr(%v) = %t, want %t", tc.err, got, tc.expected)
			}
		})
	}
}

func TestTLSConfigRequiresMTLS(t *testing.T) {
	t.Parallel()

	_, err := TLSConfig(nil)
	require.ErrorIs(t, err, ErrMTLSRequired)

	_, err = TLSConfig(&models.SecurityConfig{Mode: models.SecurityModeNone})
	require.ErrorIs(t, err, ErrMTLSRequired)

	_, err = TLSConfig(&models.SecurityConfig{
		Mode:    models.SecurityModeMTLS,
		CertDir: t.TempDir(),
		TLS:     models.TLSConfig{CertFile: "missing.pem", KeyFile: "missing-key.pem", CAFile: "root.pem"},
	})
	require.Error(t, err)
}

type receivedEvent struct {
	ID      string                `json:"id"`
	Source  string                `json:"source"`
	Type    string                `json:"type"`
	Subject string                `json:"subject"`
	Data    models.FleetEventData `json:"data"`
}

func TestEventPublisherPublishesCloudEvents(t *testing.T) {
	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	log := logger.NewTestLogger()

	nc, err := ConnectWithSecurity(srv.ClientURL(), nil, log)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := CreateEventPublisher(ctx, nc, "", "fleet-events", nil, log)
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, pub.Publish(ctx, fleet.Event{
		Kind:     fleet.EventBreakerOpened,
		DeviceID: "node-1",
		Reason:   "connection refused",
		Count:    3,
		Time:     ts,
	}))

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	cons, err := js.CreateOrUpdateConsumer(ctx, "fleet-events", jetstream.ConsumerConfig{
		FilterSubject: EventSubject(fleet.EventBreakerOpened),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
	require.NoError(t, err)
	require.NoError(t, msg.Ack())

	var ev receivedEvent
	require.NoError(t, json.Unmarshal(msg.Data(), &ev))

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "fleetlink/fleet", ev.Source)
	assert.Equal(t, "com.carverauto.fleetlink.device.breaker_opened", ev.Type)
	assert.Equal(t, "events.fleet.breaker_opened", ev.Subject)
	assert.Equal(t, "node-1", ev.Data.DeviceID)
	assert.Equal(t, 3, ev.Data.Count)
	assert.Equal(t, "connection refused", ev.Data.Reason)
	assert.True(t, ev.Data.Timestamp.Equal(ts))
	assert.Equal(t, ev.ID, msg.Headers().Get(jetstream.MsgIDHeader))
}

func TestCreateEventPublisherWidensExistingStream(t *testing.T) {
	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	log := logger.NewTestLogger()

	nc, err := ConnectWithSecurity(srv.ClientURL(), nil, log)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{Name: "events", Subjects: []string{"logs.>"}})
	require.NoError(t, err)

	_, err = CreateEventPublisher(ctx, nc, "", "events", nil, log)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "events")
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs.>", "events.fleet.>"}, info.Config.Subjects)

	// a second call finds the subjects already covered
	_, err = CreateEventPublisher(ctx, nc, "", "events", nil, log)
	require.NoError(t, err)
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	return srv
}
