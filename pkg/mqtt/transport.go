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

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/logger"
)

// Transport opens one MQTT client per device. Reconnection is left to the
// fleet pool, so paho's own retry loop is disabled.
type Transport struct {
	cfg    Config
	broker string
	alpn   bool
	logger logger.Logger

	newClient func(*paho.ClientOptions) paho.Client
}

var _ fleet.Transport = (*Transport)(nil)

func NewTransport(cfg Config, log logger.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultConfig().KeepAlive
	}

	broker := brokerURL(cfg.Broker)

	return &Transport{
		cfg:       cfg,
		broker:    broker,
		alpn:      usesALPN(broker),
		logger:    log,
		newClient: paho.NewClient,
	}, nil
}

// Connect dials the broker as the device. The dial is bounded by ctx.
func (t *Transport) Connect(ctx context.Context, dev fleet.Device) (fleet.Session, error) {
	tlsConfig, err := newTLSConfig(dev.Credentials, t.cfg.CAFile, t.cfg.ServerName, t.alpn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev.ID, err)
	}

	log := t.logger.With().Str("device_id", dev.ID).Logger()

	opts := paho.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.cfg.ClientIDPrefix + dev.ID).
		SetTLSConfig(tlsConfig).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(t.cfg.KeepAlive.Std()).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	client := t.newClient(opts)

	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect %s to broker: %w", dev.ID, err)
	}

	log.Debug().Str("broker", t.broker).Msg("MQTT session established")

	return &Session{id: dev.ID, qos: t.cfg.QoS, client: client}, nil
}

// Session is the live MQTT client of one device.
type Session struct {
	id     string
	qos    byte
	client paho.Client
}

var _ fleet.Session = (*Session)(nil)

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Probe publishes to the device ping topic and waits for the broker to
// acknowledge it.
func (s *Session) Probe(ctx context.Context) error {
	payload, err := json.Marshal(pingPayload{Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}

	return s.Publish(ctx, PingTopic(s.id), payload)
}

func (s *Session) Subscribe(ctx context.Context, topic string, handler fleet.MessageHandler) error {
	cb := func(_ paho.Client, msg paho.Message) {
		if handler != nil {
			handler(msg.Topic(), msg.Payload())
		}
	}

	if err := wait(ctx, s.client.Subscribe(topic, s.qos, cb)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	if err := wait(ctx, s.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe %d topics: %w", len(topics), err)
	}

	return nil
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, s.client.Publish(topic, s.qos, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Disconnect closes the client after letting in-flight work drain briefly.
func (s *Session) Disconnect(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.client.Disconnect(quiesceMillis)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
