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

// Package mqtt connects fleet devices to the broker over MQTT with per-device
// mutual TLS.
package mqtt

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetlink/pkg/models"
)

const (
	DefaultPort      = 8883
	alpnPort         = 443
	defaultKeepAlive = 60 * time.Second
	quiesceMillis    = 250
)

var (
	errBrokerRequired = errors.New("mqtt broker address is required")
	errInvalidQoS     = errors.New("mqtt qos must be 0, 1 or 2")
)

// Config describes the broker every device session connects to.
type Config struct {
	Broker         string          `json:"broker"`
	ClientIDPrefix string          `json:"client_id_prefix,omitempty"`
	QoS            byte            `json:"qos"`
	KeepAlive      models.Duration `json:"keep_alive,omitempty"`
	// CAFile is the root used for devices whose credentials carry none.
	CAFile     string `json:"ca_file,omitempty"`
	ServerName string `json:"server_name,omitempty"`
}

// DefaultConfig returns QoS 1 with a one-minute keepalive.
func DefaultConfig() Config {
	return Config{
		QoS:       1,
		KeepAlive: models.Duration(defaultKeepAlive),
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Broker) == "" {
		errs = append(errs, errBrokerRequired)
	}

	if c.QoS > 2 {
		errs = append(errs, errInvalidQoS)
	}

	return errors.Join(errs...)
}

// brokerURL normalizes host, host:port or scheme://host[:port] into the
// tls:// form paho expects, defaulting the port to 8883.
func brokerURL(addr string) string {
	addr = strings.TrimSpace(addr)

	scheme := "tls"
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme, addr = addr[:i], addr[i+3:]
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(DefaultPort))
	}

	return scheme + "://" + addr
}

// usesALPN reports whether the broker listens for MQTT on 443, where the
// protocol is negotiated through ALPN.
func usesALPN(url string) bool {
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}

	_, port, err := net.SplitHostPort(url)

	return err == nil && port == strconv.Itoa(alpnPort)
}

// PingTopic is the liveness probe topic of a device.
func PingTopic(id string) string {
	return "node/" + id + "/ping"
}
