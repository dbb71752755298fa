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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/carverauto/fleetlink/pkg/fleet"
)

const alpnProtocol = "x-amzn-mqtt-ca"

var (
	errMissingCertificate = errors.New("device certificate and key are required")
	errFailedToParseCA    = errors.New("failed to parse CA certificate")
)

// newTLSConfig builds the client TLS config for one device. The device CA wins
// over fallbackCA; with neither the system roots are used.
func newTLSConfig(creds fleet.Credentials, fallbackCA, serverName string, alpn bool) (*tls.Config, error) {
	if creds.CertFile == "" || creds.KeyFile == "" {
		return nil, errMissingCertificate
	}

	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}

	caFile := creds.CAFile
	if caFile == "" {
		caFile = fallbackCA
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errFailedToParseCA
		}

		cfg.RootCAs = pool
	}

	if alpn {
		cfg.NextProtos = []string{alpnProtocol}
	}

	return cfg, nil
}
