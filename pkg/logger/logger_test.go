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

package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    zerolog.Level
		wantErr bool
	}{
		{name: "empty defaults to info", config: Config{}, want: zerolog.InfoLevel},
		{name: "explicit level", config: Config{Level: "warn"}, want: zerolog.WarnLevel},
		{name: "debug overrides level", config: Config{Level: "error", Debug: true}, want: zerolog.DebugLevel},
		{name: "invalid level", config: Config{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.config.ParseLevel()
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_OUTPUT", "stderr")
	t.Setenv("OTEL_ENABLED", "yes")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-token = abc, broken, x-tenant=fleet")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "2s")

	cfg := DefaultConfig()

	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "stderr", cfg.Output)
	assert.True(t, cfg.OTel.Enabled)
	assert.Equal(t, map[string]string{"x-token": "abc", "x-tenant": "fleet"}, cfg.OTel.Headers)
	assert.Equal(t, "2s", cfg.OTel.BatchTimeout.String())
	assert.Equal(t, defaultServiceName, cfg.OTel.ServiceName)
}

func TestOTelWriterRequiresEndpoint(t *testing.T) {
	_, err := NewOTELWriter(t.Context(), OTelConfig{})
	require.ErrorIs(t, err, ErrOTelLoggingDisabled)

	_, err = NewOTELWriter(t.Context(), OTelConfig{Enabled: true})
	require.ErrorIs(t, err, ErrOTelEndpointRequired)
}

func TestInitializeMetricsDisabled(t *testing.T) {
	_, err := InitializeMetrics(t.Context(), MetricsConfig{})
	require.ErrorIs(t, err, ErrOTelMetricsDisabled)

	_, err = InitializeMetrics(t.Context(), MetricsConfig{OTel: &OTelConfig{Enabled: true}})
	require.ErrorIs(t, err, ErrOTelMetricsDisabled)
}

func TestNewTraceExporterInsecure(t *testing.T) {
	exp, err := newTraceExporter(t.Context(), &OTelConfig{
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
		Headers:  map[string]string{"x-tenant": "fleet"},
	})
	require.NoError(t, err)
	require.NotNil(t, exp)

	require.NoError(t, exp.Shutdown(t.Context()))
}

func TestAttributeStringTruncates(t *testing.T) {
	long := bytes.Repeat([]byte("a"), maxAttributeLength+10)

	got := attributeString(string(long))
	assert.Len(t, got, maxAttributeLength)
	assert.Equal(t, "...", got[len(got)-3:])

	assert.Equal(t, "null", attributeString(nil))
	assert.Equal(t, "3", attributeString(float64(3)))
	assert.JSONEq(t, `{"a":1}`, attributeString(map[string]interface{}{"a": 1}))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, severityFor("WARN"), severityFor("warning"))
	assert.Equal(t, severityFor("info"), severityFor("something-else"))
	assert.NotEqual(t, severityFor("debug"), severityFor("error"))
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer

	n, err := NewMultiWriter(&a, &b).Write([]byte("line"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "line", a.String())
	assert.Equal(t, "line", b.String())

	_, err = NewMultiWriter(shortWriter{}).Write([]byte("line"))
	require.Error(t, err)
}

func TestNewTestLoggerIsSilent(t *testing.T) {
	l := NewTestLogger()
	l.Info().Msg("discarded")

	assert.Equal(t, zerolog.Disabled, l.WithComponent("x").GetLevel())
}
