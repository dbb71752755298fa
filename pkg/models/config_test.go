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

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", input: `"1m30s"`, want: 90 * time.Second},
		{name: "nanoseconds", input: `1500000000`, want: 1500 * time.Millisecond},
		{name: "bad string", input: `"soon"`, wantErr: true},
		{name: "bool", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestDurationDecodeAndMarshal(t *testing.T) {
	var d Duration

	require.NoError(t, d.Decode("250ms"))
	assert.Equal(t, "250ms", d.String())

	out, err := json.Marshal(struct {
		Timeout Duration `json:"timeout"`
	}{Timeout: d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"250ms"}`, string(out))

	require.Error(t, d.Decode("250"))
}

func TestEventsConfigDefaults(t *testing.T) {
	disabled := EventsConfig{}
	require.NoError(t, disabled.Validate())
	assert.Empty(t, disabled.StreamName)

	enabled := EventsConfig{Enabled: true, Subjects: []string{"events.custom.>"}}
	require.NoError(t, enabled.Validate())
	assert.Equal(t, "fleet-events", enabled.StreamName)
	assert.Equal(t, []string{"events.custom.>"}, enabled.Subjects)

	require.ErrorIs(t, (&NATSConfig{}).Validate(), errNATSURLRequired)
}
