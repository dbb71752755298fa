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

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/version"
)

// Report is the exported view of a fleet at one point in time.
type Report struct {
	Version         string                 `json:"version"`
	GeneratedAt     time.Time              `json:"generated_at"`
	Status          fleet.Snapshot         `json:"status"`
	Recommendations []fleet.Recommendation `json:"recommendations"`
}

// NewReport derives recommendations from snap and stamps the build version.
func NewReport(snap fleet.Snapshot, now time.Time) Report {
	recs := fleet.Recommend(snap)
	if recs == nil {
		recs = []fleet.Recommendation{}
	}

	return Report{
		Version:         version.GetVersion(),
		GeneratedAt:     now.UTC(),
		Status:          snap,
		Recommendations: recs,
	}
}

// ExportJSON writes the report as indented JSON.
func ExportJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode status report: %w", err)
	}

	return nil
}

// WriteReportFile exports the report to path, replacing any previous file.
func WriteReportFile(path string, r Report) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := ExportJSON(f, r); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
