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

// Package inventory produces the ordered device list handed to the fleet
// pool, either from a JSON inventory file or by discovering provisioned
// certificate directories.
package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/carverauto/fleetlink/pkg/config"
	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/models"
)

const (
	nodeInfoFile = "node.info"
	nodeCertFile = "node.crt"
	nodeKeyFile  = "node.key"
)

var (
	errEmptyInventory = errors.New("inventory lists no devices")
	errMissingID      = errors.New("inventory entry has no id")
)

// Entry is one device of an inventory file. Certificate paths default to
// <cert_dir>/<id>/node.crt and node.key.
type Entry struct {
	ID       string `json:"id"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// File is the object form of an inventory file. A bare JSON array of entries
// is accepted too.
type File struct {
	CertDir string  `json:"cert_dir,omitempty"`
	CAFile  string  `json:"ca_file,omitempty"`
	Devices []Entry `json:"devices"`
}

// Load reads an inventory file and returns its devices in file order with
// duplicates removed.
func Load(path string) ([]fleet.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var inv File

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &inv.Devices)
	} else {
		err = json.Unmarshal(trimmed, &inv)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	if inv.CertDir == "" {
		inv.CertDir = filepath.Dir(path)
	}

	return inv.Resolve()
}

// Resolve turns entries into devices. Relative paths are taken from CertDir.
func (f *File) Resolve() ([]fleet.Device, error) {
	devices := make([]fleet.Device, 0, len(f.Devices))

	for i, e := range f.Devices {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("entry %d: %w", i, errMissingID)
		}

		paths := models.TLSConfig{
			CertFile: e.CertFile,
			KeyFile:  e.KeyFile,
			CAFile:   e.CAFile,
		}

		if paths.CertFile == "" {
			paths.CertFile = filepath.Join(id, nodeCertFile)
		}

		if paths.KeyFile == "" {
			paths.KeyFile = filepath.Join(id, nodeKeyFile)
		}

		if paths.CAFile == "" {
			paths.CAFile = f.CAFile
		}

		config.NormalizeTLSPaths(&paths, f.CertDir)

		devices = append(devices, fleet.Device{
			ID: id,
			Credentials: fleet.Credentials{
				CertFile: paths.CertFile,
				KeyFile:  paths.KeyFile,
				CAFile:   paths.CAFile,
			},
		})
	}

	devices = Dedup(devices)
	if len(devices) == 0 {
		return nil, errEmptyInventory
	}

	return devices, nil
}

// Discover walks root for provisioned device directories, each holding a
// node.info file with the device id next to node.crt and node.key. Devices
// come back in lexical directory order.
func Discover(root, caFile string) ([]fleet.Device, error) {
	var devices []fleet.Device

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Name() != nodeInfoFile {
			return nil
		}

		dir := filepath.Dir(path)

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		id := strings.TrimSpace(string(raw))
		if id == "" {
			return nil
		}

		cert := filepath.Join(dir, nodeCertFile)
		key := filepath.Join(dir, nodeKeyFile)

		if !exists(cert) || !exists(key) {
			return nil
		}

		devices = append(devices, fleet.Device{
			ID:          id,
			Credentials: fleet.Credentials{CertFile: cert, KeyFile: key, CAFile: caFile},
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover devices under %s: %w", root, err)
	}

	devices = Dedup(devices)
	if len(devices) == 0 {
		return nil, errEmptyInventory
	}

	return devices, nil
}

// Dedup drops repeated device ids, keeping the first occurrence and the
// original order.
func Dedup(devices []fleet.Device) []fleet.Device {
	seen := make(map[string]struct{}, len(devices))
	out := make([]fleet.Device, 0, len(devices))

	for _, d := range devices {
		if _, dup := seen[d.ID]; dup {
			continue
		}

		seen[d.ID] = struct{}{}
		out = append(out, d)
	}

	return out
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
