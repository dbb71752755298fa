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

package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/models"
	"github.com/carverauto/fleetlink/pkg/mqtt"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultStatusInterval  = time.Minute
)

var (
	errInventoryRequired = errors.New("inventory file or discover_dir is required")
	errNATSRequired      = errors.New("nats config is required when events are enabled")
)

// InventoryConfig selects where the device list comes from. File wins when
// both are set.
type InventoryConfig struct {
	File        string `json:"file,omitempty" envconfig:"FILE"`
	DiscoverDir string `json:"discover_dir,omitempty" envconfig:"DISCOVER_DIR"`
	CAFile      string `json:"ca_file,omitempty" envconfig:"CA_FILE"`
}

// Config is the fleetlink process configuration.
type Config struct {
	Fleet     fleet.Config        `json:"fleet" envconfig:"FLEET"`
	MQTT      mqtt.Config         `json:"mqtt" envconfig:"MQTT"`
	NATS      *models.NATSConfig  `json:"nats,omitempty" envconfig:"NATS"`
	Events    models.EventsConfig `json:"events" envconfig:"EVENTS"`
	Logging   *logger.Config      `json:"logging,omitempty" envconfig:"LOGGING"`
	Inventory InventoryConfig     `json:"inventory" envconfig:"INVENTORY"`

	// StatusInterval is how often a fleet summary is logged; zero disables it.
	StatusInterval  models.Duration `json:"status_interval" envconfig:"STATUS_INTERVAL"`
	ShutdownTimeout models.Duration `json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig is the base the loaders decode on top of.
func DefaultConfig() Config {
	return Config{
		Fleet:           fleet.DefaultConfig(),
		MQTT:            mqtt.DefaultConfig(),
		StatusInterval:  models.Duration(defaultStatusInterval),
		ShutdownTimeout: models.Duration(defaultShutdownTimeout),
	}
}

// Validate checks every section and reports all problems together.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Fleet.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fleet: %w", err))
	}

	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mqtt: %w", err))
	}

	if c.Events.Enabled {
		if c.NATS == nil {
			errs = append(errs, errNATSRequired)
		} else if err := c.NATS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}

		if err := c.Events.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}

	if c.Inventory.File == "" && c.Inventory.DiscoverDir == "" {
		errs = append(errs, errInventoryRequired)
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = models.Duration(defaultShutdownTimeout)
	}

	return errors.Join(errs...)
}
