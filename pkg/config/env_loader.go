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

package config

import (
	"context"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"

	"github.com/carverauto/fleetlink/pkg/logger"
)

// EnvConfigLoader fills a config struct from prefixed environment variables
// using `envconfig` struct tags. When path names an existing file it is read
// first, so the environment only overrides what it sets.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
	file   *FileConfigLoader
}

func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
		file:   &FileConfigLoader{logger: log},
	}
}

func (e *EnvConfigLoader) Load(ctx context.Context, path string, dst interface{}) error {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := e.file.Load(ctx, path, dst); err != nil {
				return err
			}
		}
	}

	if err := envconfig.Process(e.prefix, dst); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	e.logger.Debug().Str("prefix", e.prefix).Msg("Applied environment configuration")

	return nil
}
