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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/carverauto/fleetlink/pkg/cli"
	"github.com/carverauto/fleetlink/pkg/config"
	"github.com/carverauto/fleetlink/pkg/controller"
	"github.com/carverauto/fleetlink/pkg/lifecycle"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/version"
)

const (
	serviceName     = "fleetlink"
	shutdownTimeout = 5 * time.Second
)

var errFailedToLoadConfig = errors.New("failed to load config")

type flags struct {
	configPath  string
	inventory   string
	discoverDir string
	exportPath  string
	status      bool
	showVersion bool
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", "/etc/fleetlink/fleetlink.json", "Path to fleetlink config file")
	flag.StringVar(&f.inventory, "inventory", "", "Device inventory file, overrides inventory.file")
	flag.StringVar(&f.discoverDir, "discover", "", "Certificate directory to discover devices from, overrides inventory.discover_dir")
	flag.StringVar(&f.exportPath, "export", "", "Write a JSON status report to this path on shutdown")
	flag.BoolVar(&f.status, "status", true, "Print the fleet status panel on shutdown")
	flag.BoolVar(&f.showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	return f
}

func (f *flags) apply(cfg *controller.Config) {
	if f.inventory != "" {
		cfg.Inventory.File = f.inventory
		cfg.Inventory.DiscoverDir = ""
	}

	if f.discoverDir != "" {
		cfg.Inventory.DiscoverDir = f.discoverDir
		cfg.Inventory.File = ""
	}
}

func run() error {
	f := parseFlags()

	if f.showVersion {
		fmt.Println(serviceName, version.GetFullVersion())
		return nil
	}

	ctx := context.Background()

	cfg := controller.DefaultConfig()
	f.apply(&cfg)

	if err := config.NewConfig(nil).LoadAndValidate(ctx, f.configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	// command line flags win over the file
	f.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	mainLogger, err := lifecycle.CreateComponentLogger(ctx, serviceName, logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() {
		if err := lifecycle.ShutdownLogger(); err != nil {
			log.Printf("Failed to shut down logger: %v", err)
		}
	}()

	shutdownTelemetry := initTelemetry(ctx, logConfig, mainLogger)
	defer shutdownTelemetry()

	c, err := controller.New(ctx, &cfg, mainLogger)
	if err != nil {
		return err
	}

	runErr := lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		ServiceName:     serviceName,
		Service:         c,
		Logger:          mainLogger,
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
	})

	return errors.Join(runErr, report(c, &f))
}

// initTelemetry starts the OTLP metric and trace pipelines. The meter provider
// is flushed by lifecycle.ShutdownLogger; the returned func stops tracing.
func initTelemetry(ctx context.Context, cfg *logger.Config, log logger.Logger) func() {
	otelCfg := cfg.OTel

	_, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		OTel:           &otelCfg,
	})
	if err != nil && !errors.Is(err, logger.ErrOTelMetricsDisabled) {
		log.Warn().Err(err).Msg("Failed to initialize OTel metrics")
	}

	tp, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		OTel:           &otelCfg,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if tp != nil {
			_ = tp.Shutdown(shutdownCtx)
		}
	}
}

func report(c *controller.Controller, f *flags) error {
	if !f.status && f.exportPath == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r := cli.NewReport(c.Manager().Snapshot(ctx), time.Now())

	if f.status {
		fmt.Fprintln(os.Stdout, cli.RenderStatus(r))
	}

	if f.exportPath != "" {
		return cli.WriteReportFile(f.exportPath, r)
	}

	return nil
}
