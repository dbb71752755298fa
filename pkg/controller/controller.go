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

// Package controller wires the fleet manager to its transport, event stream
// and inventory, and runs the periodic maintenance schedule.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/carverauto/fleetlink/pkg/fleet"
	"github.com/carverauto/fleetlink/pkg/inventory"
	"github.com/carverauto/fleetlink/pkg/lifecycle"
	"github.com/carverauto/fleetlink/pkg/logger"
	"github.com/carverauto/fleetlink/pkg/mqtt"
	"github.com/carverauto/fleetlink/pkg/natsutil"
)

const refillInterval = time.Second

// Controller owns one fleet manager for the lifetime of the process.
type Controller struct {
	cfg     *Config
	logger  logger.Logger
	manager *fleet.Manager
	devices []fleet.Device
	nc      *nats.Conn
	cron    *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   fleet.SubmitResult
}

var _ lifecycle.Service = (*Controller)(nil)

// Option customizes a Controller.
type Option func(*options)

type options struct {
	transport fleet.Transport
	sink      fleet.EventSink
	devices   []fleet.Device
	fleetOpts []fleet.Option
}

// WithTransport replaces the MQTT transport.
func WithTransport(t fleet.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithEventSink replaces the NATS event publisher.
func WithEventSink(s fleet.EventSink) Option {
	return func(o *options) { o.sink = s }
}

// WithDevices skips the inventory and uses devices as given.
func WithDevices(devices []fleet.Device) Option {
	return func(o *options) { o.devices = devices }
}

// WithFleetOptions passes extra options to the fleet manager.
func WithFleetOptions(opts ...fleet.Option) Option {
	return func(o *options) { o.fleetOpts = append(o.fleetOpts, opts...) }
}

// New loads the inventory, connects the event stream when enabled and builds
// the fleet manager. Nothing is dialed until Start.
func New(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*Controller, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{cfg: cfg, logger: log}

	devices := o.devices
	if devices == nil {
		var err error

		if devices, err = loadDevices(cfg.Inventory); err != nil {
			return nil, err
		}
	}

	c.devices = inventory.Dedup(devices)

	transport := o.transport
	if transport == nil {
		t, err := mqtt.NewTransport(cfg.MQTT, lifecycle.ComponentLogger(log, "mqtt"))
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt transport: %w", err)
		}

		transport = t
	}

	sink := o.sink
	if sink == nil && cfg.Events.Enabled {
		pub, err := c.connectEvents(ctx)
		if err != nil {
			return nil, err
		}

		sink = pub
	}

	fleetOpts := []fleet.Option{fleet.WithLogger(log)}
	if sink != nil {
		fleetOpts = append(fleetOpts, fleet.WithEventSink(sink))
	}

	manager, err := fleet.New(cfg.Fleet, transport, append(fleetOpts, o.fleetOpts...)...)
	if err != nil {
		c.closeNATS()
		return nil, err
	}

	c.manager = manager

	log.Info().
		Int("devices", len(c.devices)).
		Bool("events", sink != nil).
		Msg("Fleet controller initialized")

	return c, nil
}

func loadDevices(cfg InventoryConfig) ([]fleet.Device, error) {
	if cfg.File != "" {
		devices, err := inventory.Load(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}

		return devices, nil
	}

	devices, err := inventory.Discover(cfg.DiscoverDir, cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to discover devices: %w", err)
	}

	return devices, nil
}

func (c *Controller) connectEvents(ctx context.Context) (*natsutil.EventPublisher, error) {
	log := lifecycle.ComponentLogger(c.logger, "nats")

	nc, err := natsutil.ConnectWithSecurity(c.cfg.NATS.URL, c.cfg.NATS.Security, log,
		nats.Name("fleetlink"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	pub, err := natsutil.CreateEventPublisher(ctx, nc, c.cfg.NATS.Domain,
		c.cfg.Events.StreamName, c.cfg.Events.Subjects, log)
	if err != nil {
		nc.Close()
		return nil, err
	}

	c.nc = nc

	return pub, nil
}

// Start launches the manager, the maintenance schedule and the initial
// submission of the inventory. It returns without waiting for connections.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := c.manager.Start(runCtx); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.cron = c.schedule(runCtx)
	c.cron.Start()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		res := c.manager.Submit(runCtx, c.devices)

		c.mu.Lock()
		c.last = res
		c.mu.Unlock()
	}()

	return nil
}

func (c *Controller) schedule(ctx context.Context) *cron.Cron {
	cl := newCronLogger(lifecycle.ComponentLogger(c.logger, "maintenance"))
	sched := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	fc := c.manager.Config()

	sched.Schedule(cron.Every(refillInterval), cron.FuncJob(c.manager.RefillPermits))
	sched.Schedule(cron.Every(fc.HealthSampleInterval.Std()), cron.FuncJob(func() { c.manager.SampleHealth(ctx) }))
	sched.Schedule(cron.Every(fc.BulkReviewInterval.Std()), cron.FuncJob(func() { c.manager.ReviewLevels(ctx) }))
	sched.Schedule(cron.Every(fc.RecoveryInterval.Std()), cron.FuncJob(func() { c.manager.RecoverFailed(ctx) }))

	if c.cfg.StatusInterval > 0 {
		sched.Schedule(cron.Every(c.cfg.StatusInterval.Std()), cron.FuncJob(func() { c.logStatus(ctx) }))
	}

	return sched
}

func (c *Controller) logStatus(ctx context.Context) {
	snap := c.manager.Snapshot(ctx)

	c.logger.Info().
		Int("connected", snap.Connections.Connected).
		Int("failed", snap.Connections.Failed).
		Int("breaker_open", snap.Connections.BreakerOpen).
		Int("monitored", snap.Monitoring.Monitored).
		Int("subscriptions", snap.Subscriptions.Held).
		Float64("success_rate", snap.Connections.SuccessRate).
		Msg("Fleet status")

	for _, r := range fleet.Recommend(snap) {
		c.logger.Info().Str("code", r.Code).Str("severity", string(r.Severity)).Msg(r.Message)
	}
}

// Stop halts the schedule, waits for the initial submission to unwind and
// closes every session and the event stream. Waits are bounded by ctx.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	if c.cron != nil {
		select {
		case <-c.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	submitted := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(submitted)
	}()

	var errs []error

	select {
	case <-submitted:
	case <-ctx.Done():
		c.logger.Warn().Msg("Initial submission still running, abandoning it")
		errs = append(errs, ctx.Err())
	}

	errs = append(errs, c.manager.Stop(ctx))

	c.closeNATS()

	return errors.Join(errs...)
}

func (c *Controller) closeNATS() {
	if c.nc == nil {
		return
	}

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}

	c.nc = nil
}

// Manager exposes the fleet manager for status queries.
func (c *Controller) Manager() *fleet.Manager {
	return c.manager
}

// Devices is the deduplicated inventory in submission order.
func (c *Controller) Devices() []fleet.Device {
	return c.devices
}

// LastSubmit is the result of the initial submission, zero until it finishes.
func (c *Controller) LastSubmit() fleet.SubmitResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}
