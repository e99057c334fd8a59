// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the agent together: config, logger, backup store,
// data-model bridge, ACS client, session engine, connection-request
// listener, local RPC surface and the interface watcher.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/acs"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/backup"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/command"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/connreq"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/datamodel"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/localrpc"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/netmon"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/session"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/logger"
)

// Options are the daemon start parameters from the CLI.
type Options struct {
	ConfigPath  string
	BackupPath  string
	CookiePath  string
	HelperPath  string
	StartBoot   bool
	StartGetRPC bool
}

// DefaultBackupPath is where the backup document lives unless overridden.
const DefaultBackupPath = "/etc/ispappcwmpd/.backup.xml"

// DefaultCookiePath holds the ACS session cookies while the daemon runs; the
// file is removed when the ACS client is closed at shutdown.
const DefaultCookiePath = "/var/run/ispappcwmpd.cookies"

// Daemon is the assembled agent.
type Daemon struct {
	log      *slog.Logger
	opts     Options
	cfg      *config.Config
	store    *backup.Store
	bridge   *datamodel.Bridge
	client   *acs.Client
	engine   *session.Engine
	listener *connreq.Server
	local    *localrpc.Server
	watcher  *netmon.Watcher
	cancel   context.CancelFunc
}

// New loads the configuration and constructs every component. Configuration
// problems are fatal here, before any inform attempt.
func New(opts Options) (*Daemon, error) {
	if opts.BackupPath == "" {
		opts.BackupPath = DefaultBackupPath
	}
	if opts.CookiePath == "" {
		opts.CookiePath = DefaultCookiePath
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{
		Level:      cfg.Local.LoggingLevel,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	d := &Daemon{log: log, opts: opts, cfg: cfg}

	d.store = backup.New(&backup.FileSink{Path: opts.BackupPath}, log)
	d.bridge = datamodel.New(opts.HelperPath, log)

	d.client, err = acs.New(cfg.ACS, opts.CookiePath, log)
	if err != nil {
		return nil, fmt.Errorf("building acs client: %w", err)
	}

	d.engine = session.New(session.Params{
		Config:      cfg,
		Store:       d.store,
		Bridge:      d.bridge,
		Client:      d.client,
		Log:         log,
		StartBoot:   opts.StartBoot,
		StartGetRPC: opts.StartGetRPC,
		Reload:      d.reload,
		Stop:        d.shutdown,
	})

	runner := command.NewRunner(log)
	d.listener = connreq.New(cfg.Local, d.engine, runner, log)
	d.local = localrpc.New(cfg.Local.Socket, d.engine, log)
	d.watcher = netmon.New(cfg.Local.Interface, d.engine, log)

	return d, nil
}

// Run starts every component and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.engine.Init(ctx, d.opts.StartBoot); err != nil {
		return fmt.Errorf("initializing session engine: %w", err)
	}
	d.log.Info("daemon started")

	go func() {
		if err := d.listener.ListenAndServe(); err != nil {
			d.log.Error("connection request listener failed", "err", err)
			cancel()
		}
	}()
	go func() {
		if err := d.local.ListenAndServe(ctx); err != nil {
			d.log.Error("local rpc failed", "err", err)
		}
	}()
	go func() {
		if err := d.watcher.Run(ctx); err != nil {
			d.log.Warn("interface watcher stopped", "err", err)
		}
	}()
	go d.watchConfig(ctx)
	go d.handleSignals(ctx)

	d.log.Info("entering main loop")
	d.engine.Run(ctx)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	d.listener.Shutdown(sctx)
	d.client.Close()
	d.log.Info("exiting")
	return nil
}

const shutdownTimeout = 5 * time.Second

// shutdown ends the main loop.
func (d *Daemon) shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// reload re-reads the configuration and applies it to the engine. A broken
// configuration on reload is fatal, matching startup behavior.
func (d *Daemon) reload() {
	d.log.Info("configuration reload")
	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		d.log.Error("configuration reloading failed, exit daemon", "err", err)
		os.Exit(1)
	}
	client, err := acs.New(cfg.ACS, d.opts.CookiePath, d.log)
	if err != nil {
		d.log.Error("rebuilding acs client failed, exit daemon", "err", err)
		os.Exit(1)
	}
	d.cfg = cfg
	d.engine.ApplyConfig(cfg, client)
}

// watchConfig reloads when the configuration file changes on disk.
func (d *Daemon) watchConfig(ctx context.Context) {
	if d.opts.ConfigPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("config watcher unavailable", "err", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(d.opts.ConfigPath); err != nil {
		d.log.Warn("cannot watch config file", "path", d.opts.ConfigPath, "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.log.Info("config file changed", "path", event.Name)
				d.engine.RequestReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("config watcher error", "err", err)
		}
	}
}

// handleSignals maps SIGHUP to reload and SIGINT/SIGTERM to shutdown.
func (d *Daemon) handleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGHUP:
				d.engine.RequestReload()
			default:
				d.log.Info("signal received, shutting down", "signal", sig.String())
				d.shutdown()
			}
		}
	}
}
