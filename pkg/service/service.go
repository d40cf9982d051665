// Zaparoo Core
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Core.
//
// Zaparoo Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Core.  If not, see <http://www.gnu.org/licenses/>.

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/registry"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/releases"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service/deps"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service/events"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service/supervisor"
	"github.com/ZaparooProject/zaparoo-proton/pkg/shared/httpclient"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Options override the collaborators Start would otherwise build from
// the config. The zero value is production wiring.
type Options struct {
	Fs           afero.Fs
	Clock        clockwork.Clock
	Executor     command.Executor
	Helper       supervisor.SessionHelper
	FreeSpace    func(path string) (uint64, error)
	RegistryPath string
	// DepsCacheDir holds downloaded redistributable installers.
	DepsCacheDir string
	// Watch keeps the runtime root under an fsnotify watch so runtimes
	// deleted by hand are forgotten.
	Watch bool
}

// Service owns the runtime manager, the event bus, the supervisor and the
// prefix dependency installer.
type Service struct {
	Runtimes   *runtimes.Manager
	Events     *events.Bus
	Supervisor *supervisor.Supervisor
	Deps       *deps.Installer
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
}

func Start(cfg *config.Instance, opts Options) (*Service, error) {
	log.Info().Msgf("%s version: %s", config.AppName, config.AppVersion)

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Executor == nil {
		opts.Executor = &command.RealExecutor{}
	}
	if opts.RegistryPath == "" {
		opts.RegistryPath = config.RegistryPath()
	}

	log.Debug().Str("path", opts.RegistryPath).Msg("opening runtime registry")
	reg, err := registry.Open(opts.Fs, opts.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime registry: %w", err)
	}

	client := httpclient.NewClientFromConfig(cfg)
	index := releases.NewIndex(releases.Options{
		Client:  client,
		Clock:   opts.Clock,
		URL:     cfg.IndexURL(),
		Max:     cfg.MaxAvailableRuntimes(),
		Timeout: cfg.IndexTimeout(),
		TTL:     cfg.IndexCacheTTL(),
	})

	log.Info().Str("root", cfg.RuntimesInstallDir()).Msg("starting runtime manager")
	mgr, err := runtimes.NewManager(runtimes.Options{
		Fs:        opts.Fs,
		Index:     index,
		Registry:  reg,
		Client:    client,
		FreeSpace: opts.FreeSpace,
		Root:      cfg.RuntimesInstallDir(),
		Discover:  cfg.DiscoverExistingRuntimes(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start runtime manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(ctx, events.DefaultBufferSize)
	bus.Start()

	helper := opts.Helper
	if helper == nil {
		helper = supervisor.NewWineHelper(opts.Executor)
	}
	sup, err := supervisor.New(supervisor.Options{
		Events:   bus,
		Runtimes: mgr,
		Executor: opts.Executor,
		Helper:   helper,
		Clock:    opts.Clock,
		Policy:   supervisor.PolicyFromConfig(cfg),
	})
	if err != nil {
		bus.Stop()
		cancel()
		mgr.Close()
		return nil, fmt.Errorf("failed to start supervisor: %w", err)
	}
	mgr.SetUsageGuard(sup)

	installer, err := deps.NewInstaller(deps.Options{
		Fs:       opts.Fs,
		Client:   client,
		Runner:   sup,
		CacheDir: opts.DepsCacheDir,
	})
	if err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.GracePeriod()+cfg.HelperGrace())
		defer closeCancel()
		if closeErr := sup.Close(closeCtx); closeErr != nil {
			log.Warn().Err(closeErr).Msg("error closing supervisor")
		}
		bus.Stop()
		cancel()
		mgr.Close()
		return nil, fmt.Errorf("failed to create dependency installer: %w", err)
	}

	svc := &Service{
		Runtimes:   mgr,
		Events:     bus,
		Supervisor: sup,
		Deps:       installer,
		ctx:        ctx,
		cancel:     cancel,
	}

	if opts.Watch {
		w, err := mgr.StartWatch(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to watch runtime root")
		} else {
			svc.watcher = w
		}
	}

	return svc, nil
}

// Stop stops every running game, aborts in-flight installs and shuts down
// the event bus.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error

	log.Info().Msg("stopping running games")
	if err := s.Supervisor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}

	s.Runtimes.Close()

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("runtime watcher: %w", err))
		}
	}

	s.Events.Stop()
	s.cancel()

	return errors.Join(errs...)
}
