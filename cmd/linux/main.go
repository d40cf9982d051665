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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-proton/pkg/cli"
	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 20 * time.Second

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	if os.Geteuid() == 0 {
		return fmt.Errorf("%s cannot be run as root", config.AppName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := recover(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Panic: %s\n", err)
			log.Fatal().Msgf("panic: %v", err)
		}
	}()
	defer telemetry.Close()

	root := cli.NewRootCommand(open)
	return root.ExecuteContext(ctx) //nolint:wrapcheck // printed as is
}

func open(_ context.Context, flags *cli.GlobalFlags) (*cli.App, error) {
	cfg, err := cli.Setup(config.BaseDefaults, flags, nil)
	if err != nil {
		return nil, err //nolint:wrapcheck // already wrapped
	}

	svc, err := service.Start(cfg, service.Options{})
	if err != nil {
		log.Error().Err(err).Msg("error starting service")
		return nil, fmt.Errorf("error starting service: %w", err)
	}

	return &cli.App{
		Runtimes:    svc.Runtimes,
		Games:       svc.Supervisor,
		Deps:        svc.Deps,
		Events:      svc.Events,
		StopTimeout: cfg.GracePeriod() + cfg.HelperGrace() + 5*time.Second,
		Close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := svc.Stop(ctx); err != nil {
				log.Error().Err(err).Msg("error stopping service")
				return fmt.Errorf("error stopping service: %w", err)
			}
			return nil
		},
	}, nil
}
