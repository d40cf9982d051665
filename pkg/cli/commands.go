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

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/releases"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service/deps"
	"github.com/ZaparooProject/zaparoo-proton/pkg/service/supervisor"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const defaultStopTimeout = 15 * time.Second

// Runtimes is the part of the runtime manager the CLI drives.
type Runtimes interface {
	Versions(ctx context.Context) ([]runtimes.RuntimeVersion, error)
	Refresh(ctx context.Context) (iter.Seq[releases.Descriptor], error)
	Install(ctx context.Context, version string, progress runtimes.ProgressFunc) error
	Remove(ctx context.Context, version string) error
	Info(version string) (runtimes.Info, error)
}

type Games interface {
	Launch(ctx context.Context, spec *models.LaunchSpec) (models.Handle, error)
	Stop(ctx context.Context, gameID string) error
}

type Events interface {
	Subscribe(gameID string, bufferSize int) (<-chan models.Event, int)
	Unsubscribe(id int)
}

// Dependencies installs redistributables into runtime prefixes.
type Dependencies interface {
	Check(target deps.Target) []deps.Status
	Install(ctx context.Context, target deps.Target, ids ...string) (deps.Result, error)
}

// App is what each command runs against. Close releases it.
type App struct {
	Runtimes Runtimes
	Games    Games
	Events   Events
	Deps     Dependencies
	Close    func() error
	// StopTimeout bounds the wait for a game to exit after an interrupt.
	StopTimeout time.Duration
}

// Opener builds the App once flags are parsed.
type Opener func(ctx context.Context, flags *GlobalFlags) (*App, error)

type command struct {
	open  Opener
	flags *GlobalFlags
}

func (c *command) run(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	app, err := c.open(cmd.Context(), c.flags)
	if err != nil {
		return err
	}
	defer func() {
		if app.Close == nil {
			return
		}
		if cerr := app.Close(); cerr != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", cerr)
		}
	}()
	return fn(cmd.Context(), app)
}

// NewRootCommand builds the command tree.
func NewRootCommand(open Opener) *cobra.Command {
	c := &command{open: open, flags: &GlobalFlags{}}

	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Launch games through Proton and manage Proton runtimes",
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.flags.Debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&c.flags.Verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(
		c.versionsCommand(),
		c.installCommand(),
		c.removeCommand(),
		c.infoCommand(),
		c.launchCommand(),
		c.depsCommand(),
	)
	return root
}

func (c *command) versionsCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "versions",
		Aliases: []string{"list"},
		Short:   "List available and installed runtimes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, app *App) error {
				if refresh {
					// the result is cached by the index; Versions reads it back
					if _, err := app.Runtimes.Refresh(ctx); err != nil {
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					}
				}
				return printVersions(ctx, app.Runtimes, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cached release index")
	return cmd
}

func printVersions(ctx context.Context, rt Runtimes, out, errOut io.Writer) error {
	versions, err := rt.Versions(ctx)
	if err != nil {
		if !errors.Is(err, releases.ErrIndexUnavailable) {
			return fmt.Errorf("failed to list runtimes: %w", err)
		}
		_, _ = fmt.Fprintf(errOut, "warning: %v, showing installed runtimes only\n", err)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tSTATE\tPATH")
	for _, v := range versions {
		path := v.InstallPath
		if path == "" {
			path = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Version, v.State, path)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return nil
}

func (c *command) installCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <version>",
		Short: "Download and install a runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, app *App) error {
				errOut := cmd.ErrOrStderr()
				err := app.Runtimes.Install(ctx, args[0], func(p runtimes.Progress) {
					printProgress(errOut, p)
				})
				_, _ = fmt.Fprintln(errOut)
				if err != nil {
					return fmt.Errorf("failed to install %s: %w", args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", args[0])
				return nil
			})
		},
	}
}

func printProgress(w io.Writer, p runtimes.Progress) {
	if p.Total > 0 {
		_, _ = fmt.Fprintf(w, "\rdownloading %s: %s / %s (%d%%)",
			p.Version,
			humanize.Bytes(uint64(p.Written)), //nolint:gosec // byte counts are never negative
			humanize.Bytes(uint64(p.Total)),   //nolint:gosec // byte counts are never negative
			p.Written*100/p.Total)
		return
	}
	_, _ = fmt.Fprintf(w, "\rdownloading %s: %s", p.Version,
		humanize.Bytes(uint64(p.Written))) //nolint:gosec // byte counts are never negative
}

func (c *command) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <version>",
		Aliases: []string{"uninstall"},
		Short:   "Remove an installed runtime",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, app *App) error {
				if err := app.Runtimes.Remove(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to remove %s: %w", args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *command) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <version>",
		Short: "Show details of an installed runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(_ context.Context, app *App) error {
				info, err := app.Runtimes.Info(args[0])
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "version: %s\n", info.Version)
				if info.DisplayName != "" {
					_, _ = fmt.Fprintf(out, "name:    %s\n", info.DisplayName)
				}
				_, _ = fmt.Fprintf(out, "path:    %s\n", info.Path)
				if info.Build != "" {
					_, _ = fmt.Fprintf(out, "build:   %s\n", info.Build)
				}
				//nolint:gosec // sizes are never negative
				_, _ = fmt.Fprintf(out, "size:    %s\n", humanize.Bytes(uint64(info.Size)))
				return nil
			})
		},
	}
}

type launchFlags struct {
	id      string
	runtime string
	prefix  string
	workDir string
	env     []string
}

func (c *command) launchCommand() *cobra.Command {
	f := &launchFlags{}
	cmd := &cobra.Command{
		Use:   "launch [flags] <exe> [args...]",
		Short: "Launch a game and wait for it to exit",
		Long: `Launch a game natively, or through an installed runtime with --runtime.
The command waits until the game exits. An interrupt stops the game.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec(args)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, app *App) error {
				return launchAndWait(ctx, app, spec, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.id, "id", "", "game id (defaults to the executable name)")
	cmd.Flags().StringVarP(&f.runtime, "runtime", "r", "", "runtime version, empty runs natively")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "compatibility data directory")
	cmd.Flags().StringVar(&f.workDir, "workdir", "", "working directory")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "extra environment variable, KEY=VALUE")
	return cmd
}

func (f *launchFlags) spec(args []string) (*models.LaunchSpec, error) {
	spec := &models.LaunchSpec{
		GameID:         f.id,
		ExePath:        args[0],
		Args:           args[1:],
		RuntimeVersion: f.runtime,
		PrefixDir:      f.prefix,
		WorkDir:        f.workDir,
	}
	if spec.GameID == "" {
		spec.GameID = strings.TrimSuffix(filepath.Base(spec.ExePath), filepath.Ext(spec.ExePath))
	}
	if len(f.env) > 0 {
		spec.Env = make(map[string]string, len(f.env))
		for _, kv := range f.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", kv)
			}
			spec.Env[k] = v
		}
	}
	return spec, nil
}

// launchAndWait prints lifecycle events until the game reaches a terminal
// state. Cancelling ctx stops the game.
func launchAndWait(ctx context.Context, app *App, spec *models.LaunchSpec, out io.Writer) error {
	events, id := app.Events.Subscribe(spec.GameID, 16)
	defer app.Events.Unsubscribe(id)

	handle, err := app.Games.Launch(context.WithoutCancel(ctx), spec)
	if err != nil {
		return fmt.Errorf("failed to launch %s: %w", spec.GameID, err)
	}
	_, _ = fmt.Fprintf(out, "launched %s (pid %d, %s)\n", handle.GameID, handle.PID, handle.Mode)

	timeout := app.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	var deadline <-chan time.Time
	interrupted := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.InstanceID != handle.InstanceID {
				continue
			}
			_, _ = fmt.Fprintf(out, "%s: %s\n", ev.GameID, ev.State)
			if !ev.State.Terminal() {
				continue
			}
			if ev.State == models.StateCrashed {
				return fmt.Errorf("%s crashed: %w", ev.GameID, ev.Err)
			}
			return nil
		case <-interrupted:
			interrupted = nil
			_, _ = fmt.Fprintf(out, "stopping %s\n", spec.GameID)
			stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
			err := app.Games.Stop(stopCtx, spec.GameID)
			cancel()
			if err != nil && !errors.Is(err, supervisor.ErrGameNotFound) && !errors.Is(err, supervisor.ErrNotRunning) {
				return fmt.Errorf("failed to stop %s: %w", spec.GameID, err)
			}
			deadline = time.After(timeout)
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s to exit", spec.GameID)
		}
	}
}

type depsFlags struct {
	runtime string
	prefix  string
}

func (f *depsFlags) target() deps.Target {
	return deps.Target{RuntimeVersion: f.runtime, PrefixDir: f.prefix}
}

func (f *depsFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.runtime, "runtime", "r", "", "runtime version whose prefix is used")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "compatibility data directory, defaults to the runtime's")
	_ = cmd.MarkFlagRequired("runtime")
}

func (c *command) depsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Manage Windows redistributables in a runtime prefix",
	}

	listFlags := &depsFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "Show which dependencies a prefix has",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, app *App) error {
				if app.Deps == nil {
					return errDepsUnavailable
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tINSTALLED\tNAME")
				for _, st := range app.Deps.Check(listFlags.target()) {
					_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\n", st.ID, st.Installed, st.Name)
				}
				if err := tw.Flush(); err != nil {
					return fmt.Errorf("failed to write table: %w", err)
				}
				return nil
			})
		},
	}
	listFlags.bind(list)

	installFlags := &depsFlags{}
	install := &cobra.Command{
		Use:   "install <id>...",
		Short: "Install dependencies into a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, app *App) error {
				if app.Deps == nil {
					return errDepsUnavailable
				}
				res, err := app.Deps.Install(ctx, installFlags.target(), args...)
				out := cmd.OutOrStdout()
				for _, id := range res.Present {
					_, _ = fmt.Fprintf(out, "%s already installed\n", id)
				}
				for _, id := range res.Installed {
					_, _ = fmt.Fprintf(out, "installed %s\n", id)
				}
				if err != nil {
					return fmt.Errorf("failed to install dependencies: %w", err)
				}
				return nil
			})
		},
	}
	installFlags.bind(install)

	cmd.AddCommand(list, install)
	return cmd
}

var errDepsUnavailable = errors.New("dependency installer unavailable")
