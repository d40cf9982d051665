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

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
)

// baseDLLOverrides load the runtime's native graphics translation DLLs.
const baseDLLOverrides = "d3d11=n;d3d10=n;d3d10core=n;dxgi=n;openvr_api_dxvk=n;d3d12=n;d3d12core=n;d3d9=n;d3d8=n;"

const (
	wineDebugQuiet   = "-all"
	wineDebugVerbose = "+warn,+err,+trace"
)

// prefixUserDirs are created inside a fresh prefix so games that write
// saves before the runtime finishes initialising it do not fail.
var prefixUserDirs = []string{"AppData", "Saved Games", "Documents"}

type launchCommand struct {
	name   string
	dir    string
	prefix string
	args   []string
	env    []string
}

func (c launchCommand) argv() []string {
	return append([]string{c.name}, c.args...)
}

// buildCommand resolves the argv, environment and working directory for a
// launch. rt is nil for native launches.
func buildCommand(spec *models.LaunchSpec, rt *runtimes.Runtime, p *Policy, baseEnv []string) launchCommand {
	cmd := launchCommand{dir: workDir(spec)}

	if rt == nil {
		cmd.name = spec.ExePath
		cmd.args = append([]string(nil), spec.Args...)
		cmd.env = command.MergeEnv(baseEnv, spec.Env)
		return cmd
	}

	cmd.prefix = compatDataDir(spec, p, rt.Version)

	verb := p.ProtonVerb
	if verb == "" {
		verb = "run"
	}

	argv := append([]string(nil), p.ArgsBefore...)
	if p.SteamRuntime {
		argv = append(argv, filepath.Join(p.SteamHome, "ubuntu12_32", "steam-runtime", "run.sh"))
	}
	argv = append(argv, rt.EntryPoint(), verb, spec.ExePath)
	argv = append(argv, spec.Args...)
	argv = append(argv, p.ArgsAfter...)
	cmd.name, cmd.args = argv[0], argv[1:]

	debug := wineDebugQuiet
	if p.WineDebug {
		debug = wineDebugVerbose
	}
	overrides := map[string]string{
		"STEAM_COMPAT_DATA_PATH":           cmd.prefix,
		"STEAM_COMPAT_CLIENT_INSTALL_PATH": p.SteamHome,
		"WINEDLLOVERRIDES":                 baseDLLOverrides + p.DLLOverrides,
		"WINEDEBUG":                        debug,
	}
	if p.SteamOverlay {
		overlay := filepath.Join(p.SteamHome, "ubuntu12_32", "gameoverlayrenderer.so") + ":" +
			filepath.Join(p.SteamHome, "ubuntu12_64", "gameoverlayrenderer.so")
		if existing, ok := command.LookupEnv(baseEnv, "LD_PRELOAD"); ok && existing != "" {
			overlay = existing + ":" + overlay
		}
		overrides["LD_PRELOAD"] = overlay
	}

	cmd.env = command.MergeEnv(command.MergeEnv(baseEnv, overrides), spec.Env)
	return cmd
}

// compatDataDir is the STEAM_COMPAT_DATA_PATH of a compat launch: the
// spec's own prefix, or one shared per runtime version.
func compatDataDir(spec *models.LaunchSpec, p *Policy, version string) string {
	if spec.PrefixDir != "" {
		return spec.PrefixDir
	}
	return filepath.Join(p.PrefixesDir, version)
}

// winePrefix is the directory the runtime points WINEPREFIX at.
func winePrefix(compatData string) string {
	return filepath.Join(compatData, "pfx")
}

func workDir(spec *models.LaunchSpec) string {
	if spec.WorkDir != "" {
		return spec.WorkDir
	}
	dir := filepath.Dir(spec.ExePath)
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return ""
}

// preparePrefix creates the compat data directory skeleton.
func preparePrefix(prefix string) error {
	users := filepath.Join(winePrefix(prefix), "drive_c", "users", "steamuser")
	var errs []error
	for _, d := range prefixUserDirs {
		if err := os.MkdirAll(filepath.Join(users, d), 0o750); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to prepare prefix %s: %w", prefix, err)
	}
	return nil
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			quoted[i] = fmt.Sprintf("%q", a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
