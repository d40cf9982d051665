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

package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealExecutor_Run(t *testing.T) {
	t.Parallel()

	executor := &RealExecutor{}

	t.Run("executes_successful_command", func(t *testing.T) {
		t.Parallel()

		err := executor.Run(context.Background(), Options{}, "true")

		assert.NoError(t, err)
	})

	t.Run("returns_error_for_failed_command", func(t *testing.T) {
		t.Parallel()

		err := executor.Run(context.Background(), Options{}, "false")

		assert.Error(t, err)
	})

	t.Run("returns_error_for_nonexistent_command", func(t *testing.T) {
		t.Parallel()

		err := executor.Run(context.Background(), Options{}, "nonexistent_command_that_should_not_exist_12345")

		require.Error(t, err)
	})

	t.Run("applies_dir_and_env", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		opts := Options{
			Dir: dir,
			Env: MergeEnv(os.Environ(), map[string]string{"ZAPAROO_TEST_OUT": "marker"}),
		}

		err := executor.Run(context.Background(), opts, "sh", "-c", `echo "$ZAPAROO_TEST_OUT" > out.txt`)
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, "out.txt")) //nolint:gosec // test path
		require.NoError(t, err)
		assert.Equal(t, "marker\n", string(data))
	})
}

func TestRealExecutor_Start(t *testing.T) {
	t.Parallel()

	executor := &RealExecutor{}

	t.Run("starts_command_without_waiting", func(t *testing.T) {
		t.Parallel()

		cmd, err := executor.Start(Options{Detach: true}, "sleep", "10")
		require.NoError(t, err)
		require.NotNil(t, cmd.Process)

		require.NoError(t, cmd.Process.Kill())
		_ = cmd.Wait()
	})

	t.Run("returns_error_for_nonexistent_command", func(t *testing.T) {
		t.Parallel()

		cmd, err := executor.Start(Options{}, "nonexistent_command_that_should_not_exist_12345")

		require.Error(t, err)
		assert.Nil(t, cmd)
	})
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()

	base := []string{"HOME=/home/deck", "PATH=/usr/bin", "WINEDEBUG=+all"}
	got := MergeEnv(base, map[string]string{
		"WINEDEBUG":              "-all",
		"STEAM_COMPAT_DATA_PATH": "/prefixes/9-20",
		"DXVK_HUD":               "fps",
	})

	assert.Equal(t, []string{
		"HOME=/home/deck",
		"PATH=/usr/bin",
		"WINEDEBUG=-all",
		"DXVK_HUD=fps",
		"STEAM_COMPAT_DATA_PATH=/prefixes/9-20",
	}, got)
}

func TestLookupEnv(t *testing.T) {
	t.Parallel()

	env := []string{"A=1", "WINEPREFIX=/old", "WINEPREFIX=/new/pfx", "EMPTY="}

	v, ok := LookupEnv(env, "WINEPREFIX")
	assert.True(t, ok)
	assert.Equal(t, "/new/pfx", v)

	v, ok = LookupEnv(env, "EMPTY")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = LookupEnv(env, "MISSING")
	assert.False(t, ok)
}

func TestExecutor_Interface(t *testing.T) {
	t.Parallel()

	var _ Executor = (*RealExecutor)(nil)
}
