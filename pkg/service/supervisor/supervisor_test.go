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
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
	testhelpers "github.com/ZaparooProject/zaparoo-proton/pkg/testing/helpers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	exitsOnTerm   = "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait\n"
	ignoresTerm   = "#!/bin/sh\ntrap '' TERM\nsleep 30 &\nwait\n"
	eventDeadline = 10 * time.Second
)

type recorder struct {
	ch chan models.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan models.Event, 64)}
}

func (r *recorder) Publish(ev models.Event) {
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(eventDeadline):
		require.FailNow(t, "timed out waiting for event")
		return models.Event{}
	}
}

func (r *recorder) states(t *testing.T, n int) []models.LifecycleState {
	t.Helper()
	out := make([]models.LifecycleState, 0, n)
	for range n {
		out = append(out, r.next(t).State)
	}
	return out
}

func (r *recorder) empty() bool {
	return len(r.ch) == 0
}

type fakeHelper struct {
	mu         sync.Mutex
	instances  []HelperInstance
	terminates atomic.Int32
	kills      atomic.Int32
}

func (h *fakeHelper) Terminate(_ context.Context, inst HelperInstance) error {
	h.mu.Lock()
	h.instances = append(h.instances, inst)
	h.mu.Unlock()
	h.terminates.Add(1)
	return nil
}

func (h *fakeHelper) Kill(HelperInstance) error {
	h.kills.Add(1)
	return nil
}

type fakeResolver map[string]runtimes.Runtime

func (r fakeResolver) Resolve(version string) (runtimes.Runtime, error) {
	rt, ok := r[version]
	if !ok {
		return runtimes.Runtime{}, runtimes.ErrRuntimeNotInstalled
	}
	return rt, nil
}

// fakeRuntime installs a runtime whose entry point runs script.
func fakeRuntime(t *testing.T, version, script string) runtimes.Runtime {
	t.Helper()
	dir := filepath.Join(t.TempDir(), version)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	//nolint:gosec // test script must be executable
	require.NoError(t, os.WriteFile(filepath.Join(dir, runtimes.EntryPoint), []byte(script), 0o755))
	return runtimes.Runtime{Version: version, Path: dir}
}

type harness struct {
	sup    *Supervisor
	events *recorder
	helper *fakeHelper
	clock  clockwork.Clock
}

func newHarness(t *testing.T, resolver Resolver, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{events: newRecorder(), helper: &fakeHelper{}, clock: clockwork.NewRealClock()}

	policy := DefaultPolicy()
	policy.PrefixesDir = t.TempDir()
	policy.SteamHome = t.TempDir()
	policy.GracePeriod = 2 * time.Second
	policy.HelperGrace = 200 * time.Millisecond

	opts := Options{
		Events:   h.events,
		Runtimes: resolver,
		Executor: &command.RealExecutor{},
		Helper:   h.helper,
		Clock:    h.clock,
		Policy:   policy,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.clock = opts.Clock

	sup, err := New(opts)
	require.NoError(t, err)
	h.sup = sup
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		assert.NoError(t, sup.Close(ctx))
	})
	return h
}

func shellSpec(id, script string) *models.LaunchSpec {
	return &models.LaunchSpec{GameID: id, ExePath: "/bin/sh", Args: []string{"-c", script}}
}

func TestLaunchAndStop_Native(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	handle, err := h.sup.Launch(context.Background(), shellSpec("g1", "trap 'exit 0' TERM; sleep 30 & wait"))
	require.NoError(t, err)
	assert.Equal(t, "g1", handle.GameID)
	assert.Equal(t, models.ModeNative, handle.Mode)
	assert.Positive(t, handle.PID)

	first := h.events.next(t)
	assert.Equal(t, models.StateStarting, first.State)
	assert.Equal(t, handle.InstanceID, first.InstanceID)
	running := h.events.next(t)
	assert.Equal(t, models.StateRunning, running.State)
	assert.Equal(t, models.StateStarting, running.Previous)

	state, err := h.sup.QueryState("g1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, state)

	require.NoError(t, h.sup.Stop(context.Background(), "g1"))
	assert.Equal(t, []models.LifecycleState{models.StateStopping, models.StateStopped}, h.events.states(t, 2))

	_, err = h.sup.QueryState("g1")
	require.ErrorIs(t, err, ErrGameNotFound)
	assert.Zero(t, h.helper.terminates.Load(), "native launches never touch the helper")
}

func TestLaunch_DuplicateRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), shellSpec("g1", "sleep 30"))
	require.NoError(t, err)
	h.events.states(t, 2)

	_, err = h.sup.Launch(context.Background(), shellSpec("g1", "sleep 30"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, h.sup.Running(), 1)
	assert.True(t, h.events.empty())

	require.NoError(t, h.sup.Stop(context.Background(), "g1"))
	h.events.states(t, 2)
}

func TestLaunch_NativeCrash(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), shellSpec("g1", "exit 1"))
	require.NoError(t, err)

	assert.Equal(t, models.StateStarting, h.events.next(t).State)
	assert.Equal(t, models.StateRunning, h.events.next(t).State)
	crashed := h.events.next(t)
	assert.Equal(t, models.StateCrashed, crashed.State)
	assert.Equal(t, models.StateRunning, crashed.Previous)
	require.Error(t, crashed.Err)
	assert.Empty(t, h.sup.Running())
}

func TestLaunch_CleanExitIsStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), shellSpec("g1", "exit 0"))
	require.NoError(t, err)
	assert.Equal(t,
		[]models.LifecycleState{models.StateStarting, models.StateRunning, models.StateStopped},
		h.events.states(t, 3))
}

func TestLaunch_SpawnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
		GameID:  "g1",
		ExePath: filepath.Join(t.TempDir(), "missing", "game"),
		WorkDir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrLaunchFailed)

	assert.Equal(t, models.StateStarting, h.events.next(t).State)
	failed := h.events.next(t)
	assert.Equal(t, models.StateLaunchFailed, failed.State)
	require.Error(t, failed.Err)

	_, err = h.sup.QueryState("g1")
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestLaunch_PermissionDenied(t *testing.T) {
	t.Parallel()
	cmd := testhelpers.NewMockCommandExecutor()
	cmd.On("Start", mock.Anything, "/games/g1/game", []string{"-windowed"}).Return(nil, syscall.EACCES)
	h := newHarness(t, nil, func(o *Options) { o.Executor = cmd })

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
		GameID:  "g1",
		ExePath: "/games/g1/game",
		Args:    []string{"-windowed"},
	})
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.ErrorIs(t, err, syscall.EACCES)
	assert.Equal(t,
		[]models.LifecycleState{models.StateStarting, models.StateLaunchFailed},
		h.events.states(t, 2))
	cmd.AssertExpectations(t)
}

func TestLaunch_ExitsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{GameID: "g1", ExePath: "/bin/false"})
	require.NoError(t, err)

	assert.Equal(t,
		[]models.LifecycleState{models.StateStarting, models.StateRunning, models.StateCrashed},
		h.events.states(t, 3))
}

func TestLaunch_ExitedBeforeConfirmation(t *testing.T) {
	t.Parallel()

	exited := exec.Command("/bin/false")
	require.NoError(t, exited.Start())
	require.Eventually(t, func() bool {
		return exitedAtSpawn(exited.Process.Pid)
	}, 5*time.Second, 10*time.Millisecond)

	cmd := testhelpers.NewMockCommandExecutor()
	cmd.On("Start", mock.Anything, "/bin/false", mock.Anything).Return(exited, nil)
	h := newHarness(t, nil, func(o *Options) { o.Executor = cmd })

	handle, err := h.sup.Launch(context.Background(), &models.LaunchSpec{GameID: "g1", ExePath: "/bin/false"})
	require.NoError(t, err)
	assert.Equal(t, exited.Process.Pid, handle.PID)

	// the exit is handled before Launch returns, no watcher involved
	_, err = h.sup.QueryState("g1")
	require.ErrorIs(t, err, ErrGameNotFound)
	assert.Empty(t, h.sup.Running())

	assert.Equal(t, models.StateStarting, h.events.next(t).State)
	assert.Equal(t, models.StateRunning, h.events.next(t).State)
	crashed := h.events.next(t)
	assert.Equal(t, models.StateCrashed, crashed.State)
	require.Error(t, crashed.Err)
	assert.NotNil(t, exited.ProcessState)
	cmd.AssertExpectations(t)
}

func TestExitedAtSpawn(t *testing.T) {
	t.Parallel()

	running := exec.Command("sleep", "30")
	require.NoError(t, running.Start())
	assert.False(t, exitedAtSpawn(running.Process.Pid))

	require.NoError(t, running.Process.Kill())
	require.Eventually(t, func() bool {
		return exitedAtSpawn(running.Process.Pid)
	}, 5*time.Second, 10*time.Millisecond)
	_ = running.Wait()
}

func TestLaunch_RuntimeNotInstalled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeResolver{})

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
		GameID:         "g1",
		ExePath:        "/games/g1/game.exe",
		RuntimeVersion: "9-20",
	})
	require.ErrorIs(t, err, runtimes.ErrRuntimeNotInstalled)
	assert.Empty(t, h.sup.Running())
	assert.True(t, h.events.empty())
}

func TestLaunch_InvalidSpec(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{GameID: "g1"})
	require.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.sup.Launch(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidSpec)
	assert.True(t, h.events.empty())
}

func TestStop_UnknownGame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.sup.Stop(context.Background(), "nope")
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestStop_CompatEscalatesOnce(t *testing.T) {
	t.Parallel()
	rt := fakeRuntime(t, "9-20", ignoresTerm)
	h := newHarness(t, fakeResolver{"9-20": rt}, func(o *Options) {
		o.Policy.GracePeriod = 200 * time.Millisecond
	})

	handle, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
		GameID:         "g1",
		ExePath:        "/games/g1/game.exe",
		RuntimeVersion: "9-20",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeCompat, handle.Mode)
	h.events.states(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.sup.Stop(context.Background(), "g1")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, []models.LifecycleState{models.StateStopping, models.StateStopped}, h.events.states(t, 2))
	assert.Equal(t, int32(1), h.helper.terminates.Load())
	assert.Equal(t, int32(1), h.helper.kills.Load())

	h.helper.mu.Lock()
	defer h.helper.mu.Unlock()
	require.Len(t, h.helper.instances, 1)
	assert.Equal(t, filepath.Join(h.sup.policy.PrefixesDir, "9-20"), h.helper.instances[0].Prefix)
	assert.DirExists(t, filepath.Join(h.helper.instances[0].Prefix, "pfx", "drive_c", "users", "steamuser", "Saved Games"))
}

func TestStop_HelperPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy HelperPolicy
		// helper terminations observed while waiting out the grace period
		duringGrace int32
		terminates  int32
		kills       int32
	}{
		{name: "after grace", policy: HelperAfterGrace, duringGrace: 0, terminates: 1, kills: 1},
		{name: "always", policy: HelperAlways, duringGrace: 1, terminates: 1, kills: 1},
		{name: "never", policy: HelperNever, duringGrace: 0, terminates: 0, kills: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := fakeRuntime(t, "9-20", ignoresTerm)
			clock := clockwork.NewFakeClock()
			h := newHarness(t, fakeResolver{"9-20": rt}, func(o *Options) {
				o.Clock = clock
				o.Policy.HelperKill = tt.policy
			})

			_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
				GameID:         "g1",
				ExePath:        "/games/g1/game.exe",
				RuntimeVersion: "9-20",
			})
			require.NoError(t, err)
			h.events.states(t, 2)

			stopped := make(chan error, 1)
			go func() { stopped <- h.sup.Stop(context.Background(), "g1") }()

			ctx, cancel := context.WithTimeout(context.Background(), eventDeadline)
			defer cancel()

			require.NoError(t, clock.BlockUntilContext(ctx, 1))
			assert.Equal(t, tt.duringGrace, h.helper.terminates.Load())
			clock.Advance(h.sup.policy.GracePeriod)

			if tt.policy == HelperAfterGrace {
				require.NoError(t, clock.BlockUntilContext(ctx, 1))
				assert.Equal(t, int32(1), h.helper.terminates.Load())
				assert.Zero(t, h.helper.kills.Load())
				clock.Advance(h.sup.policy.HelperGrace)
			}

			select {
			case err := <-stopped:
				require.NoError(t, err)
			case <-ctx.Done():
				require.FailNow(t, "stop did not return")
			}
			assert.Equal(t, []models.LifecycleState{models.StateStopping, models.StateStopped}, h.events.states(t, 2))
			assert.Equal(t, tt.terminates, h.helper.terminates.Load())
			assert.Equal(t, tt.kills, h.helper.kills.Load())
		})
	}
}

func TestReserveRemoval(t *testing.T) {
	t.Parallel()
	rt := fakeRuntime(t, "9-20", exitsOnTerm)
	h := newHarness(t, fakeResolver{"9-20": rt})

	_, err := h.sup.Launch(context.Background(), &models.LaunchSpec{
		GameID:         "g1",
		ExePath:        "/games/g1/game.exe",
		RuntimeVersion: "9-20",
	})
	require.NoError(t, err)
	h.events.states(t, 2)

	assert.True(t, h.sup.RuntimeInUse("9-20"))
	assert.False(t, h.sup.RuntimeInUse("8-32"))

	var marked bool
	err = h.sup.ReserveRemoval("9-20", func() error { marked = true; return nil })
	require.ErrorIs(t, err, runtimes.ErrRuntimeInUse)
	assert.False(t, marked)

	markErr := errors.New("mark failed")
	err = h.sup.ReserveRemoval("8-32", func() error { marked = true; return markErr })
	require.ErrorIs(t, err, markErr)
	assert.True(t, marked)

	require.NoError(t, h.sup.Stop(context.Background(), "g1"))
	h.events.states(t, 2)
	assert.False(t, h.sup.RuntimeInUse("9-20"))
}

func TestClose_StopsGames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, id := range []string{"a", "b"} {
		_, err := h.sup.Launch(context.Background(), shellSpec(id, "trap 'exit 0' TERM; sleep 30 & wait"))
		require.NoError(t, err)
	}
	h.events.states(t, 4)

	handles := h.sup.Running()
	require.Len(t, handles, 2)
	assert.Equal(t, "a", handles[0].GameID)
	assert.Equal(t, "b", handles[1].GameID)

	ctx, cancel := context.WithTimeout(context.Background(), eventDeadline)
	defer cancel()
	require.NoError(t, h.sup.Close(ctx))

	stopped := 0
	for range 4 {
		if h.events.next(t).State == models.StateStopped {
			stopped++
		}
	}
	assert.Equal(t, 2, stopped)

	_, err := h.sup.Launch(context.Background(), shellSpec("c", "sleep 30"))
	require.ErrorIs(t, err, ErrSupervisorClosed)
	assert.Nil(t, h.sup.Running())
}
