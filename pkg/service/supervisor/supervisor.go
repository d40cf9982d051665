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
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrLaunchFailed     = errors.New("launch failed")
	ErrAlreadyRunning   = errors.New("game already running")
	ErrGameNotFound     = errors.New("game not found")
	ErrNotRunning       = errors.New("game not running")
	ErrSupervisorClosed = errors.New("supervisor closed")
	ErrInvalidSpec      = errors.New("invalid launch spec")
	ErrSteamNotRunning  = errors.New("steam is not running")
	ErrPrefixBusy       = errors.New("prefix in use")
)

// Publisher receives every lifecycle transition.
type Publisher interface {
	Publish(ev models.Event)
}

// Resolver maps a runtime version to an installed runtime.
type Resolver interface {
	Resolve(version string) (runtimes.Runtime, error)
}

type Options struct {
	Events   Publisher
	Runtimes Resolver
	Executor command.Executor
	Helper   SessionHelper
	Clock    clockwork.Clock
	// SteamRunning is consulted before compat launches when the policy
	// requires Steam. Defaults to a process table scan.
	SteamRunning func(ctx context.Context) (bool, error)
	Policy       Policy
}

// Supervisor launches games and tracks them until they exit. A single
// goroutine owns the table of running games; every public method is a
// request to that goroutine.
type Supervisor struct {
	events   Publisher
	runtimes Resolver
	executor command.Executor
	helper   SessionHelper
	clock    clockwork.Clock
	validate *validator.Validate
	requests chan request
	exits    chan exitReport
	done     chan struct{}
	games    map[string]*runningGame
	// tools maps prefixes reserved by RunTool to their runtime version.
	tools        map[string]string
	environ      func() []string
	steamRunning func(ctx context.Context) (bool, error)
	policy       Policy
	closing      bool
}

type runningGame struct {
	startedAt      time.Time
	cmd            *exec.Cmd
	exited         chan struct{}
	stopDone       chan struct{}
	helper         *HelperInstance
	gameID         string
	runtimeVersion string
	pid            int
	instanceID     uuid.UUID
	mode           models.LaunchMode
	state          models.LifecycleState
	stopRequested  bool
}

func (g *runningGame) handle() models.Handle {
	return models.Handle{
		StartedAt:      g.startedAt,
		GameID:         g.gameID,
		RuntimeVersion: g.runtimeVersion,
		PID:            g.pid,
		InstanceID:     g.instanceID,
		Mode:           g.mode,
	}
}

type action int

const (
	actionLaunch action = iota
	actionStop
	actionQuery
	actionList
	actionInUse
	actionReserve
	actionReservePrefix
	actionReleasePrefix
	actionClose
)

type request struct {
	reply   chan response
	spec    *models.LaunchSpec
	mark    func() error
	gameID  string
	version string
	prefix  string
	action  action
}

type response struct {
	err     error
	done    <-chan struct{}
	handles []models.Handle
	command launchCommand
	handle  models.Handle
	state   models.LifecycleState
	inUse   bool
}

type exitReport struct {
	err        error
	gameID     string
	instanceID uuid.UUID
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Event) {}

func New(opts Options) (*Supervisor, error) {
	if opts.Executor == nil {
		return nil, errors.New("supervisor: executor is required")
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Helper == nil {
		opts.Helper = NewWineHelper(opts.Executor)
	}
	if opts.Policy.HelperKill == "" {
		opts.Policy.HelperKill = HelperAfterGrace
	}
	if opts.SteamRunning == nil {
		opts.SteamRunning = steamRunning
	}

	s := &Supervisor{
		events:   opts.Events,
		runtimes: opts.Runtimes,
		executor: opts.Executor,
		helper:   opts.Helper,
		clock:    opts.Clock,
		policy:   opts.Policy,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		requests: make(chan request),
		exits:    make(chan exitReport),
		done:     make(chan struct{}),
		games:    make(map[string]*runningGame),
		tools:    make(map[string]string),
		environ:  os.Environ,

		steamRunning: opts.SteamRunning,
	}
	go s.run()
	return s, nil
}

// Launch starts a game and returns once it is Running or has failed.
func (s *Supervisor) Launch(ctx context.Context, spec *models.LaunchSpec) (models.Handle, error) {
	if spec == nil {
		return models.Handle{}, ErrInvalidSpec
	}
	if err := s.validate.Struct(spec); err != nil {
		return models.Handle{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if !spec.Native() && s.policy.RequireSteam {
		if err := s.checkSteam(ctx); err != nil {
			return models.Handle{}, err
		}
	}
	resp, err := s.do(ctx, request{action: actionLaunch, spec: spec})
	if err != nil {
		return models.Handle{}, err
	}
	return resp.handle, nil
}

// Stop begins terminating a running game. It returns once the game has
// exited or the final kill has been issued; the Stopped event follows
// asynchronously. Calling Stop on a game that is already stopping is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context, gameID string) error {
	resp, err := s.do(ctx, request{action: actionStop, gameID: gameID})
	if err != nil {
		return err
	}
	if resp.done == nil {
		return nil
	}
	select {
	case <-resp.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to stop: %w", gameID, ctx.Err())
	}
}

func (s *Supervisor) QueryState(gameID string) (models.LifecycleState, error) {
	resp, err := s.do(context.Background(), request{action: actionQuery, gameID: gameID})
	if err != nil {
		return 0, err
	}
	return resp.state, nil
}

// Running lists every game that has not yet reached a terminal state,
// sorted by game id.
func (s *Supervisor) Running() []models.Handle {
	resp, err := s.do(context.Background(), request{action: actionList})
	if err != nil {
		return nil
	}
	return resp.handles
}

func (s *Supervisor) RuntimeInUse(version string) bool {
	resp, err := s.do(context.Background(), request{action: actionInUse, version: version})
	if err != nil {
		return false
	}
	return resp.inUse
}

// ReserveRemoval runs mark inside the supervisor loop if no game is using
// version, so a launch cannot slip in between the check and the mark.
func (s *Supervisor) ReserveRemoval(version string, mark func() error) error {
	_, err := s.do(context.Background(), request{action: actionReserve, version: version, mark: mark})
	return err
}

// Close stops every running game and waits for them to exit. New launches
// are refused from the moment Close is called.
func (s *Supervisor) Close(ctx context.Context) error {
	_, err := s.do(ctx, request{action: actionClose})
	if err != nil && !errors.Is(err, ErrSupervisorClosed) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for games to exit: %w", ctx.Err())
	}
}

func (s *Supervisor) do(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return response{}, ErrSupervisorClosed
	case <-ctx.Done():
		return response{}, ctx.Err() //nolint:wrapcheck // caller's own context
	}
	resp := <-req.reply
	return resp, resp.err
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		if s.closing && len(s.games) == 0 {
			log.Debug().Msg("supervisor loop exiting")
			return
		}
		select {
		case req := <-s.requests:
			req.reply <- s.handle(req)
		case ex := <-s.exits:
			s.handleExit(ex)
		}
	}
}

func (s *Supervisor) handle(req request) response {
	switch req.action {
	case actionLaunch:
		h, err := s.launch(req.spec)
		return response{handle: h, err: err}
	case actionStop:
		done, err := s.stop(req.gameID)
		return response{done: done, err: err}
	case actionQuery:
		g, ok := s.games[req.gameID]
		if !ok {
			return response{err: fmt.Errorf("%w: %s", ErrGameNotFound, req.gameID)}
		}
		return response{state: g.state}
	case actionList:
		handles := make([]models.Handle, 0, len(s.games))
		for _, g := range s.games {
			handles = append(handles, g.handle())
		}
		slices.SortFunc(handles, func(a, b models.Handle) int {
			return strings.Compare(a.GameID, b.GameID)
		})
		return response{handles: handles}
	case actionInUse:
		return response{inUse: s.inUse(req.version)}
	case actionReserve:
		if s.inUse(req.version) {
			return response{err: fmt.Errorf("%w: %s", runtimes.ErrRuntimeInUse, req.version)}
		}
		if req.mark == nil {
			return response{}
		}
		return response{err: req.mark()}
	case actionReservePrefix:
		lc, err := s.reservePrefix(req.spec)
		return response{command: lc, err: err}
	case actionReleasePrefix:
		delete(s.tools, req.prefix)
		return response{}
	case actionClose:
		if !s.closing {
			s.closing = true
			log.Info().Int("games", len(s.games)).Msg("closing supervisor")
			for id, g := range s.games {
				if g.state == models.StateRunning {
					if _, err := s.stop(id); err != nil {
						log.Warn().Err(err).Str("game", id).Msg("failed to stop game on close")
					}
				}
			}
		}
		return response{}
	default:
		return response{err: fmt.Errorf("unknown supervisor action %d", req.action)}
	}
}

func (s *Supervisor) inUse(version string) bool {
	for _, g := range s.games {
		if g.runtimeVersion == version && !g.state.Terminal() {
			return true
		}
	}
	for _, v := range s.tools {
		if v == version {
			return true
		}
	}
	return false
}

func (s *Supervisor) prefixBusy(prefix string) bool {
	if _, ok := s.tools[prefix]; ok {
		return true
	}
	for _, g := range s.games {
		if g.helper != nil && g.helper.Prefix == prefix && !g.state.Terminal() {
			return true
		}
	}
	return false
}

func (s *Supervisor) launch(spec *models.LaunchSpec) (models.Handle, error) {
	if s.closing {
		return models.Handle{}, ErrSupervisorClosed
	}
	if _, ok := s.games[spec.GameID]; ok {
		return models.Handle{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.GameID)
	}

	var rt *runtimes.Runtime
	mode := models.ModeNative
	if !spec.Native() {
		if s.runtimes == nil {
			return models.Handle{}, fmt.Errorf("%w: %s", runtimes.ErrRuntimeNotInstalled, spec.RuntimeVersion)
		}
		resolved, err := s.runtimes.Resolve(spec.RuntimeVersion)
		if err != nil {
			return models.Handle{}, fmt.Errorf("failed to resolve runtime for %s: %w", spec.GameID, err)
		}
		rt = &resolved
		mode = models.ModeCompat
	}

	lc := buildCommand(spec, rt, &s.policy, s.environ())
	if _, ok := s.tools[lc.prefix]; ok && lc.prefix != "" {
		return models.Handle{}, fmt.Errorf("%w: %s is running a tool", ErrPrefixBusy, lc.prefix)
	}

	g := &runningGame{
		startedAt:      s.clock.Now(),
		exited:         make(chan struct{}),
		gameID:         spec.GameID,
		runtimeVersion: spec.RuntimeVersion,
		instanceID:     uuid.New(),
		mode:           mode,
		state:          models.StateStarting,
	}
	if rt != nil {
		g.helper = &HelperInstance{Prefix: lc.prefix, Runtime: *rt}
	}
	s.games[g.gameID] = g
	s.publish(g, models.StateStarting, nil)

	log.Info().
		Str("game", g.gameID).
		Stringer("mode", mode).
		Str("dir", lc.dir).
		Msgf("launching: %s", quoteArgv(lc.argv()))

	cmd, err := s.spawn(lc)
	if err != nil {
		log.Error().Err(err).Str("game", g.gameID).Msg("launch failed")
		s.transition(g, models.StateLaunchFailed, err)
		delete(s.games, g.gameID)
		return models.Handle{}, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, g.gameID, err)
	}

	g.cmd = cmd
	g.pid = cmd.Process.Pid
	s.transition(g, models.StateRunning, nil)

	if exitedAtSpawn(g.pid) {
		// already a zombie, so Wait reaps it without blocking the loop
		waitErr := cmd.Wait()
		close(g.exited)
		log.Warn().Str("game", g.gameID).Int("pid", g.pid).Msg("game exited immediately after spawn")
		h := g.handle()
		s.handleExit(exitReport{gameID: g.gameID, instanceID: g.instanceID, err: waitErr})
		return h, nil
	}

	go s.watch(g)

	log.Info().Str("game", g.gameID).Int("pid", g.pid).Msg("game running")
	return g.handle(), nil
}

func (s *Supervisor) spawn(lc launchCommand) (*exec.Cmd, error) {
	if lc.prefix != "" {
		if err := preparePrefix(lc.prefix); err != nil {
			return nil, err
		}
	}
	cmd, err := s.executor.Start(command.Options{
		Dir:        lc.dir,
		Env:        lc.env,
		Detach:     true,
		HideWindow: true,
	}, lc.name, lc.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", lc.name, err)
	}
	return cmd, nil
}

// exitedAtSpawn reports whether the OS shows pid as already exited: gone
// from the process table or a zombie waiting to be reaped. Errors reading
// the status count as alive and leave the exit to the watcher.
func exitedAtSpawn(pid int) bool {
	p, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return errors.Is(err, process.ErrorProcessNotRunning)
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}

func (s *Supervisor) watch(g *runningGame) {
	err := g.cmd.Wait()
	close(g.exited)
	select {
	case s.exits <- exitReport{gameID: g.gameID, instanceID: g.instanceID, err: err}:
	case <-s.done:
	}
}

func (s *Supervisor) handleExit(ex exitReport) {
	g, ok := s.games[ex.gameID]
	if !ok || g.instanceID != ex.instanceID {
		return
	}

	next := models.StateCrashed
	var reason error
	if g.stopRequested || ex.err == nil {
		next = models.StateStopped
	} else {
		reason = fmt.Errorf("game exited: %w", ex.err)
	}

	log.Info().Err(ex.err).Str("game", g.gameID).Stringer("state", next).Msg("game exited")
	s.transition(g, next, reason)
	delete(s.games, g.gameID)
}

func (s *Supervisor) stop(gameID string) (<-chan struct{}, error) {
	g, ok := s.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	switch g.state {
	case models.StateStopping:
		return nil, nil
	case models.StateRunning:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, gameID, g.state)
	}

	g.stopRequested = true
	g.stopDone = make(chan struct{})
	s.transition(g, models.StateStopping, nil)
	go s.escalate(g, s.policy)
	return g.stopDone, nil
}

func (s *Supervisor) transition(g *runningGame, next models.LifecycleState, err error) {
	if !g.state.CanTransition(next) {
		log.Error().
			Str("game", g.gameID).
			Stringer("from", g.state).
			Stringer("to", next).
			Msg("invalid lifecycle transition")
		return
	}
	prev := g.state
	g.state = next
	s.publish(g, prev, err)
}

func (s *Supervisor) publish(g *runningGame, prev models.LifecycleState, err error) {
	s.events.Publish(models.Event{
		At:         s.clock.Now(),
		Err:        err,
		GameID:     g.gameID,
		InstanceID: g.instanceID,
		State:      g.state,
		Previous:   prev,
	})
}
