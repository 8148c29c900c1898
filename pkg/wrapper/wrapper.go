//go:build linux

// Warden Core
// Copyright (c) 2026 The Warden Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Warden Core.
//
// Warden Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Warden Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Warden Core.  If not, see <http://www.gnu.org/licenses/>.

// Package wrapper implements the subreaper process that sits between the
// launcher and the game. It marks itself a child subreaper so orphaned
// descendants (wine double-forks constantly) reparent to it instead of
// init, relays termination signals to the monitored tree, hands the game's
// exit code back through the hand-off file, and drains all descendants
// before exiting.
package wrapper

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/WardenProject/warden-core/pkg/procmonitor"
)

// RunIDEnv is the environment variable carrying the per-run correlation ID
// used to derive the exit-code hand-off path.
const RunIDEnv = "WARDEN_RUN_ID"

// HandoffPath returns the exit-code hand-off file path for a run ID.
func HandoffPath(runID string) string {
	return filepath.Join(os.TempDir(), "warden-"+runID)
}

// Args is the wrapper's parsed argument vector.
type Args struct {
	Title            string
	IncludeProcesses []string
	ExcludeProcesses []string
	Command          []string
}

// ParseArgs parses the positional convention
//
//	<title> <include-count> <exclude-count> <include-names...> <exclude-names...> <command...>
//
// The explicit counts are required because process names may contain spaces
// and a flat argument vector has no other unambiguous delimiter.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 3 {
		return Args{}, fmt.Errorf("expected at least 3 arguments, got %d", len(argv))
	}

	title := argv[0]
	includeCount, err := strconv.Atoi(argv[1])
	if err != nil || includeCount < 0 {
		return Args{}, fmt.Errorf("invalid include count %q", argv[1])
	}
	excludeCount, err := strconv.Atoi(argv[2])
	if err != nil || excludeCount < 0 {
		return Args{}, fmt.Errorf("invalid exclude count %q", argv[2])
	}

	rest := argv[3:]
	if len(rest) < includeCount+excludeCount {
		return Args{}, fmt.Errorf("argument vector too short for %d include and %d exclude names",
			includeCount, excludeCount)
	}

	args := Args{
		Title:            title,
		IncludeProcesses: rest[:includeCount],
		ExcludeProcesses: rest[includeCount : includeCount+excludeCount],
		Command:          rest[includeCount+excludeCount:],
	}
	if len(args.Command) == 0 {
		return Args{}, errors.New("no command to run")
	}
	return args, nil
}

// runner holds the wrapper runtime configuration.
type runner struct {
	fs       afero.Fs
	kill     func(pid int, sig syscall.Signal) error
	reap     func(pid int)
	procPath string
	childPID int
}

// Option configures a wrapper run.
type Option func(*runner)

// WithFs sets the filesystem used for the hand-off file (for testing).
func WithFs(fs afero.Fs) Option {
	return func(r *runner) {
		r.fs = fs
	}
}

// WithProcPath sets a custom /proc path (for testing).
func WithProcPath(path string) Option {
	return func(r *runner) {
		r.procPath = path
	}
}

// WithKill sets the signal delivery function (for testing).
func WithKill(kill func(pid int, sig syscall.Signal) error) Option {
	return func(r *runner) {
		r.kill = kill
	}
}

// SetChildSubreaper marks the calling process as a child subreaper, so
// orphaned descendants reparent here instead of to init and stay
// discoverable until they fully exit. Failure is not fatal: supervision
// degrades to best-effort rather than refusing to launch the game.
func SetChildSubreaper() {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("PR_SET_CHILD_SUBREAPER failed, process watching may fail")
	}
}

// Run executes the real command under subreaper supervision and returns the
// exit code the wrapper process should exit with, which is the real
// command's own exit status.
func Run(args Args, opts ...Option) int {
	r := &runner{
		fs:   afero.NewOsFs(),
		kill: func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
		reap: reapZombie,
	}
	for _, opt := range opts {
		opt(r)
	}

	SetChildSubreaper()

	monitorOpts := []procmonitor.Option{
		procmonitor.WithReaper(r.reapDescendant),
	}
	if r.procPath != "" {
		monitorOpts = append(monitorOpts, procmonitor.WithProcPath(r.procPath))
	}
	monitor := procmonitor.New(args.IncludeProcesses, args.ExcludeProcesses, monitorOpts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	//nolint:gosec // G204: the command is the wrapper's whole purpose
	cmd := exec.Command(args.Command[0], args.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("title", args.Title).Strs("command", args.Command).
			Msg("failed to start command")
		return 1
	}
	r.childPID = cmd.Process.Pid
	log.Debug().Str("title", args.Title).Int("pid", cmd.Process.Pid).Msg("command started")

	// Started only after childPID is set: a relay-triggered Refresh must
	// never reap the direct child out from under waitForCommand. Signals
	// delivered before this point sit in the channel buffer.
	go func() {
		for sig := range sigCh {
			// Restore default disposition first so a second delivery of
			// the same signal is not intercepted again.
			signal.Reset(sig)
			r.relay(monitor, sig.(syscall.Signal))
		}
	}()

	exitCode := waitForCommand(cmd)
	r.writeHandoff(exitCode)

	r.drain(monitor)
	log.Debug().Str("title", args.Title).Int("returncode", exitCode).Msg("all children gone, exiting")
	return exitCode
}

// relay refreshes the classification and forwards the signal to every
// currently monitored process. Excluded launcher noise is left to tear
// itself down.
func (r *runner) relay(monitor *procmonitor.Monitor, sig syscall.Signal) {
	monitor.Refresh(os.Getpid())
	for pid, name := range monitor.Current().Monitored {
		log.Debug().Int("pid", pid).Str("name", name).Stringer("signal", sig).
			Msg("relaying signal")
		if err := r.kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to relay signal")
		}
	}
}

// waitForCommand waits for the direct child and converts its status to an
// exit code, mapping death-by-signal to the shell convention 128+N.
func waitForCommand(cmd *exec.Cmd) int {
	err := cmd.Wait()
	state := cmd.ProcessState
	if state == nil {
		log.Error().Err(err).Msg("wait failed with no process state")
		return 1
	}
	code := state.ExitCode()
	if code < 0 {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return 1
	}
	return code
}

// writeHandoff writes the exit code to the hand-off file derived from the
// run ID in the environment. The launcher reads and deletes it after it
// sees this process exit.
func (r *runner) writeHandoff(exitCode int) {
	runID := os.Getenv(RunIDEnv)
	if runID == "" {
		log.Debug().Msg("no run ID in environment, skipping exit code hand-off")
		return
	}
	path := HandoffPath(runID)
	err := afero.WriteFile(r.fs, path, []byte(strconv.Itoa(exitCode)), 0o600)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to write exit code hand-off")
	}
}

// drain blocks reaping terminated descendants until no children are left.
// As the subreaper this process inherits every orphan in the tree, so
// ECHILD here means the whole tree is gone.
func (r *runner) drain(monitor *procmonitor.Monitor) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// ECHILD: no more children exist, the drain is complete.
			if !errors.Is(err, unix.ECHILD) {
				log.Warn().Err(err).Msg("wait failed while draining")
			}
			return
		}
		log.Debug().Int("pid", pid).Msg("reaped descendant")
		monitor.Refresh(os.Getpid())
	}
}

// reapDescendant collects a terminated descendant, leaving the direct
// child alone: its status belongs to waitForCommand, and reaping it here
// would make the wait report ECHILD and lose the real exit code.
func (r *runner) reapDescendant(pid int) {
	if r.childPID != 0 && pid == r.childPID {
		return
	}
	r.reap(pid)
}

// reapZombie collects a terminated child without blocking. Unreaped zombies
// can block discovery of further children in some race windows.
func reapZombie(pid int) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil && !errors.Is(err, unix.ECHILD) {
		log.Debug().Err(err).Int("pid", pid).Msg("zombie reap failed")
	}
}
