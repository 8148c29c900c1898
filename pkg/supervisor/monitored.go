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

// Package supervisor launches commands through the subreaper wrapper and
// tracks their lifecycle: non-blocking stdout capture, asynchronous exit
// notification, exit-code hand-off and signal relay.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/WardenProject/warden-core/pkg/exitwatch"
	"github.com/WardenProject/warden-core/pkg/helpers/syncutil"
	"github.com/WardenProject/warden-core/pkg/wrapper"
)

// readChunkSize bounds a single stdout read.
const readChunkSize = 262144

// WrapperBinary is the name of the subreaper wrapper executable.
const WrapperBinary = "warden-wrapper"

// LogHandler receives decoded output chunks. Chunk boundaries are not line
// boundaries; handlers that need lines must buffer internally.
type LogHandler func(chunk string)

// LogFilter reports whether an output line should be shown. It drops
// messages that would only confuse users reading a game log.
func LogFilter(line string) bool {
	if strings.Contains(line, "GStreamer-WARNING **") {
		return false
	}
	if strings.Contains(line, "Bad file descriptor") {
		return false
	}
	if strings.Contains(line, "'libgamemodeauto.so.0' from LD_PRELOAD") {
		return false
	}
	if strings.Contains(line, "Unable to read VR Path Registry") {
		return false
	}
	return true
}

// Config describes one supervised launch.
type Config struct {
	// Command is the real command argument vector.
	Command []string
	// Title names the launch in logs and the wrapper process title.
	// Defaults to Command[0].
	Title string
	// Env is merged over the inherited environment.
	Env map[string]string
	// Cwd is the working directory, created on demand. Defaults to the
	// user's home directory.
	Cwd string
	// IncludeProcesses and ExcludeProcesses are forwarded to the wrapper.
	IncludeProcesses []string
	ExcludeProcesses []string
	// Terminal, when set, replaces Command in the wrapper invocation with a
	// terminal emulator invocation that runs the command itself.
	Terminal []string
	// StopHook runs during Stop. Returning false vetoes the rest of the
	// teardown so a runner can perform custom shutdown steps first.
	StopHook func() bool
}

// MonitoredCommand supervises one launch. It exclusively owns the wrapper
// process it spawns for its whole lifetime.
type MonitoredCommand struct {
	cfg         Config
	fs          afero.Fs
	watcher     *exitwatch.Watcher
	wrapperPath string
	runID       string

	mu            syncutil.Mutex
	cmd           *exec.Cmd
	stdoutDone    chan struct{}
	isRunning     bool
	stopping      bool
	terminateSent bool
	returnCode    int
	returnCodeSet bool
	errMsg        string
	ownWatcher    bool

	bufMu       syncutil.RWMutex
	stdoutBuf   strings.Builder
	logHandlers []LogHandler
}

// Option configures a MonitoredCommand.
type Option func(*MonitoredCommand)

// WithWrapperPath overrides the wrapper executable location.
func WithWrapperPath(path string) Option {
	return func(c *MonitoredCommand) {
		c.wrapperPath = path
	}
}

// WithFs sets the filesystem used for the exit-code hand-off (for testing).
func WithFs(fs afero.Fs) Option {
	return func(c *MonitoredCommand) {
		c.fs = fs
	}
}

// WithWatcher shares an exit watcher between commands instead of each
// command owning its own.
func WithWatcher(w *exitwatch.Watcher) Option {
	return func(c *MonitoredCommand) {
		c.watcher = w
		c.ownWatcher = false
	}
}

// New creates a MonitoredCommand. The per-run correlation ID is generated
// here and injected into the child environment on Start.
func New(cfg Config, opts ...Option) *MonitoredCommand {
	if cfg.Title == "" && len(cfg.Command) > 0 {
		cfg.Title = cfg.Command[0]
	}
	c := &MonitoredCommand{
		cfg:        cfg,
		fs:         afero.NewOsFs(),
		runID:      uuid.NewString(),
		ownWatcher: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.watcher == nil {
		c.watcher = exitwatch.New()
	}
	if c.wrapperPath == "" {
		c.wrapperPath = findWrapper()
	}
	// The stdout accumulator is always the first registered handler.
	c.logHandlers = []LogHandler{c.appendStdout}
	return c
}

// findWrapper looks for the wrapper binary next to the current executable,
// then in PATH.
func findWrapper() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), WrapperBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(WrapperBinary); err == nil {
		return path
	}
	return WrapperBinary
}

// AddLogHandler registers an output sink. Handlers are invoked in
// registration order for each decoded chunk.
func (c *MonitoredCommand) AddLogHandler(handler LogHandler) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.logHandlers = append(c.logHandlers, handler)
}

// IsRunning reports whether the wrapper process is still alive.
func (c *MonitoredCommand) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

// ReturnCode returns the game's exit code once the wrapper has exited and
// the hand-off file was read successfully.
func (c *MonitoredCommand) ReturnCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returnCode, c.returnCodeSet
}

// Error returns the human-readable spawn failure message, if any. Spawn
// failures are recorded here instead of raised so UI callers can surface
// them without special error handling.
func (c *MonitoredCommand) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Stdout returns everything accumulated from the process output so far.
// Safe to call from other goroutines while the command runs.
func (c *MonitoredCommand) Stdout() string {
	c.bufMu.RLock()
	defer c.bufMu.RUnlock()
	return c.stdoutBuf.String()
}

// RunID returns the per-run correlation identifier.
func (c *MonitoredCommand) RunID() string {
	return c.runID
}

// PID returns the wrapper process ID, or 0 when not running.
func (c *MonitoredCommand) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// wrapperArgv builds the full wrapper invocation.
func (c *MonitoredCommand) wrapperArgv() []string {
	argv := []string{
		c.wrapperPath,
		c.cfg.Title,
		strconv.Itoa(len(c.cfg.IncludeProcesses)),
		strconv.Itoa(len(c.cfg.ExcludeProcesses)),
	}
	argv = append(argv, c.cfg.IncludeProcesses...)
	argv = append(argv, c.cfg.ExcludeProcesses...)
	if len(c.cfg.Terminal) > 0 {
		return append(argv, c.cfg.Terminal...)
	}
	return append(argv, c.cfg.Command...)
}

// childEnv merges the configured environment over the inherited one and
// injects the run ID. Keys that cannot survive the environment block are
// dropped with a warning instead of corrupting the launch.
func (c *MonitoredCommand) childEnv() []string {
	env := os.Environ()
	for key, value := range c.cfg.Env {
		if key == "" || strings.TrimSpace(key) == "" {
			log.Warn().Msg("empty environment variable name; skipping")
			continue
		}
		if strings.Contains(key, "=") {
			log.Warn().Str("key", key).Msg("environment variable name contains '='; skipping")
			continue
		}
		env = append(env, key+"="+value)
	}
	return append(env, wrapper.RunIDEnv+"="+c.runID)
}

// ensureCwd returns a working directory that exists, creating the
// configured one and falling back to the temp directory if that fails.
func (c *MonitoredCommand) ensureCwd() string {
	cwd := c.cfg.Cwd
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return home
	}
	if _, err := os.Stat(cwd); err == nil {
		return cwd
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		log.Error().Err(err).Str("cwd", cwd).
			Msgf("failed to create working directory, falling back to %s", os.TempDir())
		return os.TempDir()
	}
	return cwd
}

// Start spawns the wrapper process and registers the exit and stdout
// watches. A spawn failure is recorded on the object and logged; IsRunning
// stays false and no error is returned.
func (c *MonitoredCommand) Start() {
	argv := c.wrapperArgv()
	env := c.childEnv()
	cwd := c.ensureCwd()

	pr, pw, err := os.Pipe()
	if err != nil {
		c.recordError(err)
		return
	}

	//nolint:gosec // G204: launching user commands is this type's purpose
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		c.recordError(err)
		log.Error().Err(err).Str("title", c.cfg.Title).Strs("command", argv).
			Msg("failed to execute command")
		return
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	if err := unix.SetNonblock(int(pr.Fd()), true); err != nil {
		log.Warn().Err(err).Msg("failed to set stdout non-blocking")
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.cmd = cmd
	c.stdoutDone = done
	c.isRunning = true
	c.mu.Unlock()

	go c.watchStdout(pr, done)

	if err := c.watcher.Register(cmd.Process.Pid, c.onExit); err != nil {
		// Extremely short-lived process: it exited before registration.
		log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("process gone before exit watch")
		go c.onExit(cmd.Process.Pid)
	}
	log.Debug().Str("title", c.cfg.Title).Int("pid", cmd.Process.Pid).Msg("command started")
}

func (c *MonitoredCommand) recordError(err error) {
	msg := err.Error()
	var errno syscall.Errno
	if errors.As(err, &errno) {
		msg = errno.Error()
	}
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
}

// onExit is invoked once by the exit watch when the wrapper process dies.
func (c *MonitoredCommand) onExit(pid int) {
	c.mu.Lock()
	if c.stopping {
		// Stop() already in progress; it owns the teardown.
		c.mu.Unlock()
		return
	}
	cmd := c.cmd
	c.mu.Unlock()

	if cmd != nil {
		_ = cmd.Wait()
	}

	code, ok := c.readHandoff()

	c.mu.Lock()
	if ok {
		c.returnCode = code
		c.returnCodeSet = true
	}
	c.isRunning = false
	c.mu.Unlock()

	log.Debug().Int("pid", pid).Int("returncode", code).Bool("codeKnown", ok).
		Msg("process has terminated")
	if !c.Stop() {
		log.Info().Msg("full shutdown prevented")
	}
}

// readHandoff reads the exit code from the hand-off file and deletes it.
// The file is missing if the wrapper crashed before writing it; that is
// recoverable, the exit code just stays unknown.
func (c *MonitoredCommand) readHandoff() (int, bool) {
	path := wrapper.HandoffPath(c.runID)
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		log.Warn().Str("path", path).Msg("no exit code hand-off file")
		return 0, false
	}
	if err := c.fs.Remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove hand-off file")
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("malformed exit code hand-off")
		return 0, false
	}
	return code, true
}

// Stop terminates the wrapper process and tears down the watches. It is
// idempotent and safe to call concurrently from a user action and the exit
// notification path; the terminate signal is delivered at most once.
// Returns false when the stop hook vetoed the teardown.
func (c *MonitoredCommand) Stop() bool {
	c.mu.Lock()

	// Prevent the exit notification from re-entering the teardown.
	c.stopping = true

	if !c.terminateSent {
		c.terminateSent = true
		if c.cmd != nil && c.cmd.Process != nil {
			err := c.cmd.Process.Signal(syscall.SIGTERM)
			if err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
				log.Warn().Err(err).Msg("failed to terminate process")
			}
		}
	}
	hook := c.cfg.StopHook
	c.mu.Unlock()

	// The hook runs unlocked so it may query this command's own state.
	if hook != nil && !hook() {
		log.Warn().Msg("stop execution halted by demand of stop hook")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stdoutDone != nil {
		close(c.stdoutDone)
		c.stdoutDone = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.watcher.Cancel(c.cmd.Process.Pid)
	}
	if c.ownWatcher {
		// Cannot block here: the exit path runs on a watcher goroutine.
		go c.watcher.Stop()
		c.ownWatcher = false
	}
	c.isRunning = false
	return true
}

// watchStdout multiplexes the merged stdout+stderr pipe without blocking
// any caller: it polls for readability and dispatches decoded chunks to
// the log handlers until end-of-stream or teardown.
func (c *MonitoredCommand) watchStdout(pr *os.File, done chan struct{}) {
	defer func() { _ = pr.Close() }()

	fd := int32(pr.Fd()) //nolint:gosec // G115: fds are small
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-done:
			// Collect whatever the tree wrote between the last poll and
			// the teardown before letting go of the pipe.
			c.drainStdout(pr, buf)
			return
		default:
		}

		n, err := unix.Poll([]unix.PollFd{{Fd: fd, Events: unix.POLLIN | unix.POLLHUP}}, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Warn().Err(err).Msg("poll error on stdout")
			return
		}
		if n == 0 {
			continue
		}

		read, err := pr.Read(buf)
		if read > 0 {
			c.dispatch(buf[:read])
		}
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			// EOF: every copy of the write end is closed, meaning the
			// whole process tree has let go of its stdout.
			return
		}
	}
}

// drainStdout reads the non-blocking pipe until it runs dry.
func (c *MonitoredCommand) drainStdout(pr *os.File, buf []byte) {
	for {
		read, err := pr.Read(buf)
		if read > 0 {
			c.dispatch(buf[:read])
		}
		if err != nil || read == 0 {
			return
		}
	}
}

// dispatch decodes a chunk and forwards it to every handler in
// registration order. winemenubuilder spam would flood the log and is
// dropped wholesale.
func (c *MonitoredCommand) dispatch(chunk []byte) {
	text := strings.ToValidUTF8(string(chunk), "�")
	if strings.Contains(text, "winemenubuilder.exe") {
		return
	}

	c.bufMu.RLock()
	handlers := make([]LogHandler, len(c.logHandlers))
	copy(handlers, c.logHandlers)
	c.bufMu.RUnlock()

	for _, handler := range handlers {
		handler(text)
	}
}

// appendStdout is the built-in accumulator handler. Filtering happens per
// line so one noisy line does not discard the rest of its chunk.
func (c *MonitoredCommand) appendStdout(chunk string) {
	var kept strings.Builder
	for _, line := range strings.SplitAfter(chunk, "\n") {
		if line == "" || !LogFilter(line) {
			continue
		}
		kept.WriteString(line)
	}
	if kept.Len() == 0 {
		return
	}
	c.bufMu.Lock()
	c.stdoutBuf.WriteString(kept.String())
	c.bufMu.Unlock()
}

// ExecCommand runs an arbitrary shell-style command line under supervision.
func ExecCommand(commandLine string, opts ...Option) (*MonitoredCommand, error) {
	args, err := shellwords.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := New(Config{Command: args}, opts...)
	cmd.Start()
	return cmd, nil
}
