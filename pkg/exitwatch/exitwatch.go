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

// Package exitwatch delivers asynchronous process-exit notifications using
// pidfd_open on Linux 5.3+, falling back to polling when pidfd is
// unavailable. Each registered callback fires at most once and is removed
// on delivery.
package exitwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/WardenProject/warden-core/pkg/helpers/syncutil"
)

// ErrProcessNotFound is returned when a process doesn't exist.
var ErrProcessNotFound = errors.New("process not found")

// DefaultPollInterval is the interval for fallback polling.
const DefaultPollInterval = 2 * time.Second

// ExitCallback is called once when a watched process exits.
type ExitCallback func(pid int)

type watchedProcess struct {
	callback ExitCallback
	cancel   context.CancelFunc
	pid      int
	pidfd    int
}

// Watcher is the exit-notification registry: PID to completion callback,
// fires-and-removes-once.
type Watcher struct {
	watched      map[int]*watchedProcess
	done         chan struct{}
	clock        clockwork.Clock
	wg           sync.WaitGroup
	pollInterval time.Duration
	mu           syncutil.Mutex
	usePidfd     bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock used by fallback polling (for testing).
func WithClock(clock clockwork.Clock) Option {
	return func(w *Watcher) {
		w.clock = clock
	}
}

// WithPollInterval sets the fallback polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// New creates an exit watcher. It automatically detects whether pidfd_open
// is available.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		watched:      make(map[int]*watchedProcess),
		done:         make(chan struct{}),
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		usePidfd:     checkPidfdSupport(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.usePidfd {
		log.Debug().Msg("exitwatch: using pidfd_open for exit notification")
	} else {
		log.Debug().Msg("exitwatch: pidfd_open unavailable, using poll fallback")
	}
	return w
}

// Register watches a process and calls the callback once when it exits.
// Registering a PID that is already watched is a no-op. Returns
// ErrProcessNotFound if the process doesn't exist.
func (w *Watcher) Register(pid int, callback ExitCallback) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watched[pid]; exists {
		return nil
	}

	if err := syscall.Kill(pid, 0); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessNotFound
		}
		return fmt.Errorf("check process %d: %w", pid, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &watchedProcess{
		pid:      pid,
		pidfd:    -1,
		callback: callback,
		cancel:   cancel,
	}

	if w.usePidfd {
		fd, err := unix.PidfdOpen(pid, 0)
		if err != nil {
			// Process may have exited between check and pidfd_open.
			if errors.Is(err, unix.ESRCH) {
				cancel()
				return ErrProcessNotFound
			}
			log.Debug().Err(err).Int("pid", pid).Msg("pidfd_open failed, using poll fallback")
		} else {
			wp.pidfd = fd
		}
	}

	w.watched[pid] = wp

	w.wg.Add(1)
	if wp.pidfd >= 0 {
		go w.watchPidfd(ctx, wp)
	} else {
		go w.watchPoll(ctx, wp)
	}

	return nil
}

// Cancel stops watching a process without firing its callback.
func (w *Watcher) Cancel(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if wp, exists := w.watched[pid]; exists {
		wp.cancel()
		if wp.pidfd >= 0 {
			_ = unix.Close(wp.pidfd)
		}
		delete(w.watched, pid)
	}
}

// Stop cancels all watches and waits for goroutines to finish.
func (w *Watcher) Stop() {
	close(w.done)

	w.mu.Lock()
	for _, wp := range w.watched {
		wp.cancel()
		if wp.pidfd >= 0 {
			_ = unix.Close(wp.pidfd)
		}
	}
	w.watched = make(map[int]*watchedProcess)
	w.mu.Unlock()

	w.wg.Wait()
}

// watchPidfd waits on a pidfd with poll() for exit notification.
func (w *Watcher) watchPidfd(ctx context.Context, wp *watchedProcess) {
	defer w.wg.Done()

	pollFds := []unix.PollFd{
		{Fd: int32(wp.pidfd), Events: unix.POLLIN}, //nolint:gosec // pidfd is always small
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		// Poll with 100ms timeout to allow cancellation checks.
		n, err := unix.Poll(pollFds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Warn().Err(err).Int("pid", wp.pid).Msg("poll error on pidfd")
			return
		}

		if n > 0 && pollFds[0].Revents&unix.POLLIN != 0 {
			w.handleExit(wp)
			return
		}
	}
}

// watchPoll uses periodic kill(pid, 0) as fallback.
func (w *Watcher) watchPoll(ctx context.Context, wp *watchedProcess) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.Chan():
			if err := syscall.Kill(wp.pid, 0); err != nil {
				if errors.Is(err, syscall.ESRCH) {
					w.handleExit(wp)
					return
				}
				log.Warn().Err(err).Int("pid", wp.pid).Msg("kill(0) error")
			}
		}
	}
}

// handleExit removes the registration and fires the callback exactly once.
func (w *Watcher) handleExit(wp *watchedProcess) {
	w.mu.Lock()
	// Cancel may have raced us here.
	if _, exists := w.watched[wp.pid]; !exists {
		w.mu.Unlock()
		return
	}
	wp.cancel()
	if wp.pidfd >= 0 {
		_ = unix.Close(wp.pidfd)
	}
	delete(w.watched, wp.pid)
	w.mu.Unlock()

	log.Debug().Int("pid", wp.pid).Msg("watched process exited")
	if wp.callback != nil {
		wp.callback(wp.pid)
	}
}

// checkPidfdSupport tests if pidfd_open is available.
func checkPidfdSupport() bool {
	fd, err := unix.PidfdOpen(syscall.Getpid(), 0)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
}
