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

package supervisor

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/WardenProject/warden-core/pkg/helpers/syncutil"
)

// PIDSource returns the PIDs currently considered part of the monitored
// tree. Typically bound to the classifier's monitored bucket.
type PIDSource func() []int

// SignalRelay forwards termination requests received by the launching
// application to every process in the monitored tree, not just the direct
// child: the direct child may be a shell or wrapper that would not
// propagate the signal to grandchildren in time.
//
// Construct one at the top of the application and Install it once.
type SignalRelay struct {
	source    PIDSource
	kill      func(pid int, sig syscall.Signal) error
	signals   []os.Signal
	ch        chan os.Signal
	mu        syncutil.Mutex
	installed bool
}

// RelayOption configures a SignalRelay.
type RelayOption func(*SignalRelay)

// WithRelaySignals overrides the relayed signals (for testing).
func WithRelaySignals(signals ...os.Signal) RelayOption {
	return func(r *SignalRelay) {
		r.signals = signals
	}
}

// WithRelayKill overrides the signal delivery function (for testing).
func WithRelayKill(kill func(pid int, sig syscall.Signal) error) RelayOption {
	return func(r *SignalRelay) {
		r.kill = kill
	}
}

// NewSignalRelay creates a relay for the two common termination signals.
func NewSignalRelay(source PIDSource, opts ...RelayOption) *SignalRelay {
	r := &SignalRelay{
		source:  source,
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		kill:    func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install starts intercepting the termination signals and relaying them.
func (r *SignalRelay) Install() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed {
		return
	}
	r.installed = true

	r.ch = make(chan os.Signal, 1)
	signal.Notify(r.ch, r.signals...)

	go func(ch chan os.Signal) {
		for sig := range ch {
			r.Relay(sig)
		}
	}(r.ch)
}

// Restore stops intercepting and restores the previous signal disposition.
func (r *SignalRelay) Restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return
	}
	r.installed = false

	signal.Stop(r.ch)
	close(r.ch)
	r.ch = nil
}

// Relay delivers sig to every still-living member of the monitored tree.
func (r *SignalRelay) Relay(sig os.Signal) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	for _, pid := range r.source() {
		log.Debug().Int("pid", pid).Stringer("signal", sysSig).Msg("relaying signal to process tree")
		err := r.kill(pid, sysSig)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to relay signal")
		}
	}
}
