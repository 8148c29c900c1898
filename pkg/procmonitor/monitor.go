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

// Package procmonitor classifies the descendants of a monitored root process
// into external, excluded and monitored buckets, and detects changes in the
// tree composition across polls.
package procmonitor

import (
	"fmt"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog/log"

	"github.com/WardenProject/warden-core/pkg/proctree"
)

// systemProcesses are treated as sufficiently self-managing by the monitor.
// They are not considered game processes when deciding whether a game is
// still running, and no signal is ever sent to them. Letting the wine
// service processes tear themselves down makes wine games exit faster.
var systemProcesses = map[string]bool{
	"wineserver":     true,
	"services.exe":   true,
	"winedevice.exe": true,
	"plugplay.exe":   true,
	"explorer.exe":   true,
	"wineconsole":    true,
	"svchost.exe":    true,
	"rpcss.exe":      true,
	"rundll32.exe":   true,
	"mscorsvw.exe":   true,
	"iexplore.exe":   true,
	"start.exe":      true,
	"winedbg.exe":    true,
}

// SupplementalProcessSource supplies extra PIDs that belong to a launch but
// are not OS-level descendants of the monitored root. Wine's loader produces
// such processes when wineserver reparents them.
type SupplementalProcessSource interface {
	// SupplementalPIDs returns PIDs known to belong to the current launch.
	SupplementalPIDs() []int
}

// Classification is one immutable poll result. Every live descendant of the
// monitored root lands in exactly one of the three buckets, keyed by PID
// with the truncated comm name as value.
type Classification struct {
	// External processes existed before monitoring started and must never
	// be acted on.
	External map[int]string
	// Excluded processes match the exclusion lists and are tracked for
	// visibility only.
	Excluded map[int]string
	// Monitored processes are the game and its true children.
	Monitored map[int]string
}

func newClassification() Classification {
	return Classification{
		External:  make(map[int]string),
		Excluded:  make(map[int]string),
		Monitored: make(map[int]string),
	}
}

// Equal reports whether both classifications hold the same PIDs in every
// bucket.
func (c Classification) Equal(other Classification) bool {
	return samePIDs(c.External, other.External) &&
		samePIDs(c.Excluded, other.Excluded) &&
		samePIDs(c.Monitored, other.Monitored)
}

func samePIDs(a, b map[int]string) bool {
	if len(a) != len(b) {
		return false
	}
	for pid := range a {
		if _, ok := b[pid]; !ok {
			return false
		}
	}
	return true
}

// MonitoredCount returns how many processes currently count as the game.
func (c Classification) MonitoredCount() int {
	return len(c.Monitored)
}

// ParseProcessList tokenizes a process name list that may be given as a
// single shell-style string, so quoted multi-word process names survive.
func ParseProcessList(list string) ([]string, error) {
	if list == "" {
		return nil, nil
	}
	names, err := shellwords.Parse(list)
	if err != nil {
		return nil, fmt.Errorf("parse process list %q: %w", list, err)
	}
	return names, nil
}

// truncateName cuts a process name to the kernel comm field length, the same
// truncation /proc applies. User-supplied lists must match truncated names.
func truncateName(name string) string {
	if len(name) > proctree.CommNameLimit {
		return name[:proctree.CommNameLimit]
	}
	return name
}

// Monitor owns the include/exclude policy for one monitored root and the
// change-detection state between polls. All polls happen serially; Monitor
// is not safe for concurrent use.
type Monitor struct {
	reader          *proctree.Reader
	unmonitored     map[string]bool
	externalPIDs    map[int]bool
	supplemental    SupplementalProcessSource
	reap            func(pid int)
	previous        Classification
	terminalScript  string
	sawTerminalTree bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProcPath sets a custom /proc path (for testing).
func WithProcPath(path string) Option {
	return func(m *Monitor) {
		m.reader = proctree.NewReader(proctree.WithProcPath(path))
	}
}

// WithReaper sets the non-blocking wait hook invoked for every zombie child
// found during a poll. Only the process that actually parents the children
// (the wrapper) can reap them; the default is a no-op.
func WithReaper(reap func(pid int)) Option {
	return func(m *Monitor) {
		m.reap = reap
	}
}

// WithSupplementalSource merges PIDs from an extra source into the monitored
// set on every poll. Required for wine-family launches.
func WithSupplementalSource(src SupplementalProcessSource) Option {
	return func(m *Monitor) {
		m.supplemental = src
	}
}

// WithTerminalScript ignores all children until a descendant with the given
// script name appears. When a game runs inside a terminal emulator, the
// emulator's own startup processes would otherwise be misclassified as game
// processes.
func WithTerminalScript(name string) Option {
	return func(m *Monitor) {
		m.terminalScript = truncateName(name)
	}
}

// New creates a process monitor. Names from excludeProcesses and the
// built-in system process list are excluded unless they also appear in
// includeProcesses, which always wins. Both lists are matched against
// comm names, so every entry is truncated to the kernel comm length.
//
// The system-wide PID snapshot that defines the "external" bucket is taken
// here, so a Monitor must be constructed before the monitored command is
// launched.
func New(includeProcesses, excludeProcesses []string, opts ...Option) *Monitor {
	m := &Monitor{
		reader:   proctree.NewReader(),
		reap:     func(int) {},
		previous: newClassification(),
	}
	for _, opt := range opts {
		opt(m)
	}

	include := make(map[string]bool, len(includeProcesses))
	for _, name := range includeProcesses {
		include[truncateName(name)] = true
	}

	m.unmonitored = make(map[string]bool, len(excludeProcesses)+len(systemProcesses))
	for name := range systemProcesses {
		m.unmonitored[truncateName(name)] = true
	}
	for _, name := range excludeProcesses {
		m.unmonitored[truncateName(name)] = true
	}
	for name := range include {
		delete(m.unmonitored, name)
	}

	m.externalPIDs = make(map[int]bool)
	for _, pid := range m.reader.AllPIDs() {
		m.externalPIDs[pid] = true
	}

	return m
}

// Current returns the classification from the most recent Refresh call.
func (m *Monitor) Current() Classification {
	return m.previous
}

// IsGameAlive reports whether at least one monitored process existed at the
// last poll.
func (m *Monitor) IsGameAlive() bool {
	return m.previous.MonitoredCount() > 0
}

// Refresh recomputes the classification for the live tree rooted at rootPID
// and reports whether any bucket's membership changed since the previous
// call. A root that no longer exists yields an empty classification and
// false; that is the normal end-of-life signal, not an error.
func (m *Monitor) Refresh(rootPID int) bool {
	root := m.reader.Snapshot(rootPID)
	if !root.Alive() {
		m.previous = newClassification()
		return false
	}

	current := m.classify(root)
	changed := !current.Equal(m.previous)
	m.previous = current
	return changed
}

func (m *Monitor) classify(root *proctree.Process) Classification {
	cls := newClassification()

	descendants := root.Descendants()

	if m.terminalScript != "" && !m.sawTerminalTree {
		for _, proc := range descendants {
			if proc.Name == m.terminalScript {
				m.sawTerminalTree = true
				break
			}
		}
		if !m.sawTerminalTree {
			// Still in terminal emulator startup; nothing to classify yet.
			return cls
		}
	}

	for _, proc := range descendants {
		if proc.Zombie() {
			m.reap(proc.PID)
			continue
		}
		m.bucket(cls, proc.PID, proc.Name)
	}

	if m.supplemental != nil {
		for _, pid := range m.supplemental.SupplementalPIDs() {
			if cls.has(pid) {
				continue
			}
			proc, ok := m.reader.Lookup(pid)
			if !ok {
				continue
			}
			if proc.Zombie() {
				m.reap(pid)
				continue
			}
			m.bucket(cls, pid, proc.Name)
		}
	}

	log.Trace().
		Int("external", len(cls.External)).
		Int("excluded", len(cls.Excluded)).
		Int("monitored", len(cls.Monitored)).
		Msg("classified process tree")

	return cls
}

func (m *Monitor) bucket(cls Classification, pid int, name string) {
	switch {
	case m.externalPIDs[pid]:
		cls.External[pid] = name
	case m.unmonitored[name]:
		cls.Excluded[pid] = name
	default:
		cls.Monitored[pid] = name
	}
}

func (c Classification) has(pid int) bool {
	_, external := c.External[pid]
	_, excluded := c.Excluded[pid]
	_, monitored := c.Monitored[pid]
	return external || excluded || monitored
}
