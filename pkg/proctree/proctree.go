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

// Package proctree reads point-in-time process trees from /proc.
// Each snapshot is built from a single pass over the process table and is
// never updated afterwards; callers take a fresh snapshot per poll.
package proctree

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// CommNameLimit is the maximum length of a process name as exposed by the
// kernel's comm field. Longer executable names are truncated to this many
// characters in /proc, so anything matching against process names must
// truncate the same way.
const CommNameLimit = 15

// StateZombie is the process state code for a terminated process that has
// not been reaped by its parent yet.
const StateZombie = 'Z'

// Process is one OS process at the time a snapshot was taken.
type Process struct {
	// Name is the comm name, at most CommNameLimit characters.
	Name string
	// Children are the processes whose parent PID equals PID, ordered by PID.
	Children []*Process
	PID      int
	// State is the single-character state code from /proc/<pid>/stat, or 0
	// if the process did not exist when the snapshot was taken.
	State byte
}

// Alive reports whether the process existed at snapshot time.
func (p *Process) Alive() bool {
	return p.State != 0
}

// Zombie reports whether the process was terminated but not yet reaped.
func (p *Process) Zombie() bool {
	return p.State == StateZombie
}

// Descendants returns every process below p in pre-order, not including p.
func (p *Process) Descendants() []*Process {
	var out []*Process
	var walk func(*Process)
	walk = func(proc *Process) {
		for _, child := range proc.Children {
			out = append(out, child)
			walk(child)
		}
	}
	walk(p)
	return out
}

func (p *Process) String() string {
	return p.Name + " (" + strconv.Itoa(p.PID) + ":" + string(rune(p.State)) + ")"
}

// Reader takes process-tree snapshots from a proc filesystem.
type Reader struct {
	procPath string
}

// Option configures a Reader.
type Option func(*Reader)

// WithProcPath sets a custom /proc path (for testing).
func WithProcPath(path string) Option {
	return func(r *Reader) {
		r.procPath = path
	}
}

// NewReader creates a process snapshot reader.
func NewReader(opts ...Option) *Reader {
	r := &Reader{procPath: "/proc"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tableEntry struct {
	name  string
	ppid  int
	state byte
}

// Snapshot builds the process tree rooted at pid. If the process does not
// exist the returned record is a dead placeholder with Alive() == false
// rather than an error, since a vanished root is the normal end-of-life
// signal for callers.
func (r *Reader) Snapshot(pid int) *Process {
	table := r.readTable()

	entry, ok := table[pid]
	if !ok {
		return &Process{PID: pid}
	}

	childPIDs := make(map[int][]int, len(table))
	for childPID, e := range table {
		childPIDs[e.ppid] = append(childPIDs[e.ppid], childPID)
	}
	for _, pids := range childPIDs {
		sort.Ints(pids)
	}

	var build func(pid int, entry tableEntry) *Process
	build = func(pid int, entry tableEntry) *Process {
		proc := &Process{
			PID:   pid,
			Name:  entry.name,
			State: entry.state,
		}
		for _, childPID := range childPIDs[pid] {
			if childPID == pid {
				continue
			}
			proc.Children = append(proc.Children, build(childPID, table[childPID]))
		}
		return proc
	}
	return build(pid, entry)
}

// Lookup reads a single process record without resolving children.
func (r *Reader) Lookup(pid int) (*Process, bool) {
	entry, ok := r.readStat(pid)
	if !ok {
		return nil, false
	}
	return &Process{
		PID:   pid,
		Name:  entry.name,
		State: entry.state,
	}, true
}

// AllPIDs returns every PID currently present in the process table.
func (r *Reader) AllPIDs() []int {
	entries, err := os.ReadDir(r.procPath)
	if err != nil {
		return nil
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// readTable scans the whole process table once. Processes that vanish
// between the directory listing and the stat read are dropped; process
// tables are inherently racy snapshots.
func (r *Reader) readTable() map[int]tableEntry {
	entries, err := os.ReadDir(r.procPath)
	if err != nil {
		return nil
	}

	table := make(map[int]tableEntry, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		statEntry, ok := r.readStat(pid)
		if !ok {
			continue
		}
		table[pid] = statEntry
	}
	return table
}

// readStat parses /proc/<pid>/stat. The comm field is surrounded by
// parentheses and may itself contain spaces or parentheses, so the name is
// everything between the first "(" and the last ")".
func (r *Reader) readStat(pid int) (tableEntry, bool) {
	statPath := filepath.Join(r.procPath, strconv.Itoa(pid), "stat")
	data, err := os.ReadFile(statPath) //nolint:gosec // G304: procPath is controlled
	if err != nil {
		return tableEntry{}, false
	}

	stat := string(data)
	open := strings.Index(stat, "(")
	closing := strings.LastIndex(stat, ")")
	if open < 0 || closing < 0 || closing < open {
		return tableEntry{}, false
	}

	name := stat[open+1 : closing]
	if len(name) > CommNameLimit {
		name = name[:CommNameLimit]
	}

	// Fields after the comm name: state, ppid, pgrp, ...
	fields := strings.Fields(stat[closing+1:])
	if len(fields) < 2 {
		return tableEntry{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return tableEntry{}, false
	}

	return tableEntry{
		name:  name,
		state: fields[0][0],
		ppid:  ppid,
	}, true
}
