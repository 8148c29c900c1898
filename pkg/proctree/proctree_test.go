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

package proctree

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMockProcess creates a minimal /proc/<pid> entry with a stat file.
func writeMockProcess(t *testing.T, procDir string, pid int, name string, state byte, ppid int) {
	t.Helper()

	pidDir := filepath.Join(procDir, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))

	stat := fmt.Sprintf("%d (%s) %c %d 0 0 0 -1 4194304 0 0 0 0 0 0 0 0 0 0", pid, name, state, ppid)
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0o644))
}

func TestNewReader(t *testing.T) {
	t.Parallel()

	reader := NewReader()
	assert.Equal(t, "/proc", reader.procPath)

	reader = NewReader(WithProcPath("/custom/proc"))
	assert.Equal(t, "/custom/proc", reader.procPath)
}

func TestSnapshot_MissingRoot(t *testing.T) {
	t.Parallel()

	reader := NewReader(WithProcPath(t.TempDir()))
	proc := reader.Snapshot(12345)

	require.NotNil(t, proc)
	assert.Equal(t, 12345, proc.PID)
	assert.False(t, proc.Alive())
	assert.Empty(t, proc.Children)
}

func TestSnapshot_BuildsTree(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 100, "wrapper", 'S', 1)
	writeMockProcess(t, procDir, 101, "game", 'S', 100)
	writeMockProcess(t, procDir, 102, "helper", 'S', 101)
	writeMockProcess(t, procDir, 103, "unrelated", 'S', 1)

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(100)

	require.True(t, root.Alive())
	assert.Equal(t, "wrapper", root.Name)
	require.Len(t, root.Children, 1)

	game := root.Children[0]
	assert.Equal(t, 101, game.PID)
	assert.Equal(t, "game", game.Name)
	require.Len(t, game.Children, 1)
	assert.Equal(t, "helper", game.Children[0].Name)
}

func TestSnapshot_ChildrenOrderedByPID(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 50, "parent", 'S', 1)
	writeMockProcess(t, procDir, 99, "late", 'S', 50)
	writeMockProcess(t, procDir, 51, "early", 'S', 50)
	writeMockProcess(t, procDir, 70, "middle", 'S', 50)

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(50)

	require.Len(t, root.Children, 3)
	assert.Equal(t, []int{51, 70, 99}, []int{
		root.Children[0].PID, root.Children[1].PID, root.Children[2].PID,
	})
}

func TestSnapshot_NameWithSpacesAndParens(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 200, "my game (x)", 'S', 1)

	reader := NewReader(WithProcPath(procDir))
	proc := reader.Snapshot(200)

	assert.Equal(t, "my game (x)", proc.Name)
}

func TestSnapshot_NameTruncatedToCommLimit(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 201, "a-very-long-process-name", 'S', 1)

	reader := NewReader(WithProcPath(procDir))
	proc := reader.Snapshot(201)

	assert.Len(t, proc.Name, CommNameLimit)
	assert.Equal(t, "a-very-long-pro", proc.Name)
}

func TestSnapshot_ZombieState(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 300, "parent", 'S', 1)
	writeMockProcess(t, procDir, 301, "dead", 'Z', 300)

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(300)

	require.Len(t, root.Children, 1)
	assert.True(t, root.Children[0].Zombie())
}

func TestSnapshot_CorruptStatDropped(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 400, "parent", 'S', 1)

	pidDir := filepath.Join(procDir, "401")
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte("garbage"), 0o644))

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(400)

	assert.Empty(t, root.Children)
}

func TestSnapshot_VanishedProcessDropped(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 500, "parent", 'S', 1)
	// Directory exists but the stat file is gone, as happens when a process
	// exits between the table listing and the detail read.
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "501"), 0o755))

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(500)

	assert.Empty(t, root.Children)
}

func TestDescendants(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 10, "root", 'S', 1)
	writeMockProcess(t, procDir, 11, "a", 'S', 10)
	writeMockProcess(t, procDir, 12, "b", 'S', 11)
	writeMockProcess(t, procDir, 13, "c", 'S', 10)

	reader := NewReader(WithProcPath(procDir))
	root := reader.Snapshot(10)

	descendants := root.Descendants()
	pids := make([]int, 0, len(descendants))
	for _, d := range descendants {
		pids = append(pids, d.PID)
	}
	assert.Equal(t, []int{11, 12, 13}, pids)
}

func TestAllPIDs(t *testing.T) {
	t.Parallel()

	procDir := t.TempDir()
	writeMockProcess(t, procDir, 1, "init", 'S', 0)
	writeMockProcess(t, procDir, 42, "game", 'S', 1)
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "sys"), 0o755))

	reader := NewReader(WithProcPath(procDir))
	pids := reader.AllPIDs()

	assert.ElementsMatch(t, []int{1, 42}, pids)
}
