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

package wrapper

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		argv    []string
		want    Args
		wantErr bool
	}{
		{
			name: "no_lists",
			argv: []string{"My Game", "0", "0", "/bin/true"},
			want: Args{
				Title:            "My Game",
				IncludeProcesses: []string{},
				ExcludeProcesses: []string{},
				Command:          []string{"/bin/true"},
			},
		},
		{
			name: "include_and_exclude",
			argv: []string{"t", "2", "1", "game.exe", "helper", "services.exe", "/usr/bin/wine", "game.exe"},
			want: Args{
				Title:            "t",
				IncludeProcesses: []string{"game.exe", "helper"},
				ExcludeProcesses: []string{"services.exe"},
				Command:          []string{"/usr/bin/wine", "game.exe"},
			},
		},
		{
			name: "names_with_spaces",
			argv: []string{"t", "1", "0", "My Game.exe", "/bin/sh", "-c", "true"},
			want: Args{
				Title:            "t",
				IncludeProcesses: []string{"My Game.exe"},
				ExcludeProcesses: []string{},
				Command:          []string{"/bin/sh", "-c", "true"},
			},
		},
		{name: "too_few_arguments", argv: []string{"t", "0"}, wantErr: true},
		{name: "bad_include_count", argv: []string{"t", "x", "0", "/bin/true"}, wantErr: true},
		{name: "negative_exclude_count", argv: []string{"t", "0", "-1", "/bin/true"}, wantErr: true},
		{name: "counts_exceed_args", argv: []string{"t", "5", "0", "one"}, wantErr: true},
		{name: "missing_command", argv: []string{"t", "1", "0", "game.exe"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseArgs(tt.argv)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandoffPath(t *testing.T) {
	t.Parallel()

	path := HandoffPath("abc-123")
	assert.Contains(t, path, "warden-abc-123")
}

func TestReapDescendant_SkipsDirectChild(t *testing.T) {
	t.Parallel()

	var reaped []int
	r := &runner{
		reap:     func(pid int) { reaped = append(reaped, pid) },
		childPID: 42,
	}

	// The direct child's status belongs to the command wait, not the
	// zombie reaper a classification refresh runs.
	r.reapDescendant(42)
	r.reapDescendant(43)
	r.reapDescendant(44)
	assert.Equal(t, []int{43, 44}, reaped)
}

func TestReapDescendant_NoChildYet(t *testing.T) {
	t.Parallel()

	var reaped []int
	r := &runner{
		reap: func(pid int) { reaped = append(reaped, pid) },
	}

	r.reapDescendant(42)
	assert.Equal(t, []int{42}, reaped)
}

func TestRun_ExitCodePropagated(t *testing.T) {
	fs := afero.NewMemMapFs()
	args := Args{
		Title:   "exit-code",
		Command: []string{"/bin/sh", "-c", "exit 7"},
	}

	code := Run(args, WithFs(fs))
	assert.Equal(t, 7, code)
}

func TestRun_WritesHandoffFile(t *testing.T) {
	t.Setenv(RunIDEnv, "test-run-id")

	fs := afero.NewMemMapFs()
	args := Args{
		Title:   "handoff",
		Command: []string{"/bin/sh", "-c", "exit 3"},
	}

	code := Run(args, WithFs(fs))
	assert.Equal(t, 3, code)

	data, err := afero.ReadFile(fs, HandoffPath("test-run-id"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestRun_NoRunID_NoHandoff(t *testing.T) {
	t.Setenv(RunIDEnv, "")

	fs := afero.NewMemMapFs()
	args := Args{
		Title:   "no-id",
		Command: []string{"/bin/true"},
	}

	code := Run(args, WithFs(fs))
	assert.Equal(t, 0, code)

	empty, err := afero.IsEmpty(fs, "/")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRun_SpawnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	args := Args{
		Title:   "missing",
		Command: []string{"/nonexistent/binary"},
	}

	code := Run(args, WithFs(fs))
	assert.Equal(t, 1, code)
}

func TestRun_SignalExitMapped(t *testing.T) {
	fs := afero.NewMemMapFs()
	args := Args{
		Title:   "killed",
		Command: []string{"/bin/sh", "-c", "kill -TERM $$"},
	}

	code := Run(args, WithFs(fs))
	// Death by signal maps to the shell convention.
	assert.Equal(t, 128+15, code)
}
