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

package procmonitor

import (
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// WineSource finds processes launched through a specific wine binary.
// Wine's loader can produce processes that are not OS-level descendants of
// the launching process, so the classifier merges these in as extra
// monitored roots. The binary path may differ from plain "wine" when a
// custom build is in use.
type WineSource struct {
	// Binary is the absolute path of the wine executable in use.
	Binary string
}

// SupplementalPIDs implements SupplementalProcessSource by scanning the
// process table for processes executing the wine binary.
func (s *WineSource) SupplementalPIDs() []int {
	if s.Binary == "" {
		return nil
	}

	procs, err := process.Processes()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list processes for wine scan")
		return nil
	}

	var pids []int
	for _, p := range procs {
		exe, err := p.Exe()
		if err == nil && exe == s.Binary {
			pids = append(pids, int(p.Pid))
			continue
		}
		cmdline, err := p.CmdlineSlice()
		if err == nil && len(cmdline) > 0 && cmdline[0] == s.Binary {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids
}
