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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"pgregory.net/rapid"
)

// processNameGen generates names spanning the interesting cases: plain game
// processes, built-in system processes, and names longer than the comm limit.
func processNameGen() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"game",
		"game.exe",
		"helper",
		"launcher.exe",
		"wineserver",
		"services.exe",
		"winedevice.exe",
		"a-very-long-process-name-one",
		"a-very-long-process-name-two",
	})
}

func writeRapidProcess(rt *rapid.T, procDir string, pid int, name string, ppid int) {
	pidDir := filepath.Join(procDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		rt.Fatalf("mkdir: %v", err)
	}
	stat := fmt.Sprintf("%d (%s) S %d 0 0 0 -1 4194304 0 0 0 0 0 0 0 0 0 0", pid, name, ppid)
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0o644); err != nil {
		rt.Fatalf("write stat: %v", err)
	}
}

// TestPropertyClassificationPartition verifies that every live descendant
// lands in exactly one of the three buckets.
func TestPropertyClassificationPartition(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		procDir, err := os.MkdirTemp("", "procmonitor-rapid-")
		if err != nil {
			rt.Fatalf("mkdtemp: %v", err)
		}
		defer func() { _ = os.RemoveAll(procDir) }()

		writeRapidProcess(rt, procDir, 1, "init", 0)

		externalCount := rapid.IntRange(0, 3).Draw(rt, "externalCount")
		for i := 0; i < externalCount; i++ {
			writeRapidProcess(rt, procDir, 50+i, processNameGen().Draw(rt, "externalName"), 1)
		}

		exclude := rapid.SliceOfN(processNameGen(), 0, 3).Draw(rt, "exclude")
		include := rapid.SliceOfN(processNameGen(), 0, 2).Draw(rt, "include")
		monitor := New(include, exclude, WithProcPath(procDir))

		writeRapidProcess(rt, procDir, 100, "wrapper", 1)
		childCount := rapid.IntRange(0, 8).Draw(rt, "childCount")
		for i := 0; i < childCount; i++ {
			writeRapidProcess(rt, procDir, 101+i, processNameGen().Draw(rt, "childName"), 100)
		}
		// Reparent some pre-existing processes under the root.
		reparented := rapid.IntRange(0, externalCount).Draw(rt, "reparented")
		for i := 0; i < reparented; i++ {
			writeRapidProcess(rt, procDir, 50+i, processNameGen().Draw(rt, "reparentedName"), 100)
		}

		monitor.Refresh(100)
		cls := monitor.Current()

		reader := monitor.reader
		descendants := reader.Snapshot(100).Descendants()

		total := len(cls.External) + len(cls.Excluded) + len(cls.Monitored)
		if total != len(descendants) {
			rt.Fatalf("bucket union has %d entries, tree has %d descendants", total, len(descendants))
		}
		for _, proc := range descendants {
			count := 0
			if _, ok := cls.External[proc.PID]; ok {
				count++
			}
			if _, ok := cls.Excluded[proc.PID]; ok {
				count++
			}
			if _, ok := cls.Monitored[proc.PID]; ok {
				count++
			}
			if count != 1 {
				rt.Fatalf("pid %d (%s) appears in %d buckets", proc.PID, proc.Name, count)
			}
		}
	})
}

// TestPropertyIncludeOverridesExclude verifies that a name on both lists is
// always monitored.
func TestPropertyIncludeOverridesExclude(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		procDir, err := os.MkdirTemp("", "procmonitor-rapid-")
		if err != nil {
			rt.Fatalf("mkdtemp: %v", err)
		}
		defer func() { _ = os.RemoveAll(procDir) }()

		writeRapidProcess(rt, procDir, 1, "init", 0)

		name := processNameGen().Draw(rt, "name")
		extraExclude := rapid.SliceOfN(processNameGen(), 0, 3).Draw(rt, "extraExclude")

		monitor := New([]string{name}, append(extraExclude, name), WithProcPath(procDir))

		writeRapidProcess(rt, procDir, 100, "wrapper", 1)
		writeRapidProcess(rt, procDir, 101, name, 100)

		monitor.Refresh(100)
		cls := monitor.Current()

		if _, ok := cls.Monitored[101]; !ok {
			rt.Fatalf("included name %q not monitored: excluded=%v", name, cls.Excluded)
		}
	})
}

// TestPropertyTruncatedNamesClassifyIdentically verifies that names sharing
// a comm-length prefix always land in the same bucket.
func TestPropertyTruncatedNamesClassifyIdentically(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		procDir, err := os.MkdirTemp("", "procmonitor-rapid-")
		if err != nil {
			rt.Fatalf("mkdtemp: %v", err)
		}
		defer func() { _ = os.RemoveAll(procDir) }()

		writeRapidProcess(rt, procDir, 1, "init", 0)

		prefix := "fifteen-chars-x" // exactly CommNameLimit long
		suffixA := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "suffixA")
		suffixB := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "suffixB")
		excludeIt := rapid.Bool().Draw(rt, "excludeIt")

		var exclude []string
		if excludeIt {
			exclude = []string{prefix + suffixA}
		}
		monitor := New(nil, exclude, WithProcPath(procDir))

		writeRapidProcess(rt, procDir, 100, "wrapper", 1)
		writeRapidProcess(rt, procDir, 101, prefix+suffixA, 100)
		writeRapidProcess(rt, procDir, 102, prefix+suffixB, 100)

		monitor.Refresh(100)
		cls := monitor.Current()

		_, aExcluded := cls.Excluded[101]
		_, bExcluded := cls.Excluded[102]
		if aExcluded != bExcluded {
			rt.Fatalf("same truncated prefix classified differently: a=%v b=%v", aExcluded, bExcluded)
		}
		if aExcluded != excludeIt {
			rt.Fatalf("exclusion not applied through truncation: got %v want %v", aExcluded, excludeIt)
		}
	})
}
