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

// warden-wrapper is the subreaper shim the launcher puts between itself
// and the game command. It is not meant to be invoked by hand.
//
// Usage:
//
//	warden-wrapper <title> <include-count> <exclude-count> \
//	    [include-names...] [exclude-names...] <command> [args...]
package main

import (
	"fmt"
	"os"

	"github.com/WardenProject/warden-core/pkg/wrapper"
)

func main() {
	args, err := wrapper.ParseArgs(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	os.Exit(wrapper.Run(args))
}
