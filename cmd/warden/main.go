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

// warden launches a command under subreaper supervision and reports its
// real exit code, even when the command is a launcher that forks the
// actual game and exits early.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WardenProject/warden-core/pkg/config"
	"github.com/WardenProject/warden-core/pkg/helpers"
	"github.com/WardenProject/warden-core/pkg/procmonitor"
	"github.com/WardenProject/warden-core/pkg/supervisor"
)

func main() {
	code, err := run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "warden")
	}
	return filepath.Join(dir, "warden")
}

func run() (int, error) {
	configDir := flag.String("config-dir", defaultConfigDir(), "configuration directory")
	title := flag.String("title", "", "display title for the launched command")
	include := flag.String("include", "", "extra process names to monitor")
	exclude := flag.String("exclude", "", "process names to ignore")
	workDir := flag.String("dir", "", "working directory for the command")
	terminal := flag.Bool("terminal", false, "run the command inside the configured terminal")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	command := flag.Args()
	if len(command) == 0 {
		return 0, errors.New("no command given")
	}

	if err := helpers.InitLogging(*configDir, []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	}); err != nil {
		return 0, fmt.Errorf("failed to initialize logging: %w", err)
	}

	cfg, err := config.NewConfig(*configDir, config.BaseDefaults)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	if *debug {
		cfg.SetDebugLogging(true)
	}

	includeNames, err := procmonitor.ParseProcessList(*include)
	if err != nil {
		return 0, fmt.Errorf("invalid include list: %w", err)
	}
	excludeNames, err := procmonitor.ParseProcessList(*exclude)
	if err != nil {
		return 0, fmt.Errorf("invalid exclude list: %w", err)
	}

	launchCfg := supervisor.Config{
		Command:          command,
		Title:            *title,
		Cwd:              *workDir,
		IncludeProcesses: append(cfg.IncludeProcesses(), includeNames...),
		ExcludeProcesses: append(cfg.ExcludeProcesses(), excludeNames...),
	}
	if launchCfg.Cwd == "" {
		launchCfg.Cwd = cfg.WorkingDir()
	}
	if *terminal {
		term := cfg.Terminal()
		if len(term) == 0 {
			return 0, errors.New("no terminal configured")
		}
		launchCfg.Terminal = append(term, command...)
	}

	var opts []supervisor.Option
	if path := cfg.WrapperPath(); path != "" {
		opts = append(opts, supervisor.WithWrapperPath(path))
	}

	cmd := supervisor.New(launchCfg, opts...)
	cmd.AddLogHandler(func(chunk string) {
		_, _ = os.Stdout.WriteString(chunk)
	})

	// The external-PID snapshot must predate the launch.
	monitor := procmonitor.New(launchCfg.IncludeProcesses, launchCfg.ExcludeProcesses)

	relay := supervisor.NewSignalRelay(func() []int {
		pid := cmd.PID()
		if pid == 0 {
			return nil
		}
		monitor.Refresh(pid)
		pids := []int{pid}
		for monitored := range monitor.Current().Monitored {
			pids = append(pids, monitored)
		}
		return pids
	})
	relay.Install()
	defer relay.Restore()

	cmd.Start()
	if msg := cmd.Error(); msg != "" {
		return 0, errors.New(msg)
	}

	for cmd.IsRunning() {
		time.Sleep(100 * time.Millisecond)
	}

	code, ok := cmd.ReturnCode()
	if !ok {
		log.Warn().Msg("exit code unknown, assuming success")
		return 0, nil
	}
	if code != 0 {
		log.Info().Int("returncode", code).Msg("command exited with error")
	}
	return code, nil
}
