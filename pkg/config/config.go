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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WardenProject/warden-core/pkg/helpers/syncutil"
)

const (
	SchemaVersion = 1
	CfgEnv        = "WARDEN_CFG"
	CfgFile       = "config.toml"
	LogFile       = "warden.log"
)

type Values struct {
	Monitor      Monitor `toml:"monitor,omitempty"`
	Launch       Launch  `toml:"launch,omitempty"`
	ConfigSchema int     `toml:"config_schema"`
	DebugLogging bool    `toml:"debug_logging"`
}

// Monitor configures process tree classification and exit watching.
type Monitor struct {
	IncludeProcesses []string `toml:"include_processes,omitempty,multiline"`
	ExcludeProcesses []string `toml:"exclude_processes,omitempty,multiline"`
	PollIntervalMS   int      `toml:"poll_interval_ms,omitempty"`
}

// Launch configures how commands are started.
type Launch struct {
	WrapperPath string   `toml:"wrapper_path,omitempty"`
	WorkingDir  string   `toml:"working_dir,omitempty"`
	Terminal    []string `toml:"terminal,omitempty"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Monitor: Monitor{
		PollIntervalMS: 2000,
	},
}

type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

//nolint:gocritic // config struct copied for immutability
func NewConfig(configDir string, defaults Values) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	log.Debug().Msgf("env config path: %s", cfgPath)

	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := Instance{
		mu:       syncutil.RWMutex{},
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Msg("saving new default config to disk")

		err := os.MkdirAll(filepath.Dir(cfgPath), 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}

		err = cfg.Save()
		if err != nil {
			return nil, err
		}
	}

	err := cfg.Load()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	if _, err := os.Stat(c.cfgPath); err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then unmarshal file values on top.
	// This ensures fields not present in the file retain their default values.
	newVals := c.defaults
	err = toml.Unmarshal(data, &newVals)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return errors.New("schema version mismatch")
	}

	c.vals = newVals

	if c.vals.DebugLogging {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	// set current schema version
	c.vals.ConfigSchema = SchemaVersion

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) IncludeProcesses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.Monitor.IncludeProcesses...)
}

func (c *Instance) SetIncludeProcesses(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Monitor.IncludeProcesses = names
}

func (c *Instance) ExcludeProcesses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.Monitor.ExcludeProcesses...)
}

func (c *Instance) SetExcludeProcesses(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Monitor.ExcludeProcesses = names
}

// PollInterval returns the exit watch fallback poll interval.
func (c *Instance) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := c.vals.Monitor.PollIntervalMS
	if ms <= 0 {
		ms = BaseDefaults.Monitor.PollIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Instance) WrapperPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.WrapperPath
}

func (c *Instance) WorkingDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.WorkingDir
}

func (c *Instance) Terminal() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.Launch.Terminal...)
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
	if enabled {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
