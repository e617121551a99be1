// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

// Package monitor samples per-task block-I/O counters on a fixed cadence
// and publishes immutable per-tick snapshots.
package monitor

import (
	"fmt"
	"path/filepath"
	"time"
)

// Mode selects the granularity of snapshot entries.
type Mode string

const (
	// ModeThreads keys each kernel thread as its own entry.
	ModeThreads Mode = "threads"
	// ModeProcesses folds thread samples into one entry per thread
	// group.
	ModeProcesses Mode = "processes"
)

// Config controls sampling.
type Config struct {
	// Interval is the refresh period.
	Interval time.Duration
	// Mode selects thread or process granularity.
	Mode Mode
	// PIDFilter, when non-empty, restricts snapshots to the listed
	// processes (matched against both TGID and TID).
	PIDFilter map[int32]struct{}
	// UIDFilter, when non-empty, restricts snapshots to tasks owned by
	// the listed users.
	UIDFilter map[uint32]struct{}
	// HostProcPath is the proc filesystem mount point (useful for
	// containers and tests).
	HostProcPath string
	// HistorySize is how many recent snapshots the scheduler retains.
	HistorySize int
}

// DefaultConfig returns the default sampling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Second,
		Mode:         ModeThreads,
		HostProcPath: "/proc",
		HistorySize:  60,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.Mode == "" {
		c.Mode = defaults.Mode
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.HistorySize
	}
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.HostProcPath) {
		return fmt.Errorf("HostProcPath must be an absolute path, got: %q", c.HostProcPath)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got: %v", c.Interval)
	}
	if c.Mode != ModeThreads && c.Mode != ModeProcesses {
		return fmt.Errorf("unknown mode: %q", c.Mode)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history size must not be negative, got: %d", c.HistorySize)
	}
	return nil
}
