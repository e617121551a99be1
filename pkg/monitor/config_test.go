// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, ModeThreads, cfg.Mode)
	assert.Equal(t, "/proc", cfg.HostProcPath)
	assert.Equal(t, 60, cfg.HistorySize)
}

func TestConfigApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Interval:     250 * time.Millisecond,
		Mode:         ModeProcesses,
		HostProcPath: "/host/proc",
		HistorySize:  5,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, ModeProcesses, cfg.Mode)
	assert.Equal(t, "/host/proc", cfg.HostProcPath)
	assert.Equal(t, 5, cfg.HistorySize)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "relative proc path",
			mutate:  func(c *Config) { c.HostProcPath = "proc" },
			wantErr: "absolute",
		},
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.Interval = -time.Second },
			wantErr: "interval",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = Mode("tasks") },
			wantErr: "unknown mode",
		},
		{
			name:    "negative history",
			mutate:  func(c *Config) { c.HistorySize = -1 },
			wantErr: "history",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
