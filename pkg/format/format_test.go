// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package format_test

import (
	"testing"

	"github.com/andpuqing/iotop/pkg/format"
	"github.com/stretchr/testify/assert"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want string
	}{
		{name: "zero", size: 0, want: "0.00 B"},
		{name: "bytes", size: 512, want: "512.00 B"},
		{name: "one kilobyte stays in bytes", size: 1024, want: "1024.00 B"},
		{name: "two kilobytes", size: 2048, want: "2.00 K"},
		{name: "page", size: 4096, want: "4.00 K"},
		{name: "megabytes", size: 5 * 1024 * 1024, want: "5.00 M"},
		{name: "gigabytes", size: 3 * 1024 * 1024 * 1024, want: "3.00 G"},
		{name: "negative", size: -2048, want: "-2.00 K"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, format.HumanSize(tt.size))
		})
	}
}

func TestBandwidth(t *testing.T) {
	assert.Equal(t, "4.00 K/s", format.Bandwidth(4096, 1.0))
	assert.Equal(t, "2.00 K/s", format.Bandwidth(4096, 2.0))
	assert.Equal(t, "0.00 B/s", format.Bandwidth(4096, 0))
}

func TestDelayPercent(t *testing.T) {
	// 500ms of delay over a 1s interval is 50%.
	assert.Equal(t, "50.00 %", format.DelayPercent(500_000_000, 1.0))
	assert.Equal(t, "0.00 %", format.DelayPercent(0, 1.0))
	assert.Equal(t, "0.00 %", format.DelayPercent(1_000_000, 0))
	// Delays beyond the interval are capped.
	assert.Equal(t, "99.99 %", format.DelayPercent(5_000_000_000, 1.0))
}
