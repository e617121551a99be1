// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package format renders byte counts, bandwidths, and delay percentages
// the way iotop displays them.
package format

import (
	"fmt"
	"math"
)

var units = []string{"B", "K", "M", "G", "T", "P", "E"}

// HumanSize renders size as a value scaled to the largest power-of-1024
// unit that keeps it at 2 or above, with two decimals (1024 renders as
// "1024.00 B", 2048 as "2.00 K").
func HumanSize(size int64) string {
	sign := ""
	v := float64(size)
	if size < 0 {
		sign = "-"
		v = -v
	}

	if v == 0 {
		return "0.00 B"
	}

	expo := int(math.Log2(v/2) / 10)
	if expo < 0 {
		expo = 0
	}
	if expo > len(units)-1 {
		expo = len(units) - 1
	}

	return fmt.Sprintf("%s%.2f %s", sign, v/float64(uint64(1)<<(10*expo)), units[expo])
}

// Bandwidth renders bytes moved over duration seconds as a rate.
func Bandwidth(bytes uint64, duration float64) string {
	if duration <= 0 {
		return "0.00 B/s"
	}
	return fmt.Sprintf("%s/s", HumanSize(int64(float64(bytes)/duration)))
}

// DelayPercent renders delayNs spent waiting during duration seconds as a
// percentage of the interval, capped at 99.99.
func DelayPercent(delayNs uint64, duration float64) string {
	percent := 0.0
	if duration > 0 {
		percent = float64(delayNs) / (duration * 10_000_000.0)
		if percent > 99.99 {
			percent = 99.99
		}
	}
	return fmt.Sprintf("%.2f %%", percent)
}
