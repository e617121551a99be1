// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package taskstats reads per-task I/O counters from the kernel's
// taskstats generic-netlink family.
package taskstats

import (
	"math"
	"sync/atomic"
)

// hasDelayAcct latches to true the first time any sample carries a
// non-zero block-I/O delay, which is only possible when the kernel was
// built with delay accounting and the task_delayacct sysctl is on.
var hasDelayAcct atomic.Bool

// HasDelayAccounting reports whether a sample with delay accounting data
// has been observed.
func HasDelayAccounting() bool {
	return hasDelayAcct.Load()
}

// Stats is one immutable per-task counter sample.
//
// All counters are cumulative since task start and monotonically
// non-decreasing between samples of the same live task.
type Stats struct {
	// Nanoseconds the task spent blocked on block I/O.
	BlkioDelayTotal uint64
	// Nanoseconds the task spent blocked on swap-in.
	SwapinDelayTotal uint64
	// Storage bytes the task caused to be read.
	ReadBytes uint64
	// Storage bytes the task caused to be written.
	WriteBytes uint64
	// Bytes attributed to writes and later discarded, e.g. truncated
	// before reaching storage.
	CancelledWriteBytes uint64
}

// IsAllZero reports whether every counter is zero.
func (s Stats) IsAllZero() bool {
	return s.BlkioDelayTotal == 0 &&
		s.SwapinDelayTotal == 0 &&
		s.ReadBytes == 0 &&
		s.WriteBytes == 0 &&
		s.CancelledWriteBytes == 0
}

// Delta returns s - prev componentwise, saturating to zero on underflow.
// A counter reset (PID reuse) therefore yields a zero delta rather than
// a wrapped value.
func (s Stats) Delta(prev Stats) Stats {
	return Stats{
		BlkioDelayTotal:     satSub(s.BlkioDelayTotal, prev.BlkioDelayTotal),
		SwapinDelayTotal:    satSub(s.SwapinDelayTotal, prev.SwapinDelayTotal),
		ReadBytes:           satSub(s.ReadBytes, prev.ReadBytes),
		WriteBytes:          satSub(s.WriteBytes, prev.WriteBytes),
		CancelledWriteBytes: satSub(s.CancelledWriteBytes, prev.CancelledWriteBytes),
	}
}

// Accumulate adds delta componentwise, saturating at the maximum value.
func (s *Stats) Accumulate(delta Stats) {
	s.BlkioDelayTotal = satAdd(s.BlkioDelayTotal, delta.BlkioDelayTotal)
	s.SwapinDelayTotal = satAdd(s.SwapinDelayTotal, delta.SwapinDelayTotal)
	s.ReadBytes = satAdd(s.ReadBytes, delta.ReadBytes)
	s.WriteBytes = satAdd(s.WriteBytes, delta.WriteBytes)
	s.CancelledWriteBytes = satAdd(s.CancelledWriteBytes, delta.CancelledWriteBytes)
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
