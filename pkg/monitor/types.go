// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package monitor

import (
	"time"

	"github.com/andpuqing/iotop/pkg/taskstats"
)

// IOPair is a read/write byte count pair for one interval.
type IOPair struct {
	Read  uint64
	Write uint64
}

// ThreadState tracks one kernel thread across ticks.
type ThreadState struct {
	TID int32
	// LastDelta is the counter movement attributed to the last interval.
	// Zero until the second sample arrives.
	LastDelta taskstats.Stats

	// previousTotal is the baseline for the next delta; nil before the
	// first sample.
	previousTotal *taskstats.Stats
}

func newThreadState(tid int32) *ThreadState {
	return &ThreadState{TID: tid}
}

// update applies a new cumulative sample. The first sample only
// establishes the baseline and yields a zero delta.
func (t *ThreadState) update(sample taskstats.Stats) {
	if t.previousTotal != nil {
		t.LastDelta = sample.Delta(*t.previousTotal)
	}
	s := sample
	t.previousTotal = &s
}

// clearDelta zeroes the interval attribution, used when the thread could
// not be sampled this tick.
func (t *ThreadState) clearDelta() {
	t.LastDelta = taskstats.Stats{}
}

func (t *ThreadState) copy() *ThreadState {
	out := *t
	if t.previousTotal != nil {
		prev := *t.previousTotal
		out.previousTotal = &prev
	}
	return &out
}

// ProcessInfo is one snapshot entry: a process aggregate in process mode,
// a single thread in thread mode.
type ProcessInfo struct {
	// PID is the TGID of the owning process.
	PID int32
	// TID is the thread, or the TGID for a process aggregate.
	TID int32
	// UID is the numeric owner, valid once metadata is initialized.
	UID uint32
	// User is the owner's name, truncated to 8 codepoints.
	User string
	// Priority is the rendered I/O priority, e.g. "be/4".
	Priority string
	// Cmdline is the rendered command.
	Cmdline string
	// Threads maps TID to per-thread state; never empty in a published
	// snapshot.
	Threads map[int32]*ThreadState
	// StatsDelta is the current-interval aggregate.
	StatsDelta taskstats.Stats
	// StatsAccum grows monotonically since the entry was first observed.
	StatsAccum taskstats.Stats

	metaDone bool
}

func newProcessInfo(pid, tid int32) *ProcessInfo {
	return &ProcessInfo{
		PID:     pid,
		TID:     tid,
		Threads: make(map[int32]*ThreadState),
	}
}

// MetadataInitialized reports whether UID, user, priority and cmdline
// have been cached. Once set they never change for the entry's lifetime.
func (p *ProcessInfo) MetadataInitialized() bool {
	return p.metaDone
}

// DidSomeIO reports whether the entry shows any I/O activity, over the
// last interval or over its whole lifetime.
func (p *ProcessInfo) DidSomeIO(accumulated bool) bool {
	if accumulated {
		return !p.StatsAccum.IsAllZero()
	}
	for _, t := range p.Threads {
		if !t.LastDelta.IsAllZero() {
			return true
		}
	}
	return false
}

// aggregate recomputes StatsDelta from the thread deltas and folds it
// into StatsAccum. Byte counters sum across threads; the delay counters
// are averaged instead, because wall-time waits of N parallel threads do
// not add up within one interval.
func (p *ProcessInfo) aggregate() {
	n := uint64(len(p.Threads))
	if n == 0 {
		return
	}

	var delta taskstats.Stats
	for _, t := range p.Threads {
		delta.Accumulate(t.LastDelta)
	}
	delta.BlkioDelayTotal /= n
	delta.SwapinDelayTotal /= n

	p.StatsDelta = delta
	p.StatsAccum.Accumulate(delta)
}

func (p *ProcessInfo) copy() *ProcessInfo {
	out := *p
	out.Threads = make(map[int32]*ThreadState, len(p.Threads))
	for tid, t := range p.Threads {
		out.Threads[tid] = t.copy()
	}
	return &out
}

// Snapshot is one immutable per-tick publication. Consumers must treat
// it as read-only.
type Snapshot struct {
	// Timestamp is when the tick ran.
	Timestamp time.Time
	// Processes maps TID (thread mode) or TGID (process mode) to its
	// entry.
	Processes map[int32]*ProcessInfo
	// TotalIO sums the per-thread interval deltas.
	TotalIO IOPair
	// ActualIO is what the VM layer moved to and from storage this
	// interval.
	ActualIO IOPair
	// Duration is the wall time since the previous snapshot.
	Duration time.Duration
}
