// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/andpuqing/iotop/pkg/ioprio"
	"github.com/andpuqing/iotop/pkg/procfs"
	"github.com/andpuqing/iotop/pkg/taskstats"
)

// StatsClient supplies per-task counter samples. The second return value
// is false when the task vanished between enumeration and the query.
type StatsClient interface {
	PIDStats(tid int32) (taskstats.Stats, bool, error)
}

// Sampler drives one tick of the monitor: it enumerates tasks, samples
// counters, computes deltas, aggregates threads into processes, reads the
// VM totals, and assembles a snapshot.
//
// A sampler owns all of its state and is not safe for concurrent use;
// the scheduler is its only caller.
type Sampler struct {
	logger logr.Logger
	config Config
	client StatsClient
	users  UserResolver

	procs    map[int32]*ProcessInfo
	prevTime time.Time
	prevVM   *procfs.VMCounters

	// Overridable for tests.
	now     func() time.Time
	getPrio func(tid int32) (string, error)
}

// NewSampler creates a sampler. The resolver may be nil, in which case
// users display as numeric UIDs.
func NewSampler(logger logr.Logger, config Config, client StatsClient, users UserResolver) (*Sampler, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("stats client is required")
	}

	return &Sampler{
		logger:   logger.WithName("sampler"),
		config:   config,
		client:   client,
		users:    users,
		procs:    make(map[int32]*ProcessInfo),
		prevTime: time.Now(),
		now:      time.Now,
		getPrio: func(tid int32) (string, error) {
			prio, err := ioprio.Get(int(tid))
			if err != nil {
				return "", err
			}
			return prio.String(), nil
		},
	}, nil
}

// Sample runs one tick and returns the snapshot for the elapsed interval.
func (s *Sampler) Sample() (*Snapshot, error) {
	now := s.now()
	duration := now.Sub(s.prevTime)
	s.prevTime = now

	actual := s.readActualIO()

	tgids, err := listTasks(s.config.HostProcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", s.config.HostProcPath, err)
	}

	seen := make(map[int32]struct{})
	var total IOPair

	for _, tgid := range tgids {
		tids := listThreads(s.config.HostProcPath, tgid)

		switch s.config.Mode {
		case ModeProcesses:
			if !s.allowed(tgid, tgid) {
				continue
			}
			entry, ok := s.procs[tgid]
			if !ok {
				entry = newProcessInfo(tgid, tgid)
				s.procs[tgid] = entry
			}
			seen[tgid] = struct{}{}
			s.sampleThreads(entry, tids, &total)

		case ModeThreads:
			for _, tid := range tids {
				if !s.allowed(tgid, tid) {
					continue
				}
				entry, ok := s.procs[tid]
				if !ok {
					entry = newProcessInfo(tgid, tid)
					s.procs[tid] = entry
				}
				// PID reuse across the scan: the newest owner wins.
				entry.PID = tgid
				seen[tid] = struct{}{}
				s.sampleThreads(entry, []int32{tid}, &total)
			}
		}
	}

	for key, entry := range s.procs {
		if _, ok := seen[key]; !ok || len(entry.Threads) == 0 {
			delete(s.procs, key)
			continue
		}

		entry.aggregate()
		if !entry.metaDone {
			s.initMetadata(entry)
		}
	}

	snapshot := &Snapshot{
		Timestamp: now,
		Processes: make(map[int32]*ProcessInfo, len(s.procs)),
		TotalIO:   total,
		ActualIO:  actual,
		Duration:  duration,
	}
	for key, entry := range s.procs {
		snapshot.Processes[key] = entry.copy()
	}
	return snapshot, nil
}

// sampleThreads updates entry's thread states from the kernel counters
// and adds the interval read/write bytes into total. Threads no longer
// listed are evicted so stale deltas cannot leak into aggregates.
func (s *Sampler) sampleThreads(entry *ProcessInfo, tids []int32, total *IOPair) {
	listed := make(map[int32]struct{}, len(tids))
	for _, tid := range tids {
		listed[tid] = struct{}{}
	}
	for tid := range entry.Threads {
		if _, ok := listed[tid]; !ok {
			delete(entry.Threads, tid)
		}
	}

	for _, tid := range tids {
		thread, ok := entry.Threads[tid]
		if !ok {
			thread = newThreadState(tid)
			entry.Threads[tid] = thread
		}

		sample, ok, err := s.client.PIDStats(tid)
		if err != nil {
			s.logger.V(1).Info("failed to sample task", "tid", tid, "error", err)
			thread.clearDelta()
			continue
		}
		if !ok {
			// Vanished between enumeration and sampling: the baseline
			// stays, the interval contributes zero.
			thread.clearDelta()
			continue
		}

		thread.update(sample)
		total.Read += thread.LastDelta.ReadBytes
		total.Write += thread.LastDelta.WriteBytes
	}
}

// allowed applies the PID and UID allow-lists.
func (s *Sampler) allowed(pid, tid int32) bool {
	if len(s.config.PIDFilter) > 0 {
		_, pidOK := s.config.PIDFilter[pid]
		_, tidOK := s.config.PIDFilter[tid]
		if !pidOK && !tidOK {
			return false
		}
	}

	if len(s.config.UIDFilter) > 0 {
		uid, err := procfs.OwnerUID(s.config.HostProcPath, tid)
		if err != nil {
			return false
		}
		if _, ok := s.config.UIDFilter[uid]; !ok {
			return false
		}
	}

	return true
}

// readActualIO derives interval storage traffic from the VM event
// counters. A failed read yields zero without touching the baseline.
func (s *Sampler) readActualIO() IOPair {
	counters, err := procfs.ReadVMCounters(s.config.HostProcPath)
	if err != nil {
		s.logger.V(1).Info("failed to read vmstat", "error", err)
		return IOPair{}
	}

	var out IOPair
	if s.prevVM != nil {
		out = IOPair{
			Read:  pagesToBytes(satSub(counters.PgpgIn, s.prevVM.PgpgIn)),
			Write: pagesToBytes(satSub(counters.PgpgOut, s.prevVM.PgpgOut)),
		}
	}
	s.prevVM = &counters
	return out
}

// initMetadata populates UID, user, priority and cmdline once. Any
// failure leaves the latch unset so the next tick retries; previously
// cached values are kept.
func (s *Sampler) initMetadata(p *ProcessInfo) {
	reader := procfs.NewReader(s.config.HostProcPath, p.TID)
	if p.TID != p.PID {
		reader = procfs.NewThreadReader(s.config.HostProcPath, p.PID, p.TID)
	}

	uid, err := reader.UID()
	if err != nil {
		s.logger.V(2).Info("failed to read task owner", "tid", p.TID, "error", err)
		return
	}

	status, err := reader.Status()
	if err != nil {
		s.logger.V(2).Info("failed to read task status", "tid", p.TID, "error", err)
		return
	}

	isThread := status.Pid != status.Tgid
	leaderName := status.Name
	if isThread {
		if leader, err := procfs.NewReader(s.config.HostProcPath, p.PID).Status(); err == nil {
			leaderName = leader.Name
		}
	}

	// The command line always comes from the group leader; threads share
	// it.
	args, err := reader.Cmdline(p.PID)
	if err != nil {
		s.logger.V(2).Info("failed to read cmdline", "tid", p.TID, "error", err)
		return
	}

	prio, err := s.getPrio(p.TID)
	if err != nil {
		s.logger.V(2).Info("failed to read I/O priority", "tid", p.TID, "error", err)
		return
	}

	p.UID = uid
	p.User = truncateName(s.lookupUser(uid))
	p.Priority = prio
	p.Cmdline = procfs.CommandLine(args, status.Name, leaderName, isThread)
	p.metaDone = true
}

func (s *Sampler) lookupUser(uid uint32) string {
	if s.users == nil {
		return strconv.FormatUint(uint64(uid), 10)
	}
	return s.users.Lookup(uid)
}

// listTasks returns the numeric directory names under procPath.
func listTasks(procPath string) ([]int32, error) {
	entries, err := os.ReadDir(procPath)
	if err != nil {
		return nil, err
	}

	tgids := make([]int32, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		tgids = append(tgids, int32(n))
	}
	return tgids, nil
}

// listThreads returns the TIDs under /proc/<tgid>/task, or [tgid] when
// the directory cannot be read (the task exited mid-scan).
func listThreads(procPath string, tgid int32) []int32 {
	entries, err := os.ReadDir(filepath.Join(procPath, strconv.Itoa(int(tgid)), "task"))
	if err != nil {
		return []int32{tgid}
	}

	tids := make([]int32, 0, len(entries))
	for _, entry := range entries {
		n, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		tids = append(tids, int32(n))
	}
	if len(tids) == 0 {
		return []int32{tgid}
	}
	return tids
}

const pageSize = 4096

// pagesToBytes converts vmstat page counts to bytes. The page size is
// fixed at 4 KiB; vmstat reports pages and mainstream Linux uses 4 KiB
// pages, so absolute totals on other architectures are off by a constant
// factor.
func pagesToBytes(pages uint64) uint64 {
	return pages * pageSize
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
