// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package ioprio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Get returns the I/O priority of pid.
//
// When the ioprio_get syscall fails, or when it reports class none (the
// task never set an explicit I/O priority), the priority is derived from
// the scheduling policy and nice value instead.
func Get(pid int) (Prio, error) {
	raw, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET, whoProcess, uintptr(pid), 0)
	if errno != 0 {
		return fromSched(pid)
	}

	prio := FromRaw(int(raw))
	if prio.Class == ClassNone {
		return fromSched(pid)
	}
	return prio, nil
}

// Set sets the I/O priority of pid.
func Set(pid int, prio Prio) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, whoProcess, uintptr(pid), uintptr(prio.Raw()))
	if errno != 0 {
		return fmt.Errorf("failed to set I/O priority for pid %d: %w", pid, errno)
	}
	return nil
}

func fromSched(pid int) (Prio, error) {
	policy, _, errno := unix.Syscall(unix.SYS_SCHED_GETSCHEDULER, uintptr(pid), 0, 0)
	if errno != 0 {
		return Prio{}, fmt.Errorf("failed to get scheduler for pid %d: %w", pid, errno)
	}

	// The getpriority syscall reports 20-nice so the return value is
	// never negative.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return Prio{}, fmt.Errorf("failed to get nice value for pid %d: %w", pid, err)
	}
	nice := 20 - prio

	return FromSched(int(policy), nice), nil
}
