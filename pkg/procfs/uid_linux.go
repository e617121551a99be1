// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package procfs

import (
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// OwnerUID returns the owner UID of /proc/<tid>, which is the task's
// UID. Reading the inode skips a status parse.
func OwnerUID(procPath string, tid int32) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(procPath, strconv.Itoa(int(tid))), &st); err != nil {
		return 0, err
	}
	return st.Uid, nil
}

// UID returns the owner UID of the reader's task directory.
func (r *Reader) UID() (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(r.dir, &st); err != nil {
		return 0, err
	}
	return st.Uid, nil
}
