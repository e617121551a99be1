// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrMissingFeature indicates the kernel lacks accounting features the
// monitor depends on.
var ErrMissingFeature = errors.New("kernel accounting features missing")

// Preflight verifies the kernel exposes the accounting interfaces the
// monitor needs. It must pass before any sampling starts; failures are
// fatal and name the missing kernel features.
func Preflight(procPath string) error {
	if !filepath.IsAbs(procPath) {
		return fmt.Errorf("proc path must be absolute, got: %q", procPath)
	}

	if _, err := os.Stat(filepath.Join(procPath, "self", "io")); err != nil {
		return fmt.Errorf("%w: %s/self/io not available: Linux >= 2.6.20 with I/O accounting support required "+
			"(CONFIG_TASKSTATS, CONFIG_TASK_DELAY_ACCT, CONFIG_TASK_IO_ACCOUNTING, kernel.task_delayacct sysctl)",
			ErrMissingFeature, procPath)
	}

	if _, err := ReadVMCounters(procPath); err != nil {
		return fmt.Errorf("%w: %s/vmstat not usable: kernel with VM event counters required "+
			"(CONFIG_VM_EVENT_COUNTERS): %v", ErrMissingFeature, procPath, err)
	}

	return nil
}
