// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// VMCounters holds the pgpgin/pgpgout event counters from /proc/vmstat,
// in pages.
type VMCounters struct {
	PgpgIn  uint64
	PgpgOut uint64
}

// ReadVMCounters reads pgpgin and pgpgout from <procPath>/vmstat. Both
// lines must be present with a numeric second field.
func ReadVMCounters(procPath string) (VMCounters, error) {
	path := filepath.Join(procPath, "vmstat")
	file, err := os.Open(path)
	if err != nil {
		return VMCounters{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var counters VMCounters
	var haveIn, haveOut bool

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		switch fields[0] {
		case "pgpgin", "pgpgout":
		default:
			continue
		}

		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return VMCounters{}, fmt.Errorf("%w: bad %s value %q", ErrParse, fields[0], fields[1])
		}
		if fields[0] == "pgpgin" {
			counters.PgpgIn = value
			haveIn = true
		} else {
			counters.PgpgOut = value
			haveOut = true
		}
	}
	if err := scanner.Err(); err != nil {
		return VMCounters{}, fmt.Errorf("error reading %s: %w", path, err)
	}

	if !haveIn || !haveOut {
		return VMCounters{}, fmt.Errorf("%w: vmstat missing pgpgin or pgpgout", ErrParse)
	}
	return counters, nil
}
