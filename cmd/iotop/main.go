// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andpuqing/iotop/pkg/format"
	"github.com/andpuqing/iotop/pkg/monitor"
	"github.com/andpuqing/iotop/pkg/procfs"
	"github.com/andpuqing/iotop/pkg/taskstats"
)

type options struct {
	delay       float64
	iterations  int
	processes   bool
	only        bool
	accumulated bool
	pids        []int32
	uids        []uint32
	procPath    string
	verbose     bool
}

func main() {
	var opts options
	var uidArgs []uint

	root := &cobra.Command{
		Use:   "iotop",
		Short: "Display the block I/O usage of processes and threads",
		Long: `iotop watches I/O usage information output by the Linux kernel and
displays a table of current I/O usage by processes or threads on the
system. It requires root or the CAP_NET_ADMIN capability to read the
per-task counters.

Output is line-oriented: each interval prints system-wide totals
followed by one row per task, sorted by time spent waiting on block
I/O.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, uid := range uidArgs {
				opts.uids = append(opts.uids, uint32(uid))
			}
			return run(cmd.Context(), opts)
		},
	}

	root.Flags().Float64VarP(&opts.delay, "delay", "d", 1.0, "delay between iterations in seconds")
	root.Flags().IntVarP(&opts.iterations, "iter", "n", 0, "number of iterations before ending (0 = run until interrupted)")
	root.Flags().BoolVarP(&opts.processes, "processes", "P", false, "show processes instead of all threads")
	root.Flags().BoolVarP(&opts.only, "only", "o", false, "only show processes or threads actually doing I/O")
	root.Flags().BoolVarP(&opts.accumulated, "accumulated", "a", false, "show accumulated I/O instead of bandwidth")
	root.Flags().Int32SliceVarP(&opts.pids, "pid", "p", nil, "only monitor the listed processes")
	root.Flags().UintSliceVarP(&uidArgs, "user", "u", nil, "only monitor tasks owned by the listed UIDs")
	root.Flags().StringVar(&opts.procPath, "proc-path", "/proc", "path to the proc filesystem")
	root.Flags().BoolVar(&opts.verbose, "verbose", false, "enable verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	var logger logr.Logger
	if opts.verbose {
		zapLog, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	if opts.delay <= 0 {
		return fmt.Errorf("delay must be positive, got %v", opts.delay)
	}

	if err := procfs.Preflight(opts.procPath); err != nil {
		return fmt.Errorf("could not run iotop as some of the requirements are not met: %w", err)
	}

	client, err := taskstats.Open(logger)
	if err != nil {
		if errors.Is(err, taskstats.ErrPermission) {
			return fmt.Errorf("%w\nTry running with: sudo iotop", err)
		}
		return err
	}
	defer client.Close()

	mode := monitor.ModeThreads
	if opts.processes {
		mode = monitor.ModeProcesses
	}

	cfg := monitor.Config{
		Interval:     time.Duration(opts.delay * float64(time.Second)),
		Mode:         mode,
		HostProcPath: opts.procPath,
	}
	if len(opts.pids) > 0 {
		cfg.PIDFilter = make(map[int32]struct{}, len(opts.pids))
		for _, pid := range opts.pids {
			cfg.PIDFilter[pid] = struct{}{}
		}
	}
	if len(opts.uids) > 0 {
		cfg.UIDFilter = make(map[uint32]struct{}, len(opts.uids))
		for _, uid := range opts.uids {
			cfg.UIDFilter[uid] = struct{}{}
		}
	}

	sampler, err := monitor.NewSampler(logger, cfg, client, monitor.NewUserResolver())
	if err != nil {
		return err
	}
	scheduler, err := monitor.NewScheduler(logger, cfg, sampler)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := scheduler.Start(ctx)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return writeBatch(os.Stdout, snapshots, opts)
	})
	return g.Wait()
}

// writeBatch renders each snapshot as a totals banner plus one row per
// task. A broken pipe ends the run cleanly.
func writeBatch(w io.Writer, snapshots <-chan *monitor.Snapshot, opts options) error {
	iteration := 0
	for snapshot := range snapshots {
		if err := writeSnapshot(w, snapshot, opts, iteration == 0); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				return nil
			}
			return err
		}
		iteration++
		if opts.iterations > 0 && iteration >= opts.iterations {
			return nil
		}
	}
	return nil
}

func writeSnapshot(w io.Writer, snapshot *monitor.Snapshot, opts options, header bool) error {
	duration := snapshot.Duration.Seconds()

	_, err := fmt.Fprintf(w, "Total DISK READ :   %14s | Total DISK WRITE :   %14s\n",
		format.Bandwidth(snapshot.TotalIO.Read, duration),
		format.Bandwidth(snapshot.TotalIO.Write, duration))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Actual DISK READ:   %14s | Actual DISK WRITE:   %14s\n",
		format.Bandwidth(snapshot.ActualIO.Read, duration),
		format.Bandwidth(snapshot.ActualIO.Write, duration))
	if err != nil {
		return err
	}

	hasDelay := taskstats.HasDelayAccounting()
	if header {
		if hasDelay {
			_, err = fmt.Fprintf(w, "%7s  %4s  %-8s     %10s  %11s  %6s      %2s    COMMAND\n",
				"TID", "PRIO", "USER", "DISK READ", "DISK WRITE", "SWAPIN", "IO")
		} else {
			_, err = fmt.Fprintf(w, "%7s  %4s  %-8s     %10s  %11s %s COMMAND\n",
				"TID", "PRIO", "USER", "DISK READ", "DISK WRITE", "?unavailable?")
		}
		if err != nil {
			return err
		}
	}

	rows := lo.Values(snapshot.Processes)
	if opts.only {
		rows = lo.Filter(rows, func(p *monitor.ProcessInfo, _ int) bool {
			return p.DidSomeIO(opts.accumulated)
		})
	}

	stats := func(p *monitor.ProcessInfo) *taskstats.Stats {
		if opts.accumulated {
			return &p.StatsAccum
		}
		return &p.StatsDelta
	}

	// Busiest first, then by PID and TID for a stable layout.
	slices.SortFunc(rows, func(a, b *monitor.ProcessInfo) int {
		sa, sb := stats(a), stats(b)
		if sa.BlkioDelayTotal != sb.BlkioDelayTotal {
			if sa.BlkioDelayTotal > sb.BlkioDelayTotal {
				return -1
			}
			return 1
		}
		if a.PID != b.PID {
			return int(a.PID - b.PID)
		}
		return int(a.TID - b.TID)
	})

	for _, row := range rows {
		s := stats(row)

		readStr := format.Bandwidth(s.ReadBytes, duration)
		writeBytes := s.WriteBytes - min(s.WriteBytes, s.CancelledWriteBytes)
		writeStr := format.Bandwidth(writeBytes, duration)
		if opts.accumulated {
			readStr = format.HumanSize(int64(s.ReadBytes))
			writeStr = format.HumanSize(int64(writeBytes))
		}

		if hasDelay {
			_, err = fmt.Fprintf(w, "%7d  %4s  %-8s %11s %11s  %6s      %2s %s\n",
				row.TID, row.Priority, row.User, readStr, writeStr,
				format.DelayPercent(s.SwapinDelayTotal, duration),
				format.DelayPercent(s.BlkioDelayTotal, duration),
				row.Cmdline)
		} else {
			_, err = fmt.Fprintf(w, "%7d  %4s  %-8s %11s %11s %s %s\n",
				row.TID, row.Priority, row.User, readStr, writeStr,
				"?unavailable?", row.Cmdline)
		}
		if err != nil {
			return err
		}
	}

	return nil
}
