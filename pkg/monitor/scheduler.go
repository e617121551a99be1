// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/andpuqing/iotop/pkg/monitor/ringbuffer"
)

// Status is the scheduler's operational state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusDisabled Status = "disabled"
)

// snapshotSource abstracts the sampler so the scheduler can be tested
// without a kernel.
type snapshotSource interface {
	Sample() (*Snapshot, error)
}

// Scheduler runs the sampler on a fixed cadence and broadcasts the
// snapshots through a channel.
//
// Snapshots arrive strictly in tick order. Per-tick sampling errors are
// logged and the next tick proceeds with state preserved; only
// cancellation or Stop terminates the loop. Cancellation is cooperative:
// a tick in progress runs to completion, then the loop observes the
// context, stops, and closes the channel.
type Scheduler struct {
	logger   logr.Logger
	interval time.Duration
	source   snapshotSource

	mu      sync.Mutex
	status  Status
	lastErr error
	history *ringbuffer.Ring[*Snapshot]
	ch      chan *Snapshot
	stopped chan struct{}
}

// NewScheduler creates a scheduler around sampler using the interval and
// history size of config.
func NewScheduler(logger logr.Logger, config Config, sampler *Sampler) (*Scheduler, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	return newScheduler(logger, config, sampler)
}

func newScheduler(logger logr.Logger, config Config, source snapshotSource) (*Scheduler, error) {
	history, err := ringbuffer.New[*Snapshot](config.HistorySize)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		logger:   logger.WithName("scheduler"),
		interval: config.Interval,
		source:   source,
		status:   StatusDisabled,
		history:  history,
	}, nil
}

// Start begins periodic sampling and returns the snapshot channel. The
// channel closes when ctx is cancelled or Stop is called; consumers
// observing the close must not expect further snapshots.
func (s *Scheduler) Start(ctx context.Context) (<-chan *Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusDisabled {
		return nil, fmt.Errorf("scheduler already running")
	}

	s.ch = make(chan *Snapshot, 1024)
	s.stopped = make(chan struct{})
	s.status = StatusActive

	go s.run(ctx, s.ch, s.stopped)
	return s.ch, nil
}

func (s *Scheduler) run(ctx context.Context, ch chan *Snapshot, stopped chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			s.logger.V(1).Info("context cancelled, stopping")
			s.disable()
			return
		case <-stopped:
			return
		case <-ticker.C:
			snapshot, err := s.source.Sample()
			if err != nil {
				s.setError(err)
				continue
			}
			s.push(snapshot)

			select {
			case ch <- snapshot:
			case <-ctx.Done():
				s.logger.V(1).Info("context cancelled, stopping")
				s.disable()
				return
			case <-stopped:
				return
			}
		}
	}
}

// Stop halts sampling. The snapshot channel closes; already published
// snapshots remain readable until drained.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusDisabled {
		return nil
	}
	close(s.stopped)
	s.stopped = nil
	s.ch = nil
	s.status = StatusDisabled
	return nil
}

// Status returns the scheduler's operational state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the most recent sampling error, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// History returns the retained snapshots, oldest first.
func (s *Scheduler) History() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.All()
}

// Latest returns the most recent snapshot, or false before the first
// tick completes.
func (s *Scheduler) Latest() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Latest()
}

func (s *Scheduler) push(snapshot *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Push(snapshot)
	if s.status == StatusDegraded {
		s.status = StatusActive
	}
	s.lastErr = nil
}

func (s *Scheduler) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if s.status == StatusActive {
		s.status = StatusDegraded
	}
	s.logger.Error(err, "sampling tick failed")
}

func (s *Scheduler) disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDisabled
	s.stopped = nil
	s.ch = nil
}
