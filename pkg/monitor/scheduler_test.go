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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out numbered snapshots and can be told to fail
// specific ticks.
type fakeSource struct {
	mu    sync.Mutex
	calls int
	fail  map[int]error
}

func (f *fakeSource) Sample() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[f.calls]; err != nil {
		return nil, err
	}
	return &Snapshot{
		Timestamp: time.Now(),
		Processes: map[int32]*ProcessInfo{},
		TotalIO:   IOPair{Read: uint64(f.calls)},
		Duration:  10 * time.Millisecond,
	}, nil
}

func newTestScheduler(t *testing.T, source snapshotSource) *Scheduler {
	t.Helper()
	cfg := Config{
		Interval:     10 * time.Millisecond,
		HostProcPath: t.TempDir(),
		HistorySize:  4,
	}
	cfg.ApplyDefaults()
	s, err := newScheduler(logr.Discard(), cfg, source)
	require.NoError(t, err)
	return s
}

func recvSnapshot(t *testing.T, ch <-chan *Snapshot) *Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed before a snapshot arrived")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

func TestSchedulerPublishesInTickOrder(t *testing.T) {
	source := &fakeSource{}
	s := newTestScheduler(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status())

	first := recvSnapshot(t, ch)
	second := recvSnapshot(t, ch)
	third := recvSnapshot(t, ch)
	assert.Equal(t, uint64(1), first.TotalIO.Read)
	assert.Equal(t, uint64(2), second.TotalIO.Read)
	assert.Equal(t, uint64(3), third.TotalIO.Read)

	require.NoError(t, s.Stop())
}

func TestSchedulerAlreadyRunning(t *testing.T) {
	s := newTestScheduler(t, &fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	assert.Error(t, err)

	require.NoError(t, s.Stop())
}

func TestSchedulerSurvivesTickErrors(t *testing.T) {
	source := &fakeSource{fail: map[int]error{1: fmt.Errorf("proc went away")}}
	s := newTestScheduler(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Start(ctx)
	require.NoError(t, err)

	// The first tick fails; the loop keeps going and delivers the
	// second.
	snap := recvSnapshot(t, ch)
	assert.Equal(t, uint64(2), snap.TotalIO.Read)

	require.NoError(t, s.Stop())
}

func TestSchedulerCancellation(t *testing.T) {
	source := &fakeSource{}
	s := newTestScheduler(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Start(ctx)
	require.NoError(t, err)

	recvSnapshot(t, ch)
	cancel()

	// The channel must close within roughly one period of the trip.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Equal(t, StatusDisabled, s.Status())
				return
			}
		case <-deadline:
			t.Fatal("channel did not close after cancellation")
		}
	}
}

func TestSchedulerStopClosesChannel(t *testing.T) {
	s := newTestScheduler(t, &fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Start(ctx)
	require.NoError(t, err)
	recvSnapshot(t, ch)

	require.NoError(t, s.Stop())
	assert.Equal(t, StatusDisabled, s.Status())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel did not close after Stop")
		}
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := newTestScheduler(t, &fakeSource{})
	require.NoError(t, s.Stop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSchedulerHistory(t *testing.T) {
	source := &fakeSource{}
	s := newTestScheduler(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Start(ctx)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		recvSnapshot(t, ch)
	}
	require.NoError(t, s.Stop())

	history := s.History()
	require.NotEmpty(t, history)
	assert.LessOrEqual(t, len(history), 4)
	// Oldest first, consecutive ticks.
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].TotalIO.Read+1, history[i].TotalIO.Read)
	}

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, history[len(history)-1], latest)
}

func TestSchedulerDegradedRecovers(t *testing.T) {
	source := &fakeSource{fail: map[int]error{2: fmt.Errorf("transient")}}
	s := newTestScheduler(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Start(ctx)
	require.NoError(t, err)

	recvSnapshot(t, ch)
	// Tick 2 fails, tick 3 succeeds and clears the error.
	snap := recvSnapshot(t, ch)
	assert.Equal(t, uint64(3), snap.TotalIO.Read)
	assert.Equal(t, StatusActive, s.Status())
	assert.NoError(t, s.LastError())

	require.NoError(t, s.Stop())
}
