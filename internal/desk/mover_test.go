package desk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linak-desk/internal/dpg"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	states []MoveState
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

func (r *recorder) onState(_ string, s MoveState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) step(tag string) MoveStep {
	return func(context.Context) error {
		r.add(tag)
		return nil
	}
}

func newTestMover(rec *recorder, cfg MoverConfig) *Mover {
	return NewMover(cfg, func(context.Context) error {
		rec.add("stop")
		return nil
	}, rec.onState, discard())
}

func waitMove(t *testing.T, mv *Move) MoveState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := mv.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return s
}

func TestMoverStopsOnZeroSpeed(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	mv := m.Start("test", rec.step("move"))
	require.Eventually(t, func() bool { return mv.Sends() >= 3 }, 2*time.Second, time.Millisecond)

	m.OnTelemetry(dpg.HeightSpeed{Height: 100, Speed: 25})
	assert.Equal(t, MoveMoving, mv.State(), "non-zero speed keeps moving")

	m.OnTelemetry(dpg.HeightSpeed{Height: 120, Speed: 0})
	assert.Equal(t, MoveStopped, waitMove(t, mv))

	sent := rec.count("move")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, sent, rec.count("move"), "no sends after stop")
	assert.Zero(t, rec.count("stop"), "natural stop needs no explicit stop")
	assert.Nil(t, m.Active())
	assert.Equal(t, MoveIdle, m.State())
}

func TestMoverIgnoresZeroSpeedBeforeFirstSend(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	block := make(chan struct{})
	mv := m.Start("test", func(context.Context) error {
		<-block
		rec.add("move")
		return nil
	})
	m.OnTelemetry(dpg.HeightSpeed{Speed: 0})
	close(block)

	require.Eventually(t, func() bool { return mv.Sends() >= 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, MoveMoving, mv.State())
	require.NoError(t, m.Stop(context.Background()))
}

func TestMoverStartJoinsPrevious(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})

	first := m.Start("first", rec.step("a"))
	require.Eventually(t, func() bool { return first.Sends() >= 2 }, 2*time.Second, time.Millisecond)

	second := m.Start("second", rec.step("b"))
	select {
	case <-first.Done():
	default:
		t.Fatal("first move still running after Start returned")
	}
	assert.Equal(t, MoveCancelled, first.State())

	require.Eventually(t, func() bool { return second.Sends() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	seenB := false
	for _, e := range rec.snapshot() {
		switch e {
		case "b":
			seenB = true
		case "a":
			assert.False(t, seenB, "first move sent after second started")
		}
	}
}

func TestMoverSafetyTimeoutSendsStop(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})

	mv := m.Start("test", rec.step("move"))
	assert.Equal(t, MoveTimedOut, waitMove(t, mv))
	assert.Equal(t, 1, rec.count("stop"))

	events := rec.snapshot()
	assert.Equal(t, "stop", events[len(events)-1])
}

func TestMoverIterationCap(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: time.Millisecond, Timeout: 5 * time.Second, MaxIterations: 5})

	mv := m.Start("test", rec.step("move"))
	assert.Equal(t, MoveTimedOut, waitMove(t, mv))
	assert.Equal(t, 5, rec.count("move"))
	assert.Equal(t, 1, rec.count("stop"))
}

func TestMoverStopCancelsThenStops(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})

	mv := m.Start("test", rec.step("move"))
	require.Eventually(t, func() bool { return mv.Sends() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, MoveCancelled, mv.State())

	events := rec.snapshot()
	assert.Equal(t, "stop", events[len(events)-1])
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, events, rec.snapshot())
}

func TestMoverStepFailure(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})

	boom := errors.New("link lost")
	var calls atomic.Int32
	mv := m.Start("test", func(context.Context) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	})
	assert.Equal(t, MoveFailed, waitMove(t, mv))
	assert.ErrorIs(t, mv.Err(), boom)
	assert.Equal(t, 1, mv.Sends())
}

func TestMoverReportsStates(t *testing.T) {
	rec := &recorder{}
	m := newTestMover(rec, MoverConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})

	mv := m.Start("test", rec.step("move"))
	require.Eventually(t, func() bool { return mv.Sends() >= 1 }, 2*time.Second, time.Millisecond)
	m.OnTelemetry(dpg.HeightSpeed{Speed: 0})
	waitMove(t, mv)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []MoveState{MoveMoving, MoveStopped}, rec.states)
}
