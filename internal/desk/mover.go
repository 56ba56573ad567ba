package desk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linak-desk/internal/dpg"
)

// MoveState is the lifecycle state of a move.
type MoveState string

const (
	MoveIdle      MoveState = "idle"
	MoveMoving    MoveState = "moving"
	MoveStopped   MoveState = "stopped"
	MoveTimedOut  MoveState = "timed_out"
	MoveCancelled MoveState = "cancelled"
	MoveFailed    MoveState = "failed"
)

// Terminal reports whether s ends a move.
func (s MoveState) Terminal() bool {
	switch s {
	case MoveStopped, MoveTimedOut, MoveCancelled, MoveFailed:
		return true
	}
	return false
}

// MoveStep sends one movement command.
type MoveStep func(ctx context.Context) error

// Move is a handle on one movement run.
type Move struct {
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	zero     chan struct{}
	zeroOnce sync.Once
	sends    atomic.Int32

	mu    sync.Mutex
	state MoveState
	err   error
}

// Name describes the move.
func (m *Move) Name() string { return m.name }

// Done is closed when the move has finished.
func (m *Move) Done() <-chan struct{} { return m.done }

// Sends is the number of movement commands written so far.
func (m *Move) Sends() int { return int(m.sends.Load()) }

// State returns the current state.
func (m *Move) State() MoveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is set when the move failed.
func (m *Move) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the move ends or ctx is done.
func (m *Move) Wait(ctx context.Context) (MoveState, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.state, m.err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Move) signalStopped() {
	m.zeroOnce.Do(func() { close(m.zero) })
}

func (m *Move) finish(s MoveState, err error) {
	m.mu.Lock()
	m.state, m.err = s, err
	m.mu.Unlock()
}

// MoverConfig holds movement timing.
type MoverConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	MaxIterations int
}

// Mover runs at most one move at a time. A move resends its step every
// interval until telemetry reports the desk at rest, the safety timer or
// iteration cap fires, or it is cancelled.
type Mover struct {
	cfg     MoverConfig
	stop    MoveStep
	onState func(name string, s MoveState)
	logger  *slog.Logger

	mu     sync.Mutex
	active atomic.Pointer[Move]
}

// NewMover creates a Mover. stop sends an explicit stop command; onState may
// be nil.
func NewMover(cfg MoverConfig, stop MoveStep, onState func(name string, s MoveState), logger *slog.Logger) *Mover {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 150
	}
	if onState == nil {
		onState = func(string, MoveState) {}
	}
	return &Mover{cfg: cfg, stop: stop, onState: onState, logger: logger.With("component", "mover")}
}

// Active returns the running move, or nil.
func (m *Mover) Active() *Move { return m.active.Load() }

// State returns the state of the running move, or MoveIdle.
func (m *Mover) State() MoveState {
	if mv := m.active.Load(); mv != nil {
		return mv.State()
	}
	return MoveIdle
}

// Start cancels and joins any running move, then launches a new one.
func (m *Mover) Start(name string, step MoveStep) *Move {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.joinLocked()

	ctx, cancel := context.WithCancel(context.Background())
	mv := &Move{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		zero:   make(chan struct{}),
		state:  MoveMoving,
	}
	m.active.Store(mv)
	m.onState(name, MoveMoving)
	go m.run(ctx, mv, step)
	return mv
}

// Stop cancels and joins the running move, then sends an explicit stop.
func (m *Mover) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.joinLocked()
	m.mu.Unlock()
	return m.stop(ctx)
}

func (m *Mover) joinLocked() {
	mv := m.active.Load()
	if mv == nil {
		return
	}
	mv.cancel()
	<-mv.done
}

// OnTelemetry feeds a telemetry sample to the running move.
func (m *Mover) OnTelemetry(hs dpg.HeightSpeed) {
	mv := m.active.Load()
	if mv == nil || !hs.Stopped() || mv.sends.Load() == 0 {
		return
	}
	mv.signalStopped()
}

func (m *Mover) run(ctx context.Context, mv *Move, step MoveStep) {
	defer close(mv.done)
	defer mv.cancel()

	safety := time.NewTimer(m.cfg.Timeout)
	defer safety.Stop()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	end := func(s MoveState, err error) {
		if s == MoveTimedOut {
			m.forceStop(mv)
		}
		mv.finish(s, err)
		m.active.CompareAndSwap(mv, nil)
		if err != nil {
			m.logger.Warn("move ended", "move", mv.name, "state", s, "sends", mv.Sends(), "err", err)
		} else {
			m.logger.Debug("move ended", "move", mv.name, "state", s, "sends", mv.Sends())
		}
		m.onState(mv.name, s)
	}

	for i := 0; i < m.cfg.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			end(MoveCancelled, nil)
			return
		case <-mv.zero:
			end(MoveStopped, nil)
			return
		case <-safety.C:
			end(MoveTimedOut, nil)
			return
		default:
		}

		if err := step(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				end(MoveCancelled, nil)
			} else {
				end(MoveFailed, err)
			}
			return
		}
		mv.sends.Add(1)

		select {
		case <-ctx.Done():
			end(MoveCancelled, nil)
			return
		case <-mv.zero:
			end(MoveStopped, nil)
			return
		case <-safety.C:
			end(MoveTimedOut, nil)
			return
		case <-ticker.C:
		}
	}
	end(MoveTimedOut, nil)
}

func (m *Mover) forceStop(mv *Move) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.stop(ctx); err != nil {
		m.logger.Error("safety stop failed", "move", mv.name, "err", err)
	}
}
