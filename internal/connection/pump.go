package connection

import (
	"context"
	"errors"
	"time"
)

// StartPump launches the background notification pump. Only one pump runs
// at a time.
func (c *Connection) StartPump() error {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	if c.pumpDone != nil {
		select {
		case <-c.pumpDone:
		default:
			return ErrPumpRunning
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pumpCancel, c.pumpDone = cancel, done

	go c.pumpLoop(ctx, done)
	c.logger.Debug("notification pump started")
	return nil
}

// StopPump signals the pump and waits for it to exit. It must not be
// called from a notification handler.
func (c *Connection) StopPump() {
	c.pumpMu.Lock()
	cancel, done := c.pumpCancel, c.pumpDone
	c.pumpCancel, c.pumpDone = nil, nil
	c.pumpMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Debug("notification pump stopped")
}

// PumpRunning reports whether the pump goroutine is alive.
func (c *Connection) PumpRunning() bool {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	if c.pumpDone == nil {
		return false
	}
	select {
	case <-c.pumpDone:
		return false
	default:
		return true
	}
}

func (c *Connection) pumpLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	yield := time.NewTimer(c.cfg.PumpYield)
	defer yield.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.ProcessNotifications(ctx, c.cfg.PumpTimeout); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
			case errors.Is(err, ErrNotConnected):
				c.logger.Info("notification pump exiting: not connected")
			default:
				c.logger.Warn("notification pump exiting", "err", err)
			}
			return
		}

		yield.Reset(c.cfg.PumpYield)
		select {
		case <-ctx.Done():
			return
		case <-yield.C:
		}
	}
}
