package desk

import (
	"context"
	"time"
)

// Run keeps the desk connected until ctx is done. A lost link is
// re-established with exponential backoff.
func (d *Desk) Run(ctx context.Context) error {
	backoff := d.cfg.ReconnectMin
	for {
		select {
		case <-d.lost:
		default:
		}

		err := d.Start(ctx)
		if err == nil {
			backoff = d.cfg.ReconnectMin
			select {
			case <-ctx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = d.Close(closeCtx)
				return ctx.Err()
			case <-d.lost:
				d.logger.Warn("connection lost, reconnecting")
			}
		} else {
			if ctx.Err() != nil {
				d.closeOnce.Do(func() { close(d.quit) })
				return ctx.Err()
			}
			d.logger.Error("desk start failed", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			d.closeOnce.Do(func() { close(d.quit) })
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, d.cfg.ReconnectMax)
		}
	}
}
