// Package connection runs protocol exchanges with a desk over a transport
// session: lifecycle, notification routing, and single-flight retrying
// command dispatch.
package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"linak-desk/internal/dpg"
	"linak-desk/internal/gatt"
	"linak-desk/internal/transport"
)

var (
	// ErrConnectionRefused is returned when every connect attempt failed.
	ErrConnectionRefused = errors.New("connection: refused")
	// ErrNotConnected is returned by exchanges attempted without a session.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrPumpRunning is returned by StartPump while a pump is active.
	ErrPumpRunning = errors.New("connection: notification pump already running")
)

// Config holds connection tunables. Zero values take the defaults noted on
// each field.
type Config struct {
	Address         string
	Characteristics gatt.Map // default gatt.DefaultMap()

	ResponseTimeout   time.Duration // per attempt, default 1s
	MaxAttempts       int           // default 3
	ConnectAttempts   int           // default 2
	ConnectRetryDelay time.Duration // default 1s
	PumpTimeout       time.Duration // default 100ms
	PumpYield         time.Duration // default 10ms
	PullTimeout       time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.Characteristics == nil {
		c.Characteristics = gatt.DefaultMap()
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 2
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = time.Second
	}
	if c.PumpTimeout <= 0 {
		c.PumpTimeout = 100 * time.Millisecond
	}
	if c.PumpYield <= 0 {
		c.PumpYield = 10 * time.Millisecond
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 500 * time.Millisecond
	}
	return c
}

// NotifyHandler receives notification bytes. ctx belongs to the exchange
// that delivered them; pass it to Connection methods to re-enter safely.
type NotifyHandler func(ctx context.Context, data []byte)

// Stats counts dispatch activity.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Retries  uint64 `json:"retries"`
	Timeouts uint64 `json:"timeouts"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

type outcome uint8

const (
	pending outcome = iota
	handled
	rejected
)

type inflight struct {
	cmd     dpg.Command
	outcome outcome
}

// Connection owns one transport and at most one live session on it.
type Connection struct {
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger

	lock *exchangeLock

	sessMu  sync.RWMutex
	session transport.Session
	// dispatchCtx is the context of the exchange currently pumping.
	dispatchCtx context.Context

	handlers *xsync.MapOf[uint16, NotifyHandler]

	slotMu sync.Mutex
	slot   *inflight

	discMu       sync.Mutex
	onDisconnect []func()
	discPending  bool

	pumpMu     sync.Mutex
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	sent, retries, timeouts, rejectedN, dropped atomic.Uint64
}

// New creates a Connection. It does not connect.
func New(tr transport.Transport, cfg Config, logger *slog.Logger) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		tr:       tr,
		cfg:      cfg,
		logger:   logger.With("component", "connection", "address", cfg.Address),
		lock:     newExchangeLock(),
		handlers: xsync.NewMapOf[uint16, NotifyHandler](),
	}
}

// Config returns the effective configuration.
func (c *Connection) Config() Config { return c.cfg }

// enter takes the exchange lock. The returned func releases it and, for
// the outermost holder, runs any disconnect callbacks queued meanwhile.
func (c *Connection) enter(ctx context.Context) (context.Context, func(), error) {
	ctx, release, outer, err := c.lock.acquire(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, func() {
		release()
		if outer {
			c.fireDisconnect()
		}
	}, nil
}

// OnDisconnect registers fn to run after a session ends.
func (c *Connection) OnDisconnect(fn func()) {
	c.discMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.discMu.Unlock()
}

func (c *Connection) fireDisconnect() {
	c.discMu.Lock()
	if !c.discPending {
		c.discMu.Unlock()
		return
	}
	c.discPending = false
	fns := make([]func(), len(c.onDisconnect))
	copy(fns, c.onDisconnect)
	c.discMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("disconnect callback panic", "err", r)
				}
			}()
			fn()
		}()
	}
}

// IsConnected reports whether a session is live.
func (c *Connection) IsConnected() bool {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.session != nil
}

func (c *Connection) activeSession() (transport.Session, error) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Connect opens a session, retrying once. Any existing session is closed
// first.
func (c *Connection) Connect(ctx context.Context) error {
	ctx, exit, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()
	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.disconnectLocked()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		sess, err := c.tr.Connect(ctx, c.cfg.Address, c.dispatch)
		if err == nil {
			c.sessMu.Lock()
			c.session = sess
			c.sessMu.Unlock()
			c.logger.Info("connected", "attempt", attempt)
			return nil
		}
		lastErr = err
		c.logger.Warn("connect failed", "attempt", attempt, "err", err)

		if attempt == c.cfg.ConnectAttempts {
			break
		}
		timer := time.NewTimer(c.cfg.ConnectRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, c.cfg.Address, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, c.cfg.Address, lastErr)
}

// Reconnect drops the current session and opens a new one.
func (c *Connection) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

// Disconnect closes the session. It is safe to call at any time.
func (c *Connection) Disconnect(ctx context.Context) error {
	_, exit, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	c.sessMu.Lock()
	sess := c.session
	c.session = nil
	c.sessMu.Unlock()
	if sess == nil {
		return nil
	}

	c.clearSlot()
	c.handlers.Clear()

	err := sess.Disconnect()
	if err != nil {
		c.logger.Warn("disconnect", "err", err)
	} else {
		c.logger.Info("disconnected")
	}

	c.discMu.Lock()
	c.discPending = true
	c.discMu.Unlock()
	return err
}

// fail tears down the session after a link error and returns it wrapped.
func (c *Connection) fail(op string, err error) error {
	c.logger.Error("transport failure", "op", op, "err", err)
	c.disconnectLocked()
	return fmt.Errorf("connection: %s: %w", op, err)
}

// RegisterNotification subscribes to ch and routes its notifications to h.
func (c *Connection) RegisterNotification(ctx context.Context, ch gatt.Channel, h NotifyHandler) error {
	char, err := c.cfg.Characteristics.Lookup(ch)
	if err != nil {
		return err
	}
	_, exit, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	c.handlers.Store(char.Handle, h)
	if err := sess.Subscribe(char); err != nil {
		c.handlers.Delete(char.Handle)
		return c.fail("subscribe "+ch.String(), err)
	}
	c.logger.Debug("subscribed", "channel", ch, "handle", fmt.Sprintf("0x%04X", char.Handle))
	return nil
}

// UnregisterNotification stops routing notifications for ch.
func (c *Connection) UnregisterNotification(ch gatt.Channel) {
	if char, err := c.cfg.Characteristics.Lookup(ch); err == nil {
		c.handlers.Delete(char.Handle)
	}
}

// dispatch is the transport's notification sink. It runs inside
// PumpNotifications, on the goroutine holding the exchange lock.
func (c *Connection) dispatch(handle uint16, data []byte) {
	h, ok := c.handlers.Load(handle)
	if !ok {
		c.dropped.Add(1)
		c.logger.Warn("notification for unregistered handle dropped",
			"handle", fmt.Sprintf("0x%04X", handle), "data", hex.EncodeToString(data))
		return
	}
	ctx := c.dispatchCtx
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panic", "handle", fmt.Sprintf("0x%04X", handle), "err", r)
		}
	}()
	h(ctx, data)
}

func (c *Connection) pumpLocked(ctx context.Context, sess transport.Session, timeout time.Duration) (bool, error) {
	prev := c.dispatchCtx
	c.dispatchCtx = ctx
	got, err := sess.PumpNotifications(timeout)
	c.dispatchCtx = prev
	if err != nil {
		return got, c.fail("pump notifications", err)
	}
	return got, nil
}

// ProcessNotifications waits up to timeout for notifications and
// dispatches them.
func (c *Connection) ProcessNotifications(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, exit, err := c.enter(ctx)
	if err != nil {
		return false, err
	}
	defer exit()
	sess, err := c.activeSession()
	if err != nil {
		return false, err
	}
	return c.pumpLocked(ctx, sess, timeout)
}

// CurrentCommand returns the command awaiting a response, if any.
func (c *Connection) CurrentCommand() (dpg.Command, bool) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot == nil || c.slot.outcome != pending {
		return dpg.Command{}, false
	}
	return c.slot.cmd, true
}

// CompleteCurrent marks the outstanding command answered and returns it.
func (c *Connection) CompleteCurrent() (dpg.Command, bool) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot == nil || c.slot.outcome != pending {
		return dpg.Command{}, false
	}
	c.slot.outcome = handled
	return c.slot.cmd, true
}

// RejectCurrent clears the outstanding command after a protocol error so
// the sender retries without waiting out the timeout.
func (c *Connection) RejectCurrent(reason error) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot == nil || c.slot.outcome != pending {
		c.logger.Warn("protocol error with no command outstanding", "err", reason)
		return
	}
	c.slot.outcome = rejected
	c.rejectedN.Add(1)
	c.logger.Warn("response rejected", "command", c.slot.cmd, "err", reason)
}

func (c *Connection) setSlot(cmd dpg.Command) {
	c.slotMu.Lock()
	c.slot = &inflight{cmd: cmd}
	c.slotMu.Unlock()
}

func (c *Connection) slotOutcome() outcome {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot == nil {
		return pending
	}
	return c.slot.outcome
}

func (c *Connection) clearSlot() outcome {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot == nil {
		return pending
	}
	o := c.slot.outcome
	c.slot = nil
	return o
}

// awaitResponse pumps until the slot resolves or timeout passes.
func (c *Connection) awaitResponse(ctx context.Context, sess transport.Session, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c.slotOutcome() != pending {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := c.pumpLocked(ctx, sess, remaining); err != nil {
			return false, err
		}
	}
}

// pullNotification reads a static characteristic to make links that hold
// inbound frames behind traffic hand over a pending response.
func (c *Connection) pullNotification(ctx context.Context, sess transport.Session) (bool, error) {
	char, err := c.cfg.Characteristics.Lookup(gatt.DeviceName)
	if err != nil {
		return false, nil
	}
	c.logger.Debug("pulling notifications")
	if _, err := sess.Read(char); err != nil {
		return false, c.fail("pull notification", err)
	}
	return c.awaitResponse(ctx, sess, c.cfg.PullTimeout)
}

// SendRepeated writes cmd and waits for the correlated response, resending
// up to maxAttempts times (the configured default when <= 0). Exhausted
// retries report false with a nil error; link failures disconnect and
// return an error.
func (c *Connection) SendRepeated(ctx context.Context, cmd dpg.Command, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxAttempts
	}
	char, err := c.cfg.Characteristics.Lookup(cmd.Channel())
	if err != nil {
		return false, err
	}
	ctx, exit, err := c.enter(ctx)
	if err != nil {
		return false, err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return false, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.clearSlot()
			return false, err
		}
		if attempt > 1 {
			c.retries.Add(1)
		}
		c.setSlot(cmd)
		c.sent.Add(1)
		c.logger.Debug("send", "command", cmd, "attempt", attempt)
		if err := sess.Write(char, cmd.Wrap(), true); err != nil {
			c.clearSlot()
			return false, c.fail("write "+cmd.String(), err)
		}

		done, err := c.awaitResponse(ctx, sess, c.cfg.ResponseTimeout)
		if err == nil && !done {
			done, err = c.pullNotification(ctx, sess)
		}
		if err != nil {
			c.clearSlot()
			return false, err
		}

		switch c.clearSlot() {
		case handled:
			return true, nil
		case rejected:
			c.logger.Debug("retrying after rejected response", "command", cmd, "attempt", attempt)
		default:
			c.timeouts.Add(1)
			c.logger.Debug("no response", "command", cmd, "attempt", attempt)
		}
	}

	c.logger.Warn("command unanswered", "command", cmd, "attempts", maxAttempts)
	return false, nil
}

// Send writes cmd once without waiting for a response. Directional moves
// use an acknowledged write.
func (c *Connection) Send(ctx context.Context, cmd dpg.Command) error {
	char, err := c.cfg.Characteristics.Lookup(cmd.Channel())
	if err != nil {
		return err
	}
	_, exit, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	c.sent.Add(1)
	if err := sess.Write(char, cmd.Wrap(), cmd.Kind() == dpg.KindDirectional); err != nil {
		return c.fail("write "+cmd.String(), err)
	}
	return nil
}

// ReadCharacteristic reads ch directly.
func (c *Connection) ReadCharacteristic(ctx context.Context, ch gatt.Channel) ([]byte, error) {
	char, err := c.cfg.Characteristics.Lookup(ch)
	if err != nil {
		return nil, err
	}
	_, exit, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	data, err := sess.Read(char)
	if err != nil {
		return nil, c.fail("read "+ch.String(), err)
	}
	return data, nil
}

// WriteCharacteristic writes raw bytes to ch.
func (c *Connection) WriteCharacteristic(ctx context.Context, ch gatt.Channel, data []byte, withResponse bool) error {
	char, err := c.cfg.Characteristics.Lookup(ch)
	if err != nil {
		return err
	}
	_, exit, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	if err := sess.Write(char, data, withResponse); err != nil {
		return c.fail("write "+ch.String(), err)
	}
	return nil
}

// Services lists the primary service UUIDs of the connected peer.
func (c *Connection) Services(ctx context.Context) ([]uuid.UUID, error) {
	ctx, exit, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()

	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	ids, err := sess.Services(ctx)
	if err != nil {
		return nil, c.fail("discover services", err)
	}
	return ids, nil
}

// Stats returns dispatch counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Retries:  c.retries.Load(),
		Timeouts: c.timeouts.Load(),
		Rejected: c.rejectedN.Load(),
		Dropped:  c.dropped.Load(),
	}
}
