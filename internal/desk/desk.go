// Package desk keeps the cached state of one DPG desk, runs its
// initialization exchange and exposes the high-level operations built on
// top of the connection.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"linak-desk/internal/connection"
	"linak-desk/internal/dpg"
	"linak-desk/internal/store"
)

var (
	ErrNotReady        = errors.New("desk: state not available")
	ErrTimedOut        = errors.New("desk: command timed out")
	ErrSetupFailed     = errors.New("desk: setup request unanswered")
	ErrInvalidFavorite = errors.New("desk: invalid favorite index")
	ErrInvalidReminder = errors.New("desk: invalid reminder slot")
	ErrAlreadyAtTarget = errors.New("desk: already at target position")
)

// ServiceNotFoundError reports a required GATT service group that the peer
// does not expose.
type ServiceNotFoundError struct {
	Group string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("desk: required service %q not found", e.Group)
}

// Position limits for MoveToTop / MoveToBottom.
const (
	TopRaw    dpg.Position = 0x7FFE
	BottomRaw dpg.Position = 0
)

// Config holds desk tunables. Zero values take the defaults noted on each
// field.
type Config struct {
	Address string

	MoveInterval  time.Duration // default 250ms
	MoveTimeout   time.Duration // default 30s
	MaxIterations int           // default 150
	DeadBand      uint16        // default 10 raw units

	WaitPoll     time.Duration // default 200ms
	WaitAttempts int           // default 100

	ReconnectMin time.Duration // default 1s
	ReconnectMax time.Duration // default 30s

	// ClientID is claimed on connect when no store is configured.
	ClientID []byte
}

func (c Config) withDefaults() Config {
	if c.MoveInterval <= 0 {
		c.MoveInterval = 250 * time.Millisecond
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = 30 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 150
	}
	if c.DeadBand == 0 {
		c.DeadBand = 10
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = 200 * time.Millisecond
	}
	if c.WaitAttempts <= 0 {
		c.WaitAttempts = 100
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Desk aggregates the state of one control box.
type Desk struct {
	conn   *connection.Connection
	store  store.Store
	cfg    Config
	logger *slog.Logger
	events *EventBus
	mover  *Mover

	eventQ    chan Event
	quit      chan struct{}
	closeOnce sync.Once
	lost      chan struct{}

	mu           sync.RWMutex
	ready        bool
	name         *string
	manufacturer *string
	model        *string
	mask         *dpg.Mask
	productInfo  *dpg.ProductInfo
	capabilities *dpg.Capabilities
	userID       *dpg.UserID
	reminder     *dpg.ReminderSetting
	offset       *dpg.Position
	heightSpeed  *dpg.HeightSpeed
	favorites    [dpg.MaxFavorites]*dpg.FavoritePosition
	lastError    []byte
}

// New creates a Desk over conn. st may be nil.
func New(conn *connection.Connection, st store.Store, cfg Config, logger *slog.Logger) *Desk {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		cfg.Address = conn.Config().Address
	}
	logger = logger.With("component", "desk", "address", cfg.Address)
	d := &Desk{
		conn:   conn,
		store:  st,
		cfg:    cfg,
		logger: logger,
		events: NewEventBus(logger),
		eventQ: make(chan Event, 256),
		quit:   make(chan struct{}),
		lost:   make(chan struct{}, 1),
	}
	d.mover = NewMover(MoverConfig{
		Interval:      cfg.MoveInterval,
		Timeout:       cfg.MoveTimeout,
		MaxIterations: cfg.MaxIterations,
	}, d.sendStop, d.onMoveState, logger)
	conn.OnDisconnect(d.onDisconnect)
	go d.dispatchEvents()
	return d
}

// Address returns the desk's link address.
func (d *Desk) Address() string { return d.cfg.Address }

// Events returns the desk's event bus.
func (d *Desk) Events() *EventBus { return d.events }

// Connection returns the underlying connection.
func (d *Desk) Connection() *connection.Connection { return d.conn }

// Close stops any movement, the pump and the link.
func (d *Desk) Close(ctx context.Context) error {
	if d.mover.Active() != nil {
		if err := d.mover.Stop(ctx); err != nil {
			d.logger.Warn("stop on close", "err", err)
		}
	}
	d.conn.StopPump()
	err := d.conn.Disconnect(ctx)
	d.closeOnce.Do(func() { close(d.quit) })
	return err
}

// emit queues an event for asynchronous delivery. Events keep their order;
// handlers never run on the exchange goroutine.
func (d *Desk) emit(typ string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["address"] = d.cfg.Address
	select {
	case <-d.quit:
		return
	default:
	}
	select {
	case d.eventQ <- Event{Type: typ, Data: data}:
	default:
		d.logger.Warn("event queue full, dropping event", "type", typ)
	}
}

func (d *Desk) dispatchEvents() {
	for {
		select {
		case ev := <-d.eventQ:
			d.events.Emit(ev)
		case <-d.quit:
			return
		}
	}
}

func (d *Desk) onDisconnect() {
	d.mu.Lock()
	wasReady := d.ready
	d.ready = false
	d.mu.Unlock()

	d.emit(EventConnection, map[string]interface{}{"state": "disconnected"})
	if wasReady {
		select {
		case d.lost <- struct{}{}:
		default:
		}
	}
}

func (d *Desk) onMoveState(name string, s MoveState) {
	d.emit(EventMoveState, map[string]interface{}{"move": name, "state": string(s)})
	if s.Terminal() {
		d.persist()
	}
}

func (d *Desk) resetState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = false
	d.name, d.manufacturer, d.model = nil, nil, nil
	d.mask, d.productInfo, d.capabilities = nil, nil, nil
	d.userID, d.reminder, d.offset, d.heightSpeed = nil, nil, nil, nil
	d.favorites = [dpg.MaxFavorites]*dpg.FavoritePosition{}
	d.lastError = nil
}

// Ready reports whether initialization completed on the current link.
func (d *Desk) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Name returns the advertised device name.
func (d *Desk) Name() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == nil {
		return "", false
	}
	return *d.name, true
}

// Capabilities returns the cached capability record.
func (d *Desk) Capabilities() (dpg.Capabilities, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.capabilities == nil {
		return dpg.Capabilities{}, false
	}
	return *d.capabilities, true
}

// HeightSpeed returns the last telemetry sample.
func (d *Desk) HeightSpeed() (dpg.HeightSpeed, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.heightSpeed == nil {
		return dpg.HeightSpeed{}, false
	}
	return *d.heightSpeed, true
}

// Offset returns the desk offset.
func (d *Desk) Offset() (dpg.Position, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.offset == nil {
		return 0, false
	}
	return *d.offset, true
}

// Favorite returns slot index (1-based).
func (d *Desk) Favorite(index int) (dpg.FavoritePosition, bool) {
	if index < 1 || index > dpg.MaxFavorites {
		return dpg.FavoritePosition{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	f := d.favorites[index-1]
	if f == nil {
		return dpg.FavoritePosition{}, false
	}
	return *f, true
}

// Reminder returns the cached reminder settings.
func (d *Desk) Reminder() (dpg.ReminderSetting, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.reminder == nil {
		return dpg.ReminderSetting{}, false
	}
	return *d.reminder, true
}

// CurrentHeightWithOffset is the absolute height: telemetry plus offset.
func (d *Desk) CurrentHeightWithOffset() (dpg.Position, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.heightSpeed == nil || d.offset == nil {
		return 0, false
	}
	return d.heightSpeed.Height + *d.offset, true
}

// FavoriteSlots is the number of addressable memory slots.
func (d *Desk) FavoriteSlots() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.favoriteSlotsLocked()
}

func (d *Desk) favoriteSlotsLocked() int {
	if d.capabilities == nil {
		return dpg.MaxFavorites
	}
	return min(int(d.capabilities.MemSize), dpg.MaxFavorites)
}

// WaitFor polls cond under the read lock until it holds, ctx ends, or the
// configured number of polls is spent.
func (d *Desk) WaitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(d.cfg.WaitPoll)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if cond() {
			return nil
		}
		if i >= d.cfg.WaitAttempts {
			return ErrNotReady
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForHeight waits until telemetry and the offset are known and returns
// the relative height and offset.
func (d *Desk) WaitForHeight(ctx context.Context) (dpg.HeightSpeed, dpg.Position, error) {
	var hs dpg.HeightSpeed
	var off dpg.Position
	err := d.WaitFor(ctx, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.heightSpeed == nil || d.offset == nil {
			return false
		}
		hs, off = *d.heightSpeed, *d.offset
		return true
	})
	return hs, off, err
}

// WaitForCapabilities waits until the capability record is known.
func (d *Desk) WaitForCapabilities(ctx context.Context) (dpg.Capabilities, error) {
	var c dpg.Capabilities
	err := d.WaitFor(ctx, func() bool {
		var ok bool
		c, ok = d.Capabilities()
		return ok
	})
	return c, err
}

// clientID returns the identity claimed in the USER_ID write-back.
func (d *Desk) clientID() []byte {
	if d.store != nil {
		id, err := d.store.ClientID()
		if err == nil {
			return id
		}
		d.logger.Warn("client id from store", "err", err)
	}
	if len(d.cfg.ClientID) > 0 {
		return d.cfg.ClientID
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("linak-desk:"+d.cfg.Address))
	return id[:]
}
