// Package sim is an in-process DPG desk. It answers the protocol the way a
// LINAK control box does and drives a simple motion model, so the driver
// can run without hardware and tests can script the peripheral.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"linak-desk/internal/dpg"
	"linak-desk/internal/gatt"
	"linak-desk/internal/transport"
)

// Config describes the simulated desk.
type Config struct {
	Name         string
	Manufacturer string
	Model        string
	Mask         byte
	Capabilities dpg.Capabilities
	ProductInfo  []byte
	UserID       dpg.UserID
	Reminder     dpg.ReminderSetting
	Offset       dpg.Position
	Favorites    [dpg.MaxFavorites]dpg.FavoritePosition
	Height       dpg.Position
	MinHeight    dpg.Position
	MaxHeight    dpg.Position
	// Step is the distance covered per motion tick.
	Step         uint16
	// Speed is the raw speed reported while moving.
	Speed        int16
	MotionTick   time.Duration
	Services     []uuid.UUID
	Map          gatt.Map
}

// DefaultConfig returns a two-slot desk at 75 cm with a 62 cm offset.
func DefaultConfig() Config {
	services := make([]uuid.UUID, 0, 5)
	for _, s := range gatt.RequiredServices() {
		services = append(services, s.UUID)
	}
	return Config{
		Name:         "Desk 1234",
		Manufacturer: "LINAK A/S",
		Model:        "DPG1C",
		Mask:         0x01,
		Capabilities: dpg.Capabilities{MemSize: 2, AutoUp: true, AutoDown: true, BLEAllow: true, HasDisplay: true, RefMask: 0x01},
		ProductInfo:  []byte{1, 4, 2},
		UserID:       dpg.UserID{Type: dpg.Guest, ID: []byte{0x00}},
		Reminder: dpg.ReminderSetting{
			Active:    1,
			Reminders: [3]dpg.Reminder{{Sit: 55, Stand: 5}, {Sit: 50, Stand: 10}, {Sit: 45, Stand: 15}},
		},
		Offset:     6200,
		Favorites:  [dpg.MaxFavorites]dpg.FavoritePosition{dpg.NewFavorite(1000), dpg.EmptyFavorite()},
		Height:     1300,
		MinHeight:  0,
		MaxHeight:  6500,
		Step:       100,
		Speed:      330,
		MotionTick: 20 * time.Millisecond,
		Services:   services,
		Map:        gatt.DefaultMap(),
	}
}

// Call is one recorded session operation.
type Call struct {
	Op      string
	Channel gatt.Channel
	Handle  uint16
	Data    []byte
}

type notification struct {
	handle uint16
	data   []byte
}

// Desk implements transport.Transport.
type Desk struct {
	mu  sync.Mutex
	cfg Config

	height    dpg.Position
	speed     int16
	target    dpg.Position
	moving    bool
	lastTick  time.Time
	favorites [dpg.MaxFavorites]dpg.FavoritePosition
	offset    dpg.Position
	reminder  dpg.ReminderSetting
	userID    dpg.UserID
	counter   uint32

	session    *session
	subscribed map[uint16]bool
	queue      []notification
	calls      []Call
	signal     chan struct{}

	refuse        int
	dropDPG       int
	malformedDPG  int
	holdUntilRead bool
	autoMotion    bool
	writeErr      error
	readErr       error
	responder     func(cmd dpg.Command) ([]byte, bool)
}

// New returns a simulated desk.
func New(cfg Config) *Desk {
	if cfg.Map == nil {
		cfg.Map = gatt.DefaultMap()
	}
	if cfg.MotionTick <= 0 {
		cfg.MotionTick = 20 * time.Millisecond
	}
	if cfg.Step == 0 {
		cfg.Step = 100
	}
	return &Desk{
		cfg:        cfg,
		height:     cfg.Height,
		favorites:  cfg.Favorites,
		offset:     cfg.Offset,
		reminder:   cfg.Reminder,
		userID:     cfg.UserID,
		subscribed: make(map[uint16]bool),
		signal:     make(chan struct{}, 1),
		autoMotion: true,
	}
}

// Connect implements transport.Transport.
func (d *Desk) Connect(ctx context.Context, address string, onNotify transport.NotifyFunc) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: "connect", Data: []byte(address)})
	if d.refuse > 0 {
		d.refuse--
		return nil, transport.Errorf("sim: connect %s refused", address)
	}
	d.subscribed = make(map[uint16]bool)
	d.queue = nil
	s := &session{desk: d, onNotify: onNotify}
	d.session = s
	return s, nil
}

// RefuseConnects makes the next n Connect calls fail.
func (d *Desk) RefuseConnects(n int) {
	d.mu.Lock()
	d.refuse = n
	d.mu.Unlock()
}

// DropDPG swallows the next n DPG requests. Negative drops all of them.
func (d *Desk) DropDPG(n int) {
	d.mu.Lock()
	d.dropDPG = n
	d.mu.Unlock()
}

// MalformDPG answers the next n DPG requests with an invalid frame.
func (d *Desk) MalformDPG(n int) {
	d.mu.Lock()
	d.malformedDPG = n
	d.mu.Unlock()
}

// HoldUntilRead buffers notifications until the next characteristic read,
// like links that only flush inbound frames on traffic.
func (d *Desk) HoldUntilRead(hold bool) {
	d.mu.Lock()
	d.holdUntilRead = hold
	d.mu.Unlock()
}

// SetAutoMotion toggles the motion model. With it off, movement commands
// are only recorded and telemetry must be pushed with Telemetry.
func (d *Desk) SetAutoMotion(on bool) {
	d.mu.Lock()
	d.autoMotion = on
	d.mu.Unlock()
}

// SetWriteError makes every write fail with err until cleared with nil.
func (d *Desk) SetWriteError(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// SetReadError makes every read fail with err until cleared with nil.
func (d *Desk) SetReadError(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

// SetResponder overrides DPG answers. Returning false falls back to the
// built-in behaviour.
func (d *Desk) SetResponder(fn func(cmd dpg.Command) ([]byte, bool)) {
	d.mu.Lock()
	d.responder = fn
	d.mu.Unlock()
}

// Inject queues a raw notification on handle.
func (d *Desk) Inject(handle uint16, data []byte) {
	d.mu.Lock()
	d.queue = append(d.queue, notification{handle: handle, data: append([]byte(nil), data...)})
	d.mu.Unlock()
	d.wake()
}

// Telemetry sets the reported height and speed and notifies subscribers.
func (d *Desk) Telemetry(hs dpg.HeightSpeed) {
	d.mu.Lock()
	d.height, d.speed = hs.Height, hs.Speed
	d.notifyTelemetryLocked()
	d.mu.Unlock()
	d.wake()
}

// Calls returns a copy of the recorded operations.
func (d *Desk) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Writes returns the payloads written to ch, in order.
func (d *Desk) Writes(ch gatt.Channel) [][]byte {
	var out [][]byte
	for _, c := range d.Calls() {
		if c.Op == "write" && c.Channel == ch {
			out = append(out, c.Data)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (d *Desk) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// Height returns the simulated relative height.
func (d *Desk) Height() dpg.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

// Favorite returns a stored slot, 1-based.
func (d *Desk) Favorite(slot int) dpg.FavoritePosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.favorites[slot-1]
}

// Offset returns the stored desk offset.
func (d *Desk) Offset() dpg.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

// Reminder returns the stored reminder settings.
func (d *Desk) Reminder() dpg.ReminderSetting {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reminder
}

// UserID returns the identity last written by a client.
func (d *Desk) UserID() dpg.UserID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userID
}

// Drop ends the current session from the peripheral side.
func (d *Desk) Drop() {
	d.mu.Lock()
	if d.session != nil {
		d.session.closed = true
	}
	d.mu.Unlock()
	d.wake()
}

func (d *Desk) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Desk) handleWriteLocked(c gatt.Characteristic, data []byte) {
	switch c.Channel {
	case gatt.DPG:
		d.handleDPGLocked(data)
	case gatt.Control:
		if len(data) == 0 {
			return
		}
		switch dpg.ControlAction(data[0]) {
		case dpg.MoveUp:
			d.startMotionLocked(d.cfg.MaxHeight)
		case dpg.MoveDown:
			d.startMotionLocked(d.cfg.MinHeight)
		case dpg.Stop:
			d.stopMotionLocked()
		}
	case gatt.Directional:
		if len(data) < 3 {
			return
		}
		target := dpg.Position(binary.LittleEndian.Uint16(data[1:3]))
		if target > d.cfg.MaxHeight {
			target = d.cfg.MaxHeight
		}
		if target < d.cfg.MinHeight {
			target = d.cfg.MinHeight
		}
		d.startMotionLocked(target)
	}
}

func (d *Desk) startMotionLocked(target dpg.Position) {
	if !d.autoMotion {
		return
	}
	d.target = target
	if !d.moving {
		d.moving = true
		d.lastTick = time.Now()
	}
}

func (d *Desk) stopMotionLocked() {
	if !d.autoMotion {
		return
	}
	d.moving = false
	if d.speed != 0 {
		d.speed = 0
		d.notifyTelemetryLocked()
	}
}

func (d *Desk) advanceLocked(now time.Time) {
	if !d.moving || !d.autoMotion {
		return
	}
	for now.Sub(d.lastTick) >= d.cfg.MotionTick {
		d.lastTick = d.lastTick.Add(d.cfg.MotionTick)
		step := dpg.Position(d.cfg.Step)
		switch {
		case d.height < d.target:
			d.height = min(d.height+step, d.target)
			d.speed = d.cfg.Speed
		case d.height > d.target:
			if d.height-d.target < step {
				d.height = d.target
			} else {
				d.height -= step
			}
			d.speed = -d.cfg.Speed
		}
		if d.height == d.target {
			d.moving = false
			d.speed = 0
		}
		d.notifyTelemetryLocked()
		if !d.moving {
			return
		}
	}
}

func (d *Desk) notifyTelemetryLocked() {
	c := d.cfg.Map[gatt.HeightSpeed]
	if !d.subscribed[c.Handle] {
		return
	}
	hs := dpg.HeightSpeed{Height: d.height, Speed: d.speed}
	d.queue = append(d.queue, notification{handle: c.Handle, data: hs.Encode()})
}

func (d *Desk) handleDPGLocked(data []byte) {
	cmd, err := dpg.ParseRequest(data)
	if err != nil {
		return
	}
	if d.dropDPG != 0 {
		if d.dropDPG > 0 {
			d.dropDPG--
		}
		return
	}
	c := d.cfg.Map[gatt.DPG]
	if !d.subscribed[c.Handle] {
		return
	}
	if d.malformedDPG > 0 {
		d.malformedDPG--
		d.queue = append(d.queue, notification{handle: c.Handle, data: []byte{0x02, 0x00}})
		return
	}
	var payload []byte
	if d.responder != nil {
		if p, ok := d.responder(cmd); ok {
			d.queue = append(d.queue, notification{handle: c.Handle, data: p})
			return
		}
	}
	if cmd.Kind() == dpg.KindDPGWrite {
		d.applyWriteLocked(cmd)
	} else {
		payload = d.readPayloadLocked(cmd.Type())
	}
	d.queue = append(d.queue, notification{handle: c.Handle, data: dpg.BuildResponse(payload)})
}

func (d *Desk) counterBytesLocked() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, d.counter)
	return b
}

func (d *Desk) readPayloadLocked(t dpg.CommandType) []byte {
	switch t {
	case dpg.UserIDCmd:
		return d.userID.Encode()
	case dpg.ProductInfoCmd:
		return append([]byte(nil), d.cfg.ProductInfo...)
	case dpg.GetCapabilities:
		return d.cfg.Capabilities.Encode()
	case dpg.ReminderSettingCmd:
		return append(d.reminder.Encode(), d.counterBytesLocked()...)
	case dpg.DeskOffset:
		return dpg.NewFavorite(d.offset).Encode()
	}
	if slot, ok := t.FavoriteSlot(); ok {
		return append(d.favorites[slot-1].Encode(), d.counterBytesLocked()...)
	}
	return nil
}

func (d *Desk) applyWriteLocked(cmd dpg.Command) {
	p := cmd.Payload()
	switch cmd.Type() {
	case dpg.UserIDCmd:
		if u, err := dpg.DecodeUserID(p); err == nil {
			d.userID = u
		}
	case dpg.ReminderSettingCmd:
		if r, err := dpg.DecodeReminderSetting(p); err == nil {
			d.counter++
			r.Counter = d.counter
			d.reminder = r
		}
	case dpg.DeskOffset:
		if f, err := dpg.DecodeFavorite(p); err == nil {
			if pos, ok := f.Position(); ok {
				d.offset = pos
			}
		}
	default:
		if slot, ok := cmd.Type().FavoriteSlot(); ok {
			if f, err := dpg.DecodeFavorite(p); err == nil {
				d.counter++
				f.Counter = d.counter
				d.favorites[slot-1] = f
			}
		}
	}
}

func (d *Desk) readLocked(c gatt.Characteristic) []byte {
	switch c.Channel {
	case gatt.DeviceName:
		return []byte(d.cfg.Name)
	case gatt.Manufacturer:
		return []byte(d.cfg.Manufacturer)
	case gatt.ModelNumber:
		return []byte(d.cfg.Model)
	case gatt.Mask:
		return []byte{d.cfg.Mask}
	case gatt.HeightSpeed:
		return dpg.HeightSpeed{Height: d.height, Speed: d.speed}.Encode()
	}
	return nil
}

type session struct {
	desk     *Desk
	onNotify transport.NotifyFunc
	closed   bool
	flushed  bool
}

func (s *session) record(op string, c gatt.Characteristic, data []byte) {
	s.desk.calls = append(s.desk.calls, Call{Op: op, Channel: c.Channel, Handle: c.Handle, Data: append([]byte(nil), data...)})
}

func (s *session) Services(ctx context.Context) ([]uuid.UUID, error) {
	d := s.desk
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	return append([]uuid.UUID(nil), d.cfg.Services...), nil
}

func (s *session) Write(c gatt.Characteristic, data []byte, withResponse bool) error {
	d := s.desk
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return transport.ErrClosed
	}
	s.record("write", c, data)
	if d.writeErr != nil {
		err := d.writeErr
		d.mu.Unlock()
		return transport.Wrap("sim: write "+c.String(), err)
	}
	d.handleWriteLocked(c, data)
	d.mu.Unlock()
	d.wake()
	return nil
}

func (s *session) Read(c gatt.Characteristic) ([]byte, error) {
	d := s.desk
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	s.record("read", c, nil)
	if d.readErr != nil {
		return nil, transport.Wrap("sim: read "+c.String(), d.readErr)
	}
	s.flushed = true
	return d.readLocked(c), nil
}

func (s *session) Subscribe(c gatt.Characteristic) error {
	d := s.desk
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.record("subscribe", c, []byte{0x01, 0x00})
	d.subscribed[c.Handle] = true
	return nil
}

func (s *session) PumpNotifications(timeout time.Duration) (bool, error) {
	d := s.desk
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if s.closed {
			d.mu.Unlock()
			return false, transport.ErrClosed
		}
		d.advanceLocked(time.Now())
		var batch []notification
		if !d.holdUntilRead || s.flushed {
			batch = d.queue
			d.queue = nil
			s.flushed = false
		}
		moving := d.moving && d.autoMotion
		d.mu.Unlock()

		if len(batch) > 0 {
			for _, n := range batch {
				if s.onNotify != nil {
					s.onNotify(n.handle, n.data)
				}
			}
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := remaining
		if moving && d.cfg.MotionTick < wait {
			wait = d.cfg.MotionTick
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *session) Disconnect() error {
	d := s.desk
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	d.calls = append(d.calls, Call{Op: "disconnect"})
	if d.session == s {
		d.session = nil
	}
	return nil
}

func (c Call) String() string {
	if c.Op == "write" || c.Op == "read" || c.Op == "subscribe" {
		return fmt.Sprintf("%s %s % X", c.Op, c.Channel, c.Data)
	}
	return c.Op
}
