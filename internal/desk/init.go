package desk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"linak-desk/internal/connection"
	"linak-desk/internal/dpg"
	"linak-desk/internal/gatt"
	"linak-desk/internal/store"
)

// Start connects and runs the initialization exchange.
func (d *Desk) Start(ctx context.Context) error {
	d.conn.StopPump()
	if err := d.conn.Connect(ctx); err != nil {
		return err
	}
	d.emit(EventConnection, map[string]interface{}{"state": "connected"})
	if err := d.Initialize(ctx); err != nil {
		_ = d.conn.Disconnect(ctx)
		return err
	}
	return nil
}

// Initialize populates the cache from a freshly connected desk and starts
// the notification pump.
func (d *Desk) Initialize(ctx context.Context) error {
	d.resetState()

	if err := d.checkServices(ctx); err != nil {
		return err
	}

	name, err := d.conn.ReadCharacteristic(ctx, gatt.DeviceName)
	if err != nil {
		return fmt.Errorf("read device name: %w", err)
	}
	maskRaw, err := d.conn.ReadCharacteristic(ctx, gatt.Mask)
	if err != nil {
		return fmt.Errorf("read mask: %w", err)
	}
	mask, err := dpg.DecodeMask(maskRaw)
	if err != nil {
		d.logger.Warn("decode mask", "err", err)
		mask = dpg.MaskInvalid
	}
	d.mu.Lock()
	n := string(name)
	d.name = &n
	d.mask = &mask
	d.mu.Unlock()
	d.readDeviceInfo(ctx)

	if err := d.conn.RegisterNotification(ctx, gatt.DPG, d.handleDPG); err != nil {
		return fmt.Errorf("subscribe dpg: %w", err)
	}
	if err := d.conn.RegisterNotification(ctx, gatt.Error, d.handleError); err != nil {
		return fmt.Errorf("subscribe error channel: %w", err)
	}

	if err := d.request(ctx, dpg.Read(dpg.UserIDCmd)); err != nil && !errors.Is(err, ErrTimedOut) {
		return err
	}
	if err := d.request(ctx, dpg.Read(dpg.GetSetup)); err != nil {
		if errors.Is(err, ErrTimedOut) {
			return ErrSetupFailed
		}
		return err
	}
	for _, t := range []dpg.CommandType{dpg.ProductInfoCmd, dpg.GetCapabilities, dpg.ReminderSettingCmd, dpg.DeskOffset} {
		if err := d.request(ctx, dpg.Read(t)); err != nil {
			if !errors.Is(err, ErrTimedOut) {
				return err
			}
			d.logger.Warn("initial read unanswered", "command", t)
		}
	}

	claim := dpg.UserID{Type: dpg.Owner, ID: d.clientID()}
	if err := d.request(ctx, dpg.Write(dpg.UserIDCmd, claim.Encode())); err != nil {
		if !errors.Is(err, ErrTimedOut) {
			return err
		}
		d.logger.Warn("user id write-back unanswered")
	} else {
		d.mu.Lock()
		d.userID = &claim
		d.mu.Unlock()
	}

	for slot := 1; slot <= d.FavoriteSlots(); slot++ {
		t, _ := dpg.MemoryPosition(slot)
		if err := d.request(ctx, dpg.Read(t)); err != nil {
			if !errors.Is(err, ErrTimedOut) {
				return err
			}
			d.logger.Warn("favorite read unanswered", "slot", slot)
		}
	}

	raw, err := d.conn.ReadCharacteristic(ctx, gatt.HeightSpeed)
	if err != nil {
		return fmt.Errorf("read height: %w", err)
	}
	if hs, err := dpg.DecodeHeightSpeed(raw); err == nil {
		d.updateHeightSpeed(hs)
	} else {
		d.logger.Warn("decode height", "err", err)
	}
	if err := d.conn.RegisterNotification(ctx, gatt.HeightSpeed, d.handleTelemetry); err != nil {
		return fmt.Errorf("subscribe height: %w", err)
	}

	if err := d.conn.StartPump(); err != nil && !errors.Is(err, connection.ErrPumpRunning) {
		return err
	}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()
	d.persist()

	d.logger.Info("desk ready", "name", n, "mask", mask, "slots", d.FavoriteSlots())
	d.emit(EventConnection, map[string]interface{}{"state": "ready", "name": n})
	return nil
}

func (d *Desk) checkServices(ctx context.Context) error {
	ids, err := d.conn.Services(ctx)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	for _, group := range gatt.RequiredServices() {
		found := false
		for _, id := range ids {
			if id == group.UUID {
				found = true
				break
			}
		}
		if !found {
			return &ServiceNotFoundError{Group: group.Name}
		}
	}
	return nil
}

// readDeviceInfo reads the optional device information strings.
func (d *Desk) readDeviceInfo(ctx context.Context) {
	for _, ch := range []gatt.Channel{gatt.Manufacturer, gatt.ModelNumber} {
		raw, err := d.conn.ReadCharacteristic(ctx, ch)
		if err != nil || len(raw) == 0 {
			continue
		}
		v := string(raw)
		d.mu.Lock()
		if ch == gatt.Manufacturer {
			d.manufacturer = &v
		} else {
			d.model = &v
		}
		d.mu.Unlock()
	}
}

// request runs one DPG exchange. An unanswered command is ErrTimedOut.
func (d *Desk) request(ctx context.Context, cmd dpg.Command) error {
	ok, err := d.conn.SendRepeated(ctx, cmd, 0)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTimedOut, cmd)
	}
	return nil
}

// handleDPG correlates a DPG notification with the outstanding command.
func (d *Desk) handleDPG(_ context.Context, data []byte) {
	cmd, ok := d.conn.CurrentCommand()
	if !ok {
		d.logger.Warn("dpg notification with no command outstanding", "data", hex.EncodeToString(data))
		return
	}
	resp, err := dpg.ParseResponse(data)
	if err != nil {
		d.conn.RejectCurrent(err)
		return
	}
	if cmd.Kind() == dpg.KindDPGRead && resp.Kind == dpg.ResponsePayload {
		if err := d.apply(cmd.Type(), resp.Payload); err != nil {
			d.conn.RejectCurrent(err)
			return
		}
	}
	d.conn.CompleteCurrent()
}

// apply decodes a read response into the cache.
func (d *Desk) apply(t dpg.CommandType, payload []byte) error {
	switch t {
	case dpg.UserIDCmd:
		u, err := dpg.DecodeUserID(payload)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.userID = &u
		d.mu.Unlock()
		d.logger.Debug("user id", "user", u)

	case dpg.ProductInfoCmd:
		p, err := dpg.DecodeProductInfo(payload)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.productInfo = &p
		d.mu.Unlock()

	case dpg.GetCapabilities:
		c, err := dpg.DecodeCapabilities(payload)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.capabilities = &c
		d.mu.Unlock()
		d.emit(EventSettingChanged, map[string]interface{}{"setting": "capabilities", "mem_size": int(c.MemSize)})

	case dpg.ReminderSettingCmd:
		r, err := dpg.DecodeReminderSetting(payload)
		if err != nil {
			return err
		}
		d.setReminder(r)

	case dpg.DeskOffset:
		f, err := dpg.DecodeFavorite(payload)
		if err != nil {
			return err
		}
		pos, _ := f.Position()
		d.setOffset(pos)

	case dpg.GetSetup:

	default:
		slot, ok := t.FavoriteSlot()
		if !ok {
			d.logger.Debug("response for unhandled command", "command", t, "payload", hex.EncodeToString(payload))
			return nil
		}
		f, err := dpg.DecodeFavorite(payload)
		if err != nil {
			return err
		}
		d.setFavorite(slot, f)
	}
	return nil
}

func (d *Desk) setReminder(r dpg.ReminderSetting) {
	d.mu.Lock()
	d.reminder = &r
	d.mu.Unlock()
	d.emit(EventSettingChanged, map[string]interface{}{
		"setting":     "reminder",
		"active":      int(r.Active),
		"inch":        r.Inch,
		"light_guide": r.LightGuide,
		"wake":        r.Wake,
	})
}

func (d *Desk) setOffset(p dpg.Position) {
	d.mu.Lock()
	d.offset = &p
	d.mu.Unlock()
	d.emit(EventOffsetChanged, map[string]interface{}{"offset_cm": p.Float(), "raw": int(p)})
}

func (d *Desk) setFavorite(slot int, f dpg.FavoritePosition) {
	d.mu.Lock()
	d.favorites[slot-1] = &f
	d.mu.Unlock()
	data := map[string]interface{}{"slot": slot, "cm": nil}
	if cm, ok := d.favoriteCm(f); ok {
		data["cm"] = cm
	}
	d.emit(EventFavoriteChanged, data)
}

// favoriteCm converts a stored slot to an absolute height.
func (d *Desk) favoriteCm(f dpg.FavoritePosition) (float64, bool) {
	pos, ok := f.Position()
	if !ok {
		return 0, false
	}
	off, _ := d.Offset()
	return (pos + off).Float(), true
}

// handleError surfaces error channel notifications.
func (d *Desk) handleError(_ context.Context, data []byte) {
	code := hex.EncodeToString(data)
	d.mu.Lock()
	d.lastError = append([]byte(nil), data...)
	d.mu.Unlock()
	d.logger.Warn("desk reported error", "code", code)
	d.emit(EventDeskError, map[string]interface{}{"code": code})
}

// handleTelemetry decodes a height/speed notification.
func (d *Desk) handleTelemetry(_ context.Context, data []byte) {
	hs, err := dpg.DecodeHeightSpeed(data)
	if err != nil {
		d.logger.Warn("decode telemetry", "err", err, "data", hex.EncodeToString(data))
		return
	}
	d.updateHeightSpeed(hs)
	d.mover.OnTelemetry(hs)
}

func (d *Desk) updateHeightSpeed(hs dpg.HeightSpeed) {
	d.mu.Lock()
	prev := d.heightSpeed
	d.heightSpeed = &hs
	off := d.offset
	d.mu.Unlock()

	if prev == nil || prev.Height != hs.Height {
		data := map[string]interface{}{"raw": int(hs.Height)}
		if off != nil {
			data["height_cm"] = (hs.Height + *off).Float()
		}
		d.emit(EventPositionChanged, data)
	}
	if prev == nil || prev.Speed != hs.Speed {
		d.emit(EventSpeedChanged, map[string]interface{}{"speed": int(hs.Speed)})
	}
}

// persist saves the current snapshot when a store is configured.
func (d *Desk) persist() {
	if d.store == nil {
		return
	}
	rec := d.record()
	err := d.store.UpdateDesk(rec.Address, func(existing *store.Desk) error {
		friendly := existing.FriendlyName
		*existing = *rec
		existing.FriendlyName = friendly
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		err = d.store.SaveDesk(rec)
	}
	if err != nil {
		d.logger.Warn("persist desk", "err", err)
	}
}

func (d *Desk) record() *store.Desk {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec := &store.Desk{Address: d.cfg.Address, LastSeen: time.Now()}
	if d.name != nil {
		rec.Name = *d.name
	}
	if d.manufacturer != nil {
		rec.Manufacturer = *d.manufacturer
	}
	if d.model != nil {
		rec.Model = *d.model
	}
	if d.mask != nil {
		rec.Actuator = d.mask.String()
	}
	if d.productInfo != nil {
		rec.Firmware = d.productInfo.String()
	}
	if c := d.capabilities; c != nil {
		rec.Capabilities = &store.Capabilities{
			MemSize:    c.MemSize,
			AutoUp:     c.AutoUp,
			AutoDown:   c.AutoDown,
			BLEAllow:   c.BLEAllow,
			HasDisplay: c.HasDisplay,
			HasLight:   c.HasLight,
			RefMask:    c.RefMask,
		}
	}
	if d.offset != nil {
		raw := d.offset.Raw()
		rec.OffsetRaw = &raw
	}
	if d.heightSpeed != nil {
		raw := d.heightSpeed.Height.Raw()
		rec.HeightRaw = &raw
	}
	for i, f := range d.favorites {
		if f == nil {
			continue
		}
		fav := store.Favorite{Slot: i + 1}
		if pos, ok := f.Position(); ok {
			raw := pos.Raw()
			fav.RawPosition = &raw
		}
		rec.Favorites = append(rec.Favorites, fav)
	}
	if r := d.reminder; r != nil {
		sr := &store.Reminder{
			Active:      r.Active,
			Inch:        r.Inch,
			ImpulseUp:   r.ImpulseUp,
			ImpulseDown: r.ImpulseDown,
			Wake:        r.Wake,
			LightGuide:  r.LightGuide,
		}
		for i, p := range r.Reminders {
			sr.Pairs[i] = [2]uint8{p.Sit, p.Stand}
		}
		rec.Reminder = sr
	}
	return rec
}
