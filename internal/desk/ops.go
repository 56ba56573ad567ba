package desk

import (
	"context"
	"fmt"

	"linak-desk/internal/connection"
	"linak-desk/internal/dpg"
)

// MoveToCm drives the desk to an absolute height in centimetres.
func (d *Desk) MoveToCm(ctx context.Context, cm float64) (*Move, error) {
	abs, err := dpg.RawFromCm(cm)
	if err != nil {
		return nil, err
	}
	_, off, err := d.WaitForHeight(ctx)
	if err != nil {
		return nil, err
	}
	if abs < off {
		return nil, fmt.Errorf("%w: %.1f cm is below the desk offset %.1f cm", dpg.ErrOutOfRange, cm, off.Float())
	}
	return d.moveDirectional(ctx, fmt.Sprintf("move_to %.1f", cm), abs-off)
}

// MoveToFavorite drives the desk to memory slot index (1-based). A disabled
// slot returns a nil move and a nil error.
func (d *Desk) MoveToFavorite(ctx context.Context, index int) (*Move, error) {
	if err := d.checkFavoriteIndex(index); err != nil {
		return nil, err
	}
	f, ok := d.Favorite(index)
	if !ok {
		return nil, ErrNotReady
	}
	pos, set := f.Position()
	if !set {
		d.logger.Info("favorite slot disabled", "slot", index)
		return nil, nil
	}
	return d.moveDirectional(ctx, fmt.Sprintf("favorite %d", index), pos)
}

// MoveToTop drives the desk to its upper limit.
func (d *Desk) MoveToTop(ctx context.Context) (*Move, error) {
	return d.moveDirectional(ctx, "top", TopRaw)
}

// MoveToBottom drives the desk to its lower limit.
func (d *Desk) MoveToBottom(ctx context.Context) (*Move, error) {
	return d.moveDirectional(ctx, "bottom", BottomRaw)
}

// MoveUp keeps the desk rising until it stops or the move is cancelled.
func (d *Desk) MoveUp(ctx context.Context) (*Move, error) {
	return d.moveControl("up", dpg.MoveUp)
}

// MoveDown keeps the desk lowering until it stops or the move is cancelled.
func (d *Desk) MoveDown(ctx context.Context) (*Move, error) {
	return d.moveControl("down", dpg.MoveDown)
}

// StopMoving cancels the active move and sends an explicit stop.
func (d *Desk) StopMoving(ctx context.Context) error {
	return d.mover.Stop(ctx)
}

// ActiveMove returns the move in progress, if any.
func (d *Desk) ActiveMove() *Move { return d.mover.Active() }

// moveDirectional starts a move to a relative target. Targets within the
// dead-band of the current height are rejected before anything is sent.
func (d *Desk) moveDirectional(ctx context.Context, name string, target dpg.Position) (*Move, error) {
	if !d.conn.IsConnected() {
		return nil, connection.ErrNotConnected
	}
	hs, _, err := d.WaitForHeight(ctx)
	if err != nil {
		return nil, err
	}
	if dpg.Delta(target, hs.Height) < d.cfg.DeadBand {
		return nil, ErrAlreadyAtTarget
	}
	return d.startMove(name, dpg.Directional(target))
}

func (d *Desk) moveControl(name string, a dpg.ControlAction) (*Move, error) {
	return d.startMove(name, dpg.Control(a))
}

func (d *Desk) startMove(name string, cmd dpg.Command) (*Move, error) {
	if !d.conn.IsConnected() {
		return nil, connection.ErrNotConnected
	}
	d.logger.Info("move", "move", name, "command", cmd)
	return d.mover.Start(name, func(ctx context.Context) error {
		return d.conn.Send(ctx, cmd)
	}), nil
}

func (d *Desk) sendStop(ctx context.Context) error {
	return d.conn.Send(ctx, dpg.Control(dpg.Stop))
}

func (d *Desk) checkFavoriteIndex(index int) error {
	if n := d.FavoriteSlots(); index < 1 || index > n {
		return fmt.Errorf("%w: %d (desk has %d slots)", ErrInvalidFavorite, index, n)
	}
	return nil
}

// SetFavorite stores an absolute height in slot index. A nil cm disables
// the slot.
func (d *Desk) SetFavorite(ctx context.Context, index int, cm *float64) error {
	if err := d.checkFavoriteIndex(index); err != nil {
		return err
	}
	f := dpg.EmptyFavorite()
	if cm != nil {
		abs, err := dpg.RawFromCm(*cm)
		if err != nil {
			return err
		}
		off, ok := d.Offset()
		if !ok {
			return ErrNotReady
		}
		if abs < off {
			return fmt.Errorf("%w: %.1f cm is below the desk offset", dpg.ErrOutOfRange, *cm)
		}
		f = dpg.NewFavorite(abs - off)
	}
	t, err := dpg.MemoryPosition(index)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrInvalidFavorite, index)
	}

	d.setFavorite(index, f)
	if err := d.request(ctx, dpg.Write(t, f.Encode())); err != nil {
		return err
	}
	d.persist()
	return nil
}

// SetDeskOffset declares that the desk currently stands at cm, storing the
// difference to the reported height as the offset.
func (d *Desk) SetDeskOffset(ctx context.Context, cm float64) error {
	abs, err := dpg.RawFromCm(cm)
	if err != nil {
		return err
	}
	hs, ok := d.HeightSpeed()
	if !ok {
		return ErrNotReady
	}
	if abs < hs.Height {
		return fmt.Errorf("%w: %.1f cm is below the reported height", dpg.ErrOutOfRange, cm)
	}
	off := abs - hs.Height
	if err := d.request(ctx, dpg.Write(dpg.DeskOffset, dpg.NewFavorite(off).Encode())); err != nil {
		return err
	}
	d.setOffset(off)
	d.persist()
	return nil
}

// UpdateReminder applies fn to a copy of the reminder settings and writes
// the result.
func (d *Desk) UpdateReminder(ctx context.Context, fn func(r *dpg.ReminderSetting)) error {
	r, ok := d.Reminder()
	if !ok {
		return ErrNotReady
	}
	fn(&r)
	if int(r.Active) > len(r.Reminders) {
		return fmt.Errorf("%w: %d", ErrInvalidReminder, r.Active)
	}
	if err := d.request(ctx, dpg.Write(dpg.ReminderSettingCmd, r.Encode())); err != nil {
		return err
	}
	d.setReminder(r)
	d.persist()
	return nil
}

// SetReminder selects reminder slot 0..3; 0 turns reminders off.
func (d *Desk) SetReminder(ctx context.Context, slot int) error {
	if slot < 0 || slot > 3 {
		return fmt.Errorf("%w: %d", ErrInvalidReminder, slot)
	}
	return d.UpdateReminder(ctx, func(r *dpg.ReminderSetting) { r.Active = uint8(slot) })
}

// SetUnitInch switches the display between centimetres and inches.
func (d *Desk) SetUnitInch(ctx context.Context, inch bool) error {
	return d.UpdateReminder(ctx, func(r *dpg.ReminderSetting) { r.Inch = inch })
}

// SetLightGuide toggles the light guide.
func (d *Desk) SetLightGuide(ctx context.Context, on bool) error {
	return d.UpdateReminder(ctx, func(r *dpg.ReminderSetting) { r.LightGuide = on })
}

// SetWake toggles wake on movement.
func (d *Desk) SetWake(ctx context.Context, on bool) error {
	return d.UpdateReminder(ctx, func(r *dpg.ReminderSetting) { r.Wake = on })
}

// SetImpulse toggles single-press movement in each direction.
func (d *Desk) SetImpulse(ctx context.Context, up, down bool) error {
	return d.UpdateReminder(ctx, func(r *dpg.ReminderSetting) {
		r.ImpulseUp = up
		r.ImpulseDown = down
	})
}
