package desk

import "encoding/hex"

// FavoriteState is one memory slot in a State snapshot.
type FavoriteState struct {
	Slot int      `json:"slot"`
	Cm   *float64 `json:"cm"`
}

// ReminderState is the reminder configuration in a State snapshot.
type ReminderState struct {
	Active      int         `json:"active"`
	Inch        bool        `json:"inch"`
	ImpulseUp   bool        `json:"impulse_up"`
	ImpulseDown bool        `json:"impulse_down"`
	Wake        bool        `json:"wake"`
	LightGuide  bool        `json:"light_guide"`
	Pairs       [3][2]uint8 `json:"pairs"`
}

// CapabilityState mirrors dpg.Capabilities.
type CapabilityState struct {
	MemSize    int  `json:"mem_size"`
	AutoUp     bool `json:"auto_up"`
	AutoDown   bool `json:"auto_down"`
	BLEAllow   bool `json:"ble_allow"`
	HasDisplay bool `json:"has_display"`
	HasLight   bool `json:"has_light"`
}

// State is a point-in-time view of the desk.
type State struct {
	Address      string           `json:"address"`
	Connected    bool             `json:"connected"`
	Ready        bool             `json:"ready"`
	Name         string           `json:"name,omitempty"`
	Manufacturer string           `json:"manufacturer,omitempty"`
	Model        string           `json:"model,omitempty"`
	Actuator     string           `json:"actuator,omitempty"`
	Firmware     string           `json:"firmware,omitempty"`
	UserID       string           `json:"user_id,omitempty"`
	HeightCm     *float64         `json:"height_cm"`
	HeightRaw    *int             `json:"height_raw"`
	Speed        *int             `json:"speed"`
	OffsetCm     *float64         `json:"offset_cm"`
	Capabilities *CapabilityState `json:"capabilities,omitempty"`
	Favorites    []FavoriteState  `json:"favorites"`
	Reminder     *ReminderState   `json:"reminder,omitempty"`
	Move         MoveState        `json:"move"`
	LastError    string           `json:"last_error,omitempty"`
}

// State returns a snapshot of the cached desk state.
func (d *Desk) State() State {
	s := State{
		Address:   d.cfg.Address,
		Connected: d.conn.IsConnected(),
		Move:      d.mover.State(),
		Favorites: []FavoriteState{},
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	s.Ready = d.ready
	if d.name != nil {
		s.Name = *d.name
	}
	if d.manufacturer != nil {
		s.Manufacturer = *d.manufacturer
	}
	if d.model != nil {
		s.Model = *d.model
	}
	if d.mask != nil {
		s.Actuator = d.mask.String()
	}
	if d.productInfo != nil {
		s.Firmware = d.productInfo.String()
	}
	if d.userID != nil {
		s.UserID = d.userID.String()
	}
	if d.offset != nil {
		v := d.offset.Float()
		s.OffsetCm = &v
	}
	if hs := d.heightSpeed; hs != nil {
		raw, speed := int(hs.Height), int(hs.Speed)
		s.HeightRaw, s.Speed = &raw, &speed
		if d.offset != nil {
			cm := (hs.Height + *d.offset).Float()
			s.HeightCm = &cm
		}
	}
	if c := d.capabilities; c != nil {
		s.Capabilities = &CapabilityState{
			MemSize:    int(c.MemSize),
			AutoUp:     c.AutoUp,
			AutoDown:   c.AutoDown,
			BLEAllow:   c.BLEAllow,
			HasDisplay: c.HasDisplay,
			HasLight:   c.HasLight,
		}
	}
	for i := 0; i < d.favoriteSlotsLocked(); i++ {
		fs := FavoriteState{Slot: i + 1}
		if f := d.favorites[i]; f != nil {
			if pos, ok := f.Position(); ok {
				cm := pos.Float()
				if d.offset != nil {
					cm = (pos + *d.offset).Float()
				}
				fs.Cm = &cm
			}
		}
		s.Favorites = append(s.Favorites, fs)
	}
	if r := d.reminder; r != nil {
		rs := &ReminderState{
			Active:      int(r.Active),
			Inch:        r.Inch,
			ImpulseUp:   r.ImpulseUp,
			ImpulseDown: r.ImpulseDown,
			Wake:        r.Wake,
			LightGuide:  r.LightGuide,
		}
		for i, p := range r.Reminders {
			rs.Pairs[i] = [2]uint8{p.Sit, p.Stand}
		}
		s.Reminder = rs
	}
	if len(d.lastError) > 0 {
		s.LastError = hex.EncodeToString(d.lastError)
	}
	return s
}
