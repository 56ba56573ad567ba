package store

import "time"

// Desk is the last known snapshot of a desk controller.
type Desk struct {
	Address      string        `json:"address"`
	Name         string        `json:"name,omitempty"`
	FriendlyName string        `json:"friendly_name,omitempty"`
	Manufacturer string        `json:"manufacturer,omitempty"`
	Model        string        `json:"model,omitempty"`
	Actuator     string        `json:"actuator,omitempty"`
	Firmware     string        `json:"firmware,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	OffsetRaw    *uint16       `json:"offset_raw,omitempty"`
	Favorites    []Favorite    `json:"favorites,omitempty"`
	Reminder     *Reminder     `json:"reminder,omitempty"`
	HeightRaw    *uint16       `json:"height_raw,omitempty"`
	LastSeen     time.Time     `json:"last_seen"`
}

// Capabilities mirrors the controller's capability record.
type Capabilities struct {
	MemSize    uint8 `json:"mem_size"`
	AutoUp     bool  `json:"auto_up"`
	AutoDown   bool  `json:"auto_down"`
	BLEAllow   bool  `json:"ble_allow"`
	HasDisplay bool  `json:"has_display"`
	HasLight   bool  `json:"has_light"`
	RefMask    uint8 `json:"ref_mask"`
}

// Favorite is one memory slot. RawPosition is nil when the slot is disabled.
type Favorite struct {
	Slot        int     `json:"slot"`
	RawPosition *uint16 `json:"raw_position"`
}

// Reminder holds the sit/stand settings.
type Reminder struct {
	Active      uint8       `json:"active"`
	Inch        bool        `json:"inch"`
	ImpulseUp   bool        `json:"impulse_up"`
	ImpulseDown bool        `json:"impulse_down"`
	Wake        bool        `json:"wake"`
	LightGuide  bool        `json:"light_guide"`
	Pairs       [3][2]uint8 `json:"pairs"`
}
