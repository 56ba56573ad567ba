package dpg

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// HeightSpeed is one telemetry sample from the reference output channel.
type HeightSpeed struct {
	Height Position
	Speed  int16
}

// DecodeHeightSpeed parses the 4-byte telemetry payload.
func DecodeHeightSpeed(b []byte) (HeightSpeed, error) {
	if err := need("height_speed", b, 4); err != nil {
		return HeightSpeed{}, err
	}
	return HeightSpeed{
		Height: Position(binary.LittleEndian.Uint16(b[0:2])),
		Speed:  int16(binary.LittleEndian.Uint16(b[2:4])),
	}, nil
}

// Encode returns the 4-byte telemetry form.
func (h HeightSpeed) Encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Height))
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Speed))
	return b
}

// Stopped reports whether the actuator is at rest.
func (h HeightSpeed) Stopped() bool {
	return h.Speed == 0
}

func (h HeightSpeed) String() string {
	return fmt.Sprintf("height=%s speed=%d", h.Height, h.Speed)
}

// Capability flag bits. The low three bits carry the memory slot count.
const (
	capMemMask    = 0x07
	capHasLight   = 1 << 3
	capHasDisplay = 1 << 4
	capBLEAllow   = 1 << 5
	capAutoDown   = 1 << 6
	capAutoUp     = 1 << 7
)

// Capabilities describes what the control box supports.
type Capabilities struct {
	MemSize    uint8
	AutoUp     bool
	AutoDown   bool
	BLEAllow   bool
	HasDisplay bool
	HasLight   bool
	// RefMask bit i is set when memory slot i+1 has a reference actuator.
	RefMask uint8
}

// DecodeCapabilities parses a GET_CAPABILITIES payload.
func DecodeCapabilities(b []byte) (Capabilities, error) {
	if err := need("capabilities", b, 2); err != nil {
		return Capabilities{}, err
	}
	f := b[0]
	return Capabilities{
		MemSize:    f & capMemMask,
		AutoUp:     f&capAutoUp != 0,
		AutoDown:   f&capAutoDown != 0,
		BLEAllow:   f&capBLEAllow != 0,
		HasDisplay: f&capHasDisplay != 0,
		HasLight:   f&capHasLight != 0,
		RefMask:    b[1],
	}, nil
}

// Encode returns the two payload bytes.
func (c Capabilities) Encode() []byte {
	f := c.MemSize & capMemMask
	if c.AutoUp {
		f |= capAutoUp
	}
	if c.AutoDown {
		f |= capAutoDown
	}
	if c.BLEAllow {
		f |= capBLEAllow
	}
	if c.HasDisplay {
		f |= capHasDisplay
	}
	if c.HasLight {
		f |= capHasLight
	}
	return []byte{f, c.RefMask}
}

// SupportsReference reports whether memory slot (1-based) is backed by a
// reference actuator.
func (c Capabilities) SupportsReference(slot int) bool {
	if slot < 1 || slot > 8 {
		return false
	}
	return c.RefMask&(1<<(slot-1)) != 0
}

// Reminder is one sit/stand reminder pair, in minutes.
type Reminder struct {
	Sit   uint8
	Stand uint8
}

// Reminder setting flag bits.
const (
	remSlotMask    = 0x03
	remUnitInch    = 1 << 2
	remImpulseUp   = 1 << 3
	remImpulseDown = 1 << 4
	remWake        = 1 << 5
	remLightGuide  = 1 << 6
)

// ReminderSetting is the REMINDER_SETTING record.
type ReminderSetting struct {
	// Active is the selected reminder slot, 0 when reminders are off.
	Active      uint8
	Inch        bool
	ImpulseUp   bool
	ImpulseDown bool
	Wake        bool
	LightGuide  bool
	Reminders   [3]Reminder
	// Counter is assigned by the device and never encoded.
	Counter uint32
}

const reminderLen = 7

// DecodeReminderSetting parses a REMINDER_SETTING payload. The trailing
// counter is optional.
func DecodeReminderSetting(b []byte) (ReminderSetting, error) {
	if err := need("reminder_setting", b, reminderLen); err != nil {
		return ReminderSetting{}, err
	}
	f := b[0]
	r := ReminderSetting{
		Active:      f & remSlotMask,
		Inch:        f&remUnitInch != 0,
		ImpulseUp:   f&remImpulseUp != 0,
		ImpulseDown: f&remImpulseDown != 0,
		Wake:        f&remWake != 0,
		LightGuide:  f&remLightGuide != 0,
	}
	for i := range r.Reminders {
		r.Reminders[i] = Reminder{Sit: b[1+2*i], Stand: b[2+2*i]}
	}
	if len(b) >= reminderLen+4 {
		r.Counter = binary.LittleEndian.Uint32(b[reminderLen : reminderLen+4])
	}
	return r, nil
}

// Encode returns the flags byte and the three reminder records.
func (r ReminderSetting) Encode() []byte {
	f := r.Active & remSlotMask
	if r.Inch {
		f |= remUnitInch
	}
	if r.ImpulseUp {
		f |= remImpulseUp
	}
	if r.ImpulseDown {
		f |= remImpulseDown
	}
	if r.Wake {
		f |= remWake
	}
	if r.LightGuide {
		f |= remLightGuide
	}
	b := make([]byte, 0, reminderLen)
	b = append(b, f)
	for _, rem := range r.Reminders {
		b = append(b, rem.Sit, rem.Stand)
	}
	return b
}

// Current returns the active reminder pair.
func (r ReminderSetting) Current() (Reminder, bool) {
	if r.Active == 0 || int(r.Active) > len(r.Reminders) {
		return Reminder{}, false
	}
	return r.Reminders[r.Active-1], true
}

// FavoritePosition is a memory slot, or the desk offset, which share the
// same marker-prefixed layout.
type FavoritePosition struct {
	position Position
	set      bool
	Counter  uint32
}

// NewFavorite returns a slot holding p.
func NewFavorite(p Position) FavoritePosition {
	return FavoritePosition{position: p, set: true}
}

// EmptyFavorite returns a disabled slot.
func EmptyFavorite() FavoritePosition {
	return FavoritePosition{}
}

// DecodeFavorite parses a MEMORY_POSITION or DESK_OFFSET payload.
func DecodeFavorite(b []byte) (FavoritePosition, error) {
	if err := need("favorite", b, 1); err != nil {
		return FavoritePosition{}, err
	}
	var f FavoritePosition
	tail := 1
	if b[0] == 1 {
		p, err := DecodePosition(b[1:])
		if err != nil {
			return FavoritePosition{}, &DecodeError{Type: "favorite", Need: 3, Have: len(b)}
		}
		f.position, f.set = p, true
		tail = 3
	}
	if len(b) >= tail+4 {
		f.Counter = binary.LittleEndian.Uint32(b[len(b)-4:])
	}
	return f, nil
}

// Position returns the stored position and whether the slot is set.
func (f FavoritePosition) Position() (Position, bool) {
	return f.position, f.set
}

// Encode returns the write payload.
func (f FavoritePosition) Encode() []byte {
	if !f.set {
		return []byte{0x00}
	}
	return append([]byte{0x01}, f.position.Encode()...)
}

func (f FavoritePosition) String() string {
	if !f.set {
		return "disabled"
	}
	return f.position.String()
}

// UserType distinguishes the owning client from guests.
type UserType uint8

const (
	Guest UserType = 0
	Owner UserType = 1
)

func (t UserType) String() string {
	if t == Owner {
		return "owner"
	}
	return "guest"
}

// UserID is the client identity record.
type UserID struct {
	Type UserType
	ID   []byte
}

// DecodeUserID parses a USER_ID payload.
func DecodeUserID(b []byte) (UserID, error) {
	if err := need("user_id", b, 1); err != nil {
		return UserID{}, err
	}
	u := UserID{Type: Guest, ID: append([]byte(nil), b[1:]...)}
	if b[0] == 1 {
		u.Type = Owner
	}
	return u, nil
}

// Encode returns the write payload.
func (u UserID) Encode() []byte {
	return append([]byte{byte(u.Type)}, u.ID...)
}

func (u UserID) String() string {
	return fmt.Sprintf("%s:%s", u.Type, hex.EncodeToString(u.ID))
}

// ProductInfo holds the controller version record.
type ProductInfo struct {
	Version []byte
}

// DecodeProductInfo parses a PRODUCT_INFO payload.
func DecodeProductInfo(b []byte) (ProductInfo, error) {
	if err := need("product_info", b, 1); err != nil {
		return ProductInfo{}, err
	}
	return ProductInfo{Version: append([]byte(nil), b...)}, nil
}

func (p ProductInfo) String() string {
	parts := make([]string, len(p.Version))
	for i, v := range p.Version {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ".")
}

// Mask classifies the actuator behind the reference channels.
type Mask uint8

const (
	MaskInvalid Mask = iota
	MaskDesk
	MaskLegRest
	MaskBackRest
	MaskUnknown
)

var maskNames = map[Mask]string{
	MaskInvalid:  "invalid",
	MaskDesk:     "desk",
	MaskLegRest:  "leg_rest",
	MaskBackRest: "back_rest",
	MaskUnknown:  "unknown",
}

func (m Mask) String() string { return maskNames[m] }

// DecodeMask classifies the first byte of b.
func DecodeMask(b []byte) (Mask, error) {
	if err := need("mask", b, 1); err != nil {
		return MaskInvalid, err
	}
	v := b[0]
	switch {
	case v == 0:
		return MaskInvalid, nil
	case v&0x01 != 0:
		return MaskDesk, nil
	case v&0x40 != 0:
		return MaskLegRest, nil
	case v&0x80 != 0:
		return MaskBackRest, nil
	default:
		return MaskUnknown, nil
	}
}
