package dpg

import (
	"fmt"

	"linak-desk/internal/gatt"
)

// CommandType is a DPG command code.
type CommandType uint8

const (
	ProductInfoCmd     CommandType = 8
	GetSetup           CommandType = 10
	GetCapabilities    CommandType = 128
	DeskOffset         CommandType = 129
	UserIDCmd          CommandType = 134
	ReminderSettingCmd CommandType = 136
	MemoryPosition1    CommandType = 137
	MemoryPosition2    CommandType = 138
	MemoryPosition3    CommandType = 139
	MemoryPosition4    CommandType = 140
)

// MaxFavorites is the number of memory slots addressable over DPG.
const MaxFavorites = 4

var commandNames = map[CommandType]string{
	ProductInfoCmd:     "PRODUCT_INFO",
	GetSetup:           "GET_SETUP",
	GetCapabilities:    "GET_CAPABILITIES",
	DeskOffset:         "DESK_OFFSET",
	UserIDCmd:          "USER_ID",
	ReminderSettingCmd: "REMINDER_SETTING",
	MemoryPosition1:    "MEMORY_POSITION_1",
	MemoryPosition2:    "MEMORY_POSITION_2",
	MemoryPosition3:    "MEMORY_POSITION_3",
	MemoryPosition4:    "MEMORY_POSITION_4",
}

func (t CommandType) String() string {
	if n, ok := commandNames[t]; ok {
		return n
	}
	return fmt.Sprintf("DPG_%d", uint8(t))
}

// MemoryPosition returns the command for a 1-based favorite slot.
func MemoryPosition(slot int) (CommandType, error) {
	if slot < 1 || slot > MaxFavorites {
		return 0, fmt.Errorf("%w: favorite slot %d", ErrOutOfRange, slot)
	}
	return MemoryPosition1 + CommandType(slot-1), nil
}

// FavoriteSlot is the inverse of MemoryPosition.
func (t CommandType) FavoriteSlot() (int, bool) {
	if t >= MemoryPosition1 && t <= MemoryPosition4 {
		return int(t-MemoryPosition1) + 1, true
	}
	return 0, false
}

// ControlAction is a code written to the control channel.
type ControlAction uint8

const (
	MoveDown ControlAction = 70
	MoveUp   ControlAction = 71
	Stop     ControlAction = 255
)

func (a ControlAction) String() string {
	switch a {
	case MoveDown:
		return "MOVE_1_DOWN"
	case MoveUp:
		return "MOVE_1_UP"
	case Stop:
		return "STOP"
	}
	return fmt.Sprintf("CONTROL_%d", uint8(a))
}

// Kind tags the Command variant.
type Kind uint8

const (
	KindDPGRead Kind = iota + 1
	KindDPGWrite
	KindControl
	KindDirectional
)

func (k Kind) String() string {
	switch k {
	case KindDPGRead:
		return "dpg_read"
	case KindDPGWrite:
		return "dpg_write"
	case KindControl:
		return "control"
	case KindDirectional:
		return "directional"
	}
	return "invalid"
}

const (
	dpgPrefix    = 0x7F
	dpgReadFlag  = 0x00
	dpgWriteFlag = 0x80
)

// Command is one request to the desk. Build it with Read, Write, Control
// or Directional.
type Command struct {
	kind    Kind
	typ     CommandType
	payload []byte
	action  ControlAction
	target  Position
}

// Read builds a DPG read.
func Read(t CommandType) Command {
	return Command{kind: KindDPGRead, typ: t}
}

// Write builds a DPG write carrying payload.
func Write(t CommandType, payload []byte) Command {
	return Command{kind: KindDPGWrite, typ: t, payload: append([]byte(nil), payload...)}
}

// Control builds a control channel action.
func Control(a ControlAction) Command {
	return Command{kind: KindControl, action: a}
}

// Directional builds a move-to request for target.
func Directional(target Position) Command {
	return Command{kind: KindDirectional, target: target}
}

func (c Command) Kind() Kind { return c.kind }
func (c Command) Type() CommandType { return c.typ }
func (c Command) Action() ControlAction { return c.action }
func (c Command) Target() Position { return c.target }
func (c Command) Payload() []byte { return append([]byte(nil), c.payload...) }
func (c Command) IsDPG() bool { return c.kind == KindDPGRead || c.kind == KindDPGWrite }
func (c Command) ExpectsResponse() bool { return c.IsDPG() }

// Wrap serializes the command for its channel.
func (c Command) Wrap() []byte {
	switch c.kind {
	case KindDPGRead:
		return []byte{dpgPrefix, byte(c.typ), dpgReadFlag}
	case KindDPGWrite:
		b := make([]byte, 0, 3+len(c.payload))
		b = append(b, dpgPrefix, byte(c.typ), dpgWriteFlag)
		return append(b, c.payload...)
	case KindControl:
		return []byte{byte(c.action), 0x00}
	case KindDirectional:
		return append([]byte{0x00}, c.target.Encode()...)
	}
	return nil
}

// Channel returns where the command is written.
func (c Command) Channel() gatt.Channel {
	switch c.kind {
	case KindControl:
		return gatt.Control
	case KindDirectional:
		return gatt.Directional
	default:
		return gatt.DPG
	}
}

// Same reports whether c and o address the same request, ignoring payload.
func (c Command) Same(o Command) bool {
	if c.kind != o.kind {
		return false
	}
	switch c.kind {
	case KindControl:
		return c.action == o.action
	case KindDirectional:
		return true
	default:
		return c.typ == o.typ
	}
}

func (c Command) String() string {
	switch c.kind {
	case KindDPGRead:
		return "read " + c.typ.String()
	case KindDPGWrite:
		return fmt.Sprintf("write %s % X", c.typ, c.payload)
	case KindControl:
		return "control " + c.action.String()
	case KindDirectional:
		return fmt.Sprintf("move_to %d", c.target)
	}
	return "invalid"
}

// ResponseKind classifies a valid DPG response.
type ResponseKind uint8

const (
	ResponseEmpty ResponseKind = iota + 1
	ResponsePayload
)

// Response is a DPG notification that passed the predicate.
type Response struct {
	Kind    ResponseKind
	Payload []byte
}

// ParseResponse applies the DPG response predicate to a notification.
func ParseResponse(data []byte) (Response, error) {
	if len(data) < 2 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrInvalidResponse, len(data))
	}
	if data[0] != 0x01 {
		return Response{}, fmt.Errorf("%w: status 0x%02X", ErrInvalidResponse, data[0])
	}
	if data[1] < 0x01 {
		return Response{}, fmt.Errorf("%w: length 0x%02X", ErrInvalidResponse, data[1])
	}
	if data[1] == 0x01 {
		return Response{Kind: ResponseEmpty}, nil
	}
	return Response{Kind: ResponsePayload, Payload: append([]byte(nil), data[2:]...)}, nil
}

// BuildResponse frames payload the way a desk answers a DPG command.
// An empty payload produces the acknowledgement form.
func BuildResponse(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{0x01, 0x01}
	}
	b := make([]byte, 0, 2+len(payload))
	b = append(b, 0x01, byte(len(payload)+1))
	return append(b, payload...)
}

// ParseRequest is the inverse of Command.Wrap for DPG frames.
func ParseRequest(b []byte) (Command, error) {
	if len(b) < 3 || b[0] != dpgPrefix {
		return Command{}, fmt.Errorf("%w: not a DPG request", ErrInvalidResponse)
	}
	switch b[2] {
	case dpgReadFlag:
		return Read(CommandType(b[1])), nil
	case dpgWriteFlag:
		return Write(CommandType(b[1]), b[3:]), nil
	}
	return Command{}, fmt.Errorf("%w: flag 0x%02X", ErrInvalidResponse, b[2])
}
