package gatt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	linakSuffix = "-338a-1024-8a49-009c0215f78a"
	sigSuffix   = "-0000-1000-8000-00805f9b34fb"
)

// LinakUUID expands a 16-bit LINAK short code (0x99FA prefix) to a full UUID.
func LinakUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("99fa%04x%s", short, linakSuffix))
}

// SIGUUID expands a Bluetooth SIG assigned number to a full UUID.
func SIGUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x%s", short, sigSuffix))
}

// Characteristic is a resolved channel: the UUID transports look up by name
// and the attribute handle used by handle-addressed links.
type Characteristic struct {
	Channel Channel
	UUID    uuid.UUID
	Handle  uint16
}

func (c Characteristic) String() string {
	return fmt.Sprintf("%s(0x%04X)", c.Channel, c.Handle)
}

// CCCDHandle is the client configuration descriptor that follows the value
// attribute on LINAK firmware.
func (c Characteristic) CCCDHandle() uint16 {
	return c.Handle + 1
}

// Map binds channels to characteristics for one desk model.
type Map map[Channel]Characteristic

// DefaultMap returns the table observed on DPG desk controllers.
func DefaultMap() Map {
	m := Map{}
	add := func(ch Channel, id uuid.UUID, handle uint16) {
		m[ch] = Characteristic{Channel: ch, UUID: id, Handle: handle}
	}
	add(DeviceName, SIGUUID(0x2A00), 0x0003)
	add(Manufacturer, SIGUUID(0x2A29), 0x0018)
	add(ModelNumber, SIGUUID(0x2A24), 0x001A)
	add(Control, LinakUUID(0x0002), 0x000E)
	add(Error, LinakUUID(0x0003), 0x0010)
	add(DPG, LinakUUID(0x0011), 0x0014)
	add(HeightSpeed, LinakUUID(0x0021), 0x001D)
	add(ReferenceTwo, LinakUUID(0x0022), 0x0020)
	add(ReferenceThree, LinakUUID(0x0023), 0x0023)
	add(ReferenceFour, LinakUUID(0x0024), 0x0026)
	add(ReferenceFive, LinakUUID(0x0025), 0x0029)
	add(ReferenceSix, LinakUUID(0x0026), 0x002C)
	add(ReferenceSeven, LinakUUID(0x0027), 0x002F)
	add(ReferenceEight, LinakUUID(0x0028), 0x0032)
	add(Mask, LinakUUID(0x0029), 0x0035)
	add(Directional, LinakUUID(0x0031), 0x003A)
	return m
}

// Lookup returns the characteristic for ch.
func (m Map) Lookup(ch Channel) (Characteristic, error) {
	c, ok := m[ch]
	if !ok {
		return Characteristic{}, fmt.Errorf("gatt: no characteristic for %s", ch)
	}
	return c, nil
}

// ByHandle finds the characteristic with the given value handle.
func (m Map) ByHandle(handle uint16) (Characteristic, bool) {
	for _, c := range m {
		if c.Handle == handle {
			return c, true
		}
	}
	return Characteristic{}, false
}

// ByUUID finds the characteristic with the given UUID.
func (m Map) ByUUID(id uuid.UUID) (Characteristic, bool) {
	for _, c := range m {
		if c.UUID == id {
			return c, true
		}
	}
	return Characteristic{}, false
}

// Override describes a config-level replacement for one channel.
type Override struct {
	UUID   string
	Handle uint16
}

// WithOverrides returns a copy of m with the named channels replaced.
// Empty UUIDs and zero handles keep the existing value.
func (m Map) WithOverrides(overrides map[string]Override) (Map, error) {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	for name, o := range overrides {
		ch, err := ParseChannel(strings.ToLower(name))
		if err != nil {
			return nil, err
		}
		c := out[ch]
		c.Channel = ch
		if o.UUID != "" {
			id, err := uuid.Parse(o.UUID)
			if err != nil {
				return nil, fmt.Errorf("gatt: %s uuid: %w", name, err)
			}
			c.UUID = id
		}
		if o.Handle != 0 {
			c.Handle = o.Handle
		}
		out[ch] = c
	}
	return out, nil
}

// ServiceGroup is a GATT primary service the driver depends on.
type ServiceGroup struct {
	Name string
	UUID uuid.UUID
}

// RequiredServices lists the service groups a DPG desk must expose.
func RequiredServices() []ServiceGroup {
	return []ServiceGroup{
		{Name: "generic_access", UUID: SIGUUID(0x1800)},
		{Name: "reference_input", UUID: LinakUUID(0x0030)},
		{Name: "reference_output", UUID: LinakUUID(0x0020)},
		{Name: "dpg", UUID: LinakUUID(0x0010)},
		{Name: "control", UUID: LinakUUID(0x0001)},
	}
}
