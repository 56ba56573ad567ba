// Package gatt names the characteristics and services a LINAK desk exposes
// and maps them to concrete UUIDs and attribute handles.
package gatt

import "fmt"

// Channel is a symbolic characteristic the driver talks to.
type Channel uint8

const (
	DeviceName Channel = iota + 1
	Manufacturer
	ModelNumber
	DPG
	Control
	Error
	HeightSpeed
	ReferenceTwo
	ReferenceThree
	ReferenceFour
	ReferenceFive
	ReferenceSix
	ReferenceSeven
	ReferenceEight
	Mask
	Directional
)

var channelNames = map[Channel]string{
	DeviceName:     "device_name",
	Manufacturer:   "manufacturer",
	ModelNumber:    "model_number",
	DPG:            "dpg",
	Control:        "control",
	Error:          "error",
	HeightSpeed:    "height_speed",
	ReferenceTwo:   "reference_two",
	ReferenceThree: "reference_three",
	ReferenceFour:  "reference_four",
	ReferenceFive:  "reference_five",
	ReferenceSix:   "reference_six",
	ReferenceSeven: "reference_seven",
	ReferenceEight: "reference_eight",
	Mask:           "mask",
	Directional:    "directional",
}

func (c Channel) String() string {
	if n, ok := channelNames[c]; ok {
		return n
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// ParseChannel resolves a channel from its config name.
func ParseChannel(name string) (Channel, error) {
	for c, n := range channelNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("gatt: unknown channel %q", name)
}

// Channels returns every known channel in declaration order.
func Channels() []Channel {
	out := make([]Channel, 0, len(channelNames))
	for c := DeviceName; c <= Directional; c++ {
		out = append(out, c)
	}
	return out
}
