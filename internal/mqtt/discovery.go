//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"linak-desk/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/linak_AABBCCDDEEFF/height/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// deskDisplayName returns a display name for the desk.
func deskDisplayName(rec *store.Desk) string {
	if rec.FriendlyName != "" {
		return rec.FriendlyName
	}
	if rec.Name != "" {
		return rec.Name
	}
	return rec.Address
}

// deskIdentifier returns the unique identifier for the HA device registry.
func deskIdentifier(rec *store.Desk) string {
	return "linak_" + strings.ReplaceAll(strings.ToUpper(rec.Address), ":", "")
}

// deskTopicName returns the topic name for a desk (friendly name or address).
func deskTopicName(rec *store.Desk) string {
	name := rec.FriendlyName
	if name == "" {
		name = rec.Address
	}
	// Sanitize: lowercase and keep only safe chars for MQTT topics.
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// Height bounds exposed to HA. The absolute raw range is 0..0x7FFE in
// tenths of a millimetre above the offset.
const (
	minHeightCm = 50.0
	maxHeightCm = 130.0
)

// buildDiscovery generates HA discovery messages for a desk. slots is the
// number of memory positions the controller supports.
func buildDiscovery(rec *store.Desk, prefix string, slots int) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deskTopicName(rec)
	cmdTopic := stateTopic + "/set"
	nodeID := deskIdentifier(rec)
	displayName := deskDisplayName(rec)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: rec.Manufacturer,
		Model:        rec.Model,
		SWVersion:    rec.Firmware,
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"height", "Height", "distance", "cm", "measurement",
			"{{ value_json.height_cm }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"speed", "Speed", "", "", "measurement",
			"{{ value_json.speed }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"move", "Movement", "", "", "",
			"{{ value_json.move }}"),
		buildHeightNumber(nodeID, displayName, stateTopic, cmdTopic, avail, haDev),
	}

	for _, a := range []struct{ action, suffix, icon string }{
		{"stop", "Stop", "mdi:stop"},
		{"up", "Up", "mdi:arrow-up"},
		{"down", "Down", "mdi:arrow-down"},
		{"top", "Top", "mdi:arrow-collapse-up"},
		{"bottom", "Bottom", "mdi:arrow-collapse-down"},
	} {
		msgs = append(msgs, buildButton(nodeID, displayName, cmdTopic, avail, haDev,
			a.action, a.suffix, a.icon, fmt.Sprintf(`{"action":%q}`, a.action)))
	}
	for n := 1; n <= slots; n++ {
		msgs = append(msgs, buildButton(nodeID, displayName, cmdTopic, avail, haDev,
			fmt.Sprintf("favorite_%d", n), fmt.Sprintf("Favorite %d", n), "mdi:star",
			fmt.Sprintf(`{"favorite":%d}`, n)))
	}
	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildHeightNumber(nodeID, displayName, stateTopic, cmdTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/number/%s/target_height/config", nodeID)
	lo, hi := minHeightCm, maxHeightCm
	payload := haDiscovery{
		Name:              displayName + " Target Height",
		UniqueID:          nodeID + "_target_height",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		CommandTemplate:   `{"height_cm": {{ value }} }`,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.height_cm }}",
		UnitOfMeasurement: "cm",
		DeviceClass:       "distance",
		Min:               &lo,
		Max:               &hi,
		Step:              0.5,
		Mode:              "box",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, displayName, cmdTopic, avail string, haDev haDevice,
	objectID, suffix, icon, press string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		CommandTopic:      cmdTopic,
		PayloadPress:      press,
		AvailabilityTopic: avail,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a desk from HA.
func buildRemoveDiscovery(rec *store.Desk) []discoveryMsg {
	nodeID := deskIdentifier(rec)

	components := []struct{ comp, obj string }{
		{"sensor", "height"},
		{"sensor", "speed"},
		{"sensor", "move"},
		{"number", "target_height"},
		{"button", "stop"},
		{"button", "up"},
		{"button", "down"},
		{"button", "top"},
		{"button", "bottom"},
	}
	for n := 1; n <= 4; n++ {
		components = append(components, struct{ comp, obj string }{"button", fmt.Sprintf("favorite_%d", n)})
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
