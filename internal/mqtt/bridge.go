//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"linak-desk/internal/desk"
	"linak-desk/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Controller is the desk surface the bridge drives.
type Controller interface {
	Address() string
	Events() *desk.EventBus
	State() desk.State
	FavoriteSlots() int
	MoveToCm(ctx context.Context, cm float64) (*desk.Move, error)
	MoveToFavorite(ctx context.Context, index int) (*desk.Move, error)
	MoveToTop(ctx context.Context) (*desk.Move, error)
	MoveToBottom(ctx context.Context) (*desk.Move, error)
	MoveUp(ctx context.Context) (*desk.Move, error)
	MoveDown(ctx context.Context) (*desk.Move, error)
	StopMoving(ctx context.Context) error
}

// Bridge connects a desk to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	desk   Controller
	store  store.Store
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lastState []byte
	subTopic  string
}

// NewBridge creates and connects an MQTT bridge. st may be nil.
func NewBridge(d Controller, st store.Store, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(d, st, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "linak-desk"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishState(true)
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(d Controller, st store.Store, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "linak"
	}
	return &Bridge{
		desk:   d,
		store:  st,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to desk events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.desk.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "topic", b.stateTopic())
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event desk.Event) {
	switch event.Type {
	case desk.EventConnection:
		if state, _ := event.Data["state"].(string); state == "ready" {
			// Name and slot count are known once the desk is ready.
			b.publishDiscovery()
			b.resubscribe()
		}
		b.publishState(true)
	case desk.EventPositionChanged, desk.EventSpeedChanged, desk.EventMoveState,
		desk.EventFavoriteChanged, desk.EventSettingChanged, desk.EventOffsetChanged,
		desk.EventDeskError:
		b.publishState(false)
	}
}

// record returns the persisted desk record, or a minimal one built from
// the live state.
func (b *Bridge) record() *store.Desk {
	if b.store != nil {
		if rec, err := b.store.GetDesk(b.desk.Address()); err == nil {
			return rec
		}
	}
	s := b.desk.State()
	return &store.Desk{Address: s.Address, Name: s.Name, Manufacturer: s.Manufacturer, Model: s.Model, Firmware: s.Firmware}
}

func (b *Bridge) stateTopic() string {
	return b.prefix + "/" + deskTopicName(b.record())
}

// statePayload renders the state snapshot and reports whether it differs
// from the last one published.
func (b *Bridge) statePayload(force bool) ([]byte, bool) {
	payload := mustJSON(b.desk.State())
	b.mu.Lock()
	defer b.mu.Unlock()
	if !force && bytes.Equal(payload, b.lastState) {
		return nil, false
	}
	b.lastState = payload
	return payload, true
}

func (b *Bridge) publishState(force bool) {
	payload, changed := b.statePayload(force)
	if !changed {
		return
	}
	b.publish(b.stateTopic(), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	rec := b.record()
	for _, msg := range buildDiscovery(rec, b.prefix, b.desk.FavoriteSlots()) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "address", rec.Address, "name", deskDisplayName(rec))
}

// RemoveDiscovery clears the retained HA entries for the desk.
func (b *Bridge) RemoveDiscovery() {
	for _, msg := range buildRemoveDiscovery(b.record()) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.stateTopic() + "/set"
	b.mu.Lock()
	b.subTopic = topic
	b.mu.Unlock()
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// resubscribe follows a friendly-name change in the store.
func (b *Bridge) resubscribe() {
	topic := b.stateTopic() + "/set"
	b.mu.Lock()
	prev := b.subTopic
	b.mu.Unlock()
	if prev == topic || b.client == nil || !b.client.IsConnected() {
		return
	}
	if prev != "" {
		b.client.Unsubscribe(prev)
	}
	b.subscribeCommands()
}

// command is the JSON accepted on <prefix>/<desk>/set.
type command struct {
	HeightCm *float64 `json:"height_cm,omitempty"`
	Favorite *int     `json:"favorite,omitempty"`
	Action   string   `json:"action,omitempty"`
}

var errEmptyCommand = errors.New("mqtt: empty command")

// parseCommand accepts a JSON command object or a bare height in cm.
func parseCommand(payload []byte) (command, error) {
	text := strings.TrimSpace(string(payload))
	if cm, err := strconv.ParseFloat(text, 64); err == nil {
		return command{HeightCm: &cm}, nil
	}
	var cmd command
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		return command{}, fmt.Errorf("mqtt: invalid command JSON: %w", err)
	}
	cmd.Action = strings.ToLower(cmd.Action)
	if cmd.HeightCm == nil && cmd.Favorite == nil && cmd.Action == "" {
		return command{}, errEmptyCommand
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("bad command", "payload", string(payload), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.execute(ctx, cmd); err != nil {
		b.logger.Warn("command failed", "payload", string(payload), "err", err)
	}
}

func (b *Bridge) execute(ctx context.Context, cmd command) error {
	var err error
	switch {
	case cmd.Action != "":
		switch cmd.Action {
		case "stop":
			err = b.desk.StopMoving(ctx)
		case "up":
			_, err = b.desk.MoveUp(ctx)
		case "down":
			_, err = b.desk.MoveDown(ctx)
		case "top":
			_, err = b.desk.MoveToTop(ctx)
		case "bottom":
			_, err = b.desk.MoveToBottom(ctx)
		default:
			err = fmt.Errorf("mqtt: unknown action %q", cmd.Action)
		}
	case cmd.Favorite != nil:
		_, err = b.desk.MoveToFavorite(ctx, *cmd.Favorite)
	case cmd.HeightCm != nil:
		_, err = b.desk.MoveToCm(ctx, *cmd.HeightCm)
		if errors.Is(err, desk.ErrAlreadyAtTarget) {
			err = nil
		}
	}
	return err
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
