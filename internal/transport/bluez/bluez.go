// Package bluez binds the transport interface to BlueZ over the system
// D-Bus: org.bluez.Device1 for the link and org.bluez.GattCharacteristic1
// for reads, writes and notifications.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"linak-desk/internal/gatt"
	"linak-desk/internal/transport"
)

const (
	busName        = "org.bluez"
	deviceIface    = "org.bluez.Device1"
	serviceIface   = "org.bluez.GattService1"
	charIface      = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsChanged   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	managedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Config holds BlueZ binding options.
type Config struct {
	Adapter        string        // default "hci0"
	ConnectTimeout time.Duration // default 15s
	CallTimeout    time.Duration // default 5s
}

// Transport opens GATT sessions through BlueZ.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a BlueZ transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Transport{cfg: cfg, logger: logger.With("component", "bluez")}
}

// DevicePath returns the BlueZ object path for address on adapter.
func DevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter,
		strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, address string, onNotify transport.NotifyFunc) (transport.Session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, transport.Wrap("bluez: system bus", err)
	}
	s := &session{
		t:        t,
		conn:     conn,
		dev:      DevicePath(t.cfg.Adapter, address),
		onNotify: onNotify,
		chars:    make(map[uuid.UUID]dbus.ObjectPath),
		handles:  make(map[dbus.ObjectPath]uint16),
		signals:  make(chan *dbus.Signal, 64),
	}
	if err := s.open(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

type session struct {
	t        *Transport
	conn     *dbus.Conn
	dev      dbus.ObjectPath
	onNotify transport.NotifyFunc
	rule     string

	mu       sync.Mutex
	services []uuid.UUID
	chars    map[uuid.UUID]dbus.ObjectPath
	handles  map[dbus.ObjectPath]uint16
	closed   bool
	signals  chan *dbus.Signal
}

func (s *session) call(obj dbus.BusObject, method string, args ...interface{}) *dbus.Call {
	ctx, cancel := context.WithTimeout(context.Background(), s.t.cfg.CallTimeout)
	defer cancel()
	return obj.CallWithContext(ctx, method, 0, args...)
}

func (s *session) open(ctx context.Context) error {
	obj := s.conn.Object(busName, s.dev)

	var connected bool
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Connected").Store(&connected); err != nil {
		return transport.Wrap("bluez: device "+string(s.dev), err)
	}
	if !connected {
		cctx, cancel := context.WithTimeout(ctx, s.t.cfg.ConnectTimeout)
		defer cancel()
		if err := obj.CallWithContext(cctx, deviceIface+".Connect", 0).Err; err != nil &&
			!strings.Contains(err.Error(), "AlreadyConnected") && !strings.Contains(err.Error(), "InProgress") {
			return transport.Wrap("bluez: connect", err)
		}
	}
	if err := s.waitResolved(ctx); err != nil {
		return err
	}
	if err := s.discover(ctx); err != nil {
		return err
	}

	s.rule = fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'", propsIface, s.dev)
	if err := s.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, s.rule).Err; err != nil {
		return transport.Wrap("bluez: add match", err)
	}
	s.conn.Signal(s.signals)
	s.t.logger.Info("gatt session open", "device", s.dev, "services", len(s.services), "characteristics", len(s.chars))
	return nil
}

func (s *session) waitResolved(ctx context.Context) error {
	obj := s.conn.Object(busName, s.dev)
	deadline := time.Now().Add(s.t.cfg.ConnectTimeout)
	for {
		var resolved bool
		err := obj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return transport.Errorf("bluez: services of %s not resolved", s.dev)
		}
		select {
		case <-ctx.Done():
			return transport.Wrap("bluez: connect", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *session) discover(ctx context.Context) error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := s.conn.Object(busName, "/").CallWithContext(ctx, managedObjects, 0).Store(&objects); err != nil {
		return transport.Wrap("bluez: managed objects", err)
	}
	services, chars := indexObjects(s.dev, objects)
	s.mu.Lock()
	s.services, s.chars = services, chars
	s.mu.Unlock()
	return nil
}

// indexObjects collects the service UUIDs and characteristic paths that
// live under dev.
func indexObjects(dev dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) ([]uuid.UUID, map[uuid.UUID]dbus.ObjectPath) {
	prefix := string(dev) + "/"
	var services []uuid.UUID
	chars := make(map[uuid.UUID]dbus.ObjectPath)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if svc, ok := ifaces[serviceIface]; ok {
			if id, ok := variantUUID(svc["UUID"]); ok {
				services = append(services, id)
			}
		}
		if ch, ok := ifaces[charIface]; ok {
			if id, ok := variantUUID(ch["UUID"]); ok {
				chars[id] = path
			}
		}
	}
	return services, chars
}

func variantUUID(v dbus.Variant) (uuid.UUID, bool) {
	s, ok := v.Value().(string)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}

func (s *session) charPath(c gatt.Characteristic) (dbus.ObjectPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", transport.ErrClosed
	}
	p, ok := s.chars[c.UUID]
	if !ok {
		return "", fmt.Errorf("bluez: characteristic %s (%s) not exposed by peer", c.Channel, c.UUID)
	}
	return p, nil
}

func (s *session) Services(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	return append([]uuid.UUID(nil), s.services...), nil
}

func (s *session) Write(c gatt.Characteristic, data []byte, withResponse bool) error {
	p, err := s.charPath(c)
	if err != nil {
		return err
	}
	typ := "command"
	if withResponse {
		typ = "request"
	}
	opts := map[string]interface{}{"type": typ}
	if err := s.call(s.conn.Object(busName, p), charIface+".WriteValue", data, opts).Err; err != nil {
		return transport.Wrap("bluez: write "+c.String(), err)
	}
	return nil
}

func (s *session) Read(c gatt.Characteristic) ([]byte, error) {
	p, err := s.charPath(c)
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := s.call(s.conn.Object(busName, p), charIface+".ReadValue", map[string]interface{}{}).Store(&value); err != nil {
		return nil, transport.Wrap("bluez: read "+c.String(), err)
	}
	return value, nil
}

func (s *session) Subscribe(c gatt.Characteristic) error {
	p, err := s.charPath(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handles[p] = c.Handle
	s.mu.Unlock()
	if err := s.call(s.conn.Object(busName, p), charIface+".StartNotify").Err; err != nil {
		return transport.Wrap("bluez: start notify "+c.String(), err)
	}
	return nil
}

func (s *session) PumpNotifications(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sig *dbus.Signal
	select {
	case sig = <-s.signals:
	case <-timer.C:
		return false, nil
	}

	delivered := false
	for {
		if sig == nil {
			return delivered, transport.ErrClosed
		}
		ok, err := s.handleSignal(sig)
		if err != nil {
			return delivered, err
		}
		delivered = delivered || ok

		select {
		case sig = <-s.signals:
		default:
			return delivered, nil
		}
	}
}

func (s *session) handleSignal(sig *dbus.Signal) (bool, error) {
	n, ok := parseSignal(sig)
	if !ok {
		return false, nil
	}
	if n.disconnected && n.path == s.dev {
		return false, transport.Errorf("bluez: %s disconnected", s.dev)
	}
	if n.value == nil {
		return false, nil
	}
	s.mu.Lock()
	handle, known := s.handles[n.path]
	s.mu.Unlock()
	if !known {
		return false, nil
	}
	if s.onNotify != nil {
		s.onNotify(handle, n.value)
	}
	return true, nil
}

type notification struct {
	path         dbus.ObjectPath
	value        []byte
	disconnected bool
}

// parseSignal extracts a characteristic value or a link drop from a
// PropertiesChanged signal.
func parseSignal(sig *dbus.Signal) (notification, bool) {
	if sig.Name != propsChanged || len(sig.Body) < 2 {
		return notification{}, false
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return notification{}, false
	}
	n := notification{path: sig.Path}
	switch iface {
	case charIface:
		v, ok := changed["Value"]
		if !ok {
			return notification{}, false
		}
		b, ok := v.Value().([]byte)
		if !ok {
			return notification{}, false
		}
		n.value = b
	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return notification{}, false
		}
		if c, ok := v.Value().(bool); !ok || c {
			return notification{}, false
		}
		n.disconnected = true
	default:
		return notification{}, false
	}
	return n, true
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.RemoveSignal(s.signals)
	if s.rule != "" {
		s.call(s.conn.BusObject(), "org.freedesktop.DBus.RemoveMatch", s.rule)
	}
	err := s.call(s.conn.Object(busName, s.dev), deviceIface+".Disconnect").Err
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return transport.Wrap("bluez: disconnect", err)
	}
	return nil
}
