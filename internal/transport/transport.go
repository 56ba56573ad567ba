// Package transport defines the narrow BLE link the desk driver consumes.
// Bindings live in sub-packages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linak-desk/internal/gatt"
)

// ErrTransport marks link-level failures. Any error wrapping it ends the
// session.
var ErrTransport = errors.New("transport: link failure")

// ErrClosed is returned by sessions used after Disconnect.
var ErrClosed = fmt.Errorf("%w: session closed", ErrTransport)

// NotifyFunc receives notification bytes for a value handle.
type NotifyFunc func(handle uint16, data []byte)

// Transport opens sessions to a peripheral.
type Transport interface {
	// Connect establishes a session. onNotify is only ever invoked from
	// inside Session.PumpNotifications, in arrival order.
	Connect(ctx context.Context, address string, onNotify NotifyFunc) (Session, error)
}

// Session is one live connection to a peripheral.
type Session interface {
	// Services lists the primary service UUIDs discovered on the peer.
	Services(ctx context.Context) ([]uuid.UUID, error)
	Write(c gatt.Characteristic, data []byte, withResponse bool) error
	Read(c gatt.Characteristic) ([]byte, error)
	// Subscribe enables notifications for c.
	Subscribe(c gatt.Characteristic) error
	// PumpNotifications waits up to timeout for pending notifications and
	// delivers them. It reports whether anything was delivered.
	PumpNotifications(timeout time.Duration) (bool, error)
	Disconnect() error
}

// Errorf wraps a link failure so callers can match ErrTransport.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

// Wrap marks err as a link failure. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
