// Package serialbridge drives a BLE central dongle attached over a serial
// port. The dongle owns the radio; this side speaks a small framed
// request/response protocol and receives notifications as indications.
package serialbridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"linak-desk/internal/gatt"
	"linak-desk/internal/transport"
)

// Config holds serial bridge options.
type Config struct {
	Port           string
	BaudRate       int           // default 115200
	RequestTimeout time.Duration // default 3s
	ConnectTimeout time.Duration // default 15s
}

// Opener opens the byte stream to the dongle.
type Opener func() (io.ReadWriteCloser, error)

// Transport implements transport.Transport over a serial dongle.
type Transport struct {
	cfg    Config
	open   Opener
	logger *slog.Logger
}

// New creates a transport that opens cfg.Port on every Connect.
func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = withDefaults(cfg)
	return NewWithOpener(cfg, func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
		}
		// USB CDC ACM: assert DTR/RTS for the dongle firmware.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}, logger)
}

// NewWithOpener creates a transport over an arbitrary stream.
func NewWithOpener(cfg Config, open Opener, logger *slog.Logger) *Transport {
	return &Transport{cfg: withDefaults(cfg), open: open, logger: logger.With("component", "serialbridge")}
}

func withDefaults(cfg Config) Config {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return cfg
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, address string, onNotify transport.NotifyFunc) (transport.Session, error) {
	port, err := t.open()
	if err != nil {
		return nil, transport.Wrap("serialbridge", err)
	}
	s := &session{
		t:        t,
		port:     port,
		reader:   bufio.NewReader(port),
		onNotify: onNotify,
		pending:  make(map[uint8]chan frame),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()

	cctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	if _, err := s.request(cctx, opConnect, []byte(address)); err != nil {
		s.shutdown()
		return nil, err
	}
	t.logger.Info("bridge connected", "address", address)
	return s, nil
}

type notification struct {
	handle uint16
	data   []byte
}

type session struct {
	t        *Transport
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	onNotify transport.NotifyFunc

	seq       atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint8]chan frame
	writeMu   sync.Mutex

	queueMu sync.Mutex
	queue   []notification
	signal  chan struct{}
	lost    atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// nextSeq allocates a request sequence number. Zero is reserved for
// indications.
func (s *session) nextSeq() uint8 {
	for {
		if seq := uint8(s.seq.Add(1)); seq != 0 {
			return seq
		}
	}
}

// request sends op and waits for its response. A non-OK status or a
// missing response is a link failure.
func (s *session) request(ctx context.Context, op uint8, payload []byte) ([]byte, error) {
	if s.lost.Load() {
		return nil, transport.ErrClosed
	}
	seq := s.nextSeq()
	ch := make(chan frame, 1)
	s.pendingMu.Lock()
	s.pending[seq] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
	}()

	raw := encodeFrame(op, seq, payload)
	s.writeMu.Lock()
	_, err := s.port.Write(raw)
	s.writeMu.Unlock()
	if err != nil {
		return nil, transport.Wrap("serialbridge: write "+opName(op), err)
	}
	s.t.logger.Debug("bridge TX", "op", opName(op), "seq", seq, "payload", fmt.Sprintf("%X", payload))

	timer := time.NewTimer(s.t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if len(resp.Payload) == 0 {
			return nil, transport.Errorf("serialbridge: %s: empty response", opName(op))
		}
		if st := resp.Payload[0]; st != statusOK {
			return nil, transport.Errorf("serialbridge: %s: %s", opName(op), statusName(st))
		}
		return resp.Payload[1:], nil
	case <-timer.C:
		return nil, transport.Errorf("serialbridge: %s: no response", opName(op))
	case <-ctx.Done():
		return nil, transport.Wrap("serialbridge: "+opName(op), ctx.Err())
	case <-s.done:
		return nil, transport.ErrClosed
	}
}

func (s *session) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		raw, err := readRawFrame(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "closed") {
				s.t.logger.Warn("bridge stream closed", "err", err)
				s.markLost()
				return
			}
			s.t.logger.Error("bridge read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		f, err := decodeFrame(raw)
		if err != nil {
			s.t.logger.Warn("bridge decode error", "err", err)
			continue
		}
		s.handleFrame(f)
	}
}

func (s *session) handleFrame(f frame) {
	switch {
	case f.Op&opResponse != 0:
		s.pendingMu.Lock()
		ch, ok := s.pending[f.Seq]
		s.pendingMu.Unlock()
		if !ok {
			s.t.logger.Warn("bridge orphaned response", "op", opName(f.Op), "seq", f.Seq)
			return
		}
		select {
		case ch <- f:
		default:
		}

	case f.Op == opNotify:
		if len(f.Payload) < 2 {
			s.t.logger.Warn("bridge short notification", "payload", fmt.Sprintf("%X", f.Payload))
			return
		}
		n := notification{handle: binary.LittleEndian.Uint16(f.Payload[:2]), data: f.Payload[2:]}
		s.queueMu.Lock()
		s.queue = append(s.queue, n)
		s.queueMu.Unlock()
		s.wake()

	case f.Op == opLinkLost:
		s.t.logger.Warn("bridge reports link lost")
		s.markLost()

	default:
		s.t.logger.Debug("bridge unknown indication", "op", opName(f.Op))
	}
}

func (s *session) markLost() {
	s.lost.Store(true)
	s.wake()
}

func (s *session) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func handlePayload(h uint16, rest ...[]byte) []byte {
	b := binary.LittleEndian.AppendUint16(nil, h)
	for _, r := range rest {
		b = append(b, r...)
	}
	return b
}

func (s *session) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.t.cfg.RequestTimeout)
}

func (s *session) Services(ctx context.Context) ([]uuid.UUID, error) {
	resp, err := s.request(ctx, opServices, nil)
	if err != nil {
		return nil, err
	}
	if len(resp)%16 != 0 {
		return nil, transport.Errorf("serialbridge: services payload of %d bytes", len(resp))
	}
	ids := make([]uuid.UUID, 0, len(resp)/16)
	for i := 0; i < len(resp); i += 16 {
		id, err := uuid.FromBytes(resp[i : i+16])
		if err != nil {
			return nil, transport.Wrap("serialbridge: services", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *session) Write(c gatt.Characteristic, data []byte, withResponse bool) error {
	ctx, cancel := s.reqCtx()
	defer cancel()
	flag := []byte{0}
	if withResponse {
		flag[0] = 1
	}
	_, err := s.request(ctx, opWrite, handlePayload(c.Handle, flag, data))
	return err
}

func (s *session) Read(c gatt.Characteristic) ([]byte, error) {
	ctx, cancel := s.reqCtx()
	defer cancel()
	return s.request(ctx, opRead, handlePayload(c.Handle))
}

func (s *session) Subscribe(c gatt.Characteristic) error {
	ctx, cancel := s.reqCtx()
	defer cancel()
	cccd := binary.LittleEndian.AppendUint16(nil, c.CCCDHandle())
	_, err := s.request(ctx, opSubscribe, handlePayload(c.Handle, cccd))
	return err
}

func (s *session) PumpNotifications(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.queueMu.Lock()
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		if len(batch) > 0 {
			for _, n := range batch {
				if s.onNotify != nil {
					s.onNotify(n.handle, n.data)
				}
			}
			return true, nil
		}
		if s.lost.Load() {
			return false, transport.Errorf("serialbridge: link lost")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.signal:
		case <-s.done:
			timer.Stop()
			return false, transport.ErrClosed
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *session) Disconnect() error {
	var err error
	if !s.lost.Load() {
		ctx, cancel := s.reqCtx()
		_, err = s.request(ctx, opDisconnect, nil)
		cancel()
	}
	s.shutdown()
	return err
}

// shutdown closes the port and waits for the read loop.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.port.Close()
		s.wg.Wait()
	})
}
