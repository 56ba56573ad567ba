package serialbridge

// Bridge link framing:
//
//	sig(2) | size(2) | op(1) | seq(1) | crc8(1) | crc16(2) | payload
//
// size counts itself and everything after it. crc8 covers size..seq,
// crc16 covers the payload.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameSig0       = 0xDE
	frameSig1       = 0xAD
	frameHeaderSize = 7 // sig(2) + size(2) + op(1) + seq(1) + crc8(1)
	frameCRCSize    = 2
	maxFrameSize    = 1024
)

// Opcodes. Responses echo the request op with opResponse set; the first
// payload byte is a status.
const (
	opConnect    uint8 = 0x01
	opDisconnect uint8 = 0x02
	opServices   uint8 = 0x03
	opWrite      uint8 = 0x04
	opRead       uint8 = 0x05
	opSubscribe  uint8 = 0x06

	opNotify   uint8 = 0x40
	opLinkLost uint8 = 0x41

	opResponse uint8 = 0x80
)

func opName(op uint8) string {
	resp := ""
	if op&opResponse != 0 {
		resp = "_RSP"
		op &^= opResponse
	}
	var name string
	switch op {
	case opConnect:
		name = "CONNECT"
	case opDisconnect:
		name = "DISCONNECT"
	case opServices:
		name = "SERVICES"
	case opWrite:
		name = "WRITE"
	case opRead:
		name = "READ"
	case opSubscribe:
		name = "SUBSCRIBE"
	case opNotify:
		name = "NOTIFY"
	case opLinkLost:
		name = "LINK_LOST"
	default:
		name = fmt.Sprintf("0x%02X", op)
	}
	return name + resp
}

// Response status codes.
const (
	statusOK       uint8 = 0x00
	statusNoDevice uint8 = 0x01
	statusGATT     uint8 = 0x02
	statusBusy     uint8 = 0x03
)

func statusName(s uint8) string {
	switch s {
	case statusOK:
		return "OK"
	case statusNoDevice:
		return "no device"
	case statusGATT:
		return "gatt error"
	case statusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status 0x%02X", s)
	}
}

type frame struct {
	Op      uint8
	Seq     uint8
	Payload []byte
}

// --- CRC-8/KOOP (reflected poly=0xB2, init=0xFF, xorout=0xFF) ---

var crc8Table [256]uint8

// --- CRC-16/KERMIT (reflected poly=0x8408, init=0x0000) ---

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
		}
		crc8Table[i] = c8

		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc16Table[i] = c16
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func crc16(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// encodeFrame builds a complete link frame.
func encodeFrame(op, seq uint8, payload []byte) []byte {
	size := uint16(5 + frameCRCSize + len(payload))
	buf := make([]byte, 2+int(size))
	buf[0] = frameSig0
	buf[1] = frameSig1
	binary.LittleEndian.PutUint16(buf[2:4], size)
	buf[4] = op
	buf[5] = seq
	buf[6] = crc8(buf[2:6])
	binary.LittleEndian.PutUint16(buf[7:9], crc16(payload))
	copy(buf[9:], payload)
	return buf
}

// decodeFrame parses a complete raw frame.
func decodeFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize+frameCRCSize {
		return frame{}, fmt.Errorf("serialbridge: frame too short: %d bytes", len(data))
	}
	if data[0] != frameSig0 || data[1] != frameSig1 {
		return frame{}, fmt.Errorf("serialbridge: bad signature: 0x%02X%02X", data[0], data[1])
	}
	if got := crc8(data[2:6]); data[6] != got {
		return frame{}, fmt.Errorf("serialbridge: header CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	size := binary.LittleEndian.Uint16(data[2:4])
	if int(size)+2 > len(data) {
		return frame{}, fmt.Errorf("serialbridge: frame truncated: need %d, have %d", int(size)+2, len(data))
	}
	payload := data[frameHeaderSize+frameCRCSize : 2+int(size)]
	want := binary.LittleEndian.Uint16(data[7:9])
	if got := crc16(payload); got != want {
		return frame{}, fmt.Errorf("serialbridge: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}
	return frame{Op: data[4], Seq: data[5], Payload: append([]byte(nil), payload...)}, nil
}

// readRawFrame resynchronizes on the signature and returns one raw frame.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != frameSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint16(sizeBuf[:])
		if size < 5+frameCRCSize || size > maxFrameSize {
			continue
		}
		raw := make([]byte, 2+int(size))
		raw[0], raw[1] = frameSig0, frameSig1
		copy(raw[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, raw[4:]); err != nil {
			return nil, err
		}
		return raw, nil
	}
}
