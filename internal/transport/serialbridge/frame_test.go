package serialbridge

import (
	"bufio"
	"bytes"
	"testing"
)

func TestCRC16Kermit(t *testing.T) {
	if got := crc16([]byte("123456789")); got != 0x2189 {
		t.Errorf("crc16 check = 0x%04X, want 0x2189", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		op      uint8
		seq     uint8
		payload []byte
	}{
		{"empty", opServices, 1, nil},
		{"write", opWrite, 7, []byte{0x14, 0x00, 0x01, 0x7F, 0x86, 0x00}},
		{"response", opRead | opResponse, 200, []byte{statusOK, 0xDE, 0xAD}},
		{"notify", opNotify, 0, []byte{0x21, 0x00, 0x14, 0x05, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeFrame(tt.op, tt.seq, tt.payload)
			f, err := decodeFrame(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Op != tt.op || f.Seq != tt.seq {
				t.Errorf("op/seq = 0x%02X/%d, want 0x%02X/%d", f.Op, f.Seq, tt.op, tt.seq)
			}
			if !bytes.Equal(f.Payload, tt.payload) && !(len(f.Payload) == 0 && len(tt.payload) == 0) {
				t.Errorf("payload = %X, want %X", f.Payload, tt.payload)
			}
		})
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	raw := encodeFrame(opRead, 3, []byte{0x01, 0x02})

	hdr := append([]byte(nil), raw...)
	hdr[5] ^= 0x01
	if _, err := decodeFrame(hdr); err == nil {
		t.Error("expected header CRC error")
	}

	body := append([]byte(nil), raw...)
	body[len(body)-1] ^= 0xFF
	if _, err := decodeFrame(body); err == nil {
		t.Error("expected body CRC error")
	}

	if _, err := decodeFrame(raw[:6]); err == nil {
		t.Error("expected short frame error")
	}
}

func TestReadRawFrameResyncs(t *testing.T) {
	first := encodeFrame(opConnect|opResponse, 1, []byte{statusOK})
	second := encodeFrame(opNotify, 0, []byte{0x14, 0x00, 0xAA})

	var stream []byte
	stream = append(stream, 0x00, 0xDE, 0x01, 0xFF)
	stream = append(stream, first...)
	stream = append(stream, 0xDE)
	stream = append(stream, second...)

	r := bufio.NewReader(bytes.NewReader(stream))
	for i, want := range [][]byte{first, second} {
		got, err := readRawFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %X, want %X", i, got, want)
		}
	}
}

func TestOpName(t *testing.T) {
	if got := opName(opWrite | opResponse); got != "WRITE_RSP" {
		t.Errorf("opName = %q, want WRITE_RSP", got)
	}
	if got := opName(0x33); got != "0x33" {
		t.Errorf("opName = %q, want 0x33", got)
	}
}
