package dpg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCm(t *testing.T) {
	tests := []struct {
		raw  Position
		want int
	}{
		{0, 0},
		{49, 0},
		{50, 1},
		{149, 1},
		{150, 2},
		{6250, 63},
		{6249, 62},
		{65535, 655},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.raw.Cm(), "Position(%d).Cm()", tt.raw)
	}
}

func TestRawFromCm(t *testing.T) {
	tests := []struct {
		cm   float64
		want Position
	}{
		{0, 0},
		{1.1, 110},
		{0.29, 29},
		{62.501, 6251},
		{72.3, 7230},
		{100, 10000},
		{655.35, 65535},
	}
	for _, tt := range tests {
		p, err := RawFromCm(tt.cm)
		require.NoError(t, err, "RawFromCm(%v)", tt.cm)
		assert.Equal(t, tt.want, p, "RawFromCm(%v)", tt.cm)
	}

	_, err := RawFromCm(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = RawFromCm(700)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRawCmRoundTripTolerance(t *testing.T) {
	for r := 0; r <= 65535-100; r += 7 {
		p := Position(r)
		back, err := RawFromCm(float64(p.Cm()))
		require.NoError(t, err)
		diff := int(back) - r
		if diff < 0 {
			diff = -diff
		}
		if diff > 99 {
			t.Fatalf("raw %d -> %d cm -> %d, diff %d", r, p.Cm(), back, diff)
		}
	}
}

func TestDecodePositionTruncated(t *testing.T) {
	_, err := DecodePosition([]byte{0x01})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Need)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestDecodeHeightSpeed(t *testing.T) {
	hs, err := DecodeHeightSpeed([]byte{0x6A, 0x18, 0xFE, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, Position(0x186A), hs.Height)
	assert.Equal(t, int16(-2), hs.Speed)
	assert.False(t, hs.Stopped())
	assert.Equal(t, []byte{0x6A, 0x18, 0xFE, 0xFF}, hs.Encode())

	hs, err = DecodeHeightSpeed([]byte{0x00, 0x10, 0x00, 0x00})
	require.NoError(t, err)
	assert.True(t, hs.Stopped())

	_, err = DecodeHeightSpeed([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeCapabilitiesExample(t *testing.T) {
	c, err := DecodeCapabilities([]byte{0b11000111, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), c.MemSize)
	assert.True(t, c.AutoUp)
	assert.True(t, c.AutoDown)
	assert.False(t, c.BLEAllow)
	assert.False(t, c.HasDisplay)
	assert.False(t, c.HasLight)
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	for flags := 0; flags < 256; flags++ {
		for _, ref := range []uint8{0x00, 0x01, 0x0F, 0xA5, 0xFF} {
			in := []byte{byte(flags), ref}
			c, err := DecodeCapabilities(in)
			require.NoError(t, err)
			out, err := DecodeCapabilities(c.Encode())
			require.NoError(t, err)
			require.Equal(t, c, out)
			require.Equal(t, in, c.Encode())
		}
	}
}

func TestCapabilitiesSupportsReference(t *testing.T) {
	c := Capabilities{RefMask: 0b0000_0101}
	assert.True(t, c.SupportsReference(1))
	assert.False(t, c.SupportsReference(2))
	assert.True(t, c.SupportsReference(3))
	assert.False(t, c.SupportsReference(0))
	assert.False(t, c.SupportsReference(9))
}

func TestReminderSettingRoundTrip(t *testing.T) {
	for flags := 0; flags < 128; flags++ {
		in := []byte{byte(flags), 30, 5, 45, 10, 55, 15}
		r, err := DecodeReminderSetting(in)
		require.NoError(t, err)
		assert.Equal(t, in, r.Encode())
		back, err := DecodeReminderSetting(r.Encode())
		require.NoError(t, err)
		require.Equal(t, r, back)
	}
}

func TestDecodeReminderSetting(t *testing.T) {
	// slot 2, inch, wake, light guide, counter 0x01020304
	in := []byte{0b0110_0110, 30, 5, 45, 10, 55, 15, 0x04, 0x03, 0x02, 0x01}
	r, err := DecodeReminderSetting(in)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), r.Active)
	assert.True(t, r.Inch)
	assert.True(t, r.Wake)
	assert.True(t, r.LightGuide)
	assert.False(t, r.ImpulseUp)
	assert.False(t, r.ImpulseDown)
	assert.Equal(t, uint32(0x01020304), r.Counter)
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, Reminder{Sit: 45, Stand: 10}, cur)

	_, err = DecodeReminderSetting(in[:6])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeFavorite(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		set     bool
		pos     Position
		counter uint32
	}{
		{"set with counter", []byte{0x01, 0x10, 0x27, 0x07, 0x00, 0x00, 0x00}, true, 10000, 7},
		{"set without counter", []byte{0x01, 0x00, 0x00}, true, 0, 0},
		{"disabled with counter", []byte{0x00, 0x09, 0x00, 0x00, 0x00}, false, 0, 9},
		{"disabled bare", []byte{0x00}, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFavorite(tt.in)
			require.NoError(t, err)
			p, ok := f.Position()
			assert.Equal(t, tt.set, ok)
			assert.Equal(t, tt.pos, p)
			assert.Equal(t, tt.counter, f.Counter)
		})
	}
}

func TestFavoriteAbsentIsNotZero(t *testing.T) {
	disabled, err := DecodeFavorite([]byte{0x00, 0x00, 0x00})
	require.NoError(t, err)
	zero, err := DecodeFavorite([]byte{0x01, 0x00, 0x00})
	require.NoError(t, err)

	_, dok := disabled.Position()
	zp, zok := zero.Position()
	assert.False(t, dok)
	assert.True(t, zok)
	assert.Equal(t, Position(0), zp)
	assert.NotEqual(t, disabled, zero)
}

func TestFavoriteEncode(t *testing.T) {
	assert.Equal(t, []byte{0x00}, EmptyFavorite().Encode())
	assert.Equal(t, []byte{0x01, 0x10, 0x27}, NewFavorite(10000).Encode())

	_, err := DecodeFavorite([]byte{0x01, 0x10})
	assert.ErrorIs(t, err, ErrTruncated)
	_, err = DecodeFavorite(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUserID(t *testing.T) {
	u, err := DecodeUserID([]byte{0x01, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, Owner, u.Type)
	assert.Equal(t, []byte{0xAA, 0xBB}, u.ID)
	assert.Equal(t, []byte{0x01, 0xAA, 0xBB}, u.Encode())

	u, err = DecodeUserID([]byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, Guest, u.Type)
	assert.Empty(t, u.ID)
}

func TestDecodeProductInfo(t *testing.T) {
	p, err := DecodeProductInfo([]byte{1, 4, 2})
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", p.String())
	_, err = DecodeProductInfo(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMask(t *testing.T) {
	tests := []struct {
		in   byte
		want Mask
	}{
		{0x00, MaskInvalid},
		{0x01, MaskDesk},
		{0x41, MaskDesk},
		{0x40, MaskLegRest},
		{0xC0, MaskLegRest},
		{0x80, MaskBackRest},
		{0x02, MaskUnknown},
	}
	for _, tt := range tests {
		got, err := DecodeMask([]byte{tt.in})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "mask 0x%02X", tt.in)
	}
	_, err := DecodeMask(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}
