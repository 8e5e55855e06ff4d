package image

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

func TestS32RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 1234, -1234, 1000, math.MaxInt32, math.MinInt32, 0x12345678, -0x0badf00d}
	img := make([]byte, 16)

	for _, offset := range []uint32{0, 3, 12} {
		for _, v := range values {
			WriteS32(img, offset, v)
			assert.Equal(t, ReadS32(img, offset), v, "offset %d", offset)
		}
	}
}

func TestS32LittleEndian(t *testing.T) {
	img := []byte{0xd2, 0x04, 0x00, 0x00, 0x2e, 0xfb, 0xff, 0xff}

	assert.Equal(t, ReadS32(img, 0), int32(1234))
	assert.Equal(t, ReadS32(img, 4), int32(-1234))
}

func TestAnalogChannelsAtOffsets(t *testing.T) {
	img := make([]byte, 12)
	WriteS32(img, 2, 1234)
	WriteS32(img, 8, -1234)

	assert.Equal(t, ReadS32(img, 2), int32(1234))
	assert.Equal(t, ReadS32(img, 8), int32(-1234))
}

func TestU8(t *testing.T) {
	img := make([]byte, 4)
	WriteU8(img, 3, 0xa5)
	assert.Equal(t, ReadU8(img, 3), uint8(0xa5))
	assert.Equal(t, ReadU8(img, 2), uint8(0))
}

func TestPackUnpackAllBytes(t *testing.T) {
	for v := 0; v <= 0xff; v++ {
		b := uint8(v)
		assert.Equal(t, PackBits(UnpackBits(b)), b)
	}
}

func TestExtractBitOfPackedFlags(t *testing.T) {
	for v := 0; v <= 0xff; v++ {
		var flags [8]bool
		for i := range flags {
			flags[i] = v&(1<<uint(i)) != 0
		}
		packed := PackBits(flags)
		for i := range flags {
			assert.Equal(t, ExtractBit(packed, uint(i)), flags[i], "combination %08b bit %d", v, i)
		}
	}
}

func TestDigitalInputByte(t *testing.T) {
	flags := UnpackBits(0b10110001)
	assert.DeepEqual(t, flags, [8]bool{true, false, false, false, true, true, false, true})
	assert.Equal(t, PackBits(flags), uint8(0b10110001))
}

func TestCommandFlagsToByte(t *testing.T) {
	flags := [8]bool{true, false, true, false, false, false, false, true}
	assert.Equal(t, PackBits(flags), uint8(0b10000101))
}

func TestExtractBitOutOfRange(t *testing.T) {
	assert.Assert(t, !ExtractBit(0xff, 8))
}

func TestFits(t *testing.T) {
	cases := []struct {
		size   int
		offset uint32
		width  uint32
		want   bool
	}{
		{8, 0, 4, true},
		{8, 4, 4, true},
		{8, 5, 4, false},
		{8, 7, 1, true},
		{8, 8, 1, false},
		{0, 0, 1, false},
		{8, 0, 0, false},
		{8, math.MaxUint32, 4, false},
	}
	for _, c := range cases {
		assert.Equal(t, Fits(c.size, c.offset, c.width), c.want, "size %d offset %d width %d", c.size, c.offset, c.width)
	}
}
