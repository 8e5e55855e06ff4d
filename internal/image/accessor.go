// Package image provides typed access to the raw process image shared with
// the fieldbus transport. All multi-byte values use EtherCAT wire order
// (little endian).
//
// The accessors do not check bounds; offsets come from a layout that was
// checked with Fits after activation.
package image

import "encoding/binary"

// Fits reports whether width bytes starting at offset lie inside an image of
// size bytes.
func Fits(size int, offset uint32, width uint32) bool {
	end := uint64(offset) + uint64(width)
	return width > 0 && end <= uint64(size)
}

func ReadS32(img []byte, offset uint32) int32 {
	return int32(binary.LittleEndian.Uint32(img[offset : offset+4]))
}

func WriteS32(img []byte, offset uint32, value int32) {
	binary.LittleEndian.PutUint32(img[offset:offset+4], uint32(value))
}

func ReadU8(img []byte, offset uint32) uint8 {
	return img[offset]
}

func WriteU8(img []byte, offset uint32, value uint8) {
	img[offset] = value
}

// ExtractBit returns bit index of b, counted from the least significant bit.
// Indexes outside 0..7 yield false.
func ExtractBit(b uint8, index uint) bool {
	if index > 7 {
		return false
	}
	return b&(1<<index) != 0
}

// PackBits is the inverse of UnpackBits: flag i maps to bit i.
func PackBits(flags [8]bool) uint8 {
	var b uint8
	for i, on := range flags {
		if on {
			b |= 1 << uint(i)
		}
	}
	return b
}

func UnpackBits(b uint8) [8]bool {
	var flags [8]bool
	for i := range flags {
		flags[i] = ExtractBit(b, uint(i))
	}
	return flags
}
