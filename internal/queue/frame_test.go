package queue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// buildFrame assembles a wire message the way the push path serializes one.
func buildFrame(segs ...[]byte) []byte {
	var total uint32
	for _, s := range segs {
		total += uint32(len(s)) + lenPrefixSize
	}
	buf := make([]byte, 0, dmtr.HeaderSize+int(total))
	hdr := make([]byte, dmtr.HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], dmtr.HeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:], total)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(segs)))
	buf = append(buf, hdr...)
	for _, s := range segs {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}
	return buf
}

func frameBase(data []byte) uintptr {
	// The tests only compare offsets relative to the base, so any stable
	// address works; use a fixed one (zero for an empty slice).
	if len(data) == 0 {
		return 0
	}
	return uintptr(0x1000_0000)
}

func TestDecodeFrameSingleSegment(t *testing.T) {
	data := buildFrame([]byte("hello"))
	base := frameBase(data)

	sga, err := decodeFrame(base, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sga.NumSegs)
	assert.Equal(t, uint32(5), sga.Segs[0].Len)
	assert.Equal(t, base+uintptr(dmtr.HeaderSize+lenPrefixSize), sga.Segs[0].Buf)
	assert.Equal(t, base, sga.Buf)
}

func TestDecodeFrameMultiSegmentOffsets(t *testing.T) {
	data := buildFrame([]byte("ab"), []byte("cde"))
	base := frameBase(data)

	sga, err := decodeFrame(base, data)
	require.NoError(t, err)
	require.Equal(t, uint32(2), sga.NumSegs)
	assert.Equal(t, uint32(2), sga.Segs[0].Len)
	assert.Equal(t, uint32(3), sga.Segs[1].Len)

	// Segment 1 starts after header + len0 + data0 + len1.
	want := base + uintptr(dmtr.HeaderSize+lenPrefixSize+2+lenPrefixSize)
	assert.Equal(t, want, sga.Segs[1].Buf)
}

func TestDecodeFrameEmptySga(t *testing.T) {
	data := buildFrame()
	sga, err := decodeFrame(frameBase(data), data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sga.NumSegs)
}

func TestDecodeFrameTruncatedHeader(t *testing.T) {
	data := []byte{0x52, 0x54, 0x4d, 0x44}
	_, err := decodeFrame(frameBase(data), data)
	assert.ErrorIs(t, err, unix.EPROTO)
}

func TestDecodeFrameBadMagic(t *testing.T) {
	data := buildFrame([]byte("x"))
	binary.LittleEndian.PutUint32(data[0:], 0x12345678)
	_, err := decodeFrame(frameBase(data), data)
	assert.ErrorIs(t, err, unix.EPROTO)
}

func TestDecodeFrameByteCountMismatch(t *testing.T) {
	data := buildFrame([]byte("abc"))
	// Header claims one byte more than the segments consume.
	binary.LittleEndian.PutUint32(data[4:], uint32(3+lenPrefixSize+1))
	data = append(data, 0x00)
	_, err := decodeFrame(frameBase(data), data)
	assert.ErrorIs(t, err, unix.EPROTO)
}

func TestDecodeFrameTruncatedSegment(t *testing.T) {
	data := buildFrame([]byte("abcdef"))
	_, err := decodeFrame(frameBase(data), data[:len(data)-2])
	assert.ErrorIs(t, err, unix.EPROTO)
}

func TestDecodeFrameSegCountOverLimit(t *testing.T) {
	data := buildFrame([]byte("a"))
	binary.LittleEndian.PutUint32(data[8:], dmtr.MaxSgaSegs+1)
	_, err := decodeFrame(frameBase(data), data)
	assert.ErrorIs(t, err, unix.EPROTO)
}

func TestHeaderLayoutIsLittleEndian(t *testing.T) {
	data := buildFrame([]byte("zz"))
	// "DMTR" magic, stored little-endian.
	assert.Equal(t, []byte{0x52, 0x54, 0x4d, 0x44}, data[0:4])
	// bytes = 4-byte prefix + 2 payload bytes.
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x00}, data[4:8])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, data[8:12])
}
