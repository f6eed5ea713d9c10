package queue

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// Wire framing. A message is a 12-byte header followed by one length-prefixed
// run per segment:
//
//	magic   u32  dmtr.HeaderMagic
//	bytes   u32  total length after the header (prefixes + payloads)
//	sgasegs u32  segment count N
//	len_0   u32
//	data_0  len_0 bytes
//	...
//
// All fields are little-endian.

const lenPrefixSize = 4

// buildPushWR serializes t.sga into a send work request of 2N+1 scatter
// entries: the header, then a length prefix and the payload for each segment.
// The header and the prefix array live in one transient hoard slab owned by
// the task (freed when the token is dropped). Every address in the SGE list
// resolves through the hoard to a region under q's protection domain.
func (q *Queue) buildPushWR(t *task, sga *dmtr.Sga) (*verbs.SendWR, error) {
	if sga.NumSegs > dmtr.MaxSgaSegs {
		return nil, unix.ERANGE
	}
	numSge := 2*int(sga.NumSegs) + 1
	if numSge > maxSendSge {
		return nil, unix.ERANGE
	}

	// One slab holds the header and the serialized segment lengths.
	aux, err := q.hoard.Alloc(dmtr.HeaderSize + lenPrefixSize*int(sga.NumSegs))
	if err != nil {
		return nil, err
	}
	built := false
	defer func() {
		if !built {
			q.hoard.Free(aux)
		}
	}()
	auxBytes, err := q.hoard.Bytes(aux)
	if err != nil {
		return nil, err
	}
	auxMR, err := q.hoard.MR(aux, q.pd.pd)
	if err != nil {
		return nil, err
	}

	sges := make([]verbs.Sge, numSge)
	var totalLen uint32
	for i := uint32(0); i < sga.NumSegs; i++ {
		seg := sga.Segs[i]
		off := dmtr.HeaderSize + lenPrefixSize*int(i)
		binary.LittleEndian.PutUint32(auxBytes[off:], seg.Len)

		sges[2*i+1] = verbs.Sge{
			Addr:   aux + uintptr(off),
			Length: lenPrefixSize,
			LKey:   auxMR.LKey(),
		}

		segMR, err := q.hoard.MR(seg.Buf, q.pd.pd)
		if err != nil {
			return nil, err
		}
		sges[2*i+2] = verbs.Sge{
			Addr:   seg.Buf,
			Length: seg.Len,
			LKey:   segMR.LKey(),
		}

		totalLen += seg.Len + lenPrefixSize
	}

	binary.LittleEndian.PutUint32(auxBytes[0:], dmtr.HeaderMagic)
	binary.LittleEndian.PutUint32(auxBytes[4:], totalLen)
	binary.LittleEndian.PutUint32(auxBytes[8:], sga.NumSegs)
	sges[0] = verbs.Sge{Addr: aux, Length: dmtr.HeaderSize, LKey: auxMR.LKey()}

	built = true
	t.sga.Buf = aux
	return &verbs.SendWR{
		WRID:     uint64(t.qt),
		Sges:     sges,
		Signaled: true,
	}, nil
}

// decodeFrame parses the framed message in data, whose first byte lives at
// base, into a scatter-gather array whose segments alias into the buffer.
// Any truncation, magic mismatch, or disagreement between the header byte
// count and the consumed bytes is a protocol error.
func decodeFrame(base uintptr, data []byte) (dmtr.Sga, error) {
	var sga dmtr.Sga
	if len(data) < dmtr.HeaderSize {
		return sga, unix.EPROTO
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	totalLen := binary.LittleEndian.Uint32(data[4:])
	numSegs := binary.LittleEndian.Uint32(data[8:])
	if magic != dmtr.HeaderMagic {
		return sga, unix.EPROTO
	}
	if numSegs > dmtr.MaxSgaSegs {
		return sga, unix.EPROTO
	}

	off := dmtr.HeaderSize
	for i := uint32(0); i < numSegs; i++ {
		if off+lenPrefixSize > len(data) {
			return sga, unix.EPROTO
		}
		segLen := binary.LittleEndian.Uint32(data[off:])
		off += lenPrefixSize
		if off+int(segLen) > len(data) {
			return sga, unix.EPROTO
		}
		sga.Segs[i] = dmtr.SgaSeg{Buf: base + uintptr(off), Len: segLen}
		off += int(segLen)
	}
	if uint32(off-dmtr.HeaderSize) != totalLen {
		return sga, unix.EPROTO
	}

	sga.NumSegs = numSegs
	sga.Buf = base
	return sga, nil
}
