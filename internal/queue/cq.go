package queue

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// serviceCompletionQueue polls up to quantity work completions and
// dispatches each.
func (q *Queue) serviceCompletionQueue(cq verbs.CompletionQueue, quantity int) error {
	if cq == nil {
		return unix.EINVAL
	}
	if quantity <= 0 {
		return unix.EINVAL
	}
	wcs := make([]verbs.WorkCompletion, quantity)
	n, err := cq.Poll(wcs)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := q.onWorkCompleted(&wcs[i]); err != nil {
			log.Warn().
				Err(err).
				Uint64("wr_id", wcs[i].WRID).
				Uint32("opcode", uint32(wcs[i].Opcode)).
				Msg("Work completion dispatch failed")
		}
	}
	return nil
}

func (q *Queue) onWorkCompleted(wc *verbs.WorkCompletion) error {
	if wc.Status != verbs.WCSuccess {
		// The core does not attempt RDMA-level recovery.
		return unix.ENOTSUP
	}

	switch wc.Opcode {
	case verbs.WCOpcodeRecv:
		buf := uintptr(wc.WRID)
		if err := q.hoard.Unpin(buf); err != nil {
			return err
		}
		q.recvsCompleted++
		q.recvQueue = append(q.recvQueue, recvEntry{buf: buf, len: wc.ByteLen})
		return q.newRecvBuf()

	case verbs.WCOpcodeSend:
		qt := dmtr.QToken(wc.WRID)
		t, err := q.getTask(qt)
		if err != nil {
			// The token was dropped while the work request was in flight;
			// its tombstone absorbs this one completion.
			return q.absorbTombstone(qt)
		}
		q.unpinPush(&t.sga)
		t.numBytes = wc.ByteLen
		t.complete(nil)
		return nil

	default:
		log.Warn().Uint32("opcode", uint32(wc.Opcode)).Msg("Unexpected WC opcode")
		return unix.ENOTSUP
	}
}

// unpinPush drops the pin references a push took on its segments and on the
// transient header slab. The slab itself stays allocated until the token is
// dropped.
func (q *Queue) unpinPush(sga *dmtr.Sga) {
	for i := uint32(0); i < sga.NumSegs; i++ {
		if err := q.hoard.Unpin(sga.Segs[i].Buf); err != nil {
			log.Warn().Err(err).Msg("Unpin of push segment failed")
		}
	}
	if sga.Buf != 0 {
		if err := q.hoard.Unpin(sga.Buf); err != nil {
			log.Warn().Err(err).Msg("Unpin of push header slab failed")
		}
	}
}

// pinPush takes one pin reference per segment before the work request is
// posted; the matching unpins happen when the send completion is observed.
func (q *Queue) pinPush(sga *dmtr.Sga, aux uintptr) error {
	for i := uint32(0); i < sga.NumSegs; i++ {
		if sga.Segs[i].Buf == 0 {
			return unix.EINVAL
		}
		if err := q.hoard.Pin(sga.Segs[i].Buf); err != nil {
			return err
		}
	}
	return q.hoard.Pin(aux)
}
