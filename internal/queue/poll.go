package queue

import (
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// Poll advances the queue on behalf of one token and reports that task's
// state. Progress is cooperative: one step of the CM event channel, then one
// step of whatever the task's opcode is waiting on. A pending pop with no
// ready receive returns EAGAIN; a peer disconnect closes the queue and
// returns ECONNABORTED.
func (q *Queue) Poll(qt dmtr.QToken) (dmtr.QResult, error) {
	if q.id == nil {
		return dmtr.QResult{}, unix.EPERM
	}

	t, err := q.getTask(qt)
	if err != nil {
		return dmtr.QResult{}, err
	}
	if t.done {
		return t.qresult(q.qd), nil
	}

	if err := q.serviceEventQueue(); err != nil {
		switch errnoOf(err) {
		case unix.EAGAIN:
		case unix.ECONNABORTED:
			return dmtr.QResult{}, unix.ECONNABORTED
		default:
			return dmtr.QResult{}, err
		}
	}

	switch t.opcode {
	case dmtr.OpcodePush:
		if err := q.serviceCompletionQueue(q.id.SendCQ(), 1); err != nil {
			return dmtr.QResult{}, err
		}

	case dmtr.OpcodePop:
		if err := q.serviceCompletionQueue(q.id.RecvCQ(), 1); err != nil {
			return dmtr.QResult{}, err
		}
		e, err := q.serviceRecvQueue()
		if err != nil {
			return t.qresult(q.qd), unix.EAGAIN
		}
		if err := q.completeRecv(t, e); err != nil {
			return dmtr.QResult{}, err
		}

	case dmtr.OpcodeAccept:
		if err := q.serviceAcceptQueue(t); err != nil {
			return dmtr.QResult{}, err
		}

	default:
		return dmtr.QResult{}, unix.ENOTSUP
	}

	return t.qresult(q.qd), nil
}

// Drop polls once for best-effort progress, then releases the token. A push
// whose work request is still in flight leaves a tombstone so the eventual
// send completion can be absorbed and its pins balanced; everything else
// releases immediately. Dropping a completed pop does not free the inbound
// buffer: that ownership already transferred to the caller.
func (q *Queue) Drop(qt dmtr.QToken) error {
	if q.id == nil {
		return unix.EPERM
	}

	if _, err := q.Poll(qt); err != nil {
		switch errnoOf(err) {
		case unix.EAGAIN, unix.ECONNABORTED:
		default:
			return err
		}
	}

	t, err := q.getTask(qt)
	if err != nil {
		return err
	}

	if t.opcode == dmtr.OpcodePush {
		switch {
		case t.posted && !t.done:
			q.tombstones[qt] = t.sga
		case t.sga.Buf != 0:
			if err := q.hoard.Free(t.sga.Buf); err != nil {
				return err
			}
		}
	}

	return q.dropTask(qt)
}

// absorbTombstone consumes the send completion of a token dropped while its
// work request was posted. Unknown tokens are tolerated silently: the
// completion belongs to nobody and there is nothing left to release.
func (q *Queue) absorbTombstone(qt dmtr.QToken) error {
	sga, ok := q.tombstones[qt]
	if !ok {
		return nil
	}
	delete(q.tombstones, qt)
	q.unpinPush(&sga)
	if sga.Buf != 0 {
		return q.hoard.Free(sga.Buf)
	}
	return nil
}
