package queue

import (
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// task is the per-token bookkeeping record for one outstanding operation.
// done transitions false to true exactly once; err and the result payload are
// frozen from that point until the token is dropped.
type task struct {
	qt     dmtr.QToken
	opcode dmtr.Opcode

	done     bool
	err      error
	numBytes uint32

	// sga is the caller's array by value for PUSH (with Buf pointing at the
	// transient length-prefix slab) and the decoded inbound array for POP.
	sga dmtr.Sga
	// posted is set once a PUSH work request has reached the send queue; a
	// dropped-but-posted task leaves a tombstone behind (see poll.go).
	posted bool
	// child is the detached queue an ACCEPT task will connect.
	child *Queue
}

func (t *task) complete(err error) {
	if t.done {
		return
	}
	t.done = true
	t.err = err
}

func (t *task) qresult(qd dmtr.QDesc) dmtr.QResult {
	qr := dmtr.QResult{
		Opcode:   t.opcode,
		QD:       qd,
		QT:       t.qt,
		Done:     t.done,
		Error:    t.err,
		NumBytes: t.numBytes,
	}
	if !t.done || t.err != nil {
		return qr
	}
	switch t.opcode {
	case dmtr.OpcodePop:
		qr.Sga = t.sga
	case dmtr.OpcodeAccept:
		qr.Accepted = t.child.qd
	}
	return qr
}

func (q *Queue) newTask(qt dmtr.QToken, opcode dmtr.Opcode, child *Queue) (*task, error) {
	if _, ok := q.tasks[qt]; ok {
		return nil, unix.EEXIST
	}
	t := &task{qt: qt, opcode: opcode, child: child}
	q.tasks[qt] = t
	return t, nil
}

func (q *Queue) getTask(qt dmtr.QToken) (*task, error) {
	t, ok := q.tasks[qt]
	if !ok {
		return nil, unix.EINVAL
	}
	return t, nil
}

func (q *Queue) dropTask(qt dmtr.QToken) error {
	if _, ok := q.tasks[qt]; !ok {
		return unix.EINVAL
	}
	delete(q.tasks, qt)
	return nil
}
