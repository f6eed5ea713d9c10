package queue

import (
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// recvEntry is one ready inbound buffer: the hoard allocation that was posted
// and the number of bytes the wire delivered into it.
type recvEntry struct {
	buf uintptr
	len uint32
}

// newRecvBuf allocates, pins, and posts one receive buffer sized to the
// queue's receive limit. The buffer's own address doubles as the work-request
// id so the completion handler can find it. A message larger than the buffer
// cannot be received; RecvBufSize therefore bounds the framed message size.
func (q *Queue) newRecvBuf() error {
	buf, err := q.hoard.Alloc(int(q.cfg.RecvBufSize))
	if err != nil {
		return err
	}
	if err := q.hoard.Pin(buf); err != nil {
		return err
	}
	mr, err := q.hoard.MR(buf, q.pd.pd)
	if err != nil {
		return err
	}
	wr := verbs.RecvWR{
		WRID: uint64(buf),
		Sge: verbs.Sge{
			Addr:   buf,
			Length: q.cfg.RecvBufSize,
			LKey:   mr.LKey(),
		},
	}
	if err := q.id.QP().PostRecv(&wr); err != nil {
		return err
	}
	q.recvsPosted++
	return nil
}

// setupRecvPool brings the pool to its steady state of RecvBufCount posted
// buffers. The pool stays at that level because every consumed receive posts
// a replacement from inside the completion handler.
func (q *Queue) setupRecvPool() error {
	for i := 0; i < q.cfg.RecvBufCount; i++ {
		if err := q.newRecvBuf(); err != nil {
			return err
		}
	}
	return nil
}

// serviceRecvQueue pops the oldest ready receive, or EAGAIN if none is
// waiting. Ownership of the buffer transfers to the caller.
func (q *Queue) serviceRecvQueue() (recvEntry, error) {
	if len(q.recvQueue) == 0 {
		return recvEntry{}, unix.EAGAIN
	}
	e := q.recvQueue[0]
	q.recvQueue = q.recvQueue[1:]
	return e, nil
}
