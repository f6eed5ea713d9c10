// Package libos is the public face of the queue system: a process-wide
// registry that names queues by descriptor and pending operations by token,
// and dispatches the socket-like operation set over them. One LibOS instance
// owns one provider and one hoard; tokens come from one monotonic counter
// shared by every instance in the process.
package libos

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/queue"
	"github.com/geraldo-netto/demikernel/internal/telemetry"
	"github.com/geraldo-netto/demikernel/internal/verbs"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

// LibOS dispatches the queue operation set over registered queues.
type LibOS struct {
	mu       sync.Mutex
	provider verbs.Provider
	hoard    *hoard.Hoard
	cfg      queue.Config
	metrics  *telemetry.Metrics

	queues map[dmtr.QDesc]*queue.Queue
	tokens map[dmtr.QToken]dmtr.QDesc
	nextQD dmtr.QDesc
}

// nextQT is the process-wide token counter.
var nextQT atomic.Uint64

// Option adjusts a LibOS at construction time.
type Option func(*LibOS)

// WithQueueConfig overrides the per-queue receive-pool sizing.
func WithQueueConfig(cfg queue.Config) Option {
	return func(l *LibOS) { l.cfg = cfg }
}

// WithMetrics attaches an exporter; nil leaves instrumentation as no-ops.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *LibOS) { l.metrics = m }
}

// WithHoard substitutes the pinned allocator, e.g. one backed by C memory
// when running on real verbs.
func WithHoard(h *hoard.Hoard) Option {
	return func(l *LibOS) { l.hoard = h }
}

// New returns a LibOS over the given provider.
func New(provider verbs.Provider, opts ...Option) *LibOS {
	l := &LibOS{
		provider: provider,
		hoard:    hoard.New(),
		cfg:      queue.DefaultConfig(),
		queues:   make(map[dmtr.QDesc]*queue.Queue),
		tokens:   make(map[dmtr.QToken]dmtr.QDesc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hoard exposes the instance's pinned allocator, for harnesses that build
// scatter-gather arrays by hand.
func (l *LibOS) Hoard() *hoard.Hoard { return l.hoard }

func (l *LibOS) allocQD() dmtr.QDesc {
	l.nextQD++
	return l.nextQD
}

func (l *LibOS) allocQT() dmtr.QToken {
	return dmtr.QToken(nextQT.Add(1))
}

func (l *LibOS) queueOf(qd dmtr.QDesc) (*queue.Queue, error) {
	q, ok := l.queues[qd]
	if !ok {
		return nil, unix.EINVAL
	}
	return q, nil
}

func (l *LibOS) queueOfToken(qt dmtr.QToken) (*queue.Queue, error) {
	qd, ok := l.tokens[qt]
	if !ok {
		return nil, unix.EINVAL
	}
	return l.queueOf(qd)
}

// Socket creates a queue with a CM identity and returns its descriptor.
func (l *LibOS) Socket(domain, typ, protocol int) (dmtr.QDesc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	qd := l.allocQD()
	q := queue.New(qd, l.provider, l.hoard, l.cfg)
	if err := q.Socket(domain, typ, protocol); err != nil {
		return 0, err
	}
	l.queues[qd] = q
	log.Debug().Int("qd", int(qd)).Msg("Created queue")
	return qd, nil
}

// Bind attaches the queue to a local address.
func (l *LibOS) Bind(qd dmtr.QDesc, addr *net.TCPAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return err
	}
	return q.Bind(addr)
}

// Listen moves the queue to the listening role.
func (l *LibOS) Listen(qd dmtr.QDesc, backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return err
	}
	return q.Listen(backlog)
}

// Accept registers an accept operation on a listening queue. The returned
// token completes with the child queue's descriptor.
func (l *LibOS) Accept(qd dmtr.QDesc) (dmtr.QToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return 0, err
	}

	qt := l.allocQT()
	child, err := q.Accept(qt, l.allocQD())
	if err != nil {
		return 0, err
	}
	l.queues[child.QD()] = child
	l.tokens[qt] = qd
	l.metrics.RecordSubmission(context.Background(), dmtr.OpcodeAccept.String())
	return qt, nil
}

// Connect dials addr; it blocks until established or refused.
func (l *LibOS) Connect(qd dmtr.QDesc, addr *net.TCPAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return err
	}
	return q.Connect(addr)
}

// Close tears the queue down. The descriptor stays registered; further
// operations on it fail with EPERM.
func (l *LibOS) Close(qd dmtr.QDesc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return err
	}
	return q.Close()
}

// Push submits sga for transmission and returns its token.
func (l *LibOS) Push(qd dmtr.QDesc, sga *dmtr.Sga) (dmtr.QToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return 0, err
	}

	qt := l.allocQT()
	if err := q.Push(qt, sga); err != nil {
		return 0, err
	}
	l.tokens[qt] = qd
	l.metrics.RecordSubmission(context.Background(), dmtr.OpcodePush.String())
	return qt, nil
}

// Pop registers a receive operation and returns its token.
func (l *LibOS) Pop(qd dmtr.QDesc) (dmtr.QToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOf(qd)
	if err != nil {
		return 0, err
	}

	qt := l.allocQT()
	if err := q.Pop(qt); err != nil {
		return 0, err
	}
	l.tokens[qt] = qd
	l.metrics.RecordSubmission(context.Background(), dmtr.OpcodePop.String())
	return qt, nil
}

// Poll advances the token's queue one step and reports the task state.
func (l *LibOS) Poll(qt dmtr.QToken) (dmtr.QResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOfToken(qt)
	if err != nil {
		return dmtr.QResult{}, err
	}

	qr, err := q.Poll(qt)
	if err != nil {
		return qr, err
	}
	if qr.Done {
		l.observeCompletion(&qr)
	}
	return qr, nil
}

// Drop polls once for best-effort progress and releases the token.
func (l *LibOS) Drop(qt dmtr.QToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, err := l.queueOfToken(qt)
	if err != nil {
		return err
	}
	if err := q.Drop(qt); err != nil {
		return err
	}
	delete(l.tokens, qt)
	return nil
}

// Wait polls the token until it completes or the timeout elapses. EAGAIN
// from the queue is retried; any other error surfaces.
func (l *LibOS) Wait(qt dmtr.QToken, timeout time.Duration) (dmtr.QResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		qr, err := l.Poll(qt)
		switch {
		case err == nil:
			if qr.Done {
				return qr, nil
			}
		case queueErrno(err) == unix.EAGAIN:
		default:
			return qr, err
		}
		if time.Now().After(deadline) {
			return dmtr.QResult{}, unix.ETIMEDOUT
		}
	}
}

// SgaAlloc builds a one-segment scatter-gather array of the given size,
// backed by a fresh hoard allocation owned by the array.
func (l *LibOS) SgaAlloc(size int) (dmtr.Sga, error) {
	addr, err := l.hoard.Alloc(size)
	if err != nil {
		return dmtr.Sga{}, err
	}
	var sga dmtr.Sga
	sga.NumSegs = 1
	sga.Segs[0] = dmtr.SgaSeg{Buf: addr, Len: uint32(size)}
	sga.Buf = addr
	return sga, nil
}

// SgaFree releases the allocation an array owns: the backing buffer for
// arrays from SgaAlloc, the receive buffer for arrays from completed pops.
func (l *LibOS) SgaFree(sga *dmtr.Sga) error {
	if sga.Buf == 0 {
		return nil
	}
	if err := l.hoard.Free(sga.Buf); err != nil {
		return err
	}
	sga.Buf = 0
	return nil
}

func (l *LibOS) observeCompletion(qr *dmtr.QResult) {
	ctx := context.Background()
	if qr.Error != nil {
		if queueErrno(qr.Error) == unix.EPROTO {
			l.metrics.RecordProtocolError(ctx)
		}
		return
	}
	l.metrics.RecordCompletion(ctx, qr.Opcode.String(), int64(qr.NumBytes))
}

func queueErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
