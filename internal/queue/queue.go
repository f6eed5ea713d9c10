// Package queue implements the RDMA-backed message queue: a socket-like
// endpoint over a reliable-connection queue pair, driven entirely by caller
// polling. A queue is created unbound, obtains a CM identity via Socket, and
// then either listens and hands out connected children through Accept, or
// connects outward. Payloads travel as framed scatter-gather arrays over
// SEND/RECV work requests; every operation is asynchronous and named by a
// queue token that callers poll for completion.
package queue

import (
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/verbs"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

const (
	// Queue-pair capacities. The SGE caps are derived from the public
	// segment limit: a full array frames to 2*MaxSgaSegs+1 scatter entries.
	maxSendWR     = 20
	maxRecvWR     = 20
	maxSendSge    = 2*dmtr.MaxSgaSegs + 1
	maxRecvSge    = 2*dmtr.MaxSgaSegs + 1
	maxInlineData = 64

	resolveTimeoutMS = 1
)

// Config carries the per-queue receive-pool sizing.
type Config struct {
	// RecvBufCount is the steady-state number of posted receive buffers.
	RecvBufCount int
	// RecvBufSize bounds the size of one framed inbound message.
	RecvBufSize uint32
}

// DefaultConfig is one posted kilobyte buffer.
func DefaultConfig() Config {
	return Config{RecvBufCount: 1, RecvBufSize: 1024}
}

// Queue is one endpoint. At most one of the listening/connected flags is set:
// neither after Socket alone, one once Listen or Connect (or, for an accepted
// child, the accept task) succeeds. A listener never touches the data path
// and a connected queue never accepts.
type Queue struct {
	qd       dmtr.QDesc
	provider verbs.Provider
	hoard    *hoard.Hoard
	cfg      Config

	id        verbs.CMID
	channel   verbs.EventChannel
	pd        *sharedPD
	listening bool
	connected bool

	acceptQueue []verbs.CMID
	recvQueue   []recvEntry
	tasks       map[dmtr.QToken]*task
	tombstones  map[dmtr.QToken]dmtr.Sga

	recvsPosted    uint64
	recvsCompleted uint64
}

// New returns an unbound queue. The hoard must outlive the queue: every
// buffer the queue posts is pinned there.
func New(qd dmtr.QDesc, provider verbs.Provider, h *hoard.Hoard, cfg Config) *Queue {
	return &Queue{
		qd:         qd,
		provider:   provider,
		hoard:      h,
		cfg:        cfg,
		tasks:      make(map[dmtr.QToken]*task),
		tombstones: make(map[dmtr.QToken]dmtr.Sga),
	}
}

// QD returns the queue's descriptor.
func (q *Queue) QD() dmtr.QDesc { return q.qd }

// Socket gives the unbound queue its CM identity. Only the stream type is
// supported; the datagram port space exists in the CM but no unreliable
// datapath is specified for it.
func (q *Queue) Socket(domain, typ, protocol int) error {
	if q.id != nil {
		return unix.EPERM
	}
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		return unix.ENOTSUP
	}
	switch typ {
	case unix.SOCK_STREAM:
	default:
		return unix.ENOTSUP
	}

	ch, err := q.provider.CreateEventChannel()
	if err != nil {
		return err
	}
	id, err := q.provider.CreateID(ch, verbs.PortSpaceTCP)
	if err != nil {
		ch.Destroy()
		return err
	}
	q.channel = ch
	q.id = id
	return nil
}

// Bind attaches the queue's identity to a local address.
func (q *Queue) Bind(addr *net.TCPAddr) error {
	if q.id == nil {
		return unix.EPERM
	}
	return q.id.Bind(addr)
}

// Listen moves the queue to the listening role. The event channel turns
// non-blocking here; connect requests surface through Poll on accept tokens.
func (q *Queue) Listen(backlog int) error {
	if q.listening {
		return unix.EPERM
	}
	if q.id == nil {
		return unix.EPERM
	}
	if err := q.channel.SetNonblocking(true); err != nil {
		return err
	}
	if err := q.id.Listen(backlog); err != nil {
		return err
	}
	q.listening = true
	log.Debug().Int("qd", int(q.qd)).Msg("Queue listening")
	return nil
}

// Connect dials addr and blocks until the connection is established or
// refused. Address and route resolution ride the event channel while it is
// still blocking; the channel turns non-blocking only on success.
func (q *Queue) Connect(addr *net.TCPAddr) error {
	if q.id == nil {
		return unix.EPERM
	}

	if err := q.id.ResolveAddr(addr, resolveTimeoutMS); err != nil {
		return err
	}
	if err := expectEvent(q.channel, verbs.EventAddrResolved, unix.EADDRNOTAVAIL); err != nil {
		return err
	}

	if err := q.id.ResolveRoute(resolveTimeoutMS); err != nil {
		return err
	}
	if err := expectEvent(q.channel, verbs.EventRouteResolved, unix.EPERM); err != nil {
		return err
	}

	if err := q.setupQP(); err != nil {
		return err
	}
	if err := q.setupRecvPool(); err != nil {
		return err
	}

	param := verbs.ConnParam{
		InitiatorDepth:     1,
		ResponderResources: 1,
		RNRRetryCount:      1,
	}
	if err := q.id.Connect(&param); err != nil {
		return err
	}
	if err := expectEvent(q.channel, verbs.EventEstablished, unix.ECONNREFUSED); err != nil {
		return err
	}

	if err := q.channel.SetNonblocking(true); err != nil {
		return err
	}
	q.connected = true
	log.Debug().Int("qd", int(q.qd)).Str("addr", addr.String()).Msg("Queue connected")
	return nil
}

// setupQP allocates (or joins) the shared protection domain and creates the
// reliable-connection queue pair on the identity.
func (q *Queue) setupQP() error {
	if q.listening {
		return unix.EPERM
	}
	ctx := q.id.Verbs()
	if ctx == nil {
		return unix.EPERM
	}
	pd, err := acquirePD(ctx)
	if err != nil {
		return err
	}
	q.pd = pd

	attr := verbs.QPInitAttr{
		Type: verbs.QPTypeRC,
		Cap: verbs.QPCap{
			MaxSendWR:     maxSendWR,
			MaxRecvWR:     maxRecvWR,
			MaxSendSge:    maxSendSge,
			MaxRecvSge:    maxRecvSge,
			MaxInlineData: maxInlineData,
		},
		SqSigAll: true,
	}
	return q.id.CreateQP(pd.pd, &attr)
}

// Accept registers an accept task and returns the detached child queue that
// will become connected when the task completes. The child is usable only
// after a Poll on qt reports done.
func (q *Queue) Accept(qt dmtr.QToken, newQD dmtr.QDesc) (*Queue, error) {
	if q.id == nil {
		return nil, unix.EPERM
	}
	child := New(newQD, q.provider, q.hoard, q.cfg)
	if _, err := q.newTask(qt, dmtr.OpcodeAccept, child); err != nil {
		return nil, err
	}
	return child, nil
}

// serviceAcceptQueue tries to marry the oldest pending connect request to the
// task's child queue. No request pending leaves the task untouched.
func (q *Queue) serviceAcceptQueue(t *task) error {
	if q.id == nil {
		return unix.EPERM
	}
	if !q.listening {
		return unix.EPERM
	}

	newID, err := q.popAccept()
	if err != nil {
		if errnoOf(err) == unix.EAGAIN {
			return nil
		}
		return err
	}

	child := t.child
	if child == nil {
		return unix.EPERM
	}

	// The request arrived on the listener's channel; give the child its own
	// so teardown events route to the queue they belong to.
	ch, err := q.provider.CreateEventChannel()
	if err != nil {
		return err
	}
	if err := newID.Migrate(ch); err != nil {
		ch.Destroy()
		return err
	}
	if err := ch.SetNonblocking(true); err != nil {
		return err
	}
	child.id = newID
	child.channel = ch

	if err := child.setupQP(); err != nil {
		return err
	}
	if err := child.setupRecvPool(); err != nil {
		return err
	}

	param := verbs.ConnParam{
		InitiatorDepth:     1,
		ResponderResources: 1,
		RNRRetryCount:      7,
	}
	if err := newID.Accept(&param); err != nil {
		return err
	}
	child.connected = true

	t.complete(nil)
	log.Debug().Int("qd", int(q.qd)).Int("child_qd", int(child.qd)).Msg("Accepted connection")
	return nil
}

// popAccept drains the event channel once and then takes the oldest pending
// connect request, or EAGAIN when none is queued.
func (q *Queue) popAccept() (verbs.CMID, error) {
	if !q.listening {
		return nil, unix.EPERM
	}
	if err := q.serviceEventQueue(); err != nil {
		if errnoOf(err) != unix.EAGAIN {
			return nil, err
		}
	}
	if len(q.acceptQueue) == 0 {
		return nil, unix.EAGAIN
	}
	id := q.acceptQueue[0]
	q.acceptQueue = q.acceptQueue[1:]
	return id, nil
}

// serviceEventQueue handles at most one actionable CM event from the
// non-blocking channel. Informational ESTABLISHED events ahead of it are
// consumed on the way, so an event queued behind one surfaces on the same
// poll. A DISCONNECTED event closes the queue and surfaces ECONNABORTED to
// the caller of the current poll.
func (q *Queue) serviceEventQueue() error {
	if q.id == nil {
		return unix.EPERM
	}

	ev, err := q.channel.Get()
	if err != nil {
		return err
	}
	for ev.Type == verbs.EventEstablished {
		log.Debug().Int("qd", int(q.qd)).Msg("Event: ESTABLISHED")
		if ev, err = q.channel.Get(); err != nil {
			return err
		}
	}

	switch ev.Type {
	case verbs.EventConnectRequest:
		log.Debug().Int("qd", int(q.qd)).Msg("Event: CONNECT_REQUEST")
		q.acceptQueue = append(q.acceptQueue, ev.ID)
		return nil
	case verbs.EventDisconnected:
		log.Debug().Int("qd", int(q.qd)).Msg("Event: DISCONNECTED")
		if err := q.Close(); err != nil {
			return err
		}
		return unix.ECONNABORTED
	default:
		log.Warn().Int("qd", int(q.qd)).Stringer("event", ev.Type).Msg("Unrecognized CM event")
		return unix.ENOTSUP
	}
}

// Push frames sga and posts it as one signaled send work request. The
// segments are pinned until the completion is observed; the transient header
// slab is owned by the task and freed when the token is dropped.
func (q *Queue) Push(qt dmtr.QToken, sga *dmtr.Sga) error {
	if q.id == nil {
		return unix.EPERM
	}
	if q.listening {
		return unix.ENOTSUP
	}
	if !q.connected {
		return unix.EPERM
	}

	t, err := q.newTask(qt, dmtr.OpcodePush, nil)
	if err != nil {
		return err
	}
	t.sga = *sga

	wr, err := q.buildPushWR(t, sga)
	if err != nil {
		q.dropTask(qt)
		return err
	}
	if err := q.pinPush(sga, t.sga.Buf); err != nil {
		q.hoard.Free(t.sga.Buf)
		q.dropTask(qt)
		return err
	}
	if err := q.id.QP().PostSend(wr); err != nil {
		q.unpinPush(&t.sga)
		q.hoard.Free(t.sga.Buf)
		q.dropTask(qt)
		return err
	}
	t.posted = true
	return nil
}

// Pop registers a pop task. The task completes when a framed message is
// consumed from the receive queue during a later Poll.
func (q *Queue) Pop(qt dmtr.QToken) error {
	if q.id == nil {
		return unix.EPERM
	}
	if q.listening {
		return unix.ENOTSUP
	}
	if !q.connected {
		return unix.EPERM
	}
	_, err := q.newTask(qt, dmtr.OpcodePop, nil)
	return err
}

// completeRecv decodes one inbound buffer into the pop task's result.
// Ownership of the buffer transfers to the task (and from there to the
// caller); a truncated or malformed frame completes the task with EPROTO.
func (q *Queue) completeRecv(t *task, e recvEntry) error {
	data, err := q.hoard.Bytes(e.buf)
	if err != nil {
		return err
	}
	if int(e.len) > len(data) {
		return unix.EINVAL
	}
	sga, err := decodeFrame(e.buf, data[:e.len])
	if err != nil {
		if errnoOf(err) == unix.EPROTO {
			t.complete(unix.EPROTO)
			return nil
		}
		return err
	}
	t.sga = sga
	t.numBytes = e.len
	t.complete(nil)
	return nil
}

// Close tears the queue down: queue pair, shared protection-domain
// reference, identity, event channel. Safe to call on an already-closed
// queue only through the DISCONNECTED path, which checks the identity first.
func (q *Queue) Close() error {
	if q.id == nil {
		return unix.EPERM
	}
	if err := q.id.DestroyQP(); err != nil {
		return err
	}
	if q.pd != nil {
		if err := q.pd.release(); err != nil {
			return err
		}
		q.pd = nil
	}
	if err := q.id.Close(); err != nil {
		return err
	}
	if err := q.channel.Destroy(); err != nil {
		return err
	}
	q.id = nil
	q.channel = nil
	q.listening = false
	q.connected = false
	log.Debug().Int("qd", int(q.qd)).Msg("Queue closed")
	return nil
}
