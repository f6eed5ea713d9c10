// Package memfabric is an in-process software RDMA provider. It implements
// the verbs interfaces over paired in-memory endpoints with the semantics the
// queue core relies on from a reliable-connection fabric: posted receives are
// consumed in order, completions are delivered in submission order, connect
// requests and disconnects surface as CM events, and a connect with no
// listener is rejected. Every end-to-end test and the loopback mode of the
// CLI harness runs on it.
package memfabric

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// Fabric is one software fabric: a namespace of listeners plus a single
// device context. Queues sharing a Fabric can connect to each other.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*cmID
	ctx       *deviceContext
}

// New returns an empty fabric.
func New() *Fabric {
	f := &Fabric{listeners: make(map[string]*cmID)}
	f.ctx = &deviceContext{fabric: f}
	return f
}

// CreateEventChannel returns a fresh CM event channel.
func (f *Fabric) CreateEventChannel() (verbs.EventChannel, error) {
	return &eventChannel{}, nil
}

// CreateID returns a fresh identity attached to ch.
func (f *Fabric) CreateID(ch verbs.EventChannel, ps verbs.PortSpace) (verbs.CMID, error) {
	if ps != verbs.PortSpaceTCP {
		return nil, unix.ENOTSUP
	}
	ec, ok := ch.(*eventChannel)
	if !ok {
		return nil, unix.EINVAL
	}
	return &cmID{fabric: f, channel: ec, ep: &endpoint{}}, nil
}

// Context returns the fabric's device context.
func (f *Fabric) Context() verbs.Context { return f.ctx }

func (f *Fabric) registerListener(id *cmID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id.bound.String()
	if _, ok := f.listeners[key]; ok {
		return unix.EADDRINUSE
	}
	f.listeners[key] = id
	return nil
}

func (f *Fabric) unregisterListener(id *cmID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.bound != nil {
		delete(f.listeners, id.bound.String())
	}
}

// lookupListener matches dst against registered listeners, falling back to a
// wildcard-IP listener on the same port.
func (f *Fabric) lookupListener(dst *net.TCPAddr) *cmID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[dst.String()]; ok {
		return l
	}
	wildcard := net.TCPAddr{IP: net.IPv4zero, Port: dst.Port}
	if l, ok := f.listeners[wildcard.String()]; ok {
		return l
	}
	return nil
}

// eventChannel is a FIFO of CM events. Get never blocks: events on a
// software fabric are posted synchronously before anything waits on them, so
// an empty channel always reports EAGAIN.
type eventChannel struct {
	mu          sync.Mutex
	events      []verbs.Event
	nonblocking bool
	destroyed   bool
}

func (c *eventChannel) post(ev verbs.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.events = append(c.events, ev)
}

func (c *eventChannel) Get() (verbs.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return verbs.Event{}, unix.EINVAL
	}
	if len(c.events) == 0 {
		return verbs.Event{}, unix.EAGAIN
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

func (c *eventChannel) SetNonblocking(nb bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonblocking = nb
	return nil
}

func (c *eventChannel) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.events = nil
	return nil
}

// completionQueue is a FIFO of work completions.
type completionQueue struct {
	mu  sync.Mutex
	wcs []verbs.WorkCompletion
}

func (cq *completionQueue) push(wc verbs.WorkCompletion) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.wcs = append(cq.wcs, wc)
}

func (cq *completionQueue) Poll(out []verbs.WorkCompletion) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := copy(out, cq.wcs)
	cq.wcs = cq.wcs[n:]
	return n, nil
}

// endpoint is one side of a paired connection: posted receive buffers, the
// backlog of messages that arrived before a receive was posted, and the two
// completion queues.
type endpoint struct {
	mu          sync.Mutex
	postedRecvs []verbs.RecvWR
	wire        [][]byte
	sendCQ      *completionQueue
	recvCQ      *completionQueue
}

// deliver hands one wire message to this endpoint, matching it to the oldest
// posted receive or parking it until one is posted.
func (e *endpoint) deliver(msg []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.postedRecvs) == 0 {
		e.wire = append(e.wire, msg)
		return
	}
	wr := e.postedRecvs[0]
	e.postedRecvs = e.postedRecvs[1:]
	e.completeRecv(wr, msg)
}

// completeRecv copies msg into the receive buffer and reports the work
// completion; a message larger than the buffer completes in error.
func (e *endpoint) completeRecv(wr verbs.RecvWR, msg []byte) {
	wc := verbs.WorkCompletion{
		WRID:   wr.WRID,
		Opcode: verbs.WCOpcodeRecv,
	}
	if uint32(len(msg)) > wr.Sge.Length {
		wc.Status = verbs.WCLocalLengthError
		e.recvCQ.push(wc)
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(wr.Sge.Addr)), int(wr.Sge.Length))
	copy(dst, msg)
	wc.Status = verbs.WCSuccess
	wc.ByteLen = uint32(len(msg))
	e.recvCQ.push(wc)
}

func (e *endpoint) postRecv(wr verbs.RecvWR) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.wire) > 0 {
		msg := e.wire[0]
		e.wire = e.wire[1:]
		e.completeRecv(wr, msg)
		return
	}
	e.postedRecvs = append(e.postedRecvs, wr)
}

// queuePair gathers send scatter lists into contiguous messages and delivers
// them to the peer endpoint.
type queuePair struct {
	id        *cmID
	destroyed bool
}

func (qp *queuePair) PostSend(wr *verbs.SendWR) error {
	if qp.destroyed {
		return unix.EINVAL
	}
	peer := qp.id.peer
	if peer == nil {
		return unix.ENOTCONN
	}
	var total int
	for _, sge := range wr.Sges {
		total += int(sge.Length)
	}
	msg := make([]byte, 0, total)
	for _, sge := range wr.Sges {
		src := unsafe.Slice((*byte)(unsafe.Pointer(sge.Addr)), int(sge.Length))
		msg = append(msg, src...)
	}
	peer.ep.deliver(msg)

	if wr.Signaled {
		qp.id.ep.sendCQ.push(verbs.WorkCompletion{
			WRID:    wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpcodeSend,
			ByteLen: uint32(total),
		})
	}
	return nil
}

func (qp *queuePair) PostRecv(wr *verbs.RecvWR) error {
	if qp.destroyed {
		return unix.EINVAL
	}
	qp.id.ep.postRecv(*wr)
	return nil
}

func (qp *queuePair) Destroy() error {
	qp.destroyed = true
	return nil
}

// deviceContext is the fabric's single device.
type deviceContext struct {
	fabric *Fabric
	nLKeys uint32
	mu     sync.Mutex
}

func (d *deviceContext) AllocPD() (verbs.ProtectionDomain, error) {
	return &protectionDomain{ctx: d}, nil
}

type protectionDomain struct {
	ctx       *deviceContext
	dealloced bool
}

func (pd *protectionDomain) RegisterMR(buf []byte) (verbs.MemoryRegion, error) {
	if pd.dealloced {
		return nil, unix.EINVAL
	}
	if len(buf) == 0 {
		return nil, unix.EINVAL
	}
	pd.ctx.mu.Lock()
	pd.ctx.nLKeys++
	lkey := pd.ctx.nLKeys
	pd.ctx.mu.Unlock()
	return &memoryRegion{lkey: lkey}, nil
}

func (pd *protectionDomain) Context() verbs.Context { return pd.ctx }

func (pd *protectionDomain) Dealloc() error {
	if pd.dealloced {
		return unix.EINVAL
	}
	pd.dealloced = true
	return nil
}

type memoryRegion struct {
	lkey         uint32
	deregistered bool
}

func (mr *memoryRegion) LKey() uint32 { return mr.lkey }

func (mr *memoryRegion) Deregister() error {
	if mr.deregistered {
		return unix.EINVAL
	}
	mr.deregistered = true
	return nil
}

// cmID is one CM identity on the fabric.
type cmID struct {
	fabric  *Fabric
	channel *eventChannel
	ep      *endpoint

	bound     *net.TCPAddr
	dst       *net.TCPAddr
	listening bool
	closed    bool

	peer *cmID
	qp   *queuePair
}

func (id *cmID) Bind(addr *net.TCPAddr) error {
	if id.closed {
		return unix.EINVAL
	}
	if addr == nil {
		return unix.EINVAL
	}
	id.bound = addr
	return nil
}

func (id *cmID) Listen(backlog int) error {
	if id.closed || id.bound == nil {
		return unix.EINVAL
	}
	if err := id.fabric.registerListener(id); err != nil {
		return err
	}
	id.listening = true
	log.Debug().Str("addr", id.bound.String()).Msg("memfabric: listening")
	return nil
}

func (id *cmID) ResolveAddr(dst *net.TCPAddr, timeoutMS int) error {
	if id.closed {
		return unix.EINVAL
	}
	if dst == nil {
		return unix.EINVAL
	}
	id.dst = dst
	id.channel.post(verbs.Event{Type: verbs.EventAddrResolved, ID: id})
	return nil
}

func (id *cmID) ResolveRoute(timeoutMS int) error {
	if id.closed || id.dst == nil {
		return unix.EINVAL
	}
	id.channel.post(verbs.Event{Type: verbs.EventRouteResolved, ID: id})
	return nil
}

// Connect pairs this identity with a fresh child of the destination listener
// and posts the handshake events: CONNECT_REQUEST on the listener's channel,
// ESTABLISHED here. With no listener at the destination the connection is
// rejected, which the dialing queue surfaces as ECONNREFUSED.
func (id *cmID) Connect(param *verbs.ConnParam) error {
	if id.closed || id.dst == nil {
		return unix.EINVAL
	}
	listener := id.fabric.lookupListener(id.dst)
	if listener == nil {
		id.channel.post(verbs.Event{Type: verbs.EventRejected, ID: id})
		return nil
	}

	child := &cmID{
		fabric:  id.fabric,
		channel: listener.channel,
		ep:      &endpoint{},
		bound:   listener.bound,
		peer:    id,
	}
	id.peer = child

	listener.channel.post(verbs.Event{Type: verbs.EventConnectRequest, ID: child})
	id.channel.post(verbs.Event{Type: verbs.EventEstablished, ID: id})
	return nil
}

func (id *cmID) Accept(param *verbs.ConnParam) error {
	if id.closed || id.peer == nil {
		return unix.EINVAL
	}
	id.channel.post(verbs.Event{Type: verbs.EventEstablished, ID: id})
	return nil
}

func (id *cmID) Disconnect() error {
	id.notifyPeerDisconnect()
	return nil
}

func (id *cmID) Verbs() verbs.Context { return id.fabric.ctx }

func (id *cmID) Channel() verbs.EventChannel { return id.channel }

func (id *cmID) Migrate(ch verbs.EventChannel) error {
	ec, ok := ch.(*eventChannel)
	if !ok {
		return unix.EINVAL
	}
	id.channel = ec
	return nil
}

func (id *cmID) CreateQP(pd verbs.ProtectionDomain, attr *verbs.QPInitAttr) error {
	if id.closed {
		return unix.EINVAL
	}
	if id.qp != nil {
		return unix.EINVAL
	}
	if attr.Type != verbs.QPTypeRC {
		return unix.ENOTSUP
	}
	if pd == nil {
		return unix.EINVAL
	}
	id.ep.sendCQ = &completionQueue{}
	id.ep.recvCQ = &completionQueue{}
	id.qp = &queuePair{id: id}
	return nil
}

func (id *cmID) DestroyQP() error {
	if id.qp != nil {
		id.qp.Destroy()
		id.qp = nil
	}
	return nil
}

func (id *cmID) QP() verbs.QueuePair {
	if id.qp == nil {
		return nil
	}
	return id.qp
}

func (id *cmID) SendCQ() verbs.CompletionQueue { return id.ep.sendCQ }

func (id *cmID) RecvCQ() verbs.CompletionQueue { return id.ep.recvCQ }

func (id *cmID) Close() error {
	if id.closed {
		return unix.EINVAL
	}
	id.closed = true
	if id.listening {
		id.fabric.unregisterListener(id)
		id.listening = false
	}
	id.notifyPeerDisconnect()
	return nil
}

func (id *cmID) notifyPeerDisconnect() {
	peer := id.peer
	if peer == nil || peer.closed {
		return
	}
	peer.channel.post(verbs.Event{Type: verbs.EventDisconnected, ID: peer})
	id.peer = nil
	peer.peer = nil
}

var _ verbs.Provider = (*Fabric)(nil)
var _ verbs.CMID = (*cmID)(nil)

func (id *cmID) String() string {
	return fmt.Sprintf("cmid(bound=%v dst=%v)", id.bound, id.dst)
}
