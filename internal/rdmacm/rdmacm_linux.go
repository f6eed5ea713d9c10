//go:build linux && cgo

// Package rdmacm adapts librdmacm and libibverbs to the provider interfaces
// the queue core consumes. The C surface is kept behind small helper shims so
// no Go pointer ever crosses into a retained C structure; all registered
// memory comes from the package's C allocator.
package rdmacm

// #cgo LDFLAGS: -lrdmacm -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <fcntl.h>
// #include <netinet/in.h>
// #include <arpa/inet.h>
// #include <rdma/rdma_cma.h>
// #include <infiniband/verbs.h>
//
// static int dk_errno(void) {
//     return errno;
// }
//
// static int dk_set_nonblocking(int fd, int nb) {
//     int flags = fcntl(fd, F_GETFL, 0);
//     if (flags < 0) {
//         return -1;
//     }
//     if (nb) {
//         flags |= O_NONBLOCK;
//     } else {
//         flags &= ~O_NONBLOCK;
//     }
//     return fcntl(fd, F_SETFL, flags);
// }
//
// static int dk_fill_sockaddr(struct sockaddr_in *sin, const char *ip, int port) {
//     memset(sin, 0, sizeof(*sin));
//     sin->sin_family = AF_INET;
//     sin->sin_port = htons((uint16_t)port);
//     if (inet_pton(AF_INET, ip, &sin->sin_addr) != 1) {
//         return -1;
//     }
//     return 0;
// }
//
// // Helper function to post a send WR without Go pointers in the WR chain
// static int dk_post_send(struct ibv_qp *qp, uint64_t wr_id, struct ibv_sge *sges, int num_sge, int signaled) {
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.opcode = IBV_WR_SEND;
//     wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
//     wr.sg_list = sges;
//     wr.num_sge = num_sge;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// // Helper function to post a receive WR without Go pointers
// static int dk_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
import "C"

import (
	"net"
	"os"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// Provider is the librdmacm-backed implementation of verbs.Provider.
type Provider struct {
	mu   sync.Mutex
	ctxs map[*C.struct_ibv_context]*deviceContext
}

// NewProvider returns the adapter and the C-memory allocator that goes with
// it: buffers registered with real verbs must live outside the Go heap.
func NewProvider() (verbs.Provider, hoard.Allocator, error) {
	p := &Provider{ctxs: make(map[*C.struct_ibv_context]*deviceContext)}
	return p, CAllocator{}, nil
}

func (p *Provider) CreateEventChannel() (verbs.EventChannel, error) {
	ch := C.rdma_create_event_channel()
	if ch == nil {
		return nil, lastErrno()
	}
	return &eventChannel{provider: p, ch: ch}, nil
}

func (p *Provider) CreateID(ch verbs.EventChannel, ps verbs.PortSpace) (verbs.CMID, error) {
	ec, ok := ch.(*eventChannel)
	if !ok {
		return nil, unix.EINVAL
	}
	var space C.enum_rdma_port_space
	switch ps {
	case verbs.PortSpaceTCP:
		space = C.RDMA_PS_TCP
	case verbs.PortSpaceUDP:
		space = C.RDMA_PS_UDP
	default:
		return nil, unix.ENOTSUP
	}

	var id *C.struct_rdma_cm_id
	if ret := C.rdma_create_id(ec.ch, &id, nil, space); ret != 0 {
		return nil, lastErrno()
	}
	return &cmID{provider: p, id: id, channel: ec}, nil
}

// context returns the canonical wrapper for a device context, so the shared
// protection-domain cache sees one key per device.
func (p *Provider) context(ctx *C.struct_ibv_context) *deviceContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dc, ok := p.ctxs[ctx]; ok {
		return dc
	}
	dc := &deviceContext{ctx: ctx}
	p.ctxs[ctx] = dc
	return dc
}

func lastErrno() unix.Errno {
	return unix.Errno(C.dk_errno())
}

// CAllocator hands out page-aligned C memory, invisible to the Go runtime,
// for hoard slabs that will be registered as memory regions.
type CAllocator struct{}

func (CAllocator) Alloc(n int) []byte {
	pageSize := os.Getpagesize()
	size := (n + pageSize - 1) / pageSize * pageSize
	p := C.aligned_alloc(C.size_t(pageSize), C.size_t(size))
	if p == nil {
		return nil
	}
	C.memset(p, 0, C.size_t(size))
	return unsafe.Slice((*byte)(p), n)
}

func (CAllocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	C.free(unsafe.Pointer(&b[0]))
}

type eventChannel struct {
	provider *Provider
	ch       *C.struct_rdma_event_channel
}

func (c *eventChannel) Get() (verbs.Event, error) {
	var ev *C.struct_rdma_cm_event
	if ret := C.rdma_get_cm_event(c.ch, &ev); ret != 0 {
		errno := lastErrno()
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return verbs.Event{}, unix.EAGAIN
		}
		return verbs.Event{}, errno
	}

	kind := ev.event
	id := ev.id
	if ret := C.rdma_ack_cm_event(ev); ret != 0 {
		return verbs.Event{}, lastErrno()
	}

	out := verbs.Event{}
	switch kind {
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		out.Type = verbs.EventConnectRequest
		// The child identity arrives on the listener's channel and is
		// migrated off it during accept.
		out.ID = &cmID{provider: c.provider, id: id, channel: c}
	case C.RDMA_CM_EVENT_ESTABLISHED:
		out.Type = verbs.EventEstablished
	case C.RDMA_CM_EVENT_DISCONNECTED:
		out.Type = verbs.EventDisconnected
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		out.Type = verbs.EventAddrResolved
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		out.Type = verbs.EventRouteResolved
	case C.RDMA_CM_EVENT_REJECTED:
		out.Type = verbs.EventRejected
	default:
		log.Warn().Uint32("event", uint32(kind)).Msg("Unmapped CM event kind")
		out.Type = verbs.EventConnectError
	}
	return out, nil
}

func (c *eventChannel) SetNonblocking(nb bool) error {
	flag := C.int(0)
	if nb {
		flag = 1
	}
	if ret := C.dk_set_nonblocking(c.ch.fd, flag); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (c *eventChannel) Destroy() error {
	C.rdma_destroy_event_channel(c.ch)
	c.ch = nil
	return nil
}

type cmID struct {
	provider *Provider
	id       *C.struct_rdma_cm_id
	channel  *eventChannel
}

func toSockaddr(addr *net.TCPAddr) (C.struct_sockaddr_in, error) {
	var sin C.struct_sockaddr_in
	ip := addr.IP.To4()
	if ip == nil {
		return sin, unix.EAFNOSUPPORT
	}
	cip := C.CString(ip.String())
	defer C.free(unsafe.Pointer(cip))
	if ret := C.dk_fill_sockaddr(&sin, cip, C.int(addr.Port)); ret != 0 {
		return sin, unix.EINVAL
	}
	return sin, nil
}

func (m *cmID) Bind(addr *net.TCPAddr) error {
	sin, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if ret := C.rdma_bind_addr(m.id, (*C.struct_sockaddr)(unsafe.Pointer(&sin))); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) Listen(backlog int) error {
	if ret := C.rdma_listen(m.id, C.int(backlog)); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) ResolveAddr(dst *net.TCPAddr, timeoutMS int) error {
	sin, err := toSockaddr(dst)
	if err != nil {
		return err
	}
	if ret := C.rdma_resolve_addr(m.id, nil, (*C.struct_sockaddr)(unsafe.Pointer(&sin)), C.int(timeoutMS)); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) ResolveRoute(timeoutMS int) error {
	if ret := C.rdma_resolve_route(m.id, C.int(timeoutMS)); ret != 0 {
		return lastErrno()
	}
	return nil
}

func fillConnParam(param *verbs.ConnParam) C.struct_rdma_conn_param {
	var cp C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&cp), 0, C.sizeof_struct_rdma_conn_param)
	cp.initiator_depth = C.uint8_t(param.InitiatorDepth)
	cp.responder_resources = C.uint8_t(param.ResponderResources)
	cp.rnr_retry_count = C.uint8_t(param.RNRRetryCount)
	return cp
}

func (m *cmID) Connect(param *verbs.ConnParam) error {
	cp := fillConnParam(param)
	if ret := C.rdma_connect(m.id, &cp); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) Accept(param *verbs.ConnParam) error {
	cp := fillConnParam(param)
	if ret := C.rdma_accept(m.id, &cp); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) Disconnect() error {
	if ret := C.rdma_disconnect(m.id); ret != 0 {
		return lastErrno()
	}
	return nil
}

func (m *cmID) Verbs() verbs.Context {
	if m.id.verbs == nil {
		return nil
	}
	if m.provider == nil {
		return nil
	}
	return m.provider.context(m.id.verbs)
}

func (m *cmID) Channel() verbs.EventChannel { return m.channel }

func (m *cmID) Migrate(ch verbs.EventChannel) error {
	ec, ok := ch.(*eventChannel)
	if !ok {
		return unix.EINVAL
	}
	if ret := C.rdma_migrate_id(m.id, ec.ch); ret != 0 {
		return lastErrno()
	}
	m.channel = ec
	return nil
}

func (m *cmID) CreateQP(pd verbs.ProtectionDomain, attr *verbs.QPInitAttr) error {
	cpd, ok := pd.(*protectionDomain)
	if !ok {
		return unix.EINVAL
	}
	if attr.Type != verbs.QPTypeRC {
		return unix.ENOTSUP
	}

	var qpAttr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&qpAttr), 0, C.sizeof_struct_ibv_qp_init_attr)
	qpAttr.qp_type = C.IBV_QPT_RC
	qpAttr.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	qpAttr.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	qpAttr.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSge)
	qpAttr.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSge)
	qpAttr.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	if attr.SqSigAll {
		qpAttr.sq_sig_all = 1
	}

	if ret := C.rdma_create_qp(m.id, cpd.pd, &qpAttr); ret != 0 {
		return lastErrno()
	}

	// Keep the completion channels non-blocking; the core polls the CQs
	// directly and must never park in the kernel.
	if m.id.send_cq_channel != nil {
		if ret := C.dk_set_nonblocking(m.id.send_cq_channel.fd, 1); ret != 0 {
			return lastErrno()
		}
	}
	if m.id.recv_cq_channel != nil {
		if ret := C.dk_set_nonblocking(m.id.recv_cq_channel.fd, 1); ret != 0 {
			return lastErrno()
		}
	}
	return nil
}

func (m *cmID) DestroyQP() error {
	if m.id == nil || m.id.qp == nil {
		return nil
	}
	C.rdma_destroy_qp(m.id)
	return nil
}

func (m *cmID) QP() verbs.QueuePair {
	if m.id == nil || m.id.qp == nil {
		return nil
	}
	return &queuePair{qp: m.id.qp}
}

func (m *cmID) SendCQ() verbs.CompletionQueue {
	if m.id == nil || m.id.send_cq == nil {
		return nil
	}
	return &completionQueue{cq: m.id.send_cq}
}

func (m *cmID) RecvCQ() verbs.CompletionQueue {
	if m.id == nil || m.id.recv_cq == nil {
		return nil
	}
	return &completionQueue{cq: m.id.recv_cq}
}

func (m *cmID) Close() error {
	if m.id == nil {
		return unix.EINVAL
	}
	if ret := C.rdma_destroy_id(m.id); ret != 0 {
		return lastErrno()
	}
	m.id = nil
	return nil
}

type deviceContext struct {
	ctx *C.struct_ibv_context
}

func (d *deviceContext) AllocPD() (verbs.ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, unix.EPERM
	}
	return &protectionDomain{ctx: d, pd: pd}, nil
}

type protectionDomain struct {
	ctx *deviceContext
	pd  *C.struct_ibv_pd
}

func (p *protectionDomain) RegisterMR(buf []byte) (verbs.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, unix.EINVAL
	}
	// buf comes from the C allocator, so handing its address to the NIC for
	// the region's lifetime is safe.
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return nil, lastErrno()
	}
	return &memoryRegion{mr: mr}, nil
}

func (p *protectionDomain) Context() verbs.Context { return p.ctx }

func (p *protectionDomain) Dealloc() error {
	if p.pd == nil {
		return nil
	}
	if ret := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return unix.Errno(ret)
	}
	p.pd = nil
	return nil
}

type memoryRegion struct {
	mr *C.struct_ibv_mr
}

func (m *memoryRegion) LKey() uint32 { return uint32(m.mr.lkey) }

func (m *memoryRegion) Deregister() error {
	if m.mr == nil {
		return nil
	}
	if ret := C.ibv_dereg_mr(m.mr); ret != 0 {
		return unix.Errno(ret)
	}
	m.mr = nil
	return nil
}

type completionQueue struct {
	cq *C.struct_ibv_cq
}

func (c *completionQueue) Poll(out []verbs.WorkCompletion) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	wcs := make([]C.struct_ibv_wc, len(out))
	n := C.ibv_poll_cq(c.cq, C.int(len(wcs)), &wcs[0])
	if n < 0 {
		return 0, unix.EPERM
	}
	for i := 0; i < int(n); i++ {
		wc := &wcs[i]
		out[i] = verbs.WorkCompletion{
			WRID:    uint64(wc.wr_id),
			ByteLen: uint32(wc.byte_len),
		}
		if wc.status == C.IBV_WC_SUCCESS {
			out[i].Status = verbs.WCSuccess
		} else {
			out[i].Status = verbs.WCGeneralError
		}
		switch wc.opcode {
		case C.IBV_WC_SEND:
			out[i].Opcode = verbs.WCOpcodeSend
		case C.IBV_WC_RECV:
			out[i].Opcode = verbs.WCOpcodeRecv
		default:
			out[i].Opcode = verbs.WCOpcodeUnknown
		}
	}
	return int(n), nil
}

type queuePair struct {
	qp *C.struct_ibv_qp
}

func (q *queuePair) PostSend(wr *verbs.SendWR) error {
	if len(wr.Sges) == 0 {
		return unix.EINVAL
	}
	sges := make([]C.struct_ibv_sge, len(wr.Sges))
	for i, sge := range wr.Sges {
		sges[i].addr = C.uint64_t(sge.Addr)
		sges[i].length = C.uint32_t(sge.Length)
		sges[i].lkey = C.uint32_t(sge.LKey)
	}
	signaled := C.int(0)
	if wr.Signaled {
		signaled = 1
	}
	if ret := C.dk_post_send(q.qp, C.uint64_t(wr.WRID), &sges[0], C.int(len(sges)), signaled); ret != 0 {
		return unix.Errno(ret)
	}
	return nil
}

func (q *queuePair) PostRecv(wr *verbs.RecvWR) error {
	ret := C.dk_post_recv(q.qp, C.uint64_t(wr.WRID), C.uint64_t(wr.Sge.Addr), C.uint32_t(wr.Sge.Length), C.uint32_t(wr.Sge.LKey))
	if ret != 0 {
		return unix.Errno(ret)
	}
	return nil
}

func (q *queuePair) Destroy() error {
	// The queue pair belongs to its identity; rdma_destroy_qp tears it down.
	return nil
}

var _ verbs.Provider = (*Provider)(nil)
var _ verbs.CMID = (*cmID)(nil)
