// Package verbs declares the narrow interfaces the queue core consumes from
// an RDMA provider: connection-manager identities and event channels, queue
// pairs, completion queues, protection domains, and memory regions. Two
// providers implement them: the librdmacm/libibverbs adapter in
// internal/rdmacm and the in-process software fabric in internal/memfabric.
package verbs

import "net"

// PortSpace selects the CM port space an identity is created in.
type PortSpace int

const (
	PortSpaceTCP PortSpace = iota
	PortSpaceUDP
)

// QPType is the transport type of a queue pair. Only reliable connection is
// used by the queue core.
type QPType int

const (
	QPTypeRC QPType = iota
	QPTypeUD
)

// QPCap mirrors ibv_qp_cap: the work-request and SGE limits a queue pair is
// created with.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// QPInitAttr carries the queue-pair creation parameters.
type QPInitAttr struct {
	Type     QPType
	Cap      QPCap
	SqSigAll bool
}

// ConnParam mirrors rdma_conn_param for connect and accept.
type ConnParam struct {
	InitiatorDepth     uint8
	ResponderResources uint8
	RNRRetryCount      uint8
}

// EventType enumerates the CM events the core reacts to.
type EventType int

const (
	EventConnectRequest EventType = iota
	EventEstablished
	EventDisconnected
	EventAddrResolved
	EventRouteResolved
	EventRejected
	EventConnectError
)

func (t EventType) String() string {
	switch t {
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventRejected:
		return "REJECTED"
	case EventConnectError:
		return "CONNECT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one connection-manager event. ID is the identity the event refers
// to; for CONNECT_REQUEST it is the freshly created child identity.
type Event struct {
	Type EventType
	ID   CMID
}

// WCStatus is the completion status of a work request.
type WCStatus uint32

const (
	WCSuccess WCStatus = iota
	WCLocalLengthError
	WCGeneralError
)

// WCOpcode tags a work completion with the kind of work it finishes.
type WCOpcode uint32

const (
	WCOpcodeSend WCOpcode = iota
	WCOpcodeRecv
	WCOpcodeUnknown
)

// WorkCompletion is the provider-independent form of ibv_wc. WRID carries the
// queue token for sends and the posted buffer address for receives.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
}

// Sge is one scatter-gather element of a work request.
type Sge struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR is a send work request. Signaled requests deliver a completion with
// WRID on the send CQ.
type SendWR struct {
	WRID     uint64
	Sges     []Sge
	Signaled bool
}

// RecvWR is a receive work request with a single scatter entry.
type RecvWR struct {
	WRID uint64
	Sge  Sge
}

// MemoryRegion is a registered pinned range addressable by the NIC.
type MemoryRegion interface {
	LKey() uint32
	Deregister() error
}

// ProtectionDomain groups memory regions and queue pairs.
type ProtectionDomain interface {
	// RegisterMR registers buf for local access and returns its region.
	RegisterMR(buf []byte) (MemoryRegion, error)
	// Context returns the device context the domain was allocated on.
	Context() Context
	Dealloc() error
}

// Context is the device (verbs) context an identity is bound to. It becomes
// available once an identity has an address resolved or bound on a device.
type Context interface {
	AllocPD() (ProtectionDomain, error)
}

// CompletionQueue drains finished work requests. Poll fills wc and returns
// the number of entries written; zero means the queue is empty.
type CompletionQueue interface {
	Poll(wc []WorkCompletion) (int, error)
}

// QueuePair is one RC endpoint: a send and a receive work queue.
type QueuePair interface {
	PostSend(wr *SendWR) error
	PostRecv(wr *RecvWR) error
	Destroy() error
}

// EventChannel delivers CM events for the identities attached to it. Get
// returns unix.EAGAIN when the channel is non-blocking and has no event.
type EventChannel interface {
	Get() (Event, error)
	SetNonblocking(nb bool) error
	Destroy() error
}

// CMID is one connection-manager identity: the control-plane handle a queue
// owns for its lifetime. The data-plane handles (QP, CQs) exist only between
// CreateQP and DestroyQP.
type CMID interface {
	Bind(addr *net.TCPAddr) error
	Listen(backlog int) error
	ResolveAddr(dst *net.TCPAddr, timeoutMS int) error
	ResolveRoute(timeoutMS int) error
	Connect(param *ConnParam) error
	Accept(param *ConnParam) error
	Disconnect() error

	// Verbs returns the device context, or nil before the identity is bound
	// to a device by Bind or ResolveAddr.
	Verbs() Context
	Channel() EventChannel
	// Migrate moves the identity onto a different event channel so its
	// events no longer share the creating listener's channel.
	Migrate(ch EventChannel) error

	CreateQP(pd ProtectionDomain, attr *QPInitAttr) error
	DestroyQP() error
	QP() QueuePair
	SendCQ() CompletionQueue
	RecvCQ() CompletionQueue

	Close() error
}

// Provider creates the root CM objects. It is the only entry point a queue
// needs to reach a fabric.
type Provider interface {
	CreateEventChannel() (EventChannel, error)
	CreateID(ch EventChannel, ps PortSpace) (CMID, error)
}
