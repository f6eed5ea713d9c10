package queue

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/memfabric"
	"github.com/geraldo-netto/demikernel/internal/verbs"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
)

const pollBudget = 100

// env is one software fabric holding a connected pair: the client queue, the
// listener, and the accepted server-side child.
type env struct {
	fab      *memfabric.Fabric
	h        *hoard.Hoard
	listener *Queue
	client   *Queue
	server   *Queue
	addr     *net.TCPAddr
}

func newListener(t *testing.T, fab *memfabric.Fabric, h *hoard.Hoard, qd dmtr.QDesc, port int) (*Queue, *net.TCPAddr) {
	t.Helper()
	q := New(qd, fab, h, DefaultConfig())
	require.NoError(t, q.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	require.NoError(t, q.Bind(addr))
	require.NoError(t, q.Listen(10))
	return q, addr
}

// newEnv connects a pair through a fresh fabric. The accept token is
// registered before the client dials, so the connect request is consumed by
// polling the accept task afterwards.
func newEnv(t *testing.T) *env {
	t.Helper()
	fab := memfabric.New()
	h := hoard.New()

	listener, addr := newListener(t, fab, h, 1, 9000)

	client := New(2, fab, h, DefaultConfig())
	require.NoError(t, client.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))

	const acceptQT = dmtr.QToken(1000)
	server, err := listener.Accept(acceptQT, 3)
	require.NoError(t, err)

	require.NoError(t, client.Connect(addr))

	qr := pollDone(t, listener, acceptQT)
	require.Equal(t, dmtr.OpcodeAccept, qr.Opcode)
	require.Equal(t, dmtr.QDesc(3), qr.Accepted)
	require.NoError(t, listener.Drop(acceptQT))

	return &env{fab: fab, h: h, listener: listener, client: client, server: server, addr: addr}
}

func pollDone(t *testing.T, q *Queue, qt dmtr.QToken) dmtr.QResult {
	t.Helper()
	for i := 0; i < pollBudget; i++ {
		qr, err := q.Poll(qt)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			t.Fatalf("poll qt=%d: %v", qt, err)
		}
		if qr.Done {
			return qr
		}
	}
	t.Fatalf("task qt=%d did not complete within %d polls", qt, pollBudget)
	return dmtr.QResult{}
}

// makeSga builds a scatter-gather array out of hoard allocations, one per
// part.
func makeSga(t *testing.T, h *hoard.Hoard, parts ...string) dmtr.Sga {
	t.Helper()
	require.LessOrEqual(t, len(parts), dmtr.MaxSgaSegs)
	var sga dmtr.Sga
	sga.NumSegs = uint32(len(parts))
	for i, p := range parts {
		addr, err := h.Alloc(len(p))
		require.NoError(t, err)
		data, err := h.Bytes(addr)
		require.NoError(t, err)
		copy(data, p)
		sga.Segs[i] = dmtr.SgaSeg{Buf: addr, Len: uint32(len(p))}
	}
	return sga
}

func segString(seg dmtr.SgaSeg) string {
	return string(seg.Bytes())
}

func TestEchoRoundtrip(t *testing.T) {
	e := newEnv(t)

	out := makeSga(t, e.h, "hello")
	require.NoError(t, e.client.Push(10, &out))
	pushQR := pollDone(t, e.client, 10)
	require.NoError(t, pushQR.Error)
	assert.Equal(t, uint32(dmtr.HeaderSize+4+5), pushQR.NumBytes)

	require.NoError(t, e.server.Pop(20))
	popQR := pollDone(t, e.server, 20)
	require.NoError(t, popQR.Error)
	require.Equal(t, uint32(1), popQR.Sga.NumSegs)
	assert.Equal(t, "hello", segString(popQR.Sga.Segs[0]))
	assert.Equal(t, uint32(dmtr.HeaderSize+4+5), popQR.NumBytes)

	// Echo the popped array straight back; its segments alias into the
	// receive buffer the server now owns.
	back := popQR.Sga
	require.NoError(t, e.server.Push(21, &back))
	pollDone(t, e.server, 21)

	require.NoError(t, e.client.Pop(11))
	echoQR := pollDone(t, e.client, 11)
	require.NoError(t, echoQR.Error)
	require.Equal(t, uint32(1), echoQR.Sga.NumSegs)
	assert.Equal(t, "hello", segString(echoQR.Sga.Segs[0]))

	require.NoError(t, e.client.Drop(10))
	require.NoError(t, e.server.Drop(20))
	require.NoError(t, e.server.Drop(21))
	require.NoError(t, e.client.Drop(11))
}

func TestMultiSegmentRoundtrip(t *testing.T) {
	e := newEnv(t)

	out := makeSga(t, e.h, "ab", "cde", "fghi")
	require.NoError(t, e.client.Push(10, &out))
	pollDone(t, e.client, 10)

	require.NoError(t, e.server.Pop(20))
	qr := pollDone(t, e.server, 20)
	require.NoError(t, qr.Error)
	require.Equal(t, uint32(3), qr.Sga.NumSegs)

	var joined string
	wantLens := []uint32{2, 3, 4}
	for i := 0; i < 3; i++ {
		assert.Equal(t, wantLens[i], qr.Sga.Segs[i].Len)
		joined += segString(qr.Sga.Segs[i])
	}
	assert.Equal(t, "abcdefghi", joined)
}

func TestInterleavedPendingTokens(t *testing.T) {
	e := newEnv(t)

	a := makeSga(t, e.h, "AAAA")
	b := makeSga(t, e.h, "BB")
	require.NoError(t, e.client.Push(10, &a))
	require.NoError(t, e.client.Push(11, &b))

	// Poll the second token first; both must complete regardless of order.
	qrB := pollDone(t, e.client, 11)
	require.NoError(t, qrB.Error)
	qrA := pollDone(t, e.client, 10)
	require.NoError(t, qrA.Error)

	// The peer observes wire order A then B.
	require.NoError(t, e.server.Pop(20))
	first := pollDone(t, e.server, 20)
	assert.Equal(t, "AAAA", segString(first.Sga.Segs[0]))

	require.NoError(t, e.server.Pop(21))
	second := pollDone(t, e.server, 21)
	assert.Equal(t, "BB", segString(second.Sga.Segs[0]))
}

func TestAcceptBeforeConnect(t *testing.T) {
	fab := memfabric.New()
	h := hoard.New()
	listener, addr := newListener(t, fab, h, 1, 9001)

	server, err := listener.Accept(100, 3)
	require.NoError(t, err)

	// No client yet: the accept task stays pending.
	qr, err := listener.Poll(100)
	require.NoError(t, err)
	assert.False(t, qr.Done)

	client := New(2, fab, h, DefaultConfig())
	require.NoError(t, client.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))
	require.NoError(t, client.Connect(addr))

	qr = pollDone(t, listener, 100)
	require.Equal(t, dmtr.QDesc(3), qr.Accepted)

	// The fresh child serves a pop immediately.
	out := makeSga(t, h, "ping")
	require.NoError(t, client.Push(10, &out))
	pollDone(t, client, 10)
	require.NoError(t, server.Pop(20))
	pop := pollDone(t, server, 20)
	assert.Equal(t, "ping", segString(pop.Sga.Segs[0]))
}

func TestConnectRefused(t *testing.T) {
	fab := memfabric.New()
	h := hoard.New()
	client := New(1, fab, h, DefaultConfig())
	require.NoError(t, client.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))

	err := client.Connect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
}

func TestDisconnectSurface(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.server.Pop(20))
	require.NoError(t, e.client.Close())

	_, err := e.server.Poll(20)
	assert.ErrorIs(t, err, unix.ECONNABORTED)

	// The queue auto-closed; every further operation is a role error.
	assert.ErrorIs(t, e.server.Pop(21), unix.EPERM)
	_, err = e.server.Poll(20)
	assert.ErrorIs(t, err, unix.EPERM)
	var sga dmtr.Sga
	assert.ErrorIs(t, e.server.Push(22, &sga), unix.EPERM)
}

func TestProtocolErrorCompletesPopTask(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.server.Pop(20))

	// A test double delivers a buffer shorter than the wire header.
	short, err := e.h.Alloc(4)
	require.NoError(t, err)
	e.server.recvQueue = append(e.server.recvQueue, recvEntry{buf: short, len: 4})

	qr := pollDone(t, e.server, 20)
	assert.True(t, qr.Done)
	assert.ErrorIs(t, qr.Error, unix.EPROTO)

	// A subsequent pop on a new token proceeds normally.
	out := makeSga(t, e.h, "ok")
	require.NoError(t, e.client.Push(10, &out))
	pollDone(t, e.client, 10)
	require.NoError(t, e.server.Pop(21))
	good := pollDone(t, e.server, 21)
	require.NoError(t, good.Error)
	assert.Equal(t, "ok", segString(good.Sga.Segs[0]))
}

func TestPushTooManySegmentsIsERange(t *testing.T) {
	e := newEnv(t)

	sga := dmtr.Sga{NumSegs: dmtr.MaxSgaSegs + 1}
	err := e.client.Push(10, &sga)
	assert.ErrorIs(t, err, unix.ERANGE)

	// Nothing was posted and no task is left behind.
	_, err = e.client.Poll(10)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestEmptySgaPush(t *testing.T) {
	e := newEnv(t)

	var out dmtr.Sga
	require.NoError(t, e.client.Push(10, &out))
	qr := pollDone(t, e.client, 10)
	assert.Equal(t, uint32(dmtr.HeaderSize), qr.NumBytes)

	require.NoError(t, e.server.Pop(20))
	pop := pollDone(t, e.server, 20)
	require.NoError(t, pop.Error)
	assert.Equal(t, uint32(0), pop.Sga.NumSegs)
}

func TestRecvPoolStaysFull(t *testing.T) {
	e := newEnv(t)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		qt := dmtr.QToken(100 + i)
		out := makeSga(t, e.h, fmt.Sprintf("msg-%d", i))
		require.NoError(t, e.client.Push(qt, &out))
		pollDone(t, e.client, qt)

		popQT := dmtr.QToken(200 + i)
		require.NoError(t, e.server.Pop(popQT))
		pollDone(t, e.server, popQT)
	}

	// Every consumed receive posted a replacement: posted = completed + pool.
	assert.Equal(t, e.server.recvsCompleted+uint64(e.server.cfg.RecvBufCount), e.server.recvsPosted)
	assert.Equal(t, uint64(rounds), e.server.recvsCompleted)
}

func TestPinBalanceAfterRoundtrip(t *testing.T) {
	e := newEnv(t)

	out := makeSga(t, e.h, "balance")
	require.NoError(t, e.client.Push(10, &out))
	pollDone(t, e.client, 10)
	require.NoError(t, e.server.Pop(20))
	pollDone(t, e.server, 20)
	require.NoError(t, e.client.Drop(10))
	require.NoError(t, e.server.Drop(20))

	// The only outstanding pins are the posted receive buffers, one per
	// connected queue.
	stats := e.h.Stats()
	assert.Equal(t, uint64(2), stats.Pins-stats.Unpins)

	// The push segment itself is fully unpinned.
	pins, err := e.h.Pins(out.Segs[0].Buf)
	require.NoError(t, err)
	assert.Equal(t, 0, pins)
}

func TestDoneIsMonotone(t *testing.T) {
	e := newEnv(t)

	out := makeSga(t, e.h, "once")
	require.NoError(t, e.client.Push(10, &out))
	first := pollDone(t, e.client, 10)

	for i := 0; i < 3; i++ {
		qr, err := e.client.Poll(10)
		require.NoError(t, err)
		assert.True(t, qr.Done)
		assert.Equal(t, first.NumBytes, qr.NumBytes)
		assert.Equal(t, first.Error, qr.Error)
	}
}

func TestListenerRejectsDataPath(t *testing.T) {
	fab := memfabric.New()
	h := hoard.New()
	listener, _ := newListener(t, fab, h, 1, 9002)

	var sga dmtr.Sga
	assert.ErrorIs(t, listener.Push(10, &sga), unix.ENOTSUP)
	assert.ErrorIs(t, listener.Pop(11), unix.ENOTSUP)
}

func TestConnectedQueueCannotAccept(t *testing.T) {
	e := newEnv(t)

	_, err := e.client.Accept(50, 9)
	require.NoError(t, err)
	_, err = e.client.Poll(50)
	assert.ErrorIs(t, err, unix.EPERM)
}

func TestSocketRejectsDatagramAndDoubleSocket(t *testing.T) {
	fab := memfabric.New()
	h := hoard.New()

	q := New(1, fab, h, DefaultConfig())
	assert.ErrorIs(t, q.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0), unix.ENOTSUP)
	require.NoError(t, q.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))
	assert.ErrorIs(t, q.Socket(unix.AF_INET, unix.SOCK_STREAM, 0), unix.EPERM)
}

func TestPollUnknownTokenIsEInval(t *testing.T) {
	e := newEnv(t)
	_, err := e.client.Poll(4242)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestDropTombstoneAbsorbsLateCompletion(t *testing.T) {
	e := newEnv(t)

	// Stage a push whose work request is posted but whose completion has not
	// arrived: pins taken, nothing on the send CQ.
	seg := makeSga(t, e.h, "late")
	aux, err := e.h.Alloc(dmtr.HeaderSize + lenPrefixSize)
	require.NoError(t, err)
	require.NoError(t, e.h.Pin(seg.Segs[0].Buf))
	require.NoError(t, e.h.Pin(aux))

	const qt = dmtr.QToken(77)
	staged := seg
	staged.Buf = aux
	e.client.tasks[qt] = &task{qt: qt, opcode: dmtr.OpcodePush, posted: true, sga: staged}

	require.NoError(t, e.client.Drop(qt))
	_, ok := e.client.tombstones[qt]
	require.True(t, ok, "dropping a posted, incomplete push leaves a tombstone")

	// The late completion arrives and is absorbed exactly once.
	wc := verbs.WorkCompletion{WRID: uint64(qt), Status: verbs.WCSuccess, Opcode: verbs.WCOpcodeSend, ByteLen: 9}
	require.NoError(t, e.client.onWorkCompleted(&wc))
	_, ok = e.client.tombstones[qt]
	assert.False(t, ok)

	pins, err := e.h.Pins(seg.Segs[0].Buf)
	require.NoError(t, err)
	assert.Equal(t, 0, pins, "tombstone absorption unpins the sga")

	// The header slab was freed with the tombstone.
	_, err = e.h.Bytes(aux)
	assert.ErrorIs(t, err, unix.ENOTSUP)

	// A second stray completion for the same token is tolerated silently.
	require.NoError(t, e.client.onWorkCompleted(&wc))
}

func TestDropCompletedPushFreesHeaderSlab(t *testing.T) {
	e := newEnv(t)

	out := makeSga(t, e.h, "bye")
	require.NoError(t, e.client.Push(10, &out))
	pollDone(t, e.client, 10)

	live := e.h.Live()
	require.NoError(t, e.client.Drop(10))
	assert.Equal(t, live-1, e.h.Live(), "drop frees the transient header slab")
}
