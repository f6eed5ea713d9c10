package hoard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/memfabric"
)

func TestAllocFreeLifecycle(t *testing.T) {
	h := New()

	addr, err := h.Alloc(64)
	require.NoError(t, err)
	require.NotZero(t, addr)
	assert.Equal(t, 1, h.Live())

	data, err := h.Bytes(addr)
	require.NoError(t, err)
	assert.Len(t, data, 64)

	require.NoError(t, h.Free(addr))
	assert.Equal(t, 0, h.Live())

	_, err = h.Bytes(addr)
	assert.ErrorIs(t, err, unix.ENOTSUP)
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	h := New()
	_, err := h.Alloc(0)
	assert.ErrorIs(t, err, unix.EINVAL)
	_, err = h.Alloc(-1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestPinUnpinBalance(t *testing.T) {
	h := New()
	addr, err := h.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, h.Pin(addr))
	require.NoError(t, h.Pin(addr))
	pins, err := h.Pins(addr)
	require.NoError(t, err)
	assert.Equal(t, 2, pins)

	require.NoError(t, h.Unpin(addr))
	require.NoError(t, h.Unpin(addr))
	pins, err = h.Pins(addr)
	require.NoError(t, err)
	assert.Equal(t, 0, pins)

	// One more unpin than pins taken is a caller bug.
	assert.ErrorIs(t, h.Unpin(addr), unix.EINVAL)

	stats := h.Stats()
	assert.Equal(t, uint64(2), stats.Pins)
	assert.Equal(t, uint64(2), stats.Unpins)
}

func TestFreeWhilePinnedRefused(t *testing.T) {
	h := New()
	addr, err := h.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, h.Pin(addr))

	assert.ErrorIs(t, h.Free(addr), unix.EBUSY)

	require.NoError(t, h.Unpin(addr))
	assert.NoError(t, h.Free(addr))
}

func TestForeignAddressIsNotSupported(t *testing.T) {
	h := New()

	err := h.Pin(0xdeadbeef)
	assert.ErrorIs(t, err, unix.ENOTSUP)

	var fbe *ForeignBufferError
	assert.ErrorAs(t, err, &fbe)
	assert.Equal(t, uintptr(0xdeadbeef), fbe.Addr)
}

func TestOneMRPerAllocationAndPD(t *testing.T) {
	h := New()
	fab := memfabric.New()
	pd1, err := fab.Context().AllocPD()
	require.NoError(t, err)
	pd2, err := fab.Context().AllocPD()
	require.NoError(t, err)

	addr, err := h.Alloc(32)
	require.NoError(t, err)

	mrA, err := h.MR(addr, pd1)
	require.NoError(t, err)
	mrB, err := h.MR(addr, pd1)
	require.NoError(t, err)
	assert.Same(t, mrA, mrB, "same PD must resolve to the cached region")

	mrC, err := h.MR(addr, pd2)
	require.NoError(t, err)
	assert.NotEqual(t, mrA.LKey(), mrC.LKey(), "distinct PDs get distinct regions")

	_, err = h.MR(0x1234, pd1)
	assert.ErrorIs(t, err, unix.ENOTSUP)

	_, err = h.MR(addr, nil)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestPDFromForeignContextIsMismatch(t *testing.T) {
	h := New()
	pdA, err := memfabric.New().Context().AllocPD()
	require.NoError(t, err)
	pdB, err := memfabric.New().Context().AllocPD()
	require.NoError(t, err)

	addr, err := h.Alloc(32)
	require.NoError(t, err)

	// First registration binds the allocation to pdA's device context.
	_, err = h.MR(addr, pdA)
	require.NoError(t, err)

	// A domain from a different device context cannot resolve it.
	_, err = h.MR(addr, pdB)
	require.Error(t, err)
	var mismatch *PDMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, addr, mismatch.Addr)
	assert.ErrorIs(t, err, unix.EPERM)

	// The original domain keeps resolving to its cached region.
	_, err = h.MR(addr, pdA)
	assert.NoError(t, err)
}
