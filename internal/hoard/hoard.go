// Package hoard is the pinned-memory allocator behind every buffer an
// in-flight work request touches. Allocations are keyed by their base
// address: each one carries a pin reference count and at most one registered
// memory region per protection domain. The queue core balances Pin/Unpin per
// scatter-gather array and resolves addresses to regions at post time.
package hoard

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// Allocator supplies the raw backing memory. The default keeps allocations on
// the Go heap and alive in the hoard registry; the rdmacm provider swaps in a
// C allocator so registered ranges are invisible to the Go runtime.
type Allocator interface {
	Alloc(n int) []byte
	Free(b []byte)
}

type goAllocator struct{}

func (goAllocator) Alloc(n int) []byte { return make([]byte, n) }
func (goAllocator) Free([]byte)        {}

// ForeignBufferError reports an address that is not the base of any hoard
// allocation. It unwraps to unix.ENOTSUP: the caller handed the data path a
// buffer the NIC cannot address.
type ForeignBufferError struct {
	Addr uintptr
}

func (e *ForeignBufferError) Error() string {
	return fmt.Sprintf("hoard: address 0x%x is not a hoard allocation", e.Addr)
}

func (e *ForeignBufferError) Unwrap() error { return unix.ENOTSUP }

// PDMismatchError reports an attempt to resolve an allocation under a
// protection domain from a different device context than the one it is
// already registered on. It unwraps to unix.EPERM.
type PDMismatchError struct {
	Addr uintptr
}

func (e *PDMismatchError) Error() string {
	return fmt.Sprintf("hoard: allocation 0x%x is registered on a different device context", e.Addr)
}

func (e *PDMismatchError) Unwrap() error { return unix.EPERM }

type slab struct {
	data []byte
	pins int
	// ctx is the device context of the first registration; later
	// registrations must come from domains on the same context.
	ctx verbs.Context
	mrs map[verbs.ProtectionDomain]verbs.MemoryRegion
}

// Stats counts allocator traffic for invariant checks: every pin must be
// balanced by exactly one unpin once the matching completion is observed.
type Stats struct {
	Allocs uint64
	Frees  uint64
	Pins   uint64
	Unpins uint64
}

// Hoard is an address-keyed registry of pinned allocations.
type Hoard struct {
	mu    sync.Mutex
	alloc Allocator
	slabs map[uintptr]*slab
	stats Stats
}

// find resolves addr to its allocation. The registry is keyed by base
// address, but the data path may hand back addresses that alias into an
// allocation's interior (pop results alias into their receive buffer), so a
// miss falls back to a containment scan. Either way the allocation — and
// therefore its pin count and its one region per protection domain — is the
// unit everything resolves to.
func (h *Hoard) find(addr uintptr) (*slab, bool) {
	if s, ok := h.slabs[addr]; ok {
		return s, true
	}
	for base, s := range h.slabs {
		if addr > base && addr < base+uintptr(len(s.data)) {
			return s, true
		}
	}
	return nil, false
}

// New returns a hoard backed by the Go heap.
func New() *Hoard {
	return NewWithAllocator(goAllocator{})
}

// NewWithAllocator returns a hoard backed by the given raw allocator.
func NewWithAllocator(a Allocator) *Hoard {
	return &Hoard{
		alloc: a,
		slabs: make(map[uintptr]*slab),
	}
}

// Alloc reserves n bytes and returns the base address of the allocation.
func (h *Hoard) Alloc(n int) (uintptr, error) {
	if n <= 0 {
		return 0, unix.EINVAL
	}
	data := h.alloc.Alloc(n)
	if data == nil {
		return 0, unix.ENOMEM
	}
	addr := uintptr(unsafe.Pointer(&data[0]))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.slabs[addr] = &slab{
		data: data,
		mrs:  make(map[verbs.ProtectionDomain]verbs.MemoryRegion),
	}
	h.stats.Allocs++
	return addr, nil
}

// Free releases the allocation at addr, deregistering any memory regions it
// accumulated. Freeing a still-pinned allocation is an EBUSY error: the NIC
// may still read the range.
func (h *Hoard) Free(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slabs[addr]
	if !ok {
		return &ForeignBufferError{Addr: addr}
	}
	if s.pins > 0 {
		return unix.EBUSY
	}
	for pd, mr := range s.mrs {
		if err := mr.Deregister(); err != nil {
			return fmt.Errorf("hoard: deregister mr for 0x%x: %w", addr, err)
		}
		delete(s.mrs, pd)
	}
	delete(h.slabs, addr)
	h.stats.Frees++
	h.alloc.Free(s.data)
	return nil
}

// Bytes returns the allocation at addr as a byte slice.
func (h *Hoard) Bytes(addr uintptr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slabs[addr]
	if !ok {
		return nil, &ForeignBufferError{Addr: addr}
	}
	return s.data, nil
}

// Pin takes one pin reference on the allocation containing addr.
func (h *Hoard) Pin(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.find(addr)
	if !ok {
		return &ForeignBufferError{Addr: addr}
	}
	s.pins++
	h.stats.Pins++
	return nil
}

// Unpin drops one pin reference on the allocation containing addr.
func (h *Hoard) Unpin(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.find(addr)
	if !ok {
		return &ForeignBufferError{Addr: addr}
	}
	if s.pins == 0 {
		return unix.EINVAL
	}
	s.pins--
	h.stats.Unpins++
	return nil
}

// Pins reports the current pin count of the allocation containing addr.
func (h *Hoard) Pins(addr uintptr) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.find(addr)
	if !ok {
		return 0, &ForeignBufferError{Addr: addr}
	}
	return s.pins, nil
}

// MR resolves addr to the memory region of its containing allocation under
// pd, registering it on first use. There is exactly one region per
// (allocation, protection domain), regardless of how many interior addresses
// resolve to it.
func (h *Hoard) MR(addr uintptr, pd verbs.ProtectionDomain) (verbs.MemoryRegion, error) {
	if pd == nil {
		return nil, unix.EINVAL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.find(addr)
	if !ok {
		return nil, &ForeignBufferError{Addr: addr}
	}
	if mr, ok := s.mrs[pd]; ok {
		return mr, nil
	}
	if s.ctx != nil && s.ctx != pd.Context() {
		return nil, &PDMismatchError{Addr: addr}
	}
	mr, err := pd.RegisterMR(s.data)
	if err != nil {
		return nil, fmt.Errorf("hoard: register mr for 0x%x: %w", addr, err)
	}
	s.ctx = pd.Context()
	s.mrs[pd] = mr
	return mr, nil
}

// Stats returns a snapshot of the allocator counters.
func (h *Hoard) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Live reports the number of live allocations.
func (h *Hoard) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slabs)
}
