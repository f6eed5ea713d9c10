//go:build !linux || !cgo

// Stub for platforms without librdmacm. The software fabric remains
// available everywhere.
package rdmacm

import (
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// Provider is unavailable without cgo and librdmacm.
type Provider struct{}

// NewProvider reports that the RDMA fabric is not built into this binary.
func NewProvider() (verbs.Provider, hoard.Allocator, error) {
	return nil, nil, unix.ENOTSUP
}
