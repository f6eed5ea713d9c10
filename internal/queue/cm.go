package queue

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// expectEvent fetches exactly one event from a blocking channel and fails
// with mismatchErr if it is not the expected kind. The connect handshake is
// the only caller; everything past connection setup reads the channel
// non-blocking through serviceEventQueue.
func expectEvent(ch verbs.EventChannel, want verbs.EventType, mismatchErr error) error {
	ev, err := ch.Get()
	if err != nil {
		return err
	}
	if ev.Type != want {
		return mismatchErr
	}
	return nil
}

// errnoOf unwraps err to its errno value, or 0 when err carries none.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
