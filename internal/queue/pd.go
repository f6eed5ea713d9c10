package queue

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/geraldo-netto/demikernel/internal/verbs"
)

// One protection domain exists per device context, shared by every queue on
// that context and reference-counted here. The domain is deallocated only
// when the last holder releases it; a queue tearing down can therefore never
// pull the domain out from under its siblings.
type sharedPD struct {
	ctx  verbs.Context
	pd   verbs.ProtectionDomain
	refs int
}

var (
	pdMu  sync.Mutex
	pdMap = map[verbs.Context]*sharedPD{}
)

func acquirePD(ctx verbs.Context) (*sharedPD, error) {
	pdMu.Lock()
	defer pdMu.Unlock()
	if s, ok := pdMap[ctx]; ok {
		s.refs++
		return s, nil
	}
	pd, err := ctx.AllocPD()
	if err != nil {
		return nil, err
	}
	s := &sharedPD{ctx: ctx, pd: pd, refs: 1}
	pdMap[ctx] = s
	log.Debug().Msg("Allocated shared protection domain")
	return s, nil
}

func (s *sharedPD) release() error {
	pdMu.Lock()
	defer pdMu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(pdMap, s.ctx)
	log.Debug().Msg("Deallocated shared protection domain")
	return s.pd.Dealloc()
}
