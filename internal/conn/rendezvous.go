package conn

import (
	"context"
	"sync"
	"sync/atomic"
)

// Rendezvous is a one-shot barrier where exactly n participants must
// arrive before any of them proceeds, used to coordinate an
// Endpoint's restart cycle (spec's "nested Shutdown event with
// barrier"): the read loop, the write loop, and the driver that
// requested the restart all meet here before the old connection is
// torn down. A fresh Rendezvous is built per restart cycle rather
// than reused.
type Rendezvous struct {
	n       int32
	arrived int32
	done    chan struct{}
	once    sync.Once
}

// NewRendezvous returns a barrier for exactly n participants.
func NewRendezvous(n int) *Rendezvous {
	return &Rendezvous{n: int32(n), done: make(chan struct{})}
}

// Arrive blocks until all n participants have called Arrive, or until
// ctx is done, whichever happens first.
func (r *Rendezvous) Arrive(ctx context.Context) {
	if atomic.AddInt32(&r.arrived, 1) >= r.n {
		r.once.Do(func() { close(r.done) })
	}
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}
