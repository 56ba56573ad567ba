package connection

import (
	"context"
	"sync/atomic"
)

type ownerKey struct{}

type owner struct{ id uint64 }

// exchangeLock admits one protocol exchange at a time. The holder's token
// rides in the context it hands to callbacks, so code invoked synchronously
// by that exchange can re-enter without deadlocking.
type exchangeLock struct {
	sem   chan struct{}
	held  atomic.Pointer[owner]
	seq   atomic.Uint64
	depth int
}

func newExchangeLock() *exchangeLock {
	return &exchangeLock{sem: make(chan struct{}, 1)}
}

// acquire returns the context to use inside the critical section and a
// release func. outer is true for the outermost holder.
func (l *exchangeLock) acquire(ctx context.Context) (_ context.Context, release func(), outer bool, err error) {
	if o, ok := ctx.Value(ownerKey{}).(*owner); ok && o != nil && l.held.Load() == o {
		l.depth++
		return ctx, func() { l.depth-- }, false, nil
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, false, ctx.Err()
	}
	o := &owner{id: l.seq.Add(1)}
	l.held.Store(o)
	return context.WithValue(ctx, ownerKey{}, o), func() {
		l.held.Store(nil)
		<-l.sem
	}, true, nil
}
