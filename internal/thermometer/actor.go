package thermometer

import (
	"context"
	"sync/atomic"

	"github.com/srg/thermlink/internal/groutine"
)

// mailboxSize bounds the number of queued dispatch items per adapter.
const mailboxSize = 128

// actor serializes all state mutations of one adapter onto a single
// goroutine. Transport callbacks arriving on arbitrary goroutines are posted
// to the mailbox; a continuation posted from the dispatch goroutine itself
// runs inline, which keeps nested discovery callbacks ordered and re-entrant.
type actor struct {
	calls chan func()
	done  chan struct{}
	gid   atomic.Uint64
}

func newActor(ctx context.Context, name string) *actor {
	a := &actor{
		calls: make(chan func(), mailboxSize),
		done:  make(chan struct{}),
	}
	groutine.Go(ctx, name, func(context.Context) {
		a.gid.Store(groutine.GetGID())
		a.loop()
	})
	return a
}

func (a *actor) loop() {
	for {
		select {
		case fn := <-a.calls:
			fn()
		case <-a.done:
			return
		}
	}
}

// do schedules fn on the dispatch goroutine, running it inline when already
// there. After close, fn is silently dropped.
func (a *actor) do(fn func()) {
	if a.gid.Load() == groutine.GetGID() {
		fn()
		return
	}
	select {
	case <-a.done:
	case a.calls <- fn:
	}
}

// call runs fn on the dispatch goroutine and waits for its result.
func (a *actor) call(fn func() error) error {
	if a.gid.Load() == groutine.GetGID() {
		return fn()
	}
	errc := make(chan error, 1)
	select {
	case <-a.done:
		return ErrClosed
	case a.calls <- func() { errc <- fn() }:
	}
	select {
	case <-a.done:
		return ErrClosed
	case err := <-errc:
		return err
	}
}

func (a *actor) close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *actor) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
