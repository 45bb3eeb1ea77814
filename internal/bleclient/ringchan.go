package bleclient

// ringChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded. Inbound frames arrive on CoreBluetooth callback
// goroutines that must not stall, so a slow consumer loses old frames
// rather than backpressuring the radio.
type ringChannel[T any] struct {
	ch chan T
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest when full. Reports whether
// an element was dropped.
func (rc *ringChannel[T]) Send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			dropped = true
		default:
		}
		rc.ch <- v
	}
	return dropped
}

func (rc *ringChannel[T]) Len() int {
	return len(rc.ch)
}
