package assistant

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval spaces delivered characters when no interval is given.
const DefaultInterval = 30 * time.Millisecond

// Delivery is a running character stream started by Deliver.
type Delivery struct {
	cancelled atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// Deliver streams text one character per tick: onChunk for every character
// in order, then onDone once. Callbacks run serially on a single goroutine
// that exits after onDone or on Cancel.
func Deliver(text string, onChunk func(string), onDone func(), interval time.Duration) *Delivery {
	if interval <= 0 {
		interval = DefaultInterval
	}
	d := &Delivery{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	runes := []rune(text)

	go func() {
		defer close(d.done)
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for i := 0; ; i++ {
			select {
			case <-d.stop:
				return
			case <-timer.C:
			}
			if d.cancelled.Load() {
				return
			}
			if i >= len(runes) {
				if onDone != nil {
					onDone()
				}
				return
			}
			if onChunk != nil {
				onChunk(string(runes[i]))
			}
			timer.Reset(interval)
		}
	}()
	return d
}

// Cancel stops the stream. The flag is checked before every callback, so
// nothing further fires once it is set. Safe to call more than once and from
// inside a callback.
func (d *Delivery) Cancel() {
	d.cancelled.Store(true)
	d.once.Do(func() { close(d.stop) })
}

// Done is closed once the delivery goroutine has exited.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}
