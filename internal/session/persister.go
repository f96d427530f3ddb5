package session

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/stepwise/internal/blobstore"
)

// Persister writes blob entries in the background, in submission order.
// Entries submitted while a write is in flight are merged by key, so the
// next batch carries the latest value of each key and keys submitted
// together land in the same SetMany.
type Persister struct {
	store        blobstore.Store
	writeTimeout time.Duration
	onError      func(error)

	mu       sync.Mutex
	pending  map[string][]byte
	inflight bool
	waiters  []chan struct{}
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewPersister(store blobstore.Store, writeTimeout time.Duration, onError func(error)) *Persister {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	p := &Persister{
		store:        store,
		writeTimeout: writeTimeout,
		onError:      onError,
		pending:      make(map[string][]byte),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Submit queues entries without blocking. It is a no-op after Close.
func (p *Persister) Submit(entries map[string][]byte) {
	if len(entries) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for k, v := range entries {
		p.pending[k] = v
	}
	p.mu.Unlock()
	p.signal()
}

// Flush waits until everything submitted so far has been written.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 && !p.inflight {
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	p.signal()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and stops the writer goroutine.
func (p *Persister) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return err
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)

	select {
	case <-p.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.drain()
			return
		case <-p.wake:
			p.drain()
		}
	}
}

func (p *Persister) drain() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.inflight = false
			waiters := p.waiters
			p.waiters = nil
			p.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			return
		}
		batch := p.pending
		p.pending = make(map[string][]byte)
		p.inflight = true
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		err := p.store.SetMany(ctx, batch)
		cancel()
		if err != nil && p.onError != nil {
			p.onError(err)
		}
	}
}
