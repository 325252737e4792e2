package engine

import (
	"context"
	"sync"
)

// pool runs step in a resizable set of goroutines. step returns false when
// the worker should finish.
type pool struct {
	step func() bool

	mu      sync.Mutex
	want    int
	running int
	closed  bool
	wake    chan struct{}
	wg      sync.WaitGroup
}

func newPool(step func() bool) *pool {
	return &pool{step: step, wake: make(chan struct{})}
}

// resize changes the target size. Extra workers retire after their current
// object; idle ones are woken to notice.
func (p *pool) resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.want = n
	if p.closed {
		return
	}
	for p.running < n {
		p.running++
		p.wg.Add(1)
		go p.loop()
	}
	if p.running > n {
		close(p.wake)
		p.wake = make(chan struct{})
	}
}

func (p *pool) loop() {
	defer p.wg.Done()
	for {
		if p.retire() {
			return
		}
		if !p.step() {
			p.mu.Lock()
			p.running--
			p.closed = true
			p.mu.Unlock()
			return
		}
	}
}

func (p *pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running > p.want {
		p.running--
		return true
	}
	return false
}

// wakeup is closed when the pool shrinks.
func (p *pool) wakeup() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.want
}

func (p *pool) wait() { p.wg.Wait() }

// gate holds workers back while the job is paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{}
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch}
}

func (g *gate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.ch = make(chan struct{})
	return true
}

func (g *gate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.ch)
	return true
}

// open returns a channel that is closed while the gate is open.
func (g *gate) open() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// inflight serializes work on the same source id. Duplicate list-file
// entries are the usual cause.
type inflight struct {
	mu   sync.Mutex
	busy map[string]chan struct{}
}

func newInflight() *inflight {
	return &inflight{busy: make(map[string]chan struct{})}
}

func (f *inflight) acquire(ctx context.Context, id string) (func(), error) {
	for {
		f.mu.Lock()
		ch, held := f.busy[id]
		if !held {
			ch = make(chan struct{})
			f.busy[id] = ch
			f.mu.Unlock()
			return func() {
				f.mu.Lock()
				delete(f.busy, id)
				f.mu.Unlock()
				close(ch)
			}, nil
		}
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// outstanding counts objects handed to the transfer side that have not
// reached an outcome. A retry keeps its slot. Once sealed, done is closed
// when the count reaches zero.
type outstanding struct {
	mu     sync.Mutex
	n      int64
	peak   int64
	sealed bool
	done   chan struct{}
}

func newOutstanding() *outstanding {
	return &outstanding{done: make(chan struct{})}
}

func (o *outstanding) add() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n++
	if o.n > o.peak {
		o.peak = o.n
	}
}

func (o *outstanding) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n--
	o.closeLocked()
}

// seal marks the end of discovery.
func (o *outstanding) seal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sealed = true
	o.closeLocked()
}

func (o *outstanding) closeLocked() {
	if o.sealed && o.n == 0 {
		select {
		case <-o.done:
		default:
			close(o.done)
		}
	}
}

func (o *outstanding) count() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

func (o *outstanding) max() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peak
}
