// Package pipeline implements the ordered inbound processing pipeline that
// carries decrypted data units and out-of-band events for one connection.
//
// A pipeline is single-threaded by construction: every stage callback runs on
// the goroutine that drives Run. Code running elsewhere hands work to the
// pipeline with Submit; nothing else is safe to call concurrently. Stages
// therefore need no locking of their own.
package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Event is an out-of-band signal flowing inbound alongside data units.
// Stages dispatch on concrete event types and forward anything they do not
// recognize unchanged.
type Event any

// ReadComplete signals that a batch of inbound data has been delivered and
// downstream buffers should be flushed.
type ReadComplete struct{}

// InboundClosed signals that the inbound side of the connection has ended.
// Err is nil on a clean EOF.
type InboundClosed struct {
	Err error
}

// Stage processes inbound traffic at one position in the pipeline.
type Stage interface {
	// OnData handles one inbound data unit. The stage owns buf and may
	// retain it; the pipeline never reuses a delivered slice.
	OnData(c *Context, buf []byte)

	// OnEvent handles one out-of-band event.
	OnEvent(c *Context, ev Event)
}

// Sink is the terminal consumer at the tail of a pipeline.
type Sink interface {
	ConsumeData(buf []byte)
	ConsumeEvent(ev Event)
}

// Context is a stage's view of its pipeline position. It provides the
// forwarding primitives and the stage's removal capability.
type Context struct {
	p       *Pipeline
	name    string
	stage   Stage
	prev    *Context
	next    *Context
	removed bool
}

// Name returns the name the stage was registered under.
func (c *Context) Name() string { return c.name }

// ForwardData passes buf to the next stage, or to the sink if this is the
// last stage.
func (c *Context) ForwardData(buf []byte) {
	if n := c.next; n != nil {
		n.stage.OnData(n, buf)
		return
	}
	c.p.sink.ConsumeData(buf)
}

// ForwardEvent passes ev to the next stage, or to the sink.
func (c *Context) ForwardEvent(ev Event) {
	if n := c.next; n != nil {
		n.stage.OnEvent(n, ev)
		return
	}
	c.p.sink.ConsumeEvent(ev)
}

// FireReadComplete emits a single ReadComplete notification downstream of
// this stage.
func (c *Context) FireReadComplete() {
	c.ForwardEvent(ReadComplete{})
}

// Remove unlinks this stage from the pipeline. Idempotent; after removal the
// pipeline never invokes the stage again. The context's own links are kept so
// a stage removing itself mid-dispatch can still forward.
func (c *Context) Remove() {
	if c.removed {
		return
	}
	c.removed = true
	c.p.unlink(c)
}

// Submit schedules fn onto the pipeline's execution goroutine. It is the one
// Context method safe to call from other goroutines.
func (c *Context) Submit(fn func()) {
	c.p.Submit(fn)
}

// Pipeline is an ordered list of stages ending in a sink.
type Pipeline struct {
	sink  Sink
	head  *Context
	tail  *Context
	byKey map[string]*Context

	tasks    chan func()
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty pipeline draining into sink.
func New(sink Sink) *Pipeline {
	return &Pipeline{
		sink:  sink,
		byKey: make(map[string]*Context),
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// Append adds a stage at the tail of the pipeline, just before the sink.
func (p *Pipeline) Append(name string, s Stage) error {
	if _, ok := p.byKey[name]; ok {
		return fmt.Errorf("pipeline: duplicate stage %q", name)
	}
	c := &Context{p: p, name: name, stage: s}
	if p.tail == nil {
		p.head, p.tail = c, c
	} else {
		c.prev = p.tail
		p.tail.next = c
		p.tail = c
	}
	p.byKey[name] = c
	return nil
}

// InsertAfter adds a stage immediately after the named stage.
func (p *Pipeline) InsertAfter(after, name string, s Stage) error {
	anchor, ok := p.byKey[after]
	if !ok {
		return fmt.Errorf("pipeline: no stage %q", after)
	}
	if _, ok := p.byKey[name]; ok {
		return fmt.Errorf("pipeline: duplicate stage %q", name)
	}
	c := &Context{p: p, name: name, stage: s, prev: anchor, next: anchor.next}
	if anchor.next != nil {
		anchor.next.prev = c
	} else {
		p.tail = c
	}
	anchor.next = c
	p.byKey[name] = c
	return nil
}

// Has reports whether a stage with the given name is in the pipeline.
func (p *Pipeline) Has(name string) bool {
	_, ok := p.byKey[name]
	return ok
}

// Remove unlinks the named stage. It reports whether the stage was present.
func (p *Pipeline) Remove(name string) bool {
	c, ok := p.byKey[name]
	if !ok {
		return false
	}
	c.removed = true
	p.unlink(c)
	return true
}

func (p *Pipeline) unlink(c *Context) {
	delete(p.byKey, c.name)
	if c.prev != nil {
		c.prev.next = c.next
	} else if p.head == c {
		p.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else if p.tail == c {
		p.tail = c.prev
	}
}

// FeedData delivers one inbound data unit to the first stage. Must run on the
// pipeline goroutine; external callers wrap it in Submit.
func (p *Pipeline) FeedData(buf []byte) {
	if h := p.head; h != nil {
		h.stage.OnData(h, buf)
		return
	}
	p.sink.ConsumeData(buf)
}

// FeedEvent delivers one event to the first stage. Same threading rule as
// FeedData.
func (p *Pipeline) FeedEvent(ev Event) {
	if h := p.head; h != nil {
		h.stage.OnEvent(h, ev)
		return
	}
	p.sink.ConsumeEvent(ev)
}

// Submit schedules fn onto the pipeline goroutine. Safe for concurrent use.
// Work submitted after Run has returned is dropped.
func (p *Pipeline) Submit(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.done:
	}
}

// Stop ends Run from outside the pipeline goroutine once the task currently
// executing returns. Idempotent and safe for concurrent use.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Run drives the pipeline until ctx is cancelled or Stop is called, executing
// submitted work in order on the calling goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		case fn := <-p.tasks:
			fn()
		}
	}
}
