package pipeline

import (
	"context"
	"testing"
	"time"
)

// recordSink captures everything reaching the pipeline tail.
type recordSink struct {
	data   []string
	events []Event
}

func (s *recordSink) ConsumeData(buf []byte) { s.data = append(s.data, string(buf)) }
func (s *recordSink) ConsumeEvent(ev Event)  { s.events = append(s.events, ev) }

// tagStage forwards data with its tag prepended, so tests can verify
// traversal order. Events pass through unchanged.
type tagStage struct {
	tag string
}

func (t *tagStage) OnData(c *Context, buf []byte) {
	c.ForwardData(append([]byte(t.tag+":"), buf...))
}

func (t *tagStage) OnEvent(c *Context, ev Event) {
	c.ForwardEvent(ev)
}

// captureStage remembers its own context so tests can drive Remove and
// FireReadComplete directly.
type captureStage struct {
	ctx   *Context
	seen  int
	evs   int
	while func(c *Context)
}

func (s *captureStage) OnData(c *Context, buf []byte) {
	s.ctx = c
	s.seen++
	if s.while != nil {
		s.while(c)
	}
	c.ForwardData(buf)
}

func (s *captureStage) OnEvent(c *Context, ev Event) {
	s.ctx = c
	s.evs++
	c.ForwardEvent(ev)
}

func TestFeedEmptyPipeline(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)

	p.FeedData([]byte("hello"))
	p.FeedEvent(ReadComplete{})

	if len(sink.data) != 1 || sink.data[0] != "hello" {
		t.Errorf("sink.data = %v, want [hello]", sink.data)
	}
	if len(sink.events) != 1 {
		t.Errorf("sink.events = %v, want one ReadComplete", sink.events)
	}
}

func TestAppendOrder(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	if err := p.Append("a", &tagStage{tag: "a"}); err != nil {
		t.Fatalf("Append(a) error: %v", err)
	}
	if err := p.Append("b", &tagStage{tag: "b"}); err != nil {
		t.Fatalf("Append(b) error: %v", err)
	}

	p.FeedData([]byte("x"))

	if len(sink.data) != 1 || sink.data[0] != "b:a:x" {
		t.Errorf("sink.data = %v, want [b:a:x]", sink.data)
	}
}

func TestAppendDuplicate(t *testing.T) {
	p := New(&recordSink{})
	p.Append("a", &tagStage{tag: "a"})
	if err := p.Append("a", &tagStage{tag: "a2"}); err == nil {
		t.Error("Append with duplicate name should fail")
	}
}

func TestInsertAfter(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	p.Append("a", &tagStage{tag: "a"})
	p.Append("c", &tagStage{tag: "c"})

	if err := p.InsertAfter("a", "b", &tagStage{tag: "b"}); err != nil {
		t.Fatalf("InsertAfter error: %v", err)
	}

	p.FeedData([]byte("x"))
	if sink.data[0] != "c:b:a:x" {
		t.Errorf("sink.data[0] = %s, want c:b:a:x", sink.data[0])
	}
}

func TestInsertAfterTail(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	p.Append("a", &tagStage{tag: "a"})

	if err := p.InsertAfter("a", "b", &tagStage{tag: "b"}); err != nil {
		t.Fatalf("InsertAfter error: %v", err)
	}

	p.FeedData([]byte("x"))
	if sink.data[0] != "b:a:x" {
		t.Errorf("sink.data[0] = %s, want b:a:x", sink.data[0])
	}
}

func TestInsertAfterUnknownAnchor(t *testing.T) {
	p := New(&recordSink{})
	if err := p.InsertAfter("missing", "b", &tagStage{tag: "b"}); err == nil {
		t.Error("InsertAfter with unknown anchor should fail")
	}
}

func TestRemoveByName(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	p.Append("a", &tagStage{tag: "a"})
	p.Append("b", &tagStage{tag: "b"})

	if !p.Remove("a") {
		t.Fatal("Remove(a) = false, want true")
	}
	if p.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}

	p.FeedData([]byte("x"))
	if sink.data[0] != "b:x" {
		t.Errorf("sink.data[0] = %s, want b:x", sink.data[0])
	}
}

func TestSelfRemoveMidDispatch(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)

	// The stage removes itself while handling the first unit but still
	// forwards it: a removed context keeps its links.
	stage := &captureStage{while: func(c *Context) { c.Remove() }}
	p.Append("once", stage)
	p.Append("tail", &tagStage{tag: "t"})

	p.FeedData([]byte("first"))
	p.FeedData([]byte("second"))

	want := []string{"t:first", "t:second"}
	if len(sink.data) != 2 || sink.data[0] != want[0] || sink.data[1] != want[1] {
		t.Errorf("sink.data = %v, want %v", sink.data, want)
	}
	if stage.seen != 1 {
		t.Errorf("stage invoked %d times after self-removal, want 1", stage.seen)
	}
}

func TestContextRemoveIdempotent(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	stage := &captureStage{}
	p.Append("s", stage)

	p.FeedData([]byte("x"))
	stage.ctx.Remove()
	stage.ctx.Remove() // second call is a no-op

	p.FeedData([]byte("y"))
	if stage.seen != 1 {
		t.Errorf("stage invoked %d times, want 1", stage.seen)
	}
	if len(sink.data) != 2 {
		t.Errorf("sink.data = %v, want both units delivered", sink.data)
	}
}

func TestFireReadComplete(t *testing.T) {
	sink := &recordSink{}
	p := New(sink)
	stage := &captureStage{}
	p.Append("s", stage)

	p.FeedData([]byte("x"))
	stage.ctx.FireReadComplete()

	if len(sink.events) != 1 {
		t.Fatalf("sink.events = %v, want one event", sink.events)
	}
	if _, ok := sink.events[0].(ReadComplete); !ok {
		t.Errorf("event = %T, want ReadComplete", sink.events[0])
	}
}

func TestRunExecutesSubmittedWorkInOrder(t *testing.T) {
	p := New(&recordSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		p.Submit(func() { got = append(got, i) })
	}

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted work did not run")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("got = %v, want ascending order", got)
		}
	}
}

func TestStopEndsRun(t *testing.T) {
	p := New(&recordSink{})
	ret := make(chan error, 1)
	go func() { ret <- p.Run(context.Background()) }()

	p.Stop()
	p.Stop() // idempotent

	select {
	case err := <-ret:
		if err != nil {
			t.Errorf("Run() = %v, want nil after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSubmitAfterShutdownDoesNotBlock(t *testing.T) {
	p := New(&recordSink{})
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	cancel()

	// Wait for Run to exit, then Submit must return promptly.
	time.Sleep(20 * time.Millisecond)
	finished := make(chan struct{})
	go func() {
		p.Submit(func() {})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked after shutdown")
	}
}
