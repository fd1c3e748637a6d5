package op

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// countOp finishes after a fixed number of updates, recording each step in
// a shared log.
type countOp struct {
	Base
	name    string
	steps   int
	updates int
	started bool
	aborted bool
	log     *[]string
	advance func()
}

func (c *countOp) OnStart() { c.started = true }

func (c *countOp) OnUpdate() {
	c.updates++
	if c.log != nil {
		*c.log = append(*c.log, c.name)
	}
	if c.advance != nil {
		c.advance()
	}
	if c.steps > 0 && c.updates >= c.steps {
		c.Succeed()
	}
}

func (c *countOp) OnAbort() { c.aborted = true }

func TestStartAndTick(t *testing.T) {
	s := New(Config{})
	o := &countOp{steps: 2}
	s.Start(o)
	if !o.started || o.Status() != StatusProcessing {
		t.Fatalf("Got started=%v status=%v, expected true processing", o.started, o.Status())
	}
	if o.updates != 0 {
		t.Errorf("Got %d updates before first tick", o.updates)
	}
	var fired bool
	o.OnComplete(func() { fired = true })
	s.Tick()
	if o.IsDone() || fired {
		t.Fatalf("Finished after one tick")
	}
	s.Tick()
	if !o.IsDone() || !fired {
		t.Fatalf("Got done=%v fired=%v after two ticks", o.IsDone(), fired)
	}
	if s.Len() != 0 {
		t.Errorf("Got %d operations left, expected 0", s.Len())
	}
	select {
	case <-o.Done():
	default:
		t.Errorf("Done channel not closed")
	}
	if o.Progress() != 1 {
		t.Errorf("Got progress %v, expected 1", o.Progress())
	}
}

func TestStartTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Expected a panic")
		}
	}()
	s := New(Config{})
	o := &countOp{}
	s.Start(o)
	s.Start(o)
}

func TestPriorityOrder(t *testing.T) {
	var log []string
	s := New(Config{})
	s.Start(&countOp{name: "low", log: &log})
	s.Start(&countOp{name: "high", log: &log, Base: Base{Priority: 5}})
	s.Start(&countOp{name: "mid", log: &log, Base: Base{Priority: 1}})
	s.Start(&countOp{name: "low2", log: &log})
	s.Tick()
	expected := []string{"high", "mid", "low", "low2"}
	if len(log) != len(expected) {
		t.Fatalf("Got %v, expected %v", log, expected)
	}
	for i := range expected {
		if log[i] != expected[i] {
			t.Errorf("Got %v, expected %v", log, expected)
			break
		}
	}
}

func TestBudget(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{Budget: 25 * time.Millisecond, Clock: mock})
	var ops []*countOp
	for i := 0; i < 5; i++ {
		o := &countOp{advance: func() { mock.Add(10 * time.Millisecond) }}
		ops = append(ops, o)
		s.Start(o)
	}
	s.Tick()
	// 0ms, 10ms, 20ms run. at 30ms the budget is used.
	var n int
	for _, o := range ops {
		n += o.updates
	}
	if n != 3 {
		t.Errorf("Got %d updates in one tick, expected 3", n)
	}
	if s.IsBusy() {
		t.Errorf("IsBusy true outside of a tick")
	}
}

func TestCallbackOrder(t *testing.T) {
	s := New(Config{})
	o := &countOp{steps: 1}
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		o.OnComplete(func() {
			if !o.IsDone() {
				t.Errorf("callback %d ran before terminal status", i)
			}
			order = append(order, i)
		})
	}
	s.Start(o)
	s.Tick()
	for i := range order {
		if order[i] != i {
			t.Fatalf("Got order %v", order)
		}
	}
	if len(order) != 4 {
		t.Errorf("Got %d callbacks, expected 4", len(order))
	}
	// registering after completion runs right away
	var late bool
	o.OnComplete(func() { late = true })
	if !late {
		t.Errorf("late callback did not run")
	}
}

func TestAbortAll(t *testing.T) {
	s := New(Config{})
	a := &countOp{Base: Base{Group: "pkg-a"}}
	b := &countOp{Base: Base{Group: "pkg-b"}}
	c := &countOp{Base: Base{Group: "pkg-a"}}
	s.Start(a)
	s.Start(b)
	s.Tick()
	s.Start(c) // still in the started list
	n := s.AbortAll("pkg-a")
	if n != 2 {
		t.Errorf("Got %d aborted, expected 2", n)
	}
	for _, o := range []*countOp{a, c} {
		if o.Status() != StatusFailed || !o.aborted {
			t.Errorf("Got status %v aborted=%v", o.Status(), o.aborted)
		}
		if errors.Cause(o.Err()) != ErrUserAbort {
			t.Errorf("Got error %v, expected %v", o.Err(), ErrUserAbort)
		}
	}
	if b.IsDone() {
		t.Errorf("operation in another group was aborted")
	}
	s.Tick()
	if s.Len() != 1 {
		t.Errorf("Got %d operations, expected 1", s.Len())
	}
}

func TestWaitForCompletion(t *testing.T) {
	s := New(Config{WaitInterval: -1})
	o := &countOp{steps: 10}
	err := s.WaitForCompletion(o)
	if err != nil || o.updates != 10 {
		t.Errorf("Got (%v, %d updates), expected (nil, 10)", err, o.updates)
	}
}

func TestWaitForCompletionCeiling(t *testing.T) {
	s := New(Config{WaitInterval: -1, MaxWaitSteps: 50})
	o := &countOp{} // never finishes
	err := s.WaitForCompletion(o)
	if err == nil || o.Status() != StatusFailed {
		t.Fatalf("Got (%v, %v), expected a failure", err, o.Status())
	}
	if o.updates != 50 || !o.aborted {
		t.Errorf("Got %d updates aborted=%v, expected 50 and true", o.updates, o.aborted)
	}
}

func TestDriveChild(t *testing.T) {
	s := New(Config{})
	child := &countOp{steps: 2}
	if s.Drive(child) {
		t.Fatalf("child done after one step")
	}
	if !child.started {
		t.Errorf("child not started")
	}
	if !s.Drive(child) {
		t.Fatalf("child not done after two steps")
	}
	if s.Len() != 0 {
		t.Errorf("driven child was scheduled")
	}
}

func TestAbortDrivenChild(t *testing.T) {
	s := New(Config{})
	child := &countOp{steps: 5}
	var called bool
	child.OnComplete(func() { called = true })
	s.Drive(child)
	s.Abort(child)
	if !child.aborted || child.Status() != StatusFailed {
		t.Errorf("Got %v aborted=%v, expected failed and aborted", child.Status(), child.aborted)
	}
	if !called {
		t.Errorf("completion callback did not run")
	}
	select {
	case <-child.Done():
	default:
		t.Errorf("done channel not closed")
	}

	// a scheduled operation still completes on the next tick
	o := &countOp{steps: 5}
	var ran bool
	o.OnComplete(func() { ran = true })
	s.Start(o)
	s.Abort(o)
	if ran {
		t.Errorf("callback ran before the tick")
	}
	s.Tick()
	if !ran {
		t.Errorf("callback did not run after the tick")
	}
}

func TestAwaitFromGoroutine(t *testing.T) {
	s := New(Config{})
	o := &countOp{steps: 3}
	s.Start(o)
	result := make(chan error)
	go func() { result <- o.Await() }()
	for i := 0; i < 3; i++ {
		s.Tick()
	}
	select {
	case err := <-result:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Await did not return")
	}
}

func TestRunUntil(t *testing.T) {
	s := New(Config{WaitInterval: -1})
	child := &countOp{steps: 3}
	parent := &countOp{}
	parent.advance = func() {
		if child.IsDone() {
			parent.Succeed()
		}
	}
	s.Start(child)
	err := s.RunUntil(parent)
	if err != nil {
		t.Errorf("Got %v, expected nil", err)
	}
	if child.updates != 3 {
		t.Errorf("Got %d child updates, expected 3", child.updates)
	}

	s = New(Config{WaitInterval: -1, MaxWaitSteps: 10})
	stuck := &countOp{}
	err = s.RunUntil(stuck)
	if err == nil {
		t.Errorf("Got nil, expected an error")
	}
	if !stuck.aborted {
		t.Errorf("Got aborted=false, expected true")
	}
}
