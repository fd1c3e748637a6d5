package op

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of an operation.
type Status int

// The possible operation states. StatusSucceeded and StatusFailed are
// terminal.
const (
	StatusNone Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrUserAbort is the error given to operations stopped by Abort or AbortAll.
var ErrUserAbort = errors.New("user abort")

// Operation is implemented by every unit of work the scheduler can drive.
// Implementations embed a Base, which supplies State.
//
// OnStart is called once, synchronously, when the operation is started.
// OnUpdate is called once per tick until the operation is done. OnAbort is
// called after the operation has been failed by an abort, and should release
// anything in flight (requests, goroutines).
type Operation interface {
	State() *Base
	OnStart()
	OnUpdate()
	OnAbort()
}

// Base holds the state common to all operations. The zero value is ready to
// use. Group and Priority must be set before the operation is started.
type Base struct {
	// Group names the owner of the operation, usually a package name, so
	// AbortAll can find everything belonging to it.
	Group string

	// Operations with a larger Priority are updated first.
	Priority uint

	status    Status
	progress  float64
	err       error
	sched     *Scheduler
	completed bool
	callbacks []func()
	once      sync.Once
	done      chan struct{}
}

// State returns b. It lets any type embedding a Base satisfy Operation.
func (b *Base) State() *Base { return b }

// Status returns the current status.
func (b *Base) Status() Status { return b.status }

// IsDone returns true once the operation has reached a terminal status.
func (b *Base) IsDone() bool {
	return b.status == StatusSucceeded || b.status == StatusFailed
}

// Progress returns a value between 0 and 1. A succeeded operation always
// reports 1.
func (b *Base) Progress() float64 {
	if b.status == StatusSucceeded {
		return 1
	}
	return b.progress
}

// SetProgress records the progress of the operation, clamped to [0, 1].
func (b *Base) SetProgress(p float64) {
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	b.progress = p
}

// Err returns the reason the operation failed, or nil.
func (b *Base) Err() error { return b.err }

// LastError returns the failure message, or the empty string.
func (b *Base) LastError() string {
	if b.err == nil {
		return ""
	}
	return b.err.Error()
}

// Scheduler returns the scheduler driving this operation, if any.
func (b *Base) Scheduler() *Scheduler { return b.sched }

// IsBusy reports whether the operation should yield for the rest of the tick.
func (b *Base) IsBusy() bool {
	return b.sched != nil && b.sched.IsBusy()
}

// Succeed moves the operation to StatusSucceeded. It does nothing if the
// operation is already done.
func (b *Base) Succeed() {
	if b.IsDone() {
		return
	}
	b.status = StatusSucceeded
	b.progress = 1
}

// Fail moves the operation to StatusFailed with the given reason. It does
// nothing if the operation is already done. A nil err is replaced by a
// generic one, so a failed operation always has an error.
func (b *Base) Fail(err error) {
	if b.IsDone() {
		return
	}
	if err == nil {
		err = errors.New("operation failed")
	}
	b.status = StatusFailed
	b.err = err
}

// Failf is Fail with a formatted message.
func (b *Base) Failf(format string, args ...interface{}) {
	b.Fail(errors.Errorf(format, args...))
}

// OnComplete registers fn to be called after the operation reaches a
// terminal status. Callbacks run in registration order. If the operation
// has already completed, fn is called immediately.
func (b *Base) OnComplete(fn func()) {
	if b.completed {
		fn()
		return
	}
	b.callbacks = append(b.callbacks, fn)
}

// Done returns a channel which is closed once the operation has completed
// and its callbacks have run. It may be waited on from any goroutine.
func (b *Base) Done() <-chan struct{} {
	b.once.Do(b.makeDone)
	return b.done
}

// Await blocks until the operation completes and returns its error. It must
// not be called from the goroutine driving the scheduler, since that
// goroutine is the one which completes operations.
func (b *Base) Await() error {
	<-b.Done()
	return b.err
}

func (b *Base) makeDone() {
	b.done = make(chan struct{})
}

// complete runs the callbacks and closes the done channel. It only has an
// effect the first time it is called on a done operation.
func (b *Base) complete() {
	if b.completed || !b.IsDone() {
		return
	}
	b.completed = true
	callbacks := b.callbacks
	b.callbacks = nil
	for _, fn := range callbacks {
		fn()
	}
	b.once.Do(b.makeDone)
	close(b.done)
}
