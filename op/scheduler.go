package op

import (
	"log"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// Config holds the tunables of a Scheduler. The zero value is usable.
type Config struct {
	// Budget is the wall clock time one Tick may spend updating
	// operations. Operations not reached resume on the next tick.
	// Zero means no limit.
	Budget time.Duration

	// MaxWaitSteps bounds how many update steps WaitForCompletion will
	// run before it gives up and fails the operation. Defaults to
	// DefaultMaxWaitSteps.
	MaxWaitSteps int

	// WaitInterval is how long WaitForCompletion sleeps between steps so
	// background goroutines can make progress. Defaults to a millisecond.
	// Set it negative to not sleep at all.
	WaitInterval time.Duration

	// Clock is used to measure the budget. Defaults to the real clock.
	Clock clock.Clock
}

// DefaultMaxWaitSteps is the step ceiling used when Config.MaxWaitSteps is zero.
const DefaultMaxWaitSteps = 100000

// A Scheduler is a cooperative, single goroutine driver for operations.
// None of its methods are safe to call concurrently.
type Scheduler struct {
	budget       time.Duration
	maxWaitSteps int
	waitInterval time.Duration
	clock        clock.Clock

	started    []Operation // started since the last tick
	active     []Operation // sorted by priority
	ticking    bool
	frameStart time.Time
}

// New returns a Scheduler using the given configuration.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		budget:       cfg.Budget,
		maxWaitSteps: cfg.MaxWaitSteps,
		waitInterval: cfg.WaitInterval,
		clock:        cfg.Clock,
	}
	if s.maxWaitSteps <= 0 {
		s.maxWaitSteps = DefaultMaxWaitSteps
	}
	if s.waitInterval == 0 {
		s.waitInterval = time.Millisecond
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s
}

// Clock returns the clock this scheduler measures time with.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Start registers o with the scheduler, marks it processing and calls its
// start hook. The operation joins the active set on the next Tick.
// Starting an operation twice is a programming error and panics.
func (s *Scheduler) Start(o Operation) {
	b := o.State()
	if b.status != StatusNone {
		panic("op: operation started twice")
	}
	b.sched = s
	b.status = StatusProcessing
	s.started = append(s.started, o)
	o.OnStart()
}

// Tick advances every active operation by one step, in priority order,
// until the time budget is used. Finished operations are then removed and
// their callbacks run.
func (s *Scheduler) Tick() {
	s.frameStart = s.clock.Now()
	s.ticking = true
	defer func() { s.ticking = false }()

	if len(s.started) > 0 {
		resort := false
		for _, o := range s.started {
			if o.State().Priority > 0 {
				resort = true
				break
			}
		}
		s.active = append(s.active, s.started...)
		s.started = nil
		if resort {
			sort.SliceStable(s.active, func(i, j int) bool {
				return s.active[i].State().Priority > s.active[j].State().Priority
			})
		}
	}

	for _, o := range s.active {
		if s.IsBusy() {
			break
		}
		if o.State().IsDone() {
			continue
		}
		o.OnUpdate()
	}

	var finished []Operation
	kept := s.active[:0]
	for _, o := range s.active {
		if o.State().IsDone() {
			finished = append(finished, o)
		} else {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = kept
	for _, o := range finished {
		o.State().complete()
	}
}

// IsBusy returns true once the current tick has used its time budget.
// Outside of a tick it is always false, so synchronous waits run at full
// speed.
func (s *Scheduler) IsBusy() bool {
	if !s.ticking || s.budget <= 0 {
		return false
	}
	return s.clock.Now().Sub(s.frameStart) >= s.budget
}

// Len returns the number of operations the scheduler is tracking.
func (s *Scheduler) Len() int {
	return len(s.started) + len(s.active)
}

// Abort fails o with ErrUserAbort and calls its abort hook. Operations
// already done are left alone. An operation the scheduler tracks completes
// on the next Tick; any other, such as a child being driven by its parent,
// completes here.
func (s *Scheduler) Abort(o Operation) {
	b := o.State()
	if b.IsDone() {
		return
	}
	if b.status == StatusNone {
		b.status = StatusProcessing
	}
	b.Fail(ErrUserAbort)
	o.OnAbort()
	if !s.tracks(o) {
		b.complete()
	}
}

func (s *Scheduler) tracks(o Operation) bool {
	for _, list := range [][]Operation{s.started, s.active} {
		for _, x := range list {
			if x == o {
				return true
			}
		}
	}
	return false
}

// AbortAll aborts every started or active operation whose Group is group.
// It returns the number of operations aborted.
func (s *Scheduler) AbortAll(group string) int {
	var n int
	for _, list := range [][]Operation{s.started, s.active} {
		for _, o := range list {
			b := o.State()
			if b.Group != group || b.IsDone() {
				continue
			}
			s.Abort(o)
			n++
		}
	}
	return n
}

// Drive advances an operation owned by a parent rather than by the
// scheduler. The first call starts it. It returns true once the operation is
// done, after its callbacks have run.
func (s *Scheduler) Drive(o Operation) bool {
	b := o.State()
	if b.status == StatusNone {
		b.sched = s
		b.status = StatusProcessing
		o.OnStart()
	}
	if !b.IsDone() {
		o.OnUpdate()
	}
	if b.IsDone() {
		b.complete()
		return true
	}
	return false
}

// WaitForCompletion repeatedly steps o until it is done, starting it first
// if needed. It is the escape hatch for synchronous callers. If o is not done
// after MaxWaitSteps steps it is failed, rather than spinning forever.
// The operation's callbacks have run by the time this returns.
func (s *Scheduler) WaitForCompletion(o Operation) error {
	b := o.State()
	if b.status == StatusNone {
		s.Start(o)
	}
	for steps := 0; !b.IsDone(); steps++ {
		if steps >= s.maxWaitSteps {
			log.Printf("op: wait exceeded %d steps", s.maxWaitSteps)
			b.Fail(errors.Errorf("wait exceeded %d steps", s.maxWaitSteps))
			o.OnAbort()
			break
		}
		o.OnUpdate()
		if !b.IsDone() && s.waitInterval > 0 {
			time.Sleep(s.waitInterval)
		}
	}
	b.complete()
	return b.err
}

// RunUntil ticks the whole scheduler until o is done, so that o can wait on
// the other operations it depends on. It uses the same step ceiling and
// interval as WaitForCompletion. It must not be called from inside a tick.
func (s *Scheduler) RunUntil(o Operation) error {
	b := o.State()
	if b.status == StatusNone {
		s.Start(o)
	}
	for steps := 0; !b.IsDone(); steps++ {
		if steps >= s.maxWaitSteps {
			log.Printf("op: run exceeded %d ticks", s.maxWaitSteps)
			s.Abort(o)
			b.err = errors.Errorf("run exceeded %d ticks", s.maxWaitSteps)
			break
		}
		s.Tick()
		if !b.IsDone() && s.waitInterval > 0 {
			time.Sleep(s.waitInterval)
		}
	}
	b.complete()
	return b.err
}
