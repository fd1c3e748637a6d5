package cache

import (
	"sync/atomic"

	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/util"
)

// DefaultVerifyWorkers is the size of the verification pool used when
// none is given.
const DefaultVerifyWorkers = 4

// A VerifyJob names one file to check.
type VerifyJob struct {
	ID   string
	Path string
	Size int64
	Hash string
	CRC  uint32

	// result is written once by the worker: 0 while pending, else the
	// Result plus one.
	result int32
}

// Result returns the outcome of the job and whether it has finished.
func (j *VerifyJob) Result() (Result, bool) {
	v := atomic.LoadInt32(&j.result)
	if v == 0 {
		return 0, false
	}
	return Result(v - 1), true
}

// VerifyOperation checks a list of files on a bounded pool of goroutines.
// The scheduler goroutine hands jobs to the pool while the tick has time
// left, and notices finished jobs by polling each job's result word. No
// other state is shared with the workers.
type VerifyOperation struct {
	op.Base

	Level Level
	Jobs  []*VerifyJob

	gate     *util.Gate
	next     int // index of the next job to dispatch
	finished int
	aborted  int32
}

// NewVerifyOperation returns an operation verifying jobs at level, using
// gate to bound the number of concurrent workers. A nil gate gets a
// private one of DefaultVerifyWorkers.
func NewVerifyOperation(gate *util.Gate, level Level, jobs []*VerifyJob) *VerifyOperation {
	if gate == nil {
		gate = util.NewGate(DefaultVerifyWorkers)
	}
	return &VerifyOperation{
		Level: level,
		Jobs:  jobs,
		gate:  gate,
	}
}

func (v *VerifyOperation) OnStart() {}

func (v *VerifyOperation) OnUpdate() {
	for v.next < len(v.Jobs) && !v.IsBusy() {
		if !v.gate.TryEnter() {
			break
		}
		job := v.Jobs[v.next]
		v.next++
		go v.work(job)
	}
	v.finished = 0
	for _, job := range v.Jobs[:v.next] {
		if _, ok := job.Result(); ok {
			v.finished++
		}
	}
	if len(v.Jobs) > 0 {
		v.SetProgress(float64(v.finished) / float64(len(v.Jobs)))
	}
	if v.finished == len(v.Jobs) {
		v.Succeed()
	}
}

func (v *VerifyOperation) OnAbort() {
	atomic.StoreInt32(&v.aborted, 1)
}

func (v *VerifyOperation) work(job *VerifyJob) {
	defer v.gate.Leave()
	r := ResultException
	if atomic.LoadInt32(&v.aborted) == 0 {
		r = Verify(job.Path, job.Size, job.Hash, job.CRC, v.Level)
	}
	atomic.StoreInt32(&job.result, int32(r)+1)
}

// Passed returns the jobs which verified successfully.
func (v *VerifyOperation) Passed() []*VerifyJob {
	return v.filter(true)
}

// Failed returns the jobs which finished with anything but ResultSucceed.
func (v *VerifyOperation) Failed() []*VerifyJob {
	return v.filter(false)
}

func (v *VerifyOperation) filter(pass bool) []*VerifyJob {
	var result []*VerifyJob
	for _, job := range v.Jobs {
		r, ok := job.Result()
		if ok && (r == ResultSucceed) == pass {
			result = append(result, job)
		}
	}
	return result
}
