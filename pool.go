package depot

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// JobState is the lifecycle state of a pooled job. Success, Failure and
// Aborted are terminal.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSuccess
	JobFailure
	JobAborted
)

// Job is a unit of blocking work (download, extraction, compression) run by
// the ThreadPool. Everything else in a transaction happens on the
// orchestrator goroutine.
type Job interface {
	// Run performs the blocking work and must end in a terminal state.
	// Implementations check ctx cooperatively; in-flight I/O is not
	// forcibly interrupted.
	Run(ctx context.Context)

	State() JobState
	Error() ErrorInfo
	Summary() string
	OnStart(func())
	OnFinish(func())

	markAborted()
}

// job carries the lifecycle shared by all pool job variants.
type job struct {
	mu       sync.Mutex
	state    JobState
	err      ErrorInfo
	summary  string
	onStart  []func()
	onFinish []func()
}

func (j *job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *job) Error() ErrorInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *job) Summary() string { return j.summary }

func (j *job) OnStart(fn func())  { j.onStart = append(j.onStart, fn) }
func (j *job) OnFinish(fn func()) { j.onFinish = append(j.onFinish, fn) }

func (j *job) start() {
	j.mu.Lock()
	j.state = JobRunning
	hooks := j.onStart
	j.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (j *job) finish(state JobState, err ErrorInfo) {
	j.mu.Lock()
	if j.state == JobAborted || j.state == JobSuccess || j.state == JobFailure {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.err = err
	hooks := j.onFinish
	j.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (j *job) markAborted() { j.finish(JobAborted, ErrorInfo{Message: "cancelled"}) }

// aborted reports whether the job should stop before doing blocking work.
func (j *job) aborted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return j.State() == JobAborted
}

// ThreadPool runs jobs with bounded concurrency and tells the orchestrator
// when every pushed job has settled.
type ThreadPool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	workers *pool.Pool

	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool

	onPush  func(Job)
	onAbort func()
	onDone  func()
}

// NewThreadPool creates a pool bounded to max concurrent jobs, tied to ctx.
func NewThreadPool(ctx context.Context, max int) *ThreadPool {
	if max < 1 {
		max = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	tp := &ThreadPool{
		ctx:     ctx,
		cancel:  cancel,
		workers: pool.New().WithMaxGoroutines(max),
	}
	tp.cond = sync.NewCond(&tp.mu)
	return tp
}

func (tp *ThreadPool) OnPush(fn func(Job)) { tp.onPush = fn }
func (tp *ThreadPool) OnAbort(fn func())   { tp.onAbort = fn }
func (tp *ThreadPool) OnDone(fn func())    { tp.onDone = fn }

// Push submits a job. Jobs pushed after an abort, or picked up by a worker
// after one, settle as Aborted without running.
func (tp *ThreadPool) Push(j Job) {
	if tp.onPush != nil {
		tp.onPush(j)
	}

	tp.mu.Lock()
	tp.active++
	tp.mu.Unlock()

	tp.workers.Go(func() {
		if tp.ctx.Err() != nil {
			j.markAborted()
		} else {
			j.Run(tp.ctx)
		}
		tp.settle()
	})
}

func (tp *ThreadPool) settle() {
	tp.mu.Lock()
	tp.active--
	idle := tp.active == 0
	tp.cond.Broadcast()
	tp.mu.Unlock()

	if idle && tp.onDone != nil {
		tp.onDone()
	}
}

// Idle reports whether every pushed job has reached a terminal state.
func (tp *ThreadPool) Idle() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.active == 0
}

// Wait blocks until the pool is idle.
func (tp *ThreadPool) Wait() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for tp.active > 0 {
		tp.cond.Wait()
	}
}

// Abort cancels the pool: running jobs stop at their next cancellation
// check, not-yet-started jobs settle as Aborted.
func (tp *ThreadPool) Abort() {
	tp.cancel()
	if tp.onAbort != nil {
		tp.onAbort()
	}
}

// Close waits for outstanding jobs and releases the worker goroutines.
func (tp *ThreadPool) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	tp.mu.Unlock()

	tp.workers.Wait()
	tp.cancel()
}
