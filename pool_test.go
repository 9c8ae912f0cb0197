package depot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countJob struct {
	job
	ran   *atomic.Int32
	block chan struct{} // optional, held open until closed
}

func (j *countJob) Run(ctx context.Context) {
	if j.aborted(ctx) {
		j.markAborted()
		return
	}
	j.start()

	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			j.finish(JobAborted, ErrorInfo{Message: "cancelled"})
			return
		}
	}

	j.ran.Add(1)
	j.finish(JobSuccess, ErrorInfo{})
}

func TestThreadPoolRunsAllJobs(t *testing.T) {
	tp := NewThreadPool(context.Background(), 3)
	defer tp.Close()

	var ran atomic.Int32
	jobs := make([]*countJob, 20)
	for i := range jobs {
		jobs[i] = &countJob{ran: &ran}
		tp.Push(jobs[i])
	}

	tp.Wait()
	require.True(t, tp.Idle())
	require.EqualValues(t, 20, ran.Load())
	for _, j := range jobs {
		require.Equal(t, JobSuccess, j.State())
	}
}

func TestThreadPoolWaitIsReusable(t *testing.T) {
	tp := NewThreadPool(context.Background(), 2)
	defer tp.Close()

	var ran atomic.Int32

	tp.Push(&countJob{ran: &ran})
	tp.Wait()
	require.EqualValues(t, 1, ran.Load())

	tp.Push(&countJob{ran: &ran})
	tp.Push(&countJob{ran: &ran})
	tp.Wait()
	require.EqualValues(t, 3, ran.Load())
}

func TestThreadPoolAbort(t *testing.T) {
	tp := NewThreadPool(context.Background(), 2)
	defer tp.Close()

	aborted := make(chan struct{})
	tp.OnAbort(func() { close(aborted) })

	var ran atomic.Int32
	block := make(chan struct{})
	running := &countJob{ran: &ran, block: block}
	tp.Push(running)

	tp.Abort()
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("abort hook not called")
	}

	// pushed after the abort, must never run
	late := &countJob{ran: &ran}
	tp.Push(late)

	tp.Wait()
	require.Equal(t, JobAborted, running.State())
	require.Equal(t, JobAborted, late.State())
	require.EqualValues(t, 0, ran.Load())
}

func TestThreadPoolHooks(t *testing.T) {
	tp := NewThreadPool(context.Background(), 1)
	defer tp.Close()

	var pushed, finished atomic.Int32
	tp.OnPush(func(j Job) {
		pushed.Add(1)
		j.OnFinish(func() { finished.Add(1) })
	})

	var drained atomic.Int32
	tp.OnDone(func() { drained.Add(1) })

	var ran atomic.Int32
	tp.Push(&countJob{ran: &ran})
	tp.Push(&countJob{ran: &ran})

	tp.Wait()
	// the done hook fires just after Wait unblocks
	require.Eventually(t, func() bool { return drained.Load() >= 1 },
		time.Second, 10*time.Millisecond)
	require.EqualValues(t, 2, pushed.Load())
	require.EqualValues(t, 2, finished.Load())
}
