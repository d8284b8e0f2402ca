package core

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// =============================================================================
// TIME-JOB QUEUE
// =============================================================================
//
// Jobs are ordered by target time, ties broken by push order. Time cores block
// until the earliest job is due; a push wakes one sleeper so it can re-check
// the head of the queue.

type queuedJob struct {
	job TimeJob
	seq uint64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	ti, tj := h[i].job.Target(), h[j].job.Target()
	if ti != tj {
		return ti < tj
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(queuedJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = queuedJob{}
	*h = old[:n-1]
	return it
}

type timeJobQueue struct {
	mu   sync.Mutex
	jobs jobHeap
	seq  uint64
	wake chan struct{}
}

func newTimeJobQueue() *timeJobQueue {
	return &timeJobQueue{wake: make(chan struct{}, 1)}
}

func (q *timeJobQueue) push(j TimeJob) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.jobs, queuedJob{job: j, seq: q.seq})
	q.mu.Unlock()
	q.signal()
}

func (q *timeJobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *timeJobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// popDue removes the earliest job if it is due at now. Otherwise it returns
// the target of the earliest job (0 when empty).
func (q *timeJobQueue) popDue(now uint64) (TimeJob, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, 0
	}
	if t := q.jobs[0].job.Target(); t > now {
		return nil, t
	}
	it := heap.Pop(&q.jobs).(queuedJob)
	if len(q.jobs) > 0 && q.jobs[0].job.Target() <= now {
		q.signal()
	}
	return it.job, 0
}

// next blocks until a job is due or ctx is done.
func (q *timeJobQueue) next(ctx context.Context, clock Clock) (TimeJob, bool) {
	for {
		job, target := q.popDue(clock.Now())
		if job != nil {
			return job, true
		}
		var timeout <-chan time.Time
		var timer *time.Timer
		if target != 0 {
			now := clock.Now()
			if target <= now {
				continue
			}
			timer = time.NewTimer(time.Duration(target-now) * time.Microsecond)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, false
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// =============================================================================
// REDUCTION QUEUE
// =============================================================================

type reductionJob struct {
	controller Controller
	input      *rcode.View
}

type reductionQueue struct {
	mu   sync.Mutex
	jobs []reductionJob
	wake chan struct{}
}

func newReductionQueue() *reductionQueue {
	return &reductionQueue{wake: make(chan struct{}, 1)}
}

func (q *reductionQueue) push(j reductionJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *reductionQueue) tryPop() (reductionJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return reductionJob{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = reductionJob{}
	q.jobs = q.jobs[1:]
	if len(q.jobs) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return j, true
}

func (q *reductionQueue) next(ctx context.Context) (reductionJob, bool) {
	for {
		if j, ok := q.tryPop(); ok {
			return j, true
		}
		select {
		case <-ctx.Done():
			return reductionJob{}, false
		case <-q.wake:
		}
	}
}

func (q *reductionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// =============================================================================
// CORES
// =============================================================================

var lateJobs = logging.NewThrottle(5, 10*time.Second)

func (m *Mem) timeCore(ctx context.Context, id int) error {
	logging.SchedDebug("time core %d started", id)
	defer logging.SchedDebug("time core %d stopped", id)
	for {
		job, ok := m.jobs.next(ctx, m.clock)
		if !ok {
			return nil
		}
		m.runTimeJob(job)
	}
}

func (m *Mem) runTimeJob(job TimeJob) {
	if !job.IsAlive() {
		return
	}
	now := m.Now()
	late := "false"
	if target := job.Target(); now > target+m.cfg().TimeTolerance {
		late = "true"
		lateJobs.Warn(logging.CategorySched, "%s job late by %s", job.Kind(),
			time.Duration(now-target)*time.Microsecond)
	}
	timeJobsTotal.WithLabelValues(job.Kind(), late).Inc()
	job.Update(now)
}

func (m *Mem) reductionCore(ctx context.Context, id int) error {
	logging.SchedDebug("reduction core %d started", id)
	defer logging.SchedDebug("reduction core %d stopped", id)
	for {
		j, ok := m.reductions.next(ctx)
		if !ok {
			return nil
		}
		m.runReduction(j)
	}
}

func (m *Mem) runReduction(j reductionJob) {
	if j.controller.IsInvalidated() || j.input.Object().IsInvalidated() {
		return
	}
	reductionsTotal.Inc()
	j.controller.Reduce(j.input)
}

// pushTimeJob schedules j.
func (m *Mem) pushTimeJob(j TimeJob) {
	m.jobs.push(j)
}

// pushReduction schedules an input for a controller.
func (m *Mem) pushReduction(c Controller, input *rcode.View) {
	m.reductions.push(reductionJob{controller: c, input: input})
}

// drain runs every due time job and every queued reduction on the calling
// goroutine until both queues are quiet. It is how a stopped memory is
// stepped deterministically.
func (m *Mem) drain() {
	for {
		progressed := false
		for {
			j, ok := m.reductions.tryPop()
			if !ok {
				break
			}
			progressed = true
			m.runReduction(j)
		}
		if job, _ := m.jobs.popDue(m.Now()); job != nil {
			progressed = true
			m.runTimeJob(job)
		}
		if !progressed {
			return
		}
	}
}
