package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replinet/internal/rcode"
)

// recordingJob appends its id to a shared log when it runs.
type recordingJob struct {
	timeJob
	id   int
	dead bool
	log  *[]int
}

func (j *recordingJob) Kind() string      { return "recording" }
func (j *recordingJob) IsAlive() bool     { return !j.dead }
func (j *recordingJob) Update(now uint64) { *j.log = append(*j.log, j.id) }

func newRecordingJob(id int, target uint64, log *[]int) *recordingJob {
	return &recordingJob{timeJob: timeJob{target: target}, id: id, log: log}
}

func popAll(q *timeJobQueue, now uint64) []int {
	var ids []int
	for {
		j, _ := q.popDue(now)
		if j == nil {
			return ids
		}
		ids = append(ids, j.(*recordingJob).id)
	}
}

func TestTimeJobTiesPopInPushOrder(t *testing.T) {
	q := newTimeJobQueue()
	var late, early []int
	for i := 0; i < 50; i++ {
		target := uint64(100)
		if i%2 == 0 {
			target = 200
			late = append(late, i)
		} else {
			early = append(early, i)
		}
		q.push(newRecordingJob(i, target, nil))
	}
	require.Equal(t, 50, q.len())

	assert.Equal(t, append(early, late...), popAll(q, 1000))
	assert.Zero(t, q.len())
}

func TestTimeJobPopDueWaitsForTarget(t *testing.T) {
	q := newTimeJobQueue()
	j, next := q.popDue(0)
	assert.Nil(t, j)
	assert.Zero(t, next, "an empty queue has no next target")

	q.push(newRecordingJob(1, 100, nil))
	j, next = q.popDue(99)
	assert.Nil(t, j)
	assert.Equal(t, uint64(100), next)

	j, _ = q.popDue(100)
	require.NotNil(t, j)
	assert.Equal(t, uint64(100), j.Target())
}

func TestTimeJobQueueNext(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := newTestClock(1000)
	q := newTimeJobQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j, ok := q.next(ctx, clock)
	assert.False(t, ok, "a cancelled wait returns")
	assert.Nil(t, j)

	got := make(chan TimeJob, 1)
	go func() {
		j, _ := q.next(context.Background(), clock)
		got <- j
	}()
	q.push(newRecordingJob(7, 1000, nil))
	select {
	case j := <-got:
		require.NotNil(t, j)
		assert.Equal(t, 7, j.(*recordingJob).id)
	case <-time.After(5 * time.Second):
		t.Fatal("a push did not wake the waiting core")
	}
}

func TestReductionQueueIsFIFO(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newReductionQueue()
	var views []*rcode.View
	for i := 0; i < 3; i++ {
		v := rcode.NewView(rcode.SyncOnce, uint64(i), 1, 1, nil, nil, rcode.NewEntity(1))
		views = append(views, v)
		q.push(reductionJob{input: v})
	}
	require.Equal(t, 3, q.len())

	for _, want := range views {
		j, ok := q.tryPop()
		require.True(t, ok)
		assert.Same(t, want, j.input)
	}
	_, ok := q.tryPop()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = q.next(ctx)
	assert.False(t, ok)
}

func TestRunTimeJobSkipsDeadJobs(t *testing.T) {
	m := New(DefaultSettings(), WithClock(newTestClock(1000)))
	var log []int
	dead := newRecordingJob(1, 1000, &log)
	dead.dead = true
	m.runTimeJob(dead)
	m.runTimeJob(newRecordingJob(2, 1000, &log))
	assert.Equal(t, []int{2}, log)
}

func TestDrainRunsDueJobsInOrder(t *testing.T) {
	clock := newTestClock(1000)
	m := New(DefaultSettings(), WithClock(clock))
	var log []int
	m.pushTimeJob(newRecordingJob(3, 2000, &log))
	m.pushTimeJob(newRecordingJob(1, 900, &log))
	m.pushTimeJob(newRecordingJob(2, 900, &log))

	m.drain()
	assert.Equal(t, []int{1, 2}, log)

	clock.set(2000)
	m.drain()
	assert.Equal(t, []int{1, 2, 3}, log)
}
