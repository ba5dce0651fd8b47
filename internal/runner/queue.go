package runner

import (
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// lane is a scheduling class keyed by problem time limit.
type lane int

const (
	laneFast lane = iota
	laneSlow
	laneCount
)

func (l lane) String() string {
	if l == laneFast {
		return "fast"
	}
	return "slow"
}

type job struct {
	sub     *domain.Submission
	problem *domain.Problem
	lane    lane
}

// dispatchQueue holds queued jobs in two FIFO lanes and hands them out by
// weighted round-robin. Capacity covers both lanes plus reserved slots.
type dispatchQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	lanes    [laneCount][]*job
	weights  [laneCount]int
	credit   [laneCount]int
	capacity int
	reserved int
	closed   bool
}

func newDispatchQueue(capacity, fastWeight, slowWeight int) *dispatchQueue {
	q := &dispatchQueue{
		capacity: capacity,
		weights:  [laneCount]int{fastWeight, slowWeight},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// reserve claims a slot, failing when the queue is saturated.
func (q *dispatchQueue) reserve() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.lenLocked()+q.reserved >= q.capacity {
		return false
	}
	q.reserved++
	return true
}

// release returns an unused reservation.
func (q *dispatchQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
}

// push enqueues j using a reservation taken earlier.
func (q *dispatchQueue) push(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
	q.lanes[j.lane] = append(q.lanes[j.lane], j)
	q.cond.Signal()
}

// requeue enqueues j without a reservation. Used for crash recovery, which
// may exceed capacity.
func (q *dispatchQueue) requeue(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[j.lane] = append(q.lanes[j.lane], j)
	q.cond.Signal()
}

// next blocks until a job is available. It returns false once the queue is
// closed and drained of waiters. A non-nil claim runs on the picked job
// before the queue lock is released, so remove never misses a job that is
// neither queued nor claimed.
func (q *dispatchQueue) next(claim func(*job)) (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.lenLocked() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	j := q.pickLocked()
	if claim != nil {
		claim(j)
	}
	return j, true
}

// pickLocked applies weighted round-robin: each round grants every lane its
// weight in picks, and an empty lane forfeits its remaining credit.
func (q *dispatchQueue) pickLocked() *job {
	for attempt := 0; attempt < 2; attempt++ {
		for l := lane(0); l < laneCount; l++ {
			if q.credit[l] > 0 && len(q.lanes[l]) > 0 {
				q.credit[l]--
				return q.popLocked(l)
			}
		}
		q.credit = q.weights
	}
	// Weights of zero: fall back to plain priority order.
	for l := lane(0); l < laneCount; l++ {
		if len(q.lanes[l]) > 0 {
			return q.popLocked(l)
		}
	}
	return nil
}

func (q *dispatchQueue) popLocked(l lane) *job {
	j := q.lanes[l][0]
	q.lanes[l][0] = nil
	q.lanes[l] = q.lanes[l][1:]
	return j
}

// remove drops a queued job by submission id.
func (q *dispatchQueue) remove(id uuid.UUID) (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for l := range q.lanes {
		for i, j := range q.lanes[l] {
			if j.sub.ID == id {
				q.lanes[l] = append(q.lanes[l][:i], q.lanes[l][i+1:]...)
				return j, true
			}
		}
	}
	return nil, false
}

// depth returns queued job counts per lane.
func (q *dispatchQueue) depth() (fast, slow int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[laneFast]), len(q.lanes[laneSlow])
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *dispatchQueue) lenLocked() int {
	return len(q.lanes[laneFast]) + len(q.lanes[laneSlow])
}
