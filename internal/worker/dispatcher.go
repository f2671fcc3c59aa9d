package worker

import (
	"container/list"
	"sync"
	"time"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
	inFlight bool
}

// Dispatcher fans jobs out to the pool while keeping per-user fairness:
// each user holds one FIFO queue and users take turns in LRU order, so a
// chatty user cannot starve everyone else's bot turns. At most one job
// per user runs at a time; a user's queued jobs wait for the running one
// to finish, so turns in one conversation never execute concurrently.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs to get into the dispatcher

	mu        sync.Mutex
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // LRU queue storing user IDs
	positions map[string]*list.Element
	wake      chan struct{} // pokes run() when a finished job frees a user
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		wake:      make(chan struct{}, 1),
	}

	// Warm up workers to keep turn latency low from the start.
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// TryEnqueue offers a job without blocking; a full queue is the caller's
// busy signal.
func (d *Dispatcher) TryEnqueue(job Job) error {
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user in the front of the LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.wake: // a user's job finished, its queue may be ready
			}
			continue
		}
		// if we have a new job, enqueue it and its caller user
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) CancelUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[userID]; ok {
		q.jobs = nil
		q.enqueued = false
		// keep the entry while a job still runs so a fresh job cannot
		// overlap it; jobDone removes the drained queue
		if !q.inFlight {
			delete(d.queues, userID)
		}
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.inFlight {
		// user already queued or running a job, one at a time per user
		return
	}
	// new user, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne get first user in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	// get job from the first user
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	// the user leaves the ready queue until this job completes; jobDone
	// re-admits them, so their remaining jobs stay FIFO and serialized
	q.inFlight = true
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, userID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign job %d for user %s", job.Type, userID)
	workerChan <- job
	return true
}

// jobDone marks the user's running job finished and puts them at the
// back of the LRU queue when more jobs wait.
func (d *Dispatcher) jobDone(userID string) {
	d.mu.Lock()
	if q, ok := d.queues[userID]; ok {
		q.inFlight = false
		if len(q.jobs) > 0 && !q.enqueued {
			q.enqueued = true
			d.positions[userID] = d.ready.PushBack(userID)
		} else if len(q.jobs) == 0 {
			delete(d.queues, userID)
		}
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
