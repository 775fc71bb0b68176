package worker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"

	"coachchat/internal/completion"
	"coachchat/internal/models"
)

// ErrStopped is returned for jobs submitted to or stranded in a stopped dispatcher.
var ErrStopped = fmt.Errorf("%w: completion workers stopped", models.ErrBusy)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs completions on a fixed set of workers. Jobs are grouped by
// key and keys are served round-robin, so one busy account cannot starve
// the rest. It implements completion.Client.
type Dispatcher struct {
	workerPool chan chan Job
	JobQueue   chan Job // intake for outer jobs

	limit   int64
	pending atomic.Int64

	mu     sync.Mutex
	queues map[string]*keyQueue
	ready  *list.List // LRU queue of keys

	quit     chan struct{}
	stopOnce sync.Once
	wg       conc.WaitGroup
}

var _ completion.Client = (*Dispatcher)(nil)

// NewDispatcher starts workers and the dispatch loop. At most workers+queueSize
// jobs may be outstanding; beyond that Complete fails fast with models.ErrBusy.
func NewDispatcher(client completion.Client, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	d := &Dispatcher{
		workerPool: make(chan chan Job, workers),
		JobQueue:   make(chan Job, workers+queueSize),
		limit:      int64(workers + queueSize),
		queues:     make(map[string]*keyQueue),
		ready:      list.New(),
		quit:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		NewWorker(i, d.workerPool, client, d.quit, d.release).Start(&d.wg)
	}
	d.wg.Go(d.run)
	return d
}

// Complete queues the completion and waits for its result. If ctx ends
// before a worker picks the job up, the job is dropped.
func (d *Dispatcher) Complete(ctx context.Context, turns []models.Turn, onChunk func(string) error) (string, error) {
	select {
	case <-d.quit:
		return "", ErrStopped
	default:
	}
	if d.pending.Add(1) > d.limit {
		d.release()
		return "", models.ErrBusy
	}
	job := newJob(ctx, turns, onChunk)
	select {
	case d.JobQueue <- job:
	default:
		d.release()
		return "", models.ErrBusy
	}

	select {
	case r := <-job.done:
		return r.reply, r.err
	case <-ctx.Done():
		if job.cancel() {
			d.release()
			return "", ctx.Err()
		}
	case <-d.quit:
		if job.cancel() {
			d.release()
			return "", ErrStopped
		}
	}
	// Already running; its completion observes ctx.
	r := <-job.done
	return r.reply, r.err
}

// Pending reports queued plus running jobs.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// Stop halts dispatching, fails queued jobs and waits for running ones.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	d.wg.Wait()
}

func (d *Dispatcher) release() {
	d.pending.Add(-1)
}

func (d *Dispatcher) run() {
	for {
		d.collectIntake()
		// dispatch one job of the key in front of the LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		select {
		case <-d.quit:
			d.drain()
			return
		default:
		}
	}
}

// collectIntake moves everything waiting on JobQueue into the per-key queues.
func (d *Dispatcher) collectIntake() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.ready.PushBack(job.key)
}

// dispatchOne hands the next job of the front key to an idle worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	select {
	case workerChan := <-d.workerPool:
		select {
		case workerChan <- job:
			log.Debug("dispatched completion", "key", key)
		case <-d.quit:
			d.abandon(job)
		}
	case <-d.quit:
		d.abandon(job)
	}
	return true
}

func (d *Dispatcher) abandon(job Job) {
	if job.cancel() {
		d.release()
		job.done <- result{err: ErrStopped}
	}
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	queues := d.queues
	d.queues = make(map[string]*keyQueue)
	d.ready.Init()
	d.mu.Unlock()

	for _, q := range queues {
		for _, job := range q.jobs {
			d.abandon(job)
		}
	}
	for {
		select {
		case job := <-d.JobQueue:
			d.abandon(job)
		default:
			return
		}
	}
}
