package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"coachchat/internal/completion"
	"coachchat/internal/models"
)

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

type result struct {
	reply string
	err   error
}

// Job is one completion request waiting for a worker.
type Job struct {
	key     string
	ctx     context.Context
	turns   []models.Turn
	onChunk func(string) error
	state   *atomic.Int32
	done    chan result
}

func newJob(ctx context.Context, turns []models.Turn, onChunk func(string) error) Job {
	return Job{
		key:     keyFromContext(ctx),
		ctx:     ctx,
		turns:   turns,
		onChunk: onChunk,
		state:   new(atomic.Int32),
		done:    make(chan result, 1),
	}
}

func (j Job) start() bool  { return j.state.CompareAndSwap(jobPending, jobRunning) }
func (j Job) cancel() bool { return j.state.CompareAndSwap(jobPending, jobCancelled) }

type Worker struct {
	id         int
	client     completion.Client
	workerPool chan chan Job
	jobChannel chan Job
	quit       <-chan struct{}
	finished   func()
}

func NewWorker(id int, pool chan chan Job, client completion.Client, quit <-chan struct{}, finished func()) *Worker {
	return &Worker{
		id:         id,
		client:     client,
		workerPool: pool,
		jobChannel: make(chan Job),
		quit:       quit,
		finished:   finished,
	}
}

func (w *Worker) Start(wg *conc.WaitGroup) {
	wg.Go(func() {
		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-w.quit:
				return
			}
			select {
			case job := <-w.jobChannel:
				w.handle(job)
			case <-w.quit:
				return
			}
		}
	})
}

func (w *Worker) handle(job Job) {
	if !job.start() {
		log.Debug("skip cancelled job", "worker", w.id, "key", job.key)
		return
	}
	var (
		res result
		pc  panics.Catcher
	)
	pc.Try(func() {
		res.reply, res.err = w.client.Complete(job.ctx, job.turns, job.onChunk)
	})
	if r := pc.Recovered(); r != nil {
		log.Error("completion panicked", "worker", w.id, "key", job.key, "panic", r.Value)
		res = result{err: fmt.Errorf("%w: %v", models.ErrUpstream, r.AsError())}
	}
	w.finished()
	job.done <- res
}

type keyContextKey struct{}

// WithKey tags ctx with the fairness key (usually the account id) used to
// interleave jobs from different callers.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

func keyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(keyContextKey{}).(string); ok {
		return key
	}
	return ""
}
