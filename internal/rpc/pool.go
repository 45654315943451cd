package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of handler work.
type Task func()

// Pool runs RPC handlers on a fixed set of worker goroutines so a burst
// of requests cannot spawn unbounded goroutines. When the queue is full
// the task runs synchronously in the caller, which applies backpressure
// to the transport.
type Pool struct {
	tasks   chan Task
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	log     zerolog.Logger
}

func NewPool(workers, queueSize int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan Task, queueSize),
		log:   log.With().Str("component", "rpc_pool").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("RPC handler panicked")
		}
	}()
	task()
}

// Submit queues the task, running it inline when the queue is full.
func (p *Pool) Submit(task Task) {
	if p.closed.Load() {
		return
	}
	select {
	case p.tasks <- task:
	default:
		p.dropped.Add(1)
		p.run(task)
	}
}

func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.tasks)
		p.wg.Wait()
	}
}
