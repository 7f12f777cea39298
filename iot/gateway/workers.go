package gateway

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

type result struct {
	record telemetry.Record
	err    error
}

type job struct {
	ctx    context.Context
	record telemetry.Record
	// done receives the outcome, nil for best-effort jobs
	done chan<- result
}

// workerPool sequences all appends. Records of one owner always go to the same
// worker, so they are accepted in publish order regardless of their QoS.
type workerPool struct {
	queues []chan job
	wg     sync.WaitGroup

	mutex  sync.RWMutex
	closed bool
}

func newWorkerPool(workers, queueSize int, handle func(ctx context.Context, record telemetry.Record) (telemetry.Record, error)) *workerPool {
	p := &workerPool{queues: make([]chan job, workers)}
	for i := range p.queues {
		q := make(chan job, queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range q {
				stored, err := handle(j.ctx, j.record)
				if j.done != nil {
					j.done <- result{record: stored, err: err}
				}
			}
		}()
	}
	return p
}

func (p *workerPool) queue(owner telemetry.OwnerKey) chan job {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// enqueue queues j on the worker of its owner and waits for space while the worker
// is saturated. It returns false if the pool is closed, and the context error if
// ctx ends before the job could be queued.
func (p *workerPool) enqueue(ctx context.Context, j job) (bool, error) {
	q := p.queue(j.record.OwnerKey)

	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.closed {
		return false, nil
	}
	select {
	case q <- j:
		return true, nil
	default:
	}
	select {
	case q <- j:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// close stops accepting jobs and waits until all queued jobs are done
func (p *workerPool) close() {
	p.mutex.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mutex.Unlock()
	p.wait()
}

// wait blocks until the workers of a closed pool have drained their queues
func (p *workerPool) wait() {
	p.wg.Wait()
}
