// Package workerpool partitions trade-event processing across a fixed
// number of shards so that every position_key is always handled by
// exactly one goroutine at a time (single-writer per key): hash the key,
// hand the job to that shard's channel, and let the shard's own
// goroutine serialize everything it receives.
package workerpool

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// Job is one unit of work routed by PositionKey. Run is invoked on the
// job's shard goroutine; no other job for the same PositionKey runs
// concurrently with it, but jobs on different keys that happen to land
// in the same shard also serialize against each other.
type Job struct {
	PositionKey string
	Run         func(ctx context.Context)
}

// Pool is a fixed set of shard goroutines, each draining its own
// buffered channel. Shard count is configurable so throughput scales
// with worker_shard_count without abandoning the single-writer-per-key
// guarantee: two keys that hash to different shards truly run in
// parallel.
type Pool struct {
	shards []chan Job
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New starts shardCount goroutines, each with a buffered job queue of
// the given depth. Call Close to drain and stop them.
func New(ctx context.Context, shardCount, queueDepth int, logger *zap.Logger) *Pool {
	if shardCount < 1 {
		shardCount = 1
	}
	p := &Pool{
		shards: make([]chan Job, shardCount),
		logger: logger,
	}
	for i := range p.shards {
		ch := make(chan Job, queueDepth)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.runShard(ctx, i, ch)
	}
	return p
}

func (p *Pool) runShard(ctx context.Context, idx int, ch chan Job) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			p.safeRun(ctx, job)
		}
	}
}

func (p *Pool) safeRun(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.Error("workerpool job panicked",
					zap.String("position_key", job.PositionKey),
					zap.Any("recover", r),
				)
			}
		}
	}()
	job.Run(ctx)
}

// Submit routes job to the shard owning job.PositionKey. Submit blocks
// if that shard's queue is full, applying backpressure to the caller
// (typically the bus consumer loop) rather than dropping trades.
func (p *Pool) Submit(ctx context.Context, job Job) {
	shard := p.shards[p.shardFor(job.PositionKey)]
	select {
	case <-ctx.Done():
	case shard <- job:
	}
}

func (p *Pool) shardFor(positionKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(positionKey))
	return int(h.Sum32()) % len(p.shards)
}

// Close stops accepting new work and waits for all shards to drain
// in-flight jobs.
func (p *Pool) Close() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
