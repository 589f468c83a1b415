// Package worker provides a generic bounded worker pool.
//
// The pipeline runs build and apply jobs through a Pool so a burst of
// pushes cannot spawn unbounded goroutines. Submission is non-blocking:
// when the queue is full the caller gets ErrQueueFull and decides
// whether to retry or surface the backpressure.
//
//	pool, err := worker.NewPool(func(ctx context.Context, job BuildJob) error {
//	    return runBuild(ctx, job)
//	}, worker.WithWorkers[BuildJob](4))
//
// With a metrics registry attached the pool exports queue depth,
// utilization, and outcome counters under the configured prefix.
package worker
