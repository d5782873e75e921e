package concurrency

import (
	"context"
	"fmt"
	"sync"
)

type Work func(ctx context.Context) (interface{}, error)

type Result struct {
	Key   string
	Value interface{}
	Error error
}

type job struct {
	key  string
	work Work
}

// WorkPool runs a batch of keyed jobs on a fixed number of workers. Jobs
// that share a key run one after another on the same worker, in the order
// they were added.
type WorkPool struct {
	workerCount int
	jobs        []job
}

func NewWorkPool(workerCount int) *WorkPool {
	if workerCount < 1 {
		workerCount = 1
	}

	return &WorkPool{
		workerCount: workerCount,
	}
}

func (w *WorkPool) AddJob(key string, work Work) {
	w.jobs = append(w.jobs, job{key: key, work: work})
}

func (w *WorkPool) Len() int {
	return len(w.jobs)
}

// Run executes every added job and blocks until all of them returned. Jobs
// that were not started before ctx is done report ctx.Err().
func (w *WorkPool) Run(ctx context.Context) []Result {
	groups := make(map[string][]job)
	var order []string
	for _, j := range w.jobs {
		if _, ok := groups[j.key]; !ok {
			order = append(order, j.key)
		}
		groups[j.key] = append(groups[j.key], j)
	}

	workChannel := make(chan []job, len(order))
	resultChannel := make(chan Result, len(w.jobs))
	for _, key := range order {
		workChannel <- groups[key]
	}
	close(workChannel)

	var wg sync.WaitGroup
	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range workChannel {
				for _, j := range group {
					resultChannel <- runJob(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	close(resultChannel)

	r := make([]Result, 0, len(w.jobs))
	for result := range resultChannel {
		r = append(r, result)
	}
	w.jobs = nil
	return r
}

func runJob(ctx context.Context, j job) (result Result) {
	result.Key = j.key
	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Errorf("paniced with %v", r)
			result.Value = nil
		}
	}()
	result.Value, result.Error = j.work(ctx)
	return result
}
