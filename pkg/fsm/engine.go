package fsm

import (
	"context"
	"sync"
)

// Engine runs jobs in the background, one goroutine per job.
type Engine struct {
	pipeline *Pipeline
	wg       sync.WaitGroup
}

// NewEngine creates an Engine over pipeline.
func NewEngine(pipeline *Pipeline) *Engine {
	return &Engine{pipeline: pipeline}
}

// Start deploys job asynchronously. The run is detached from ctx's
// cancellation so that a closed webhook request never interrupts a sync.
func (e *Engine) Start(ctx context.Context, job *Job) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipeline.Deploy(ctx, job)
	}()
}

// Wait blocks until every started run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
