package postprocess

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
)

// JobFunc is the contract every recomputation job satisfies: act on the
// tenant, return nil on success. Jobs must not touch each other's inputs.
type JobFunc func(ctx context.Context, tenantID string) error

type Job struct {
	Name    string
	Timeout time.Duration
	Run     JobFunc
}

// JobResult records one job's outcome; failures carry the error text so
// operators can see which derived computation is stale.
type JobResult struct {
	Name        string    `json:"name"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Orchestrator fans out independent recomputation jobs. Each job gets its own
// timeout and its own failure isolation; one job failing or timing out never
// prevents the others from running.
type Orchestrator struct {
	jobs []Job
}

func NewOrchestrator(jobs []Job) *Orchestrator {
	return &Orchestrator{jobs: jobs}
}

// RunAll executes every job concurrently and returns all results, ordered by
// job name for stable persistence. It returns only after every job has
// resolved, so no result can race a finalization write.
func (o *Orchestrator) RunAll(ctx context.Context, tenantID string) []JobResult {
	results := make([]JobResult, len(o.jobs))

	var wg sync.WaitGroup
	for i, job := range o.jobs {
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			results[i] = runOne(ctx, tenantID, job)
		}(i, job)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// AllSucceeded reports whether every job in the set completed cleanly.
func AllSucceeded(results []JobResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// runOne races the job against its timeout. A timed-out job is
// indistinguishable from a thrown error in the aggregate outcome; its
// goroutine is left to drain on its own since JobFuncs honor ctx at best
// effort.
func runOne(ctx context.Context, tenantID string, job Job) JobResult {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- job.Run(jobCtx, tenantID)
	}()

	var err error
	select {
	case err = <-done:
	case <-jobCtx.Done():
		err = fmt.Errorf("timed out after %s", job.Timeout)
	}

	result := JobResult{
		Name:        job.Name,
		Success:     err == nil,
		DurationMS:  time.Since(start).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"job":       job.Name,
			"tenant_id": tenantID,
		}).Warn("post-processing job failed")
	}
	return result
}
