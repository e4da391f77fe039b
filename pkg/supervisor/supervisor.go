package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
)

// DiagnosticPrefix marks a structured diagnostic line on the worker's stderr.
const DiagnosticPrefix = "STOCKPILOT_DIAG|"

// stderr kept as failure evidence is capped; only the tail survives.
const stderrTailLimit = 64 * 1024

// BatchSink receives incremental progress and diagnostics while the worker
// runs. Satisfied by the importer repository.
type BatchSink interface {
	SetProcessedCount(ctx context.Context, batchID string, processed int) error
	AppendDiagnostics(ctx context.Context, batchID string, entries []models.DiagnosticEntry) error
}

type Job struct {
	BatchID     string
	TenantID    string
	Kind        models.ImportKind
	DataPath    string // absolute
	SidecarPath string // absolute
}

type Result struct {
	ExitCode       int
	TimedOut       bool
	PartialSuccess bool
	Stderr         string
}

// progressEvent is the stdout wire format. Any line that does not parse as
// one is informational log output, not an error.
type progressEvent struct {
	Type           string `json:"type"`
	TotalProcessed int    `json:"totalProcessed"`
}

type Supervisor struct {
	resolver        *Resolver
	sink            BatchSink
	dsn             string
	script          string
	timeout         time.Duration
	partialExitCode int
}

func New(resolver *Resolver, sink BatchSink, dsn, script string, timeout time.Duration, partialExitCode int) *Supervisor {
	return &Supervisor{
		resolver:        resolver,
		sink:            sink,
		dsn:             dsn,
		script:          script,
		timeout:         timeout,
		partialExitCode: partialExitCode,
	}
}

// Run supervises exactly one bulk-loader process to completion: preflight,
// spawn, stream stdout/stderr, enforce the wall-clock timeout, and report the
// exit. Spawn failures and preflight failures return an error with no Result;
// once the process starts, the outcome is always a Result.
func (s *Supervisor) Run(ctx context.Context, job Job) (*Result, error) {
	if !job.Kind.Concrete() {
		return nil, PreflightError{Reason: fmt.Sprintf("import kind %q must be resolved before the worker runs", job.Kind)}
	}
	if _, err := os.Stat(job.DataPath); err != nil {
		return nil, PreflightError{Reason: fmt.Sprintf("data file missing: %v", err)}
	}
	if _, err := os.Stat(job.SidecarPath); err != nil {
		return nil, PreflightError{Reason: fmt.Sprintf("mapping sidecar missing: %v", err)}
	}

	interpreter, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpreter, s.script,
		s.dsn, job.BatchID, job.DataPath, string(job.Kind), job.SidecarPath)
	// Unbuffered output so progress streams in near-real-time instead of
	// batching at process exit.
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"batch_id":    job.BatchID,
		"tenant_id":   job.TenantID,
		"kind":        job.Kind,
		"interpreter": interpreter,
	}).Info("worker started")

	var wg sync.WaitGroup
	var stderrTail strings.Builder

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consumeStdout(ctx, job.BatchID, stdout)
	}()
	go func() {
		defer wg.Done()
		s.consumeStderr(ctx, job.BatchID, stderr, &stderrTail)
	}()

	// Pipes must drain before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	result := &Result{Stderr: tail(stderrTail.String())}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		logger.Log.WithFields(map[string]interface{}{
			"batch_id": job.BatchID,
			"timeout":  s.timeout.String(),
		}).Error("worker exceeded timeout, terminated")
		return result, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("waiting for worker: %w", waitErr)
		}
	}

	result.PartialSuccess = result.ExitCode == s.partialExitCode

	logger.Log.WithFields(map[string]interface{}{
		"batch_id":  job.BatchID,
		"exit_code": result.ExitCode,
		"partial":   result.PartialSuccess,
	}).Info("worker exited")

	return result, nil
}

// Succeeded reports whether the exit indicates the data load held, either
// cleanly or with acknowledged per-row failures.
func (r *Result) Succeeded() bool {
	return !r.TimedOut && (r.ExitCode == 0 || r.PartialSuccess)
}

func (s *Supervisor) consumeStdout(ctx context.Context, batchID string, r io.Reader) {
	decoder := &LineDecoder{}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range decoder.Feed(buf[:n]) {
				s.applyStdoutLine(ctx, batchID, line)
			}
		}
		if err != nil {
			if line, ok := decoder.Flush(); ok {
				s.applyStdoutLine(ctx, batchID, line)
			}
			return
		}
	}
}

func (s *Supervisor) applyStdoutLine(ctx context.Context, batchID, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	var event progressEvent
	if err := json.Unmarshal([]byte(line), &event); err == nil && event.Type == "chunk_completed" {
		if err := s.sink.SetProcessedCount(ctx, batchID, event.TotalProcessed); err != nil {
			logger.Log.WithError(err).WithField("batch_id", batchID).Warn("failed to persist progress")
		}
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"batch_id": batchID,
		"line":     line,
	}).Debug("worker stdout")
}

func (s *Supervisor) consumeStderr(ctx context.Context, batchID string, r io.Reader, raw *strings.Builder) {
	decoder := &LineDecoder{}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range decoder.Feed(buf[:n]) {
				s.applyStderrLine(ctx, batchID, line, raw)
			}
		}
		if err != nil {
			if line, ok := decoder.Flush(); ok {
				s.applyStderrLine(ctx, batchID, line, raw)
			}
			return
		}
	}
}

func (s *Supervisor) applyStderrLine(ctx context.Context, batchID, line string, raw *strings.Builder) {
	if strings.HasPrefix(line, DiagnosticPrefix) {
		payload := strings.TrimPrefix(line, DiagnosticPrefix)
		var entry models.DiagnosticEntry
		if err := json.Unmarshal([]byte(payload), &entry); err == nil {
			entry.Timestamp = time.Now().UTC()
			if err := s.sink.AppendDiagnostics(ctx, batchID, []models.DiagnosticEntry{entry}); err != nil {
				logger.Log.WithError(err).WithField("batch_id", batchID).Warn("failed to persist diagnostics")
			}
			return
		}
	}

	// Raw noise, but preserved verbatim as failure evidence.
	raw.WriteString(line)
	raw.WriteString("\n")
}

func tail(s string) string {
	if len(s) <= stderrTailLimit {
		return s
	}
	return s[len(s)-stderrTailLimit:]
}
