package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init()
}

type fakeSink struct {
	processed   []int
	diagnostics []models.DiagnosticEntry
	err         error
}

func (f *fakeSink) SetProcessedCount(ctx context.Context, batchID string, processed int) error {
	if f.err != nil {
		return f.err
	}
	f.processed = append(f.processed, processed)
	return nil
}

func (f *fakeSink) AppendDiagnostics(ctx context.Context, batchID string, entries []models.DiagnosticEntry) error {
	if f.err != nil {
		return f.err
	}
	f.diagnostics = append(f.diagnostics, entries...)
	return nil
}

func newTestSupervisor(sink BatchSink) *Supervisor {
	resolver := NewResolver([]string{"python3"}, nil)
	return New(resolver, sink, "host=localhost", "/opt/loader.py", time.Minute, 3)
}

func TestApplyStdoutLineProgressInArrivalOrder(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(sink)

	s.applyStdoutLine(context.Background(), "batch-1", `{"type":"chunk_completed","totalProcessed":50}`)
	s.applyStdoutLine(context.Background(), "batch-1", `{"type":"chunk_completed","totalProcessed":120}`)

	assert.Equal(t, []int{50, 120}, sink.processed)
}

func TestApplyStdoutLineIgnoresUnparsableLines(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(sink)

	s.applyStdoutLine(context.Background(), "batch-1", "loading chunk 3 of 10")
	s.applyStdoutLine(context.Background(), "batch-1", `{"type":"something_else","totalProcessed":999}`)
	s.applyStdoutLine(context.Background(), "batch-1", "")

	assert.Empty(t, sink.processed)
}

func TestApplyStderrLineParsesDiagnosticPrefix(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(sink)
	var raw strings.Builder

	s.applyStderrLine(context.Background(), "batch-1",
		DiagnosticPrefix+`{"level":"warning","message":"3 rows skipped","context":{"reason":"bad date"}}`, &raw)

	require.Len(t, sink.diagnostics, 1)
	entry := sink.diagnostics[0]
	assert.Equal(t, "warning", entry.Level)
	assert.Equal(t, "3 rows skipped", entry.Message)
	assert.Equal(t, "bad date", entry.Context["reason"])
	assert.False(t, entry.Timestamp.IsZero())
	assert.Empty(t, raw.String())
}

func TestApplyStderrLinePreservesRawNoise(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(sink)
	var raw strings.Builder

	s.applyStderrLine(context.Background(), "batch-1", "Traceback (most recent call last):", &raw)
	s.applyStderrLine(context.Background(), "batch-1", DiagnosticPrefix+"not valid json", &raw)

	assert.Empty(t, sink.diagnostics)
	assert.Contains(t, raw.String(), "Traceback")
	// A malformed diagnostic line degrades to raw evidence instead of
	// being dropped.
	assert.Contains(t, raw.String(), "not valid json")
}

func TestResultSucceeded(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   bool
	}{
		{"clean exit", Result{ExitCode: 0}, true},
		{"partial success code", Result{ExitCode: 3, PartialSuccess: true}, true},
		{"fatal exit", Result{ExitCode: 1}, false},
		{"timed out", Result{TimedOut: true, ExitCode: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Succeeded())
		})
	}
}

func TestResolverPicksFirstValidCandidate(t *testing.T) {
	r := NewResolver([]string{"/usr/bin/py-a", "/usr/bin/py-b", "/usr/bin/py-c"}, []string{"pandas"})
	r.probe = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "/usr/bin/py-a":
			return nil, errors.New("no such file")
		case "/usr/bin/py-b":
			if args[0] == "--version" {
				return []byte("Python 3.11.4\n"), nil
			}
			return []byte("ModuleNotFoundError: No module named 'pandas'"), errors.New("exit status 1")
		default:
			if args[0] == "--version" {
				return []byte("Python 3.9.2\n"), nil
			}
			return nil, nil
		}
	}

	resolved, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/py-c", resolved)
}

func TestResolverRejectsPython2(t *testing.T) {
	r := NewResolver([]string{"python"}, nil)
	r.probe = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Python 2.7.18\n"), nil
	}

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, IsPreflightError(err))
}

func TestResolverNoCandidates(t *testing.T) {
	r := NewResolver(nil, nil)
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, IsPreflightError(err))
}

func TestRunRejectsUnresolvedKind(t *testing.T) {
	s := newTestSupervisor(&fakeSink{})

	_, err := s.Run(context.Background(), Job{
		BatchID:     "batch-1",
		Kind:        models.KindBoth,
		DataPath:    "/tmp/data.csv",
		SidecarPath: "/tmp/data.csv.mapping.json",
	})
	require.Error(t, err)
	assert.True(t, IsPreflightError(err))
	assert.Contains(t, err.Error(), "both")
}

func TestRunRejectsMissingDataFile(t *testing.T) {
	s := newTestSupervisor(&fakeSink{})

	_, err := s.Run(context.Background(), Job{
		BatchID:     "batch-1",
		Kind:        models.KindInventory,
		DataPath:    fmt.Sprintf("%s/does-not-exist.csv", t.TempDir()),
		SidecarPath: "/tmp/whatever.json",
	})
	require.Error(t, err)
	assert.True(t, IsPreflightError(err))
}

func TestTailCapsEvidence(t *testing.T) {
	long := strings.Repeat("x", stderrTailLimit+100)
	assert.Len(t, tail(long), stderrTailLimit)
	assert.Equal(t, "short", tail("short"))
}
