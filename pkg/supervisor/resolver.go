package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
)

// PreflightError means no worker process was ever spawned.
type PreflightError struct {
	Reason string
}

func (e PreflightError) Error() string {
	return "worker preflight failed: " + e.Reason
}

func IsPreflightError(err error) bool {
	_, ok := err.(PreflightError)
	return ok
}

// probeFunc runs a candidate interpreter and returns its combined output.
// Overridable in tests.
type probeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Resolver probes an ordered list of interpreter candidates and returns the
// first one whose version and required modules both check out.
type Resolver struct {
	candidates []string
	modules    []string
	probe      probeFunc
}

func NewResolver(candidates, modules []string) *Resolver {
	return &Resolver{
		candidates: candidates,
		modules:    modules,
		probe: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	var failures []string

	for _, candidate := range r.candidates {
		out, err := r.probe(ctx, candidate, "--version")
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}
		version := strings.TrimSpace(string(out))
		if !strings.HasPrefix(version, "Python 3") {
			failures = append(failures, fmt.Sprintf("%s: unsupported version %q", candidate, version))
			continue
		}

		if len(r.modules) > 0 {
			check := "import " + strings.Join(r.modules, ", ")
			if out, err := r.probe(ctx, candidate, "-c", check); err != nil {
				failures = append(failures, fmt.Sprintf("%s: missing modules: %s", candidate, strings.TrimSpace(string(out))))
				continue
			}
		}

		logger.Log.WithFields(map[string]interface{}{
			"interpreter": candidate,
			"version":     version,
		}).Debug("resolved worker interpreter")
		return candidate, nil
	}

	return "", PreflightError{Reason: "no valid interpreter: " + strings.Join(failures, "; ")}
}
