// Package filter evaluates user-supplied jq expressions against webhook
// payloads by shelling out to the jq binary. Keeping the real tool keeps
// expression semantics identical to what operators write in the shell.
package filter

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/hookwire/hookwire/internal/debug"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 2 * time.Second

// Engine runs jq expressions. The zero value is not usable; use New.
type Engine struct {
	jqPath  string
	timeout time.Duration
}

// New returns an engine using the given jq binary path ("jq" resolves via
// PATH) and per-evaluation timeout (0 means DefaultTimeout).
func New(jqPath string, timeout time.Duration) *Engine {
	if jqPath == "" {
		jqPath = "jq"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{jqPath: jqPath, timeout: timeout}
}

// Result is the outcome of one evaluation. Dropped means the expression
// selected the payload out: subprocess failure, empty output, or an output
// of exactly "false" or "null".
type Result struct {
	Produced []byte
	Dropped  bool
}

// Evaluate runs expr against payload. Subprocess failures are contained:
// they surface as Dropped, never as an error that stops the pipeline.
func (e *Engine) Evaluate(ctx context.Context, expr string, payload []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.jqPath, "-c", expr)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		debug.Logf("filter: jq failed for %q: %v (%s)", expr, err, strings.TrimSpace(stderr.String()))
		return Result{Dropped: true}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" || out == "false" || out == "null" {
		return Result{Dropped: true}
	}
	return Result{Produced: []byte(out)}
}
