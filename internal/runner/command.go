// Package runner executes a job's URLs through the external test harness.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

const (
	// maxStderr bounds how much harness stderr is kept for error messages.
	maxStderr = 4 << 10
	// DefaultMaxOutput bounds the stdout batch when MaxOutput is unset.
	DefaultMaxOutput = 32 << 20
)

// ErrHarness marks a harness that exited non-zero or printed no usable batch.
var ErrHarness = errors.New("harness failed")

// Command runs Path with Args followed by the job URLs. The job itself is
// written to stdin as JSON and a {header, details} batch is read from stdout.
// Output beyond MaxOutput bytes fails the run.
type Command struct {
	Path      string
	Args      []string
	Timeout   time.Duration
	Env       []string
	MaxOutput int
	logger    *zap.Logger
}

// NewCommand builds a Command. A zero timeout leaves runs unbounded.
func NewCommand(path string, args []string, timeout time.Duration, logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{Path: path, Args: args, Timeout: timeout, MaxOutput: DefaultMaxOutput, logger: logger}
}

// Run executes the harness for job.
func (c *Command) Run(ctx context.Context, job triage.Job) (ingest.Batch, error) {
	if c.Path == "" {
		return ingest.Batch{}, fmt.Errorf("%w: no command configured", ErrHarness)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(job)
	if err != nil {
		return ingest.Batch{}, fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	args := append(append([]string{}, c.Args...), job.URLs...)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	maxOutput := c.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	stdout := &limitedBuffer{max: maxOutput}
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	logger := c.logger.With(zap.String("job_id", job.ID), zap.Duration("elapsed", time.Since(started)))
	if runErr != nil {
		if ctx.Err() != nil {
			return ingest.Batch{}, fmt.Errorf("run job %s: %w", job.ID, ctx.Err())
		}
		logger.Warn("harness exited with error", zap.Error(runErr), zap.String("stderr", stderr.String()))
		return ingest.Batch{}, fmt.Errorf("%w: job %s: %v: %s", ErrHarness, job.ID, runErr, strings.TrimSpace(stderr.String()))
	}

	if stdout.truncated {
		return ingest.Batch{}, fmt.Errorf("%w: job %s: output exceeds %d bytes", ErrHarness, job.ID, maxOutput)
	}
	var batch ingest.Batch
	if err := json.NewDecoder(&stdout.buf).Decode(&batch); err != nil {
		return ingest.Batch{}, fmt.Errorf("%w: job %s: decode output: %v", ErrHarness, job.ID, err)
	}
	logger.Debug("harness finished", zap.Int("details", len(batch.Details)))
	return batch, nil
}

// limitedBuffer keeps the first max bytes and drains the rest so the child
// never blocks on a full pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
