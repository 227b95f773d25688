// Package execadapter runs external commands as detector and patch
// generator implementations.
//
// The protocol is JSON over stdio: the detector receives the repository
// name as its argument and emits one finding per line; the generator
// receives the finding as JSON on stdin and emits a single candidate
// object. Any scanner or model wrapper that speaks this protocol plugs in
// through configuration, no recompile.
package execadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// maxOutputSize caps adapter output to keep a runaway command from
// exhausting memory.
const maxOutputSize = 16 * 1024 * 1024

// pipeWaitDelay forces the command's pipes closed after cancellation even
// when an orphaned child process keeps them open; without it a detector
// that spawns children could hold the stream open past its own death.
const pipeWaitDelay = 3 * time.Second

// Detector runs an external command that scans a repository and emits
// findings as JSON lines on stdout.
type Detector struct {
	command []string
	logger  *zap.Logger
}

// NewDetector creates an exec-backed detector. command is the argv to run;
// the repository name is appended as the final argument.
func NewDetector(command []string, logger *zap.Logger) (*Detector, error) {
	if len(command) == 0 {
		return nil, errors.New("detector command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{command: command, logger: logger}, nil
}

// Detect runs the detector command and streams its findings. The returned
// channel closes when the command exits or the context is canceled.
func (d *Detector) Detect(ctx context.Context, repository string) (<-chan finding.Finding, error) {
	args := append(append([]string{}, d.command[1:]...), repository)
	cmd := exec.CommandContext(ctx, d.command[0], args...)
	cmd.WaitDelay = pipeWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start detector: %v", adapter.ErrUnavailable, err)
	}

	out := make(chan finding.Finding)
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOutputSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var f finding.Finding
			if err := json.Unmarshal(line, &f); err != nil {
				d.logger.Warn("detector emitted malformed finding",
					zap.String("repository", repository),
					zap.Error(err))
				continue
			}
			f.Repository = repository
			select {
			case out <- f:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			d.logger.Warn("detector exited with error",
				zap.String("repository", repository),
				zap.String("stderr", stderr.String()),
				zap.Error(err))
		}
	}()
	return out, nil
}

// Generator runs an external command that proposes a patch for one
// finding. The finding is passed as JSON on stdin; the command writes a
// candidate object ({"diff": "...", "confidence": 0.8}) to stdout.
type Generator struct {
	command []string
	logger  *zap.Logger
}

// NewGenerator creates an exec-backed patch generator.
func NewGenerator(command []string, logger *zap.Logger) (*Generator, error) {
	if len(command) == 0 {
		return nil, errors.New("generator command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{command: command, logger: logger}, nil
}

// candidateOutput is the wire shape the generator command emits.
type candidateOutput struct {
	Diff       string  `json:"diff"`
	Confidence float64 `json:"confidence"`
}

// Generate runs the generator command for the finding. A command that
// exits zero with empty output means it has nothing to propose, which maps
// to ErrNoCandidate; a non-zero exit maps to ErrUnavailable and is
// retried per policy.
func (g *Generator) Generate(ctx context.Context, f *finding.Finding) (*finding.PatchCandidate, error) {
	input, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal finding: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.WaitDelay = pipeWaitDelay
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("generator command failed",
			zap.String("finding_id", f.ID),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: generator: %v", adapter.ErrUnavailable, err)
	}

	output := bytes.TrimSpace(stdout.Bytes())
	if len(output) == 0 {
		return nil, fmt.Errorf("%w: generator produced no output for finding %s", adapter.ErrNoCandidate, f.ID)
	}
	if len(output) > maxOutputSize {
		return nil, fmt.Errorf("%w: generator output exceeds %d bytes", adapter.ErrNoCandidate, maxOutputSize)
	}

	var parsed candidateOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed generator output: %v", adapter.ErrNoCandidate, err)
	}
	if parsed.Diff == "" {
		return nil, fmt.Errorf("%w: generator declined finding %s", adapter.ErrNoCandidate, f.ID)
	}

	return &finding.PatchCandidate{
		FindingID:  f.ID,
		Diff:       []byte(parsed.Diff),
		Confidence: parsed.Confidence,
	}, nil
}
