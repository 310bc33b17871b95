// Package toolrunner wraps external command-line analysis tools as managed,
// isolated process invocations.
//
// Each invocation runs in its own temporary working directory so partial or
// corrupt output from one run cannot contaminate another. Working directories
// are removed on every path out of Invoke, success or failure. Outcomes are
// translated into the typed error taxonomy in errors.go; no process failure
// escapes as an untyped error.
package toolrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Invocation describes a single external-process execution.
type Invocation struct {
	// Tool is the binary name or path, resolved against PATH when relative.
	Tool string

	// Args is the argument list. The placeholder {workdir} is replaced with
	// the isolated working directory path.
	Args []string

	// ArtifactGlobs name the output files expected in the working directory
	// on success, as doublestar patterns (e.g. "*.json"). Invoke fails with
	// ErrParse if a pattern matches nothing after a zero exit.
	ArtifactGlobs []string

	// Timeout bounds the process runtime. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration

	// PermanentSignatures are stderr substrings that mark a non-zero exit as
	// deterministic (not worth retrying).
	PermanentSignatures []string
}

// Result captures the outcome of a successful invocation. Artifact contents
// are read into memory before the working directory is removed.
type Result struct {
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Artifacts map[string][]byte
}

// Artifact returns the first artifact whose base name matches the given
// doublestar pattern, or nil.
func (r *Result) Artifact(pattern string) []byte {
	for name, data := range r.Artifacts {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return data
		}
	}
	return nil
}

// Runner executes tool invocations.
//
// Runner is safe for concurrent use; concurrent invocations never share a
// working directory.
type Runner struct {
	// baseDir is the parent for per-invocation working directories.
	// Empty means the OS temp dir.
	baseDir string
	logger  *zap.Logger
}

// New creates a runner placing working directories under baseDir
// (os.TempDir() if empty).
func New(baseDir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{baseDir: baseDir, logger: logger}
}

// Invoke runs the tool in an isolated working directory and translates its
// outcome.
//
// Classification:
//   - spawn failure (binary missing, permission denied) → ErrToolUnavailable
//   - non-zero exit → ErrToolExecution with stderr attached; Permanent when
//     a configured signature matches
//   - context cancellation / timeout → the context error, unwrapped, so the
//     caller can distinguish operator cancel from deadline
//   - zero exit with missing artifacts → ErrParse
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(inv.Tool) == "" {
		return nil, &InvocationError{Tool: inv.Tool, Err: ErrToolUnavailable}
	}

	workdir, err := os.MkdirTemp(r.baseDir, "bioengine-run-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(workdir); rmErr != nil {
			r.logger.Warn("failed to remove invocation workdir",
				zap.String("workdir", workdir),
				zap.Error(rmErr))
		}
	}()

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	args := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		args[i] = strings.ReplaceAll(a, "{workdir}", workdir)
	}

	cmd := exec.CommandContext(runCtx, inv.Tool, args...)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("invoking tool",
		zap.String("tool", inv.Tool),
		zap.Strings("args", args),
		zap.String("workdir", workdir))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		// A dead context takes precedence: the SIGKILL delivered by
		// CommandContext surfaces as an exit error otherwise.
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			stderrStr := stderr.String()
			return nil, &InvocationError{
				Tool:      inv.Tool,
				ExitCode:  exitErr.ExitCode(),
				Stderr:    stderrStr,
				Permanent: matchesSignature(stderrStr, inv.PermanentSignatures),
				Err:       ErrToolExecution,
			}
		}
		// Anything else is a spawn failure.
		return nil, &InvocationError{Tool: inv.Tool, Stderr: runErr.Error(), Err: ErrToolUnavailable}
	}

	artifacts, err := collectArtifacts(workdir, inv.ArtifactGlobs)
	if err != nil {
		return nil, &InvocationError{
			Tool:   inv.Tool,
			Stderr: stderr.String(),
			// Missing artifacts after a clean exit point at a tool or
			// version mismatch, never a transient condition.
			Permanent: true,
			Err:       ErrParse,
		}
	}

	r.logger.Debug("tool invocation complete",
		zap.String("tool", inv.Tool),
		zap.Duration("duration", duration),
		zap.Int("artifacts", len(artifacts)))

	return &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Artifacts: artifacts,
	}, nil
}

func matchesSignature(stderr string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// CheckTool verifies the binary resolves on PATH without running it.
func (r *Runner) CheckTool(name string) error {
	if strings.TrimSpace(name) == "" {
		return &InvocationError{Tool: name, Err: ErrToolUnavailable}
	}
	if _, err := exec.LookPath(name); err != nil {
		return &InvocationError{Tool: name, Err: fmt.Errorf("%w: %v", ErrToolUnavailable, err)}
	}
	return nil
}

// collectArtifacts reads every file matching the globs, keyed by path
// relative to the working directory. Each glob must match at least one file.
func collectArtifacts(workdir string, globs []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	root := os.DirFS(workdir)
	for _, pattern := range globs {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fs.ErrNotExist
		}
		for _, rel := range matches {
			data, err := os.ReadFile(filepath.Join(workdir, rel))
			if err != nil {
				return nil, err
			}
			out[rel] = data
		}
	}
	return out, nil
}
