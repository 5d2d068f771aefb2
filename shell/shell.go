// Package shell runs external commands for the harness and captures their
// outcome. All step execution goes through the Executor interface so tests
// can substitute a fake.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result captures the outcome of one command execution.
type Result struct {
	ExitCode int
	Crashed  bool // terminated by a signal rather than exiting
	Stdout   string
	Stderr   string
}

// Executor runs a command in a directory with an environment overlay
// appended to the process environment. A non-zero exit is reported through
// Result, not through the error; the error is reserved for failures to run
// the command at all (binary not found, context expired before completion).
type Executor interface {
	Run(ctx context.Context, dir string, overlay []string, name string, args ...string) (Result, error)
}

type execExecutor struct{}

// NewExecutor returns the os/exec backed Executor.
func NewExecutor() Executor {
	return &execExecutor{}
}

func (e *execExecutor) Run(ctx context.Context, dir string, overlay []string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), overlay...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("command %s timed out: %w", name, ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			// ExitCode is -1 when the process was killed by a signal
			if res.ExitCode < 0 {
				res.Crashed = true
			}
			return res, nil
		}
		return res, fmt.Errorf("running command %s: %w", name, err)
	}

	return res, nil
}

// Expand substitutes {placeholder} tokens in each argv element. Unknown
// placeholders are left untouched so failures surface in the command output
// rather than silently running a different command.
func Expand(argv []string, vars map[string]string) []string {
	if len(argv) == 0 {
		return nil
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		for key, val := range vars {
			arg = strings.ReplaceAll(arg, "{"+key+"}", val)
		}
		out[i] = arg
	}
	return out
}

// Tail returns the last n lines of s, used to keep captured stderr in error
// messages and step records bounded.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
