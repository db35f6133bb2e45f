package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/malunal/mbuild/internal/msg"
	"golang.org/x/sync/errgroup"
)

// ColorEnv is set on every child so cmake and the native tool keep colored
// output even though their stdout is a pipe.
const ColorEnv = "CLICOLOR_FORCE"

// WaitDelay bounds how long Run waits for the output pipe to close after the
// context is cancelled and the step's process group has been signalled.
const WaitDelay = 2 * time.Second

// Invocation is one external process to run.
type Invocation struct {
	Name string            // step name, e.g. "configure"
	Path string            // executable
	Args []string          // arguments, without Path
	Env  map[string]string // overrides on top of the inherited environment
	Dir  string            // working directory, "" for the current one
}

// Runner runs invocations one at a time.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// ExitError reports a step whose process exited with a non-zero status.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s step exited with status %d", e.Name, e.Code)
}

// Exec starts real processes and streams their combined output line by line.
type Exec struct {
	// Stdout receives child output; nil means os.Stdout.
	Stdout io.Writer
	// Environ returns the inherited environment; nil means os.Environ.
	Environ func() []string
}

func (e *Exec) Run(ctx context.Context, inv Invocation) error {
	stdout := e.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	environ := e.Environ
	if environ == nil {
		environ = os.Environ
	}

	msg.Command(inv.Name, inv.Path, inv.Args)

	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = MergeEnv(environ(), inv.Env)
	// make and compiler jobs inherit the pipe, so cancellation has to reach
	// them too or Wait blocks until they finish
	setProcessGroup(cmd)
	cmd.WaitDelay = WaitDelay

	// stdout and stderr share one pipe, exec serializes writes to it
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("failed to start %s step: %w", inv.Name, err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return streamLines(pr, stdout)
	})

	waitErr := cmd.Wait()
	pw.Close()
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to stream %s output: %w", inv.Name, err)
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s step interrupted: %w", inv.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				code = 1 // killed by a signal
			}
			return &ExitError{Name: inv.Name, Code: code}
		}
		return fmt.Errorf("%s step failed: %w", inv.Name, waitErr)
	}
	return nil
}

// streamLines copies r to w one line at a time as lines arrive. A final line
// without a trailing newline is still terminated. r is always drained so the
// child never blocks on a full pipe.
func streamLines(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if _, werr := io.WriteString(w, strings.TrimSuffix(line, "\n")+"\n"); werr != nil {
				io.Copy(io.Discard, br)
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// MergeEnv applies overrides to a KEY=VALUE environment. Overridden keys keep
// their position; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[k]; ok {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k+"="+v)
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// DryRun prints each invocation instead of running it.
type DryRun struct {
	W io.Writer
}

func (d DryRun) Run(_ context.Context, inv Invocation) error {
	w := d.W
	if w == nil {
		w = os.Stdout
	}

	var sb strings.Builder
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(k + "=" + inv.Env[k] + " ")
	}
	sb.WriteString(msg.CommandLine(inv.Path, inv.Args))

	_, err := fmt.Fprintln(w, sb.String())
	return err
}
