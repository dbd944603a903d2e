// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
)

// termGrace is how long a subprocess gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// replyGrace is how long a cancelled call waits for the subprocess to
// exit before returning anyway. The SIGKILL timer keeps running, so the
// process still dies; the caller just gets its reply promptly.
const replyGrace = 500 * time.Millisecond

// CommandResult captures a finished (or killed) subprocess.
type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// Command runs an external binary with the given argv. Arguments must
// come from validated parameters; Command never passes through a shell.
func Command(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.Command(name, args...)
	// Own process group so cancellation kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// A subprocess that blows past the output cap gets killed rather
	// than left running while its output is discarded.
	var breachOnce sync.Once
	onBreach := func() {
		breachOnce.Do(func() {
			logger.Warnf("subprocess %s exceeded output cap, killing", name)
			killTree(cmd)
		})
	}

	stdout := newCapBuffer(MaxOutputBytes, onBreach)
	stderr := newCapBuffer(MaxOutputBytes, onBreach)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("starting %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut bool
	select {
	case err := <-done:
		res := collect(stdout, stderr, cmd, timedOut)
		if err != nil && res.ExitCode == 0 {
			res.ExitCode = -1
		}
		return res, nil
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		killTree(cmd)
		select {
		case <-done:
		case <-time.After(replyGrace):
			// Return what we have; the SIGKILL timer finishes the job.
			logger.Warnf("subprocess %s still exiting after cancellation", name)
		}
		res := collect(stdout, stderr, cmd, timedOut)
		res.ExitCode = -1
		return res, nil
	}
}

// killTree terminates the process group: SIGTERM first, SIGKILL after the
// grace period.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.AfterFunc(termGrace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}

func collect(stdout, stderr *capBuffer, cmd *exec.Cmd, timedOut bool) CommandResult {
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		TimedOut:  timedOut,
		Truncated: stdout.truncated || stderr.truncated,
	}
}

// FormatCommand converts a CommandResult into the uniform CallToolResult
// shape: plain stdout on success, a combined Stdout/Stderr body when the
// exit status is non-zero or output was lost.
func FormatCommand(res CommandResult) *mcp.CallToolResult {
	switch {
	case res.TimedOut:
		body := fmt.Sprintf("Command timed out (exit code -1)\n\nStdout:\n%s\n\nStderr:\n%s", res.Stdout, res.Stderr)
		return mcp.ErrorResult(body)
	case res.Truncated:
		body := fmt.Sprintf("Stdout:\n%s\n\nStderr:\n%s", res.Stdout, res.Stderr)
		return mcp.ErrorResult(body)
	case res.ExitCode != 0:
		body := fmt.Sprintf("Stdout:\n%s\n\nStderr:\n%s", res.Stdout, res.Stderr)
		return mcp.ErrorResult(body)
	default:
		out := res.Stdout
		if strings.TrimSpace(out) == "" {
			out = res.Stderr
		}
		return mcp.TextResult(out)
	}
}

// capBuffer is a write buffer that stops growing at the cap, records
// that output was truncated, and fires onBreach the first time the cap
// is crossed.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	onBreach  func()
}

func newCapBuffer(limit int, onBreach func()) *capBuffer {
	return &capBuffer{limit: limit, onBreach: onBreach}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	switch {
	case remaining <= 0:
		b.breach()
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.breach()
	default:
		b.buf.Write(p)
	}
	// Report success either way so the pipe keeps draining until the
	// kill lands; the extra output is discarded.
	return len(p), nil
}

// breach is called with the lock held; onBreach fires once, off the
// writer goroutine.
func (b *capBuffer) breach() {
	if b.truncated {
		return
	}
	b.truncated = true
	if b.onBreach != nil {
		go b.onBreach()
	}
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if b.truncated {
		s += TruncationMarker
	}
	return s
}
