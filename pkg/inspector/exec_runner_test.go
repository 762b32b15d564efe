package inspector_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"streamd/pkg/inspector"
)

func TestExecCommandRunner_Run_Success(t *testing.T) {
	runner := &inspector.ExecCommandRunner{}

	out, err := runner.Run(context.Background(), "printf", "%s-%s", "a", "b")
	if err != nil {
		t.Fatalf("Run(printf) failed: %v", err)
	}
	if got := string(out); got != "a-b" {
		t.Errorf("Run(printf) output = %q, want %q", got, "a-b")
	}
}

func TestExecCommandRunner_Run_CommandNotFound(t *testing.T) {
	runner := &inspector.ExecCommandRunner{}

	_, err := runner.Run(context.Background(), "nonexistent-command-12345")
	if err == nil {
		t.Fatal("Run(nonexistent-command) should fail")
	}
	if !strings.Contains(err.Error(), "nonexistent-command-12345") {
		t.Errorf("error should mention command name, got: %v", err)
	}
}

func TestExecCommandRunner_Run_NonZeroExitIncludesStderr(t *testing.T) {
	runner := &inspector.ExecCommandRunner{}

	_, err := runner.Run(context.Background(), "sh", "-c", "echo 'fatal: bad revision' >&2; exit 128")
	if err == nil {
		t.Fatal("Run(exit 128) should fail")
	}
	if !strings.Contains(err.Error(), "fatal: bad revision") {
		t.Errorf("error should include stderr, got: %v", err)
	}
	var cerr *inspector.CommandError
	if !errors.As(err, &cerr) || cerr.Stderr != "fatal: bad revision" {
		t.Errorf("err = %#v, want CommandError with stderr", err)
	}
}

func TestExecCommandRunner_Run_ContextTimeout(t *testing.T) {
	runner := &inspector.ExecCommandRunner{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Run(ctx, "sleep", "10")
	if err == nil {
		t.Fatal("Run with timeout should fail")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run did not honor timeout, took %v", elapsed)
	}
}

func TestExecCommandRunner_Run_EmptyOutput(t *testing.T) {
	runner := &inspector.ExecCommandRunner{}

	out, err := runner.Run(context.Background(), "true")
	if err != nil {
		t.Fatalf("Run(true) failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Run(true) output should be empty, got %d bytes", len(out))
	}
}

func TestExecCommandRunner_ImplementsInterface(t *testing.T) {
	var _ inspector.CommandRunner = &inspector.ExecCommandRunner{}
}
