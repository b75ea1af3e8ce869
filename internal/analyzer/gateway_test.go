package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// fakeInterpreter discards the script path argument and runs the given
// shell body with the remaining analyzer arguments.
func fakeInterpreter(t *testing.T, dir, body string) string {
	t.Helper()
	return writeScript(t, dir, "python", "shift\n"+body)
}

func newTestGateway(t *testing.T, interpreter string, timeout time.Duration) *Gateway {
	t.Helper()
	g, err := New(Config{
		WorkDir:    t.TempDir(),
		LogDir:     t.TempDir(),
		Timeout:    timeout,
		Candidates: []string{interpreter},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestResolveIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "not-exec"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	second := writeScript(t, dir, "python3", "exit 0")
	third := writeScript(t, dir, "python-alt", "exit 0")

	r := NewResolver([]string{
		filepath.Join(dir, "missing"),
		filepath.Join(dir, "not-exec"),
		second,
		third,
	})
	for i := 0; i < 3; i++ {
		got, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != second {
			t.Fatalf("expected first executable candidate %q, got %q", second, got)
		}
	}
}

func TestResolveReportsInterpreterNotFound(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver([]string{
		filepath.Join(dir, "missing"),
		"definitely-not-a-real-command-name",
	})
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrInterpreterNotFound) {
		t.Fatalf("expected ErrInterpreterNotFound, got %v", err)
	}
}

func TestRunCapturesStreamsAndExitCode(t *testing.T) {
	dir := t.TempDir()
	interp := fakeInterpreter(t, dir, "echo out-line\necho err-line >&2\nexit 0")
	script := writeScript(t, dir, "analyze.py", "")
	g := newTestGateway(t, interp, 5*time.Second)

	res, err := g.Run(context.Background(), script, Args{ImagePath: "/tmp/x.png"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "out-line") {
		t.Fatalf("stdout not captured: %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "err-line") {
		t.Fatalf("stderr not captured: %q", res.Stderr)
	}
}

func TestRunReportsToolFailureDistinctly(t *testing.T) {
	dir := t.TempDir()
	interp := fakeInterpreter(t, dir, "echo diag >&2\nexit 7")
	script := writeScript(t, dir, "analyze.py", "")
	g := newTestGateway(t, interp, 5*time.Second)

	res, err := g.Run(context.Background(), script, Args{})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Result.ExitCode != 7 || res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", toolErr.Result.ExitCode)
	}
	if !strings.Contains(toolErr.Result.Stderr, "diag") {
		t.Fatalf("expected stderr attached to the failure, got %q", toolErr.Result.Stderr)
	}
}

func TestRunBoundsTheWait(t *testing.T) {
	dir := t.TempDir()
	interp := fakeInterpreter(t, dir, "sleep 5")
	script := writeScript(t, dir, "analyze.py", "")
	g := newTestGateway(t, interp, 150*time.Millisecond)

	start := time.Now()
	_, err := g.Run(context.Background(), script, Args{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("run did not return promptly after the timeout")
	}
}

func TestRunReportsScriptMissingBeforeSpawning(t *testing.T) {
	dir := t.TempDir()
	interp := fakeInterpreter(t, dir, "exit 0")
	g := newTestGateway(t, interp, time.Second)

	if _, err := g.Run(context.Background(), filepath.Join(dir, "no-such-script.py"), Args{}); !errors.Is(err, ErrScriptMissing) {
		t.Fatalf("expected ErrScriptMissing, got %v", err)
	}
}

func TestRunReportsInterpreterUnavailableBeforeSpawning(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "analyze.py", "")
	g := newTestGateway(t, filepath.Join(dir, "missing-python"), time.Second)

	if _, err := g.Run(context.Background(), script, Args{}); !errors.Is(err, ErrInterpreterNotFound) {
		t.Fatalf("expected ErrInterpreterNotFound, got %v", err)
	}
}

func TestShellMetacharactersStayOneArgument(t *testing.T) {
	dir := t.TempDir()
	// Print each received argument on its own line so the test can assert
	// argument boundaries.
	interp := fakeInterpreter(t, dir, `for arg in "$@"; do printf '%s\n' "$arg"; done`)
	script := writeScript(t, dir, "analyze.py", "")
	g := newTestGateway(t, interp, 5*time.Second)

	note := `"; rm -rf /; echo "`
	res, err := g.Run(context.Background(), script, Args{
		ImagePath:  "/tmp/x.png",
		DoctorNote: note,
		CPF:        "12345678901",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	found := false
	for _, line := range lines {
		if line == note {
			found = true
		}
	}
	if !found {
		t.Fatalf("note was not delivered verbatim as a single argument; argv lines: %q", lines)
	}
	// The CPF flag pair must be present and intact.
	joined := strings.Join(lines, "\x00")
	if !strings.Contains(joined, "--cpf\x0012345678901") {
		t.Fatalf("expected --cpf argument pair, got %q", lines)
	}
}

func TestStartDetachesAndLogsToFiles(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	interp := fakeInterpreter(t, dir, "echo background-out\necho background-err >&2")
	script := writeScript(t, dir, "analyze.py", "")
	g, err := New(Config{
		WorkDir:    dir,
		LogDir:     logDir,
		Timeout:    time.Second,
		Candidates: []string{interp},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	pid, err := g.Start(context.Background(), script, Args{UserID: "1", UserName: "Dr. Silva"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected a real pid, got %d", pid)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(filepath.Join(logDir, "microscopio.out.log"))
		if strings.Contains(string(data), "background-out") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("detached process output never reached the log file")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
