// Package analyzer invokes the external image-analysis program. The
// program measures the sample image and writes its results straight into
// the database; this package only locates an interpreter, runs the script
// and captures exit status with both output streams.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

var (
	// ErrScriptMissing is returned when the configured script path does
	// not exist; nothing is spawned in that case.
	ErrScriptMissing = errors.New("analyzer script not found")

	// ErrTimeout is returned when a synchronous run exceeds its bound.
	ErrTimeout = errors.New("analyzer timed out")
)

// Args carries the per-invocation values. All of them reach the script as
// discrete argv entries, never through a shell, so user-supplied text can
// not alter the command line.
type Args struct {
	ImagePath  string
	DoctorNote string
	AINote     string
	CPF        string
	UserID     string
	UserName   string
}

func (a Args) argv() []string {
	return []string{
		"--image", a.ImagePath,
		"--anotacao", a.DoctorNote,
		"--gemini_obs", a.AINote,
		"--cpf", a.CPF,
		"--user-id", a.UserID,
		"--user-name", a.UserName,
	}
}

func (a Args) env() []string {
	return append(os.Environ(),
		"AUTH_USER_ID="+a.UserID,
		"AUTH_USER_NAME="+a.UserName,
	)
}

// Result bundles the process outcome of a synchronous run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ToolError reports a nonzero analyzer exit with both streams attached.
type ToolError struct {
	Result Result
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("analyzer exited with code %d", e.Result.ExitCode)
}

// Config wires the gateway.
type Config struct {
	WorkDir    string
	LogDir     string
	Timeout    time.Duration
	Candidates []string
}

// Gateway resolves the interpreter and executes analyzer scripts. The
// script path is an invocation input: the same gateway runs both the
// upload analyzer and the microscope capture app.
type Gateway struct {
	resolver *Resolver
	workDir  string
	logDir   string
	timeout  time.Duration
}

// New validates the configuration and builds the gateway. Script files
// are checked per invocation, not here, so the server can start before
// the scripts are deployed.
func New(cfg Config) (*Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	candidates := cfg.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates(cfg.WorkDir)
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create analyzer log dir: %w", err)
		}
	}
	return &Gateway{
		resolver: NewResolver(candidates),
		workDir:  cfg.WorkDir,
		logDir:   cfg.LogDir,
		timeout:  cfg.Timeout,
	}, nil
}

// Run executes the script synchronously and returns exit code plus both
// captured streams. The wait is always bounded by the configured timeout.
func (g *Gateway) Run(ctx context.Context, script string, args Args) (Result, error) {
	python, err := g.preflight(ctx, script)
	if err != nil {
		return Result{}, err
	}
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, python, append([]string{script}, args.argv()...)...)
	cmd.Dir = g.workDir
	cmd.Env = args.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, &ToolError{Result: res}
		}
		return res, fmt.Errorf("start analyzer: %w", runErr)
	}
	return res, nil
}

// Start launches the script detached from this process: it runs in its own
// session and survives both the request and a server restart. Stdout and
// stderr go to append-only log files under the configured log dir. Only
// the spawn outcome is reported, with the child PID.
func (g *Gateway) Start(ctx context.Context, script string, args Args) (int, error) {
	python, err := g.preflight(ctx, script)
	if err != nil {
		return 0, err
	}
	stdout, err := g.openLog("microscopio.out.log")
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := g.openLog("microscopio.err.log")
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	argv := []string{script}
	if args.ImagePath != "" {
		argv = append(argv, args.argv()...)
	}
	cmd := exec.Command(python, argv...)
	cmd.Dir = g.workDir
	cmd.Env = args.env()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start analyzer: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the child keeps its own copies of the log file descriptors.
	_ = cmd.Process.Release()
	return pid, nil
}

func (g *Gateway) preflight(ctx context.Context, script string) (string, error) {
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%w: %s", ErrScriptMissing, script)
	}
	python, err := g.resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return python, nil
}

func (g *Gateway) openLog(name string) (*os.File, error) {
	dir := g.logDir
	if dir == "" {
		dir = "."
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open analyzer log: %w", err)
	}
	return f, nil
}
