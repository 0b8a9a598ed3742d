package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/internal/metrics"
	"github.com/Mirai3103/playground-runner/internal/models"
)

const (
	memoryPollInterval = 20 * time.Millisecond
	// waitDelay bounds how long Wait keeps copying output after the process
	// exits, for pipes held open by stray children.
	waitDelay = 2 * time.Second

	binaryPath = "./app"
)

// Pipeline compiles and runs submitted programs inside a workspace.
type Pipeline struct {
	cfg     config.RunnerConfig
	wrapper Wrapper
	logger  *zerolog.Logger
	stdbuf  string
}

// NewPipeline returns a Pipeline that invokes everything through wrapper.
func NewPipeline(rc config.RunnerConfig, wrapper Wrapper, logger *zerolog.Logger) *Pipeline {
	if wrapper == nil {
		wrapper = directWrapper{}
	}
	l := logger.With().Str("component", "pipeline").Str("sandbox", wrapper.ID()).Logger()
	p := &Pipeline{cfg: rc, wrapper: wrapper, logger: &l}
	if path, err := exec.LookPath("stdbuf"); err == nil {
		p.stdbuf = path
	}
	return p
}

// ID names the isolation wrapper in use.
func (p *Pipeline) ID() string { return p.wrapper.ID() }

// TimeoutNotice is appended to stderr when a run hits its wall clock limit.
func TimeoutNotice(limit time.Duration) string {
	return fmt.Sprintf("\n\n[system] Time limit exceeded (%ss): process killed.", formatSeconds(limit))
}

// MemoryNotice is appended to stderr when a run exceeds its memory limit.
func MemoryNotice(limitKb int) string {
	return fmt.Sprintf("\n\n[system] Memory limit exceeded (%d KB): process killed.", limitKb)
}

const noSourceMessage = "No .c file found to compile."

// Compile builds sources in dir into the binary "app".
func (p *Pipeline) Compile(ctx context.Context, dir string, sources []string) (*CompileResult, error) {
	if len(sources) == 0 {
		return &CompileResult{ExitCode: models.ExitCompileFailure, Stderr: noSourceMessage}, nil
	}

	argv := []string{p.cfg.CompilerPath}
	argv = append(argv, p.cfg.CompilerFlags...)
	argv = append(argv, "-o", "app")
	for _, src := range sources {
		// A leading dash would otherwise be read as a compiler option.
		argv = append(argv, "./"+src)
	}
	argv = append(argv, p.cfg.LinkFlags...)

	res, err := p.execute(ctx, invocation{
		phase:     PhaseCompile,
		dir:       dir,
		argv:      argv,
		timeout:   p.cfg.CompilationTimeout(),
		outputCap: p.cfg.OutputCapBytes,
	})
	if err != nil {
		return nil, err
	}

	out := &CompileResult{TimeUsedMs: res.TimeUsedMs}
	switch {
	case res.TimedOut:
		out.ExitCode = models.ExitTimeout
		out.Stderr = res.Stderr + TimeoutNotice(p.cfg.CompilationTimeout())
	case res.ExitCode != 0:
		out.ExitCode = models.ExitCompileFailure
		// gcc writes diagnostics to stderr; keep stdout in case a wrapper
		// reports there.
		out.Stderr = strings.TrimRight(res.Stdout+res.Stderr, "\n")
	default:
		out.OK = true
		out.Stderr = res.Stderr
	}
	return out, nil
}

// Run executes the compiled binary once with the request's argv and stdin.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*ExecuteResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.RunTimeout()
	}
	argv := append([]string{binaryPath}, req.Args...)
	res, err := p.execute(ctx, invocation{
		phase:         PhaseRun,
		dir:           req.Dir,
		argv:          argv,
		stdinPath:     req.StdinPath,
		timeout:       timeout,
		memoryLimitKb: req.MemoryLimitKb,
		outputCap:     p.cfg.OutputCapBytes,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.MemoryExceeded:
		res.ExitCode = 137
		res.Signal = unix.SignalName(unix.SIGKILL)
		res.Stderr += MemoryNotice(req.MemoryLimitKb)
	case res.TimedOut:
		res.ExitCode = models.ExitTimeout
		res.Signal = unix.SignalName(unix.SIGKILL)
		res.Stderr += TimeoutNotice(timeout)
	}
	p.logger.Debug().
		Str("job_id", req.JobID).
		Int("exit_code", res.ExitCode).
		Str("signal", res.Signal).
		Int("time_ms", res.TimeUsedMs).
		Int("mem_kb", res.MemoryUsedKb).
		Msg("run finished")
	return res, nil
}

// CompilerVersion returns the first line of "<compiler> --version".
func (p *Pipeline) CompilerVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.cfg.CompilerPath, "--version").Output()
	if err != nil {
		return "", &Error{Type: ErrCmdStart, Message: "compiler version query failed", Cause: err}
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

type invocation struct {
	phase         Phase
	dir           string
	argv          []string
	stdinPath     string
	timeout       time.Duration
	memoryLimitKb int
	outputCap     int
}

// execute starts argv in its own process group and waits for it, killing the
// whole group when the timeout fires, the memory limit is crossed or ctx is
// done.
func (p *Pipeline) execute(ctx context.Context, inv invocation) (*ExecuteResult, error) {
	argv, workDir, err := p.wrapper.Wrap(inv.phase, inv.dir, inv.argv)
	if err != nil {
		return nil, &Error{Type: ErrInternal, Message: "failed to wrap command", Cause: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = []string{"PATH=" + defaultPath, "LANG=C.UTF-8"}
	cmd.SysProcAttr = procAttr()
	cmd.WaitDelay = waitDelay

	stdout := newCappedBuffer(inv.outputCap)
	stderr := newCappedBuffer(inv.outputCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if inv.stdinPath != "" {
		f, err := os.Open(inv.stdinPath)
		if err != nil {
			return nil, &Error{Type: ErrInternal, Message: "failed to open stdin", Cause: err}
		}
		defer f.Close()
		cmd.Stdin = f
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Error{Type: ErrCmdStart, Message: "failed to start command", Cause: err}
	}
	pid := cmd.Process.Pid

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.Wait()
	}()

	var memoryExceeded atomic.Bool
	var maxMemUsage atomic.Uint64
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go func() {
		ticker := time.NewTicker(memoryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
			}
			proc, err := process.NewProcessWithContext(monitorCtx, int32(pid))
			if err != nil {
				continue
			}
			memInfo, err := proc.MemoryInfoWithContext(monitorCtx)
			if err != nil {
				continue
			}
			if memInfo.RSS > maxMemUsage.Load() {
				maxMemUsage.Store(memInfo.RSS)
			}
			if inv.memoryLimitKb > 0 && memInfo.RSS/1024 > uint64(inv.memoryLimitKb) {
				memoryExceeded.Store(true)
				killGroup(pid)
				return
			}
		}
	}()

	timer := time.NewTimer(inv.timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut, cancelled bool
	select {
	case waitErr = <-errChan:
	case <-timer.C:
		timedOut = true
		killGroup(pid)
		waitErr = <-errChan
	case <-ctx.Done():
		cancelled = true
		killGroup(pid)
		waitErr = <-errChan
	}
	stopMonitor()
	// Reap anything the program left running in its group.
	killGroup(pid)

	if cancelled {
		return nil, &Error{Type: ErrCancelled, Message: "execution cancelled", Cause: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil, &Error{Type: ErrCmdWait, Message: "command wait failed with unexpected error", Cause: waitErr}
	}

	res := &ExecuteResult{
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		TimedOut:       timedOut,
		MemoryExceeded: memoryExceeded.Load(),
		TimeUsedMs:     int(time.Since(startTime).Milliseconds()),
		MemoryUsedKb:   int(maxMemUsage.Load() / 1024),
		PID:            pid,
	}
	res.ExitCode, res.Signal = exitStatus(cmd.ProcessState)
	if inv.phase == PhaseRun && res.MemoryUsedKb > 0 {
		metrics.MemoryUsage.Observe(float64(res.MemoryUsedKb))
	}
	return res, nil
}

// exitStatus maps a finished process to a shell-style exit code: the
// program's own status, or 128+signo when a signal ended it.
func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return 128 + int(sig), unix.SignalName(sig)
	}
	return ps.ExitCode(), ""
}

// procAttr puts the child in its own process group and has the kernel kill
// it if the runner dies first.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}

// killGroup sends SIGKILL to every process in the group led by pid.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
