package sandbox

import (
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/pkg/nsjail"
)

type Type string

const (
	DirectSandbox Type = "direct" // no isolation, runs on the host
	NsjailSandbox Type = "nsjail"
	BwrapSandbox  Type = "bwrap"
)

// Phase tells a Wrapper which limits to apply.
type Phase int

const (
	PhaseCompile Phase = iota
	PhaseRun
	PhaseInteractive
)

// RunRequest describes one batch run of a compiled program.
type RunRequest struct {
	JobID         string
	Dir           string        // workspace holding the binary
	Args          []string      // argv[1:] for the program
	StdinPath     string        // empty means /dev/null
	Timeout       time.Duration // wall clock limit
	MemoryLimitKb int           // 0 disables the RSS monitor's limit
}

// ExecuteResult is what a process did. Reserved exit codes (124, 137) are
// already applied.
type ExecuteResult struct {
	Stdout         string
	Stderr         string
	ExitCode       int
	Signal         string
	TimedOut       bool
	MemoryExceeded bool
	TimeUsedMs     int
	MemoryUsedKb   int
	PID            int
}

// CompileResult is the outcome of the compile phase. A failed compile is a
// result, not an error.
type CompileResult struct {
	OK         bool
	ExitCode   int
	Stderr     string
	TimeUsedMs int
}

// Wrapper rewrites a command so it runs under an external isolation tool.
// It returns the final argv and the working directory for exec.
type Wrapper interface {
	Wrap(phase Phase, dir string, argv []string) ([]string, string, error)
	ID() string
}

// NewWrapper returns the Wrapper for rc.SandboxType. The wrapper binary must
// be present on PATH or at the configured path. ic sets the wall clock limit
// of interactive runs.
func NewWrapper(rc config.RunnerConfig, ic config.InteractiveConfig) (Wrapper, error) {
	switch Type(rc.SandboxType) {
	case DirectSandbox, "":
		return directWrapper{}, nil
	case NsjailSandbox:
		path, err := exec.LookPath(rc.NsjailPath)
		if err != nil {
			return nil, &Error{Type: ErrWrapperMissing, Message: "nsjail not found", Cause: err}
		}
		return &nsjailWrapper{path: path, cfg: rc, interactive: ic.Timeout()}, nil
	case BwrapSandbox:
		path, err := exec.LookPath(rc.BwrapPath)
		if err != nil {
			return nil, &Error{Type: ErrWrapperMissing, Message: "bwrap not found", Cause: err}
		}
		return &bwrapWrapper{path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownSandboxType, rc.SandboxType)
	}
}

type directWrapper struct{}

func (directWrapper) ID() string { return string(DirectSandbox) }

func (directWrapper) Wrap(_ Phase, dir string, argv []string) ([]string, string, error) {
	return argv, dir, nil
}

type nsjailWrapper struct {
	path        string
	cfg         config.RunnerConfig
	interactive time.Duration
}

func (w *nsjailWrapper) ID() string { return string(NsjailSandbox) }

func (w *nsjailWrapper) Wrap(phase Phase, dir string, argv []string) ([]string, string, error) {
	jail := nsjail.Default(dir)
	jail.Env = []string{"PATH=" + defaultPath}
	switch phase {
	case PhaseCompile:
		// gcc forks cc1, as, collect2 and ld.
		jail.PidsMax, jail.RlimitNproc = 64, 64
		jail.TimeLimitSec = w.cfg.CompilationTimeoutSec + 1
	case PhaseRun:
		jail.MemoryMaxKb = w.cfg.MemoryLimitKb
		jail.TimeLimitSec = int(w.cfg.RunTimeout()/time.Second) + 1
	case PhaseInteractive:
		// The session timer fires first and reports exit 124 itself.
		jail.MemoryMaxKb = w.cfg.MemoryLimitKb
		jail.TimeLimitSec = int(w.interactive/time.Second) + 1
	}
	args, err := jail.Args(argv)
	if err != nil {
		return nil, "", err
	}
	return append([]string{w.path}, args...), dir, nil
}

type bwrapWrapper struct {
	path string
}

func (w *bwrapWrapper) ID() string { return string(BwrapSandbox) }

func (w *bwrapWrapper) Wrap(_ Phase, dir string, argv []string) ([]string, string, error) {
	args := []string{
		w.path,
		"--unshare-all",
		"--die-with-parent",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", dir, nsjail.WorkDir,
		"--chdir", nsjail.WorkDir,
		"--clearenv",
		"--setenv", "PATH", defaultPath,
		"--",
	}
	return append(args, argv...), dir, nil
}

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
