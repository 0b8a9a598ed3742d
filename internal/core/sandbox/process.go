package sandbox

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const streamChunk = 4096

// ExitStatus is how an interactive process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a running interactive program with open stdio pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *zerolog.Logger

	writeMu  sync.Mutex
	killOnce sync.Once
}

// Start launches the compiled binary in dir with its stdio attached to pipes.
// Output is unbuffered through stdbuf when it is installed. The caller must
// call Stream to reap the process.
func (p *Pipeline) Start(ctx context.Context, dir string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Type: ErrCancelled, Message: "start cancelled", Cause: err}
	}

	argv := []string{binaryPath}
	if p.stdbuf != "" {
		argv = append([]string{p.stdbuf, "-i0", "-o0", "-e0"}, argv...)
	}
	argv, workDir, err := p.wrapper.Wrap(PhaseInteractive, dir, argv)
	if err != nil {
		return nil, &Error{Type: ErrInternal, Message: "failed to wrap command", Cause: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = []string{"PATH=" + defaultPath, "LANG=C.UTF-8", "TERM=dumb"}
	cmd.SysProcAttr = procAttr()

	proc := &Process{cmd: cmd, logger: p.logger}
	if proc.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, &Error{Type: ErrInternal, Message: "stdin pipe", Cause: err}
	}
	if proc.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, &Error{Type: ErrInternal, Message: "stdout pipe", Cause: err}
	}
	if proc.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, &Error{Type: ErrInternal, Message: "stderr pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Error{Type: ErrCmdStart, Message: "failed to start command", Cause: err}
	}
	return proc, nil
}

// PID is the process id of the program (or of its wrapper).
func (pr *Process) PID() int { return pr.cmd.Process.Pid }

// Write sends data to the program's stdin.
func (pr *Process) Write(data string) error {
	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()
	_, err := io.WriteString(pr.stdin, data)
	return err
}

// Kill SIGKILLs the program's process group. Calls after the first do
// nothing.
func (pr *Process) Kill() {
	pr.killOnce.Do(func() {
		killGroup(pr.PID())
		pr.writeMu.Lock()
		_ = pr.stdin.Close()
		pr.writeMu.Unlock()
	})
}

// Stream forwards stdout and stderr to the callbacks until both pipes close,
// then reaps the process. Chunks are whole UTF-8 sequences: a character split
// across two reads is delivered once complete. Callbacks for one stream are
// never called concurrently.
func (pr *Process) Stream(onStdout, onStderr func(string)) (ExitStatus, error) {
	var wg conc.WaitGroup
	wg.Go(func() { pump(pr.stdout, onStdout) })
	wg.Go(func() { pump(pr.stderr, onStderr) })
	wg.Wait()

	waitErr := pr.cmd.Wait()
	// Stray children may still hold the group.
	killGroup(pr.PID())

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return ExitStatus{}, &Error{Type: ErrCmdWait, Message: "command wait failed with unexpected error", Cause: waitErr}
	}
	code, signal := exitStatus(pr.cmd.ProcessState)
	return ExitStatus{Code: code, Signal: signal}, nil
}

func pump(r io.Reader, emit func(string)) {
	dec := transform.NewReader(r, unicode.UTF8.NewDecoder())
	buf := make([]byte, streamChunk)
	for {
		n, err := dec.Read(buf)
		if n > 0 && emit != nil {
			emit(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// SignalName is exposed for callers that report kills they caused.
func SignalName(sig syscall.Signal) string { return unix.SignalName(sig) }
