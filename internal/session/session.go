// Package session runs interactive terminal jobs: one compile, one live
// process, stdio relayed over a JSON message channel.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/playground-runner/internal/admission"
	"github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/internal/core/sandbox"
	"github.com/Mirai3103/playground-runner/internal/metrics"
	"github.com/Mirai3103/playground-runner/internal/models"
	"github.com/Mirai3103/playground-runner/internal/screen"
	"github.com/Mirai3103/playground-runner/internal/workspace"
)

var ErrAlreadyUsed = errors.New("session already used")

// Conn is a duplex channel of JSON messages. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Process is a live program.
type Process interface {
	Write(data string) error
	Kill()
	Stream(onStdout, onStderr func(string)) (sandbox.ExitStatus, error)
}

// Pipeline compiles a workspace and starts its binary.
type Pipeline interface {
	Compile(ctx context.Context, dir string, sources []string) (*sandbox.CompileResult, error)
	Start(ctx context.Context, dir string) (Process, error)
}

type sandboxPipeline struct {
	*sandbox.Pipeline
}

func (p sandboxPipeline) Start(ctx context.Context, dir string) (Process, error) {
	proc, err := p.Pipeline.Start(ctx, dir)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Adapt lets a *sandbox.Pipeline serve sessions.
func Adapt(p *sandbox.Pipeline) Pipeline { return sandboxPipeline{p} }

type State int32

const (
	Idle State = iota
	Compiling
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Compiling:
		return "compiling"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Manager serves sessions. It is shared by every connection.
type Manager struct {
	pipeline   Pipeline
	screener   *screen.Screener
	queue      *admission.Queue
	workspaces *workspace.Manager
	cfg        config.InteractiveConfig
	limits     models.Limits
	logger     *zerolog.Logger
	active     atomic.Int64

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	live     sync.WaitGroup
}

func NewManager(
	pipeline Pipeline,
	screener *screen.Screener,
	queue *admission.Queue,
	workspaces *workspace.Manager,
	cfg config.InteractiveConfig,
	limits models.Limits,
	logger *zerolog.Logger,
) *Manager {
	l := logger.With().Str("component", "session").Logger()
	return &Manager{
		pipeline:   pipeline,
		screener:   screener,
		queue:      queue,
		workspaces: workspaces,
		cfg:        cfg,
		limits:     limits,
		logger:     &l,
		sessions:   make(map[*Session]struct{}),
	}
}

// Active is the number of open sessions.
func (m *Manager) Active() int64 { return m.active.Load() }

// Queue is the admission queue sessions draw from.
func (m *Manager) Queue() *admission.Queue { return m.queue }

// Serve runs one session until conn fails or closes, then tears it down.
// It does not close conn unless Shutdown does. After Shutdown it returns at
// once.
func (m *Manager) Serve(ctx context.Context, conn Conn) {
	s := m.newSession(ctx, conn)
	if !m.register(s) {
		s.cancel()
		return
	}
	defer m.unregister(s)

	s.logger.Debug().Msg("session opened")
	defer s.disconnect()

	for {
		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug().Err(err).Msg("connection closed")
			return
		}
		s.handle(msg)
	}
}

func (m *Manager) register(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.sessions[s] = struct{}{}
	m.live.Add(1)
	m.active.Add(1)
	metrics.ActiveSessions.Inc()
	return true
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
	m.active.Add(-1)
	metrics.ActiveSessions.Dec()
	m.live.Done()
}

// Shutdown refuses new sessions, kills every running program, closes the
// connections and waits until each session has released its slot and
// workspace, or until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	open := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.abort()
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is one connection's state machine.
type Session struct {
	id     string
	m      *Manager
	conn   Conn
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	proc   Process
	closed bool

	timedOut    atomic.Bool
	writeFailed atomic.Bool
	jobDone     chan struct{}
}

func (m *Manager) newSession(ctx context.Context, conn Conn) *Session {
	id := uuid.NewString()
	l := m.logger.With().Str("session_id", id).Logger()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{id: id, m: m, conn: conn, logger: &l, ctx: ctx, cancel: cancel}
}

// State reports where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handle(msg models.ClientMessage) {
	switch msg.Type {
	case models.MsgInit:
		s.init(msg.Files)
	case models.MsgStdin:
		s.mu.Lock()
		proc := s.proc
		running := s.state == Running
		s.mu.Unlock()
		if !running || proc == nil {
			return
		}
		if err := proc.Write(msg.Data); err != nil {
			s.logger.Debug().Err(err).Msg("stdin write failed")
		}
	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
}

func (s *Session) init(files []models.SubmittedFile) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.send(models.Error(ErrAlreadyUsed.Error()))
		return
	}
	req := models.ExecuteRequest{Files: files}
	if err := req.Validate(s.m.limits); err != nil {
		s.mu.Unlock()
		s.send(models.Error(err.Error()))
		return
	}
	s.state = Compiling
	s.jobDone = make(chan struct{})
	s.mu.Unlock()

	go s.run(files)
}

// run owns the job's ticket, workspace, process and timer, and releases all
// of them on return.
func (s *Session) run(files []models.SubmittedFile) {
	defer close(s.jobDone)
	start := time.Now()

	var (
		ticket *admission.Ticket
		ws     *workspace.Workspace
		proc   Process
		timer  *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if proc != nil {
			proc.Kill()
		}
		if ws != nil {
			ws.DestroyAsync(ticket.Release)
		} else {
			ticket.Release()
		}
	}()

	if reason, blocked := s.m.screener.ScreenFiles(files); blocked {
		metrics.ScreenRejections.WithLabelValues("interactive").Inc()
		s.logger.Info().Str("reason", reason).Msg("submission blocked by screen")
		s.send(models.CompileError(screen.Notice(reason)))
		s.finish(models.ExitPolicyBlocked, start)
		return
	}

	var err error
	if ticket, err = s.m.queue.Acquire(s.ctx); err != nil {
		s.terminate()
		return
	}

	if ws, err = s.m.workspaces.Create(s.id); err != nil {
		s.fail(err, "workspace creation failed")
		return
	}
	if _, err = ws.Materialize(files, nil); err != nil {
		s.fail(err, "failed to write sources")
		return
	}

	compiled, err := s.m.pipeline.Compile(s.ctx, ws.Dir, ws.Sources())
	if err != nil {
		s.fail(err, "compile phase failed")
		return
	}
	metrics.ExecutionDuration.WithLabelValues("interactive", "compile").Observe(float64(compiled.TimeUsedMs))
	if !compiled.OK {
		s.send(models.CompileError(compiled.Stderr))
		s.finish(compiled.ExitCode, start)
		return
	}

	if proc, err = s.m.pipeline.Start(s.ctx, ws.Dir); err != nil {
		s.fail(err, "failed to start program")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		proc.Kill()
		_, _ = proc.Stream(nil, nil)
		return
	}
	s.proc = proc
	s.state = Running
	timeout := s.m.cfg.Timeout()
	timer = time.AfterFunc(timeout, func() {
		s.timedOut.Store(true)
		proc.Kill()
	})
	s.mu.Unlock()

	runStart := time.Now()
	status, err := proc.Stream(
		func(data string) { s.send(models.Stdout(data)) },
		func(data string) { s.send(models.Stderr(data)) },
	)
	timer.Stop()
	metrics.ExecutionDuration.WithLabelValues("interactive", "run").Observe(float64(time.Since(runStart).Milliseconds()))

	switch {
	case s.isClosed():
		s.terminate()
	case err != nil:
		s.fail(err, "program wait failed")
	case s.timedOut.Load():
		s.send(models.Stderr(sandbox.TimeoutNotice(timeout)))
		s.finish(models.ExitTimeout, start)
	default:
		s.finish(status.Code, start)
	}
}

// finish sends the job's final exit message.
func (s *Session) finish(code int, start time.Time) {
	s.terminate()
	s.send(models.Exit(code))
	res := models.ExecutionResult{Success: true, ExitCode: code}
	metrics.ExecutionsTotal.WithLabelValues("interactive", res.Outcome()).Inc()
	metrics.ExecutionDuration.WithLabelValues("interactive", "total").Observe(float64(time.Since(start).Milliseconds()))
	s.logger.Info().Int("exit_code", code).Str("outcome", res.Outcome()).Msg("job finished")
}

func (s *Session) fail(err error, msg string) {
	s.terminate()
	if s.isClosed() {
		return
	}
	s.logger.Error().Err(err).Msg(msg)
	metrics.ExecutionsTotal.WithLabelValues("interactive", models.ExecutionResult{}.Outcome()).Inc()
	s.send(models.Error(models.InternalErrorMessage))
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.state = Terminated
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// abort marks the session closed, cancels its context and kills the program.
// The run goroutine then releases the job's resources.
func (s *Session) abort() {
	s.mu.Lock()
	s.closed = true
	s.state = Terminated
	proc := s.proc
	s.mu.Unlock()

	s.cancel()
	if proc != nil {
		proc.Kill()
	}
}

// disconnect aborts any job in flight and waits for it to clean up.
func (s *Session) disconnect() {
	s.abort()
	s.mu.Lock()
	done := s.jobDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.logger.Debug().Msg("session closed")
}

// send writes msg to the client. A failed write means the client is gone or
// not reading: the job is aborted and later messages are dropped.
func (s *Session) send(msg models.ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeFailed.Load() {
		return
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.writeFailed.Store(true)
		s.logger.Info().Err(err).Str("type", string(msg.Type)).Msg("write failed, aborting session")
		s.abort()
	}
}
