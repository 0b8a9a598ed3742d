package core

import (
	"context"
	"sync"
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

// Pipeline is the part of sandbox.Pipeline a batch job needs.
type Pipeline interface {
	Compile(ctx context.Context, dir string, sources []string) (*sandbox.CompileResult, error)
	Run(ctx context.Context, req sandbox.RunRequest) (*sandbox.ExecuteResult, error)
}

// Runner executes batch submissions: screen, admit, materialize, compile, run
// and clean up.
type Runner struct {
	pipeline   Pipeline
	screener   *screen.Screener
	queue      *admission.Queue
	workspaces *workspace.Manager
	cfg        config.RunnerConfig
	logger     *zerolog.Logger
	now        func() time.Time
	inflight   sync.WaitGroup
}

// NewRunner creates a new Runner instance.
func NewRunner(
	pipeline Pipeline,
	screener *screen.Screener,
	queue *admission.Queue,
	workspaces *workspace.Manager,
	rc config.RunnerConfig,
	logger *zerolog.Logger,
) *Runner {
	l := logger.With().Str("component", "runner").Logger()
	return &Runner{
		pipeline:   pipeline,
		screener:   screener,
		queue:      queue,
		workspaces: workspaces,
		cfg:        rc,
		logger:     &l,
		now:        time.Now,
	}
}

// Limits is what Validate checks requests against.
func (r *Runner) Limits() models.Limits {
	return models.Limits{MaxFiles: r.cfg.MaxFiles, MaxSourceBytes: r.cfg.MaxSourceBytes}
}

// Queue exposes the admission queue for health reporting.
func (r *Runner) Queue() *admission.Queue { return r.queue }

// Execute runs req under a fresh job id. The error is non-nil only for a
// request that fails validation; every other outcome is in the result.
func (r *Runner) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecutionResult, error) {
	return r.ExecuteJob(ctx, uuid.NewString(), req)
}

// ExecuteJob is Execute with a caller-chosen job id. The id only labels logs;
// the workspace always gets a fresh name, so repeated ids never share one.
func (r *Runner) ExecuteJob(ctx context.Context, jobID string, req models.ExecuteRequest) (models.ExecutionResult, error) {
	if err := req.Validate(r.Limits()); err != nil {
		return models.ExecutionResult{}, err
	}
	r.inflight.Add(1)
	defer r.inflight.Done()
	start := r.now()
	logger := r.logger.With().Str("job_id", jobID).Logger()

	res := r.execute(ctx, jobID, req, &logger)

	metrics.ExecutionsTotal.WithLabelValues("batch", res.Outcome()).Inc()
	metrics.ExecutionDuration.WithLabelValues("batch", "total").Observe(float64(r.now().Sub(start).Milliseconds()))
	logger.Info().
		Str("outcome", res.Outcome()).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", r.now().Sub(start)).
		Msg("job finished")
	return res, nil
}

// Wait blocks until every job in flight has returned or ctx is done. Cancel
// the jobs' contexts first to make it prompt.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, jobID string, req models.ExecuteRequest, logger *zerolog.Logger) models.ExecutionResult {
	if reason, blocked := r.screener.ScreenFiles(req.Files); blocked {
		metrics.ScreenRejections.WithLabelValues("batch").Inc()
		logger.Info().Str("reason", reason).Msg("submission blocked by screen")
		return r.result(models.ExitPolicyBlocked, "", screen.Notice(reason), "")
	}

	ticket, err := r.queue.Acquire(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("gave up waiting for an admission slot")
		return models.FailedResult(r.now())
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HardDeadline())
	defer cancel()

	ws, err := r.workspaces.Create(uuid.NewString())
	if err != nil {
		ticket.Release()
		logger.Error().Err(err).Msg("workspace creation failed")
		return models.FailedResult(r.now())
	}
	defer ws.DestroyAsync(ticket.Release)

	if _, err := ws.Materialize(req.Files, req.Stdin); err != nil {
		logger.Error().Err(err).Msg("failed to write sources")
		return models.FailedResult(r.now())
	}

	compiled, err := r.pipeline.Compile(ctx, ws.Dir, ws.Sources())
	if err != nil {
		logger.Error().Err(err).Msg("compile phase failed")
		return models.FailedResult(r.now())
	}
	metrics.ExecutionDuration.WithLabelValues("batch", "compile").Observe(float64(compiled.TimeUsedMs))
	if !compiled.OK {
		logger.Debug().Int("exit_code", compiled.ExitCode).Msg("compilation failed")
		return r.result(compiled.ExitCode, "", compiled.Stderr, "")
	}

	runReq := sandbox.RunRequest{
		JobID:         jobID,
		Dir:           ws.Dir,
		Args:          req.Args,
		Timeout:       r.cfg.RunTimeout(),
		MemoryLimitKb: r.cfg.MemoryLimitKb,
	}
	if ws.HasInput() {
		runReq.StdinPath = ws.InputPath()
	}
	out, err := r.pipeline.Run(ctx, runReq)
	if err != nil {
		logger.Error().Err(err).Msg("run phase failed")
		return models.FailedResult(r.now())
	}
	metrics.ExecutionDuration.WithLabelValues("batch", "run").Observe(float64(out.TimeUsedMs))
	return r.result(out.ExitCode, out.Stdout, out.Stderr, out.Signal)
}

func (r *Runner) result(exitCode int, stdout, stderr, signal string) models.ExecutionResult {
	return models.ExecutionResult{
		Success:   true,
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		Signal:    signal,
		Timestamp: models.Timestamp(r.now()),
	}
}
