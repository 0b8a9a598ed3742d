package worker

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/Mirai3103/playground-runner/internal/models"
	natsClient "github.com/Mirai3103/playground-runner/internal/nats"
)

// Executor runs one batch job.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID string, req models.ExecuteRequest) (models.ExecutionResult, error)
}

type JobHandler struct {
	ctx           context.Context
	natsPublisher *natsClient.Publisher
	runner        Executor
	logger        *zerolog.Logger
}

// NewJobHandler returns a handler whose jobs are cancelled when ctx is done.
// Concurrency is bounded by the runner's admission queue.
func NewJobHandler(ctx context.Context, publisher *natsClient.Publisher, runner Executor, logger *zerolog.Logger) *JobHandler {
	l := logger.With().Str("component", "job_handler").Logger()
	return &JobHandler{ctx: ctx, natsPublisher: publisher, runner: runner, logger: &l}
}

// HandleSubmission executes submission, answers the request when reply is
// set and always publishes the result.
func (h *JobHandler) HandleSubmission(submission models.Submission, reply string) {
	out := models.SubmissionResult{SubmissionID: submission.ID}

	res, err := h.runner.ExecuteJob(h.ctx, submission.ID, submission.ExecuteRequest)
	if err != nil {
		h.logger.Info().Err(err).Str("id", submission.ID).Msg("submission rejected")
		out.Rejected = err.Error()
	} else {
		out.Result = &res
	}

	var errs error
	if reply != "" {
		errs = multierr.Append(errs, h.natsPublisher.Respond(reply, out))
	}
	errs = multierr.Append(errs, h.natsPublisher.PublishSubmissionResult(out))
	if errs != nil {
		h.logger.Error().Err(errs).Str("id", submission.ID).Msg("failed to deliver result")
	}
}
