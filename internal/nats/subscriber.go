package nats

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/Mirai3103/playground-runner/internal/models"
)

// SubmissionProcessor handles one decoded submission. reply is the request's
// reply subject, empty for fire-and-forget publishes.
type SubmissionProcessor interface {
	HandleSubmission(submission models.Submission, reply string)
}

type Subscriber struct {
	nc                *nats.Conn
	subject           string
	queueGroup        string
	submissionHandler SubmissionProcessor
	logger            *zerolog.Logger
	inflight          conc.WaitGroup
}

func NewSubscriber(nc *nats.Conn, subject, queueGroup string, handler SubmissionProcessor, logger *zerolog.Logger) *Subscriber {
	l := logger.With().Str("component", "nats_subscriber").Logger()
	return &Subscriber{
		nc:                nc,
		subject:           subject,
		queueGroup:        queueGroup,
		submissionHandler: handler,
		logger:            &l,
	}
}

// SubscribeToSubmissions joins the queue group so that each submission is
// handled by exactly one runner instance.
func (s *Subscriber) SubscribeToSubmissions() (*nats.Subscription, error) {
	subscription, err := s.nc.QueueSubscribe(s.subject, s.queueGroup, func(msg *nats.Msg) {
		var sub models.Submission
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("dropping undecodable submission")
			if msg.Reply != "" {
				data, _ := json.Marshal(models.SubmissionResult{Rejected: "invalid submission payload"})
				_ = msg.Respond(data)
			}
			return
		}
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		reply := msg.Reply
		s.inflight.Go(func() { s.submissionHandler.HandleSubmission(sub, reply) })
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subject", s.subject).
		Str("queue", s.queueGroup).
		Msg("subscribed to submissions")
	return subscription, nil
}

// Wait blocks until every dispatched submission has been handled.
func (s *Subscriber) Wait() { s.inflight.Wait() }
