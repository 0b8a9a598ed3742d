package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/playground-runner/internal/models"
)

type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zerolog.Logger
}

func NewPublisher(nc *nats.Conn, subject string, logger *zerolog.Logger) *Publisher {
	l := logger.With().Str("component", "nats_publisher").Logger()
	return &Publisher{nc: nc, subject: subject, logger: &l}
}

// PublishSubmissionResult broadcasts result on the result subject.
func (p *Publisher) PublishSubmissionResult(result models.SubmissionResult) error {
	return p.publish(p.subject, result)
}

// Respond answers a request on its reply subject.
func (p *Publisher) Respond(reply string, result models.SubmissionResult) error {
	return p.publish(reply, result)
}

func (p *Publisher) publish(subject string, result models.SubmissionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal submission result: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("publish failed")
		return err
	}
	p.logger.Debug().
		Str("id", result.SubmissionID).
		Str("subject", subject).
		Msg("published submission result")
	return nil
}
