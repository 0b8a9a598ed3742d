package nats

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/playground-runner/internal/models"
)

type recordingProcessor struct {
	got chan models.Submission
	pub *Publisher
}

func (r *recordingProcessor) HandleSubmission(sub models.Submission, reply string) {
	r.got <- sub
	if reply != "" {
		_ = r.pub.Respond(reply, models.SubmissionResult{SubmissionID: sub.ID})
	}
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestSubscriberDispatchesAndAssignsID(t *testing.T) {
	nc := connect(t)
	logger := zerolog.Nop()
	proc := &recordingProcessor{got: make(chan models.Submission, 1), pub: NewPublisher(nc, "playground.result", &logger)}
	sub := NewSubscriber(nc, "playground.execute", "playground-runner", proc, &logger)
	subscription, err := sub.SubscribeToSubmissions()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	msg, err := nc.Request("playground.execute", []byte(`{"files":[{"name":"main.c","content":"int main(){}"}]}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	received := <-proc.got
	if received.ID == "" || len(received.Files) != 1 {
		t.Fatalf("received %+v", received)
	}

	var res models.SubmissionResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.SubmissionID != received.ID {
		t.Fatalf("reply id %q, want %q", res.SubmissionID, received.ID)
	}
	sub.Wait()
}

func TestSubscriberRejectsGarbage(t *testing.T) {
	nc := connect(t)
	logger := zerolog.Nop()
	proc := &recordingProcessor{got: make(chan models.Submission, 1)}
	sub := NewSubscriber(nc, "playground.execute", "playground-runner", proc, &logger)
	if _, err := sub.SubscribeToSubmissions(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg, err := nc.Request("playground.execute", []byte("not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var res models.SubmissionResult
	if err := json.Unmarshal(msg.Data, &res); err != nil || res.Rejected == "" {
		t.Fatalf("reply = %s, %v", msg.Data, err)
	}
	select {
	case s := <-proc.got:
		t.Fatalf("garbage dispatched as %+v", s)
	default:
	}
}
