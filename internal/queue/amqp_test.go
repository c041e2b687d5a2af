package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"r2v/internal/domain"
)

type recordingAcknowledger struct {
	acks     int
	nacks    int
	requeued bool
}

func (r *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	r.acks++
	return nil
}

func (r *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	r.nacks++
	r.requeued = requeue
	return nil
}

func (r *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func TestAMQPDeliverSettlesByOutcome(t *testing.T) {
	body, err := Task{Kind: domain.JobKindAI, JobID: "j1"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := []struct {
		name       string
		body       []byte
		handlerErr error
		wantAck    int
		wantNack   int
		wantCalled bool
	}{
		{name: "handled", body: body, wantAck: 1, wantCalled: true},
		{name: "handler failed", body: body, handlerErr: errors.New("db unavailable"), wantNack: 1, wantCalled: true},
		{name: "malformed", body: []byte("not json"), wantAck: 1},
	}
	logger := zerolog.Nop()
	q := &AMQPQueue{name: "r2v.jobs", logger: &logger}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &recordingAcknowledger{}
			called := false
			q.deliver(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: tc.body}, func(ctx context.Context, task Task) error {
				called = true
				if task.JobID != "j1" {
					t.Fatalf("task = %+v", task)
				}
				return tc.handlerErr
			})
			if called != tc.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tc.wantCalled)
			}
			if ack.acks != tc.wantAck || ack.nacks != tc.wantNack {
				t.Fatalf("acks=%d nacks=%d, want %d/%d", ack.acks, ack.nacks, tc.wantAck, tc.wantNack)
			}
			if tc.wantNack > 0 && !ack.requeued {
				t.Fatalf("failed delivery must be requeued")
			}
		})
	}
}
