package router_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltsync/grid-sync-worker/internal/errdef"
	"github.com/voltsync/grid-sync-worker/internal/ring"
	"github.com/voltsync/grid-sync-worker/internal/router"
)

type declaration struct {
	queue string
	dlq   string
}

type fakePublisher struct {
	declared  []declaration
	published map[string][][]byte
	failNext  error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte)}
}

func (f *fakePublisher) DeclareQueue(queue, dlqQueue string) error {
	f.declared = append(f.declared, declaration{queue: queue, dlq: dlqQueue})
	return nil
}

func (f *fakePublisher) PublishToQueue(_ context.Context, queue string, body []byte) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func newTestRouter(t *testing.T, shards int) (*router.Router, *fakePublisher) {
	t.Helper()
	pub := newFakePublisher()
	rt, err := router.NewRouter(ring.New(shards, 150), pub, "ingest_queue_", "ingest_queue.dlq", zap.NewNop())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	return rt, pub
}

func TestNewRouter_DeclaresAllIngestQueues(t *testing.T) {
	_, pub := newTestRouter(t, 3)

	if len(pub.declared) != 3 {
		t.Fatalf("expected 3 declared queues, got %v", pub.declared)
	}
	seen := make(map[string]bool)
	for _, d := range pub.declared {
		seen[d.queue] = true
		// The shard consumers declare these queues too, with the DLQ in
		// the arguments; the router must pass the same one or the second
		// declare gets a 406 from the broker.
		if d.dlq != "ingest_queue.dlq" {
			t.Errorf("queue %s declared against DLQ %q, want ingest_queue.dlq", d.queue, d.dlq)
		}
	}
	for shard := 1; shard <= 3; shard++ {
		if !seen[fmt.Sprintf("ingest_queue_%d", shard)] {
			t.Errorf("ingest queue for shard %d not declared: %v", shard, pub.declared)
		}
	}
}

func TestHandleMessage_SameDeviceSameQueue(t *testing.T) {
	rt, pub := newTestRouter(t, 3)

	deviceID := uuid.NewString()
	body := []byte(fmt.Sprintf(
		`{"timestamp":"2026-08-01T10:00:00Z","device_id":%q,"measurement_value":1.5}`, deviceID))

	for i := 0; i < 5; i++ {
		if err := rt.HandleMessage(context.Background(), body); err != nil {
			t.Fatalf("HandleMessage failed: %v", err)
		}
	}

	if len(pub.published) != 1 {
		t.Fatalf("one device must land on exactly one queue, got %d", len(pub.published))
	}
	for queue, bodies := range pub.published {
		if len(bodies) != 5 {
			t.Errorf("expected 5 messages on %s, got %d", queue, len(bodies))
		}
		// The body is forwarded untouched.
		if string(bodies[0]) != string(body) {
			t.Errorf("body rewritten in transit: %s", bodies[0])
		}
	}
}

func TestHandleMessage_MalformedIsTerminal(t *testing.T) {
	rt, _ := newTestRouter(t, 3)

	cases := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte(`{`)},
		{"missing device id", []byte(`{"timestamp":"2026-08-01T10:00:00Z","measurement_value":1.5}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rt.HandleMessage(context.Background(), tc.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errdef.IsTerminal(err) {
				t.Errorf("expected terminal error, got transient: %v", err)
			}
		})
	}
}

func TestHandleMessage_PublishFailureIsTransient(t *testing.T) {
	rt, pub := newTestRouter(t, 3)
	pub.failNext = errors.New("channel closed")

	body := []byte(fmt.Sprintf(
		`{"timestamp":"2026-08-01T10:00:00Z","device_id":%q,"measurement_value":1.5}`, uuid.New()))

	err := rt.HandleMessage(context.Background(), body)
	if err == nil {
		t.Fatal("expected error")
	}
	if errdef.IsTerminal(err) {
		t.Error("publish failure must stay transient so the reading requeues")
	}

	// Redelivery routes the same message successfully.
	if err := rt.HandleMessage(context.Background(), body); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
}
