package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/logger"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
)

const waitFor = 10 * time.Second

func testConnect(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	q, err := Connect(context.Background(), config.NATS{URL: url, Stream: "AGENTAI_TEST"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// testSubject is captured by the stream (inbound.>) and has no schema.
func testSubject(t *testing.T) string {
	t.Helper()
	return "inbound.test." + strings.ReplaceAll(t.Name(), "/", "_")
}

type delivery struct {
	ctx  context.Context
	data []byte
}

// subscribe feeds every delivery on subject into the returned channel.
// handlerErr decides the handler's result per call, starting at 1.
func subscribe(t *testing.T, q *Queue, subject string, handlerErr func(call int) error) <-chan delivery {
	t.Helper()
	ch := make(chan delivery, 16)
	var calls atomic.Int64
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, data []byte) error {
		select {
		case ch <- delivery{ctx: ctx, data: data}:
		default:
		}
		if handlerErr != nil {
			return handlerErr(int(calls.Add(1)))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe %s: %v", subject, err)
	}
	t.Cleanup(stop)
	return ch
}

// watchDLQ consumes the dead letter subject of subject without running the
// validator again. Only messages published after the call are seen.
func watchDLQ(t *testing.T, q *Queue, subject string) <-chan *nats.Msg {
	t.Helper()
	ctx := context.Background()
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	ch := make(chan *nats.Msg, 4)
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		ch <- &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: msg.Headers()}
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestConsumerName(t *testing.T) {
	tests := map[string]string{
		messagequeue.SubjectActionResult:    "agentai_actions_result",
		messagequeue.SubjectInboundReceived: "agentai_inbound_received",
		"inbound.>":                         "agentai_inbound_all",
		"actions.*.dlq":                     "agentai_actions_any_dlq",
	}
	for subject, want := range tests {
		if got := consumerName(subject); got != want {
			t.Errorf("consumerName(%q) = %q, want %q", subject, got, want)
		}
	}
}

func TestRetryCount(t *testing.T) {
	h := nats.Header{}
	if n := retryCount(h); n != 0 {
		t.Errorf("missing header = %d, want 0", n)
	}
	h.Set(headerRetryCount, "2")
	if n := retryCount(h); n != 2 {
		t.Errorf("retry count = %d, want 2", n)
	}
	h.Set(headerRetryCount, "many")
	if n := retryCount(h); n != 0 {
		t.Errorf("garbage header = %d, want 0", n)
	}
}

func TestQueue_EnvelopeRoundTrip(t *testing.T) {
	q := testConnect(t)
	subject := testSubject(t)
	got := subscribe(t, q, subject, nil)

	want := messagequeue.InboundReceivedPayload{Envelope: inbound.Envelope{
		AccountID: "acct-1",
		ThreadID:  "thread-1",
		Message:   inbound.Message{MessageID: "<m1@example.com>", FromEmail: "alice@example.com"},
	}}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var p messagequeue.InboundReceivedPayload
	if err := json.Unmarshal(receive(t, got).data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Envelope.Message.MessageID != want.Envelope.Message.MessageID || p.Envelope.ThreadID != "thread-1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := testSubject(t)
	got := subscribe(t, q, subject, nil)

	ctx := logger.WithRequestID(context.Background(), "req-abc-123")
	if err := q.Publish(ctx, subject, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id := logger.RequestID(receive(t, got).ctx); id != "req-abc-123" {
		t.Errorf("request ID = %q", id)
	}
}

func TestQueue_FailedHandlerIsRetried(t *testing.T) {
	q := testConnect(t)
	subject := testSubject(t)
	got := subscribe(t, q, subject, func(call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	})

	if err := q.Publish(context.Background(), subject, []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	first := receive(t, got)
	second := receive(t, got)
	if string(first.data) != string(second.data) {
		t.Errorf("redelivered %q, want %q", second.data, first.data)
	}
}

func TestQueue_InvalidResultGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.SubjectActionResult
	dlq := watchDLQ(t, q, subject)
	handled := subscribe(t, q, subject, nil)

	if err := q.Publish(context.Background(), subject, []byte(`{"status":"completed"}`)); err != nil {
		t.Fatal(err)
	}

	msg := receive(t, dlq)
	if string(msg.Data) != `{"status":"completed"}` {
		t.Errorf("DLQ data = %q", msg.Data)
	}
	if !strings.Contains(msg.Header.Get("Error"), "action_id") {
		t.Errorf("DLQ error header = %q", msg.Header.Get("Error"))
	}
	select {
	case d := <-handled:
		// Earlier runs may leave valid results behind; only the invalid one must not arrive.
		if string(d.data) == `{"status":"completed"}` {
			t.Error("invalid payload reached the handler")
		}
	default:
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := testSubject(t)
	dlq := watchDLQ(t, q, subject)
	subscribe(t, q, subject, func(int) error { return errors.New("always fails") })

	// A message already at maxRetries goes to the DLQ on its next failure.
	msg := &nats.Msg{Subject: subject, Data: []byte(`{"exhausted":true}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	dead := receive(t, dlq)
	if string(dead.Data) != `{"exhausted":true}` {
		t.Errorf("DLQ data = %q", dead.Data)
	}
	if dead.Header.Get("Error") != "always fails" {
		t.Errorf("DLQ error header = %q", dead.Header.Get("Error"))
	}
}

func TestQueue_KeyValueBucket(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "AGENTAI_TEST_KV", time.Hour)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	status, err := kv.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.TTL() != time.Hour {
		t.Errorf("bucket TTL = %v, want 1h", status.TTL())
	}

	if _, err := kv.Put(ctx, "dedupe", []byte("d1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "dedupe")
	if err != nil || string(entry.Value()) != "d1" {
		t.Fatalf("Get = %v, %v", entry, err)
	}
	if err := kv.Delete(ctx, "dedupe"); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, "dedupe"); !errors.Is(err, jetstream.ErrKeyNotFound) {
		t.Errorf("after delete: %v", err)
	}

	// Reopening with the same settings returns the existing bucket.
	if _, err := q.KeyValue(ctx, "AGENTAI_TEST_KV", time.Hour); err != nil {
		t.Errorf("reopen: %v", err)
	}
	if !q.IsConnected() {
		t.Error("IsConnected() = false")
	}
}
