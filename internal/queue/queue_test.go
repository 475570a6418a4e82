package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewFromClient(rdb, zap.NewNop())

	return q, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func mustMessage(t *testing.T, kind Kind, payload any) *Message {
	t.Helper()
	msg, err := NewMessage(kind, uuid.New(), 3, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestQueue_FIFOWithinKind(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		msg := mustMessage(t, KindSMS, SMSPayload{To: "+15550001111", Body: body})
		if !q.Enqueue(ctx, msg) {
			t.Fatalf("enqueue %q failed", body)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, err := q.Pop(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if msg == nil {
			t.Fatalf("expected message %q, got nil", want)
		}
		p, err := msg.SMS()
		if err != nil {
			t.Fatalf("decode sms: %v", err)
		}
		if p.Body != want {
			t.Errorf("expected body %q, got %q", want, p.Body)
		}
	}
}

func TestQueue_PopCoversAllKinds(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	msg := mustMessage(t, KindEmail, EmailPayload{To: "a@b.com", Subject: "hi", Text: "hello"})
	if !q.Enqueue(ctx, msg) {
		t.Fatal("enqueue failed")
	}

	got, err := q.Pop(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil {
		t.Fatal("expected email message, got nil")
	}
	if got.Kind != KindEmail {
		t.Errorf("expected kind email, got %q", got.Kind)
	}
}

func TestQueue_PopTimeoutReturnsNil(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	msg, err := q.Pop(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message on timeout, got %+v", msg)
	}
}

func TestQueue_RequeueGoesToTail(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	a := mustMessage(t, KindSMS, SMSPayload{To: "+1555", Body: "a"})
	b := mustMessage(t, KindSMS, SMSPayload{To: "+1555", Body: "b"})
	q.Enqueue(ctx, a)
	q.Enqueue(ctx, b)

	popped, err := q.Pop(ctx, 100*time.Millisecond)
	if err != nil || popped == nil {
		t.Fatalf("pop a: %v, %v", popped, err)
	}

	// A failed delivery puts the message back behind newer work.
	popped.Attempts++
	if !q.Enqueue(ctx, popped) {
		t.Fatal("requeue failed")
	}

	next, err := q.Pop(ctx, 100*time.Millisecond)
	if err != nil || next == nil {
		t.Fatalf("pop b: %v, %v", next, err)
	}
	p, _ := next.SMS()
	if p.Body != "b" {
		t.Errorf("expected untouched message first, got %q", p.Body)
	}

	last, err := q.Pop(ctx, 100*time.Millisecond)
	if err != nil || last == nil {
		t.Fatalf("pop requeued: %v, %v", last, err)
	}
	if last.Attempts != 1 {
		t.Errorf("expected requeued message with attempts=1, got %d", last.Attempts)
	}
}

func TestQueue_EnqueueUnreachableBroker(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t)
	defer cleanup()

	mr.Close()

	msg := mustMessage(t, KindSMS, SMSPayload{To: "+1555", Body: "x"})
	if q.Enqueue(context.Background(), msg) {
		t.Error("expected enqueue to report unreachable broker")
	}
}

func TestQueue_Len(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	q.Enqueue(ctx, mustMessage(t, KindSMS, SMSPayload{To: "+1555", Body: "x"}))
	q.Enqueue(ctx, mustMessage(t, KindSMS, SMSPayload{To: "+1555", Body: "y"}))

	n, err := q.Len(ctx, KindSMS)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}
}
