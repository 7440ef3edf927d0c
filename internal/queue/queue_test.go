package queue

import (
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAndGetNextMessages(t *testing.T) {
	q := openTestQueue(t)

	id, err := q.Enqueue(1, 2, "hello", EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == DuplicateSentinel {
		t.Fatal("unexpected duplicate sentinel on first insert")
	}

	msgs, err := q.GetNextMessages(10)
	if err != nil {
		t.Fatalf("get next messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected single due message, got %+v", msgs)
	}
}

func TestEnqueueDuplicateReturnsSentinel(t *testing.T) {
	q := openTestQueue(t)
	q.nowFn = func() time.Time { return time.Unix(1000, 0) }

	opts := EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 3}
	id1, err := q.Enqueue(1, 2, "dup text", opts)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	id2, err := q.Enqueue(1, 2, "dup text", opts)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if id2 != DuplicateSentinel {
		t.Fatalf("expected duplicate sentinel, got %q (first id %q)", id2, id1)
	}
}

func TestEnqueueRespectsQueueFull(t *testing.T) {
	q, err := Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	opts := EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 3}
	if _, err := q.Enqueue(1, 2, "first", opts); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(1, 3, "second", opts); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestMarkProcessingThenDelivered(t *testing.T) {
	q := openTestQueue(t)
	opts := EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 3}
	id, err := q.Enqueue(1, 2, "hello", opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := q.MarkProcessing(id)
	if err != nil || !ok {
		t.Fatalf("mark processing: ok=%v err=%v", ok, err)
	}

	// A second MarkProcessing should fail: it's no longer PENDING.
	ok, err = q.MarkProcessing(id)
	if err != nil {
		t.Fatalf("second mark processing: %v", err)
	}
	if ok {
		t.Fatal("expected second mark processing to fail, row isn't PENDING")
	}

	if err := q.MarkDelivered(id); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %+v", stats)
	}
}

func TestMarkFailedRetriesThenExhausts(t *testing.T) {
	q := openTestQueue(t)
	opts := EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 2}
	id, err := q.Enqueue(1, 2, "hello", opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if ok, err := q.MarkProcessing(id); err != nil || !ok {
		t.Fatalf("mark processing: ok=%v err=%v", ok, err)
	}
	retryable, err := q.MarkFailed(id, "transient error")
	if err != nil {
		t.Fatalf("mark failed (1st): %v", err)
	}
	if !retryable {
		t.Fatal("expected first failure to be retryable")
	}

	if ok, err := q.MarkProcessing(id); err != nil || !ok {
		t.Fatalf("second mark processing: ok=%v err=%v", ok, err)
	}
	retryable, err = q.MarkFailed(id, "permanent error")
	if err != nil {
		t.Fatalf("mark failed (2nd): %v", err)
	}
	if retryable {
		t.Fatal("expected second failure to be terminal")
	}

	stats, err := q.GetStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}
}

func TestRecoverCrashedRowsOnOpen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, 100)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	id, err := q.Enqueue(1, 2, "hello", EnqueueOptions{Priority: PriorityNormal, TTL: time.Hour, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := q.MarkProcessing(id); err != nil || !ok {
		t.Fatalf("mark processing: ok=%v err=%v", ok, err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q2, err := Open(dir, 100)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q2.Close()

	msgs, err := q2.GetNextMessages(10)
	if err != nil {
		t.Fatalf("get next messages after recovery: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected recovered PENDING message, got %+v", msgs)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	if d := backoffDelay(1); d != time.Second {
		t.Fatalf("expected 1s for first attempt, got %v", d)
	}
	if d := backoffDelay(2); d != 2*time.Second {
		t.Fatalf("expected 2s for second attempt, got %v", d)
	}
	if d := backoffDelay(20); d != defaultMaxBackoffDelay {
		t.Fatalf("expected cap at %v, got %v", defaultMaxBackoffDelay, d)
	}
}
