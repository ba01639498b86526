package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"resume-analysis-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, 3, time.Minute, time.Hour), mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entry := models.QueueEntry{
		ID:         "a1",
		Kind:       models.KindQuality,
		ResumeText: "some resume text",
		UserID:     "u1",
		ResumeID:   "r1",
	}
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Waiting != 1 || st.Active != 0 {
		t.Fatalf("unexpected status after enqueue: %+v", st)
	}

	got, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if got != entry {
		t.Fatalf("dequeued entry mismatch: got %+v want %+v", got, entry)
	}

	st, _ = q.Status(ctx)
	if st.Waiting != 0 || st.Active != 1 {
		t.Fatalf("unexpected status after dequeue: %+v", st)
	}

	if _, ok, err := q.DequeueWithLease(ctx); err != nil || ok {
		t.Fatalf("expected empty queue, got ok=%v err=%v", ok, err)
	}
}

func TestCompleteMovesToBoundedList(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	// Retention is 3; push 5 through and verify the completed list is trimmed.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		if err := q.Enqueue(ctx, models.QueueEntry{ID: id, Kind: models.KindQuality, ResumeText: "x", UserID: "u1", ResumeID: "r1"}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, ok, err := q.DequeueWithLease(ctx); err != nil || !ok {
			t.Fatalf("dequeue %s: ok=%v err=%v", id, ok, err)
		}
		if err := q.Complete(ctx, id); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	st, _ := q.Status(ctx)
	if st.Completed != 3 {
		t.Fatalf("expected completed list trimmed to 3, got %d", st.Completed)
	}
	if st.Active != 0 {
		t.Fatalf("expected no active entries, got %d", st.Active)
	}
}

func TestFailAndClearFailed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for _, id := range []string{"f1", "f2"} {
		if err := q.Enqueue(ctx, models.QueueEntry{ID: id, Kind: models.KindQuality, ResumeText: "x", UserID: "u1", ResumeID: "r1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, ok, _ := q.DequeueWithLease(ctx); !ok {
			t.Fatalf("dequeue %s failed", id)
		}
		if err := q.Fail(ctx, id); err != nil {
			t.Fatalf("fail %s: %v", id, err)
		}
	}

	st, _ := q.Status(ctx)
	if st.Failed != 2 {
		t.Fatalf("expected 2 failed, got %d", st.Failed)
	}

	cleared, err := q.ClearFailed(ctx)
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
	st, _ = q.Status(ctx)
	if st.Failed != 0 {
		t.Fatalf("expected empty failed list, got %d", st.Failed)
	}

	cleared, err = q.ClearFailed(ctx)
	if err != nil || cleared != 0 {
		t.Fatalf("second clear should be a no-op, got cleared=%d err=%v", cleared, err)
	}
}

func TestReenqueueAfterFailRemovesFromFailedList(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entry := models.QueueEntry{ID: "a1", Kind: models.KindQuality, ResumeText: "x", UserID: "u1", ResumeID: "r1"}
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatal("dequeue failed")
	}
	if err := q.Fail(ctx, "a1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Admin retry re-enqueues under the same ID; it must leave the failed list.
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	st, _ := q.Status(ctx)
	if st.Failed != 0 || st.Waiting != 1 {
		t.Fatalf("unexpected status after retry enqueue: %+v", st)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.QueueEntry{ID: "a1", Kind: models.KindQuality, ResumeText: "x", UserID: "u1", ResumeID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatal("dequeue failed")
	}

	// Nothing should expire before the visibility deadline.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("unexpected early requeue: ids=%v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("expected a1 reclaimed, got %v", ids)
	}
	st, _ := q.Status(ctx)
	if st.Waiting != 1 || st.Active != 0 {
		t.Fatalf("unexpected status after reclaim: %+v", st)
	}
}

func TestPromoteDelayed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, models.QueueEntry{ID: "a1", Kind: models.KindQuality, ResumeText: "x", UserID: "u1", ResumeID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatal("dequeue failed")
	}
	if err := q.Delay(ctx, "a1", time.Now().Add(30*time.Second)); err != nil {
		t.Fatalf("delay: %v", err)
	}

	st, _ := q.Status(ctx)
	if st.Delayed != 1 || st.Active != 0 {
		t.Fatalf("unexpected status after delay: %+v", st)
	}

	n, err := q.PromoteDelayed(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("unexpected early promotion: n=%d err=%v", n, err)
	}

	n, err = q.PromoteDelayed(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote delayed: n=%d err=%v", n, err)
	}
	st, _ = q.Status(ctx)
	if st.Waiting != 1 || st.Delayed != 0 {
		t.Fatalf("unexpected status after promotion: %+v", st)
	}
}
