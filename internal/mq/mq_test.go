package mq

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func jobStatus(t *testing.T, q *Queue, id string) string {
	t.Helper()
	var status string
	if err := q.DB().QueryRow(`SELECT status FROM jobs WHERE id=?`, id).Scan(&status); err != nil {
		t.Fatalf("status of %s: %v", id, err)
	}
	return status
}

func TestEnqueueLeaseAck(t *testing.T) {
	q := openTestQueue(t)

	id, err := q.Enqueue("default", "noop", json.RawMessage(`{"k":"v"}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("id = %q, want 32 hex chars", id)
	}

	job, err := q.LeaseOne("default", 60)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil {
		t.Fatal("lease returned nil, want job")
	}
	if job.ID != id || job.Name != "noop" || job.Attempts != 1 {
		t.Fatalf("leased job = %+v", job)
	}
	if !job.LockedBy.Valid || !job.LockedUntil.Valid {
		t.Fatal("leased job must carry lock fields")
	}

	// A running job must not be leased again.
	again, err := q.LeaseOne("default", 60)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if again != nil {
		t.Fatalf("second lease returned %+v, want nil", again)
	}

	if err := q.Ack(id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if s := jobStatus(t, q, id); s != StatusDone {
		t.Fatalf("status = %q, want done", s)
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	q := openTestQueue(t)
	job, err := q.LeaseOne("default", 60)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job != nil {
		t.Fatalf("lease returned %+v, want nil", job)
	}
}

func TestLeaseOrderPriorityThenCreation(t *testing.T) {
	q := openTestQueue(t)

	low, _ := q.Enqueue("default", "low", nil, EnqueueOptions{Priority: 200})
	first, _ := q.Enqueue("default", "first", nil, EnqueueOptions{Priority: 50})
	second, _ := q.Enqueue("default", "second", nil, EnqueueOptions{Priority: 50})

	// Pin creation times; sub-millisecond enqueues could otherwise tie.
	for i, id := range []string{low, first, second} {
		ts := "2020-01-01T00:00:0" + string(rune('0'+i)) + ".000Z"
		if _, err := q.DB().Exec(`UPDATE jobs SET created_at=? WHERE id=?`, ts, id); err != nil {
			t.Fatalf("pin created_at: %v", err)
		}
	}

	var wantOrder []string
	for i := 0; i < 3; i++ {
		job, err := q.LeaseOne("default", 60)
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("lease %d returned nil", i)
		}
		wantOrder = append(wantOrder, job.ID)
	}
	if wantOrder[0] != first || wantOrder[1] != second || wantOrder[2] != low {
		t.Fatalf("lease order = %v, want [%s %s %s]", wantOrder, first, second, low)
	}
}

func TestFutureRunAfterNotLeased(t *testing.T) {
	q := openTestQueue(t)
	if _, err := q.Enqueue("default", "later", nil, EnqueueOptions{RunAfter: "2999-01-01T00:00:00.000Z"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.LeaseOne("default", 60)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job != nil {
		t.Fatalf("leased a future job: %+v", job)
	}
}

func TestFailRetriesThenDead(t *testing.T) {
	q := openTestQueue(t)
	id, err := q.Enqueue("default", "flaky", nil, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.LeaseOne("default", 60)
	if err != nil || job == nil {
		t.Fatalf("first lease: job=%v err=%v", job, err)
	}
	if err := q.Fail(id, "boom", 0); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	if s := jobStatus(t, q, id); s != StatusQueued {
		t.Fatalf("status after first fail = %q, want queued", s)
	}

	// Pull run_after back so the retry is immediately leasable.
	if _, err := q.DB().Exec(`UPDATE jobs SET run_after='2000-01-01T00:00:00.000Z' WHERE id=?`, id); err != nil {
		t.Fatalf("rewind run_after: %v", err)
	}

	job, err = q.LeaseOne("default", 60)
	if err != nil || job == nil {
		t.Fatalf("second lease: job=%v err=%v", job, err)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	if err := q.Fail(id, "boom again", 0); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if s := jobStatus(t, q, id); s != StatusDead {
		t.Fatalf("status after final fail = %q, want dead", s)
	}

	var lastError string
	if err := q.DB().QueryRow(`SELECT last_error FROM jobs WHERE id=?`, id).Scan(&lastError); err != nil {
		t.Fatalf("last_error: %v", err)
	}
	if lastError != "boom again" {
		t.Fatalf("last_error = %q", lastError)
	}
}

func TestReclaimExpired(t *testing.T) {
	q := openTestQueue(t)
	id, _ := q.Enqueue("default", "stuck", nil, EnqueueOptions{})
	if _, err := q.LeaseOne("default", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Nothing expired yet.
	n, err := q.ReclaimExpired("default")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d, want 0", n)
	}

	// Force the lease into the past.
	if _, err := q.DB().Exec(`UPDATE jobs SET locked_until='2000-01-01T00:00:00.000Z' WHERE id=?`, id); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	n, err = q.ReclaimExpired("default")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	if s := jobStatus(t, q, id); s != StatusQueued {
		t.Fatalf("status = %q, want queued", s)
	}
}

func TestQueueIsolation(t *testing.T) {
	q := openTestQueue(t)
	if _, err := q.Enqueue("other", "noop", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.LeaseOne("default", 60)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job != nil {
		t.Fatalf("leased cross-queue job: %+v", job)
	}
}
