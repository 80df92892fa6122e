package heartbeat

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "hb.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Ensure(db); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	return db
}

func TestStartClearsDuration(t *testing.T) {
	db := openTestDB(t)

	if err := Start(db, "job_a", "first"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Finish(db, "job_a", true, 1500*time.Millisecond, "done"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := Start(db, "job_a", "second"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	var status string
	var duration sql.NullInt64
	err := db.QueryRow(`SELECT last_status, last_duration_ms FROM job_runs WHERE job='job_a'`).
		Scan(&status, &duration)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "running" {
		t.Fatalf("status = %q, want running", status)
	}
	if duration.Valid {
		t.Fatalf("duration = %d, want NULL while running", duration.Int64)
	}
}

func TestFinishOKBumpsLastOK(t *testing.T) {
	db := openTestDB(t)

	if err := Start(db, "job_b", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Finish(db, "job_b", true, 250*time.Millisecond, "all good"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	var lastOK, status string
	var duration int64
	err := db.QueryRow(`SELECT last_ok, last_status, last_duration_ms FROM job_runs WHERE job='job_b'`).
		Scan(&lastOK, &status, &duration)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if lastOK == "" || status != "ok" || duration != 250 {
		t.Fatalf("lastOK=%q status=%q duration=%d", lastOK, status, duration)
	}
}

func TestFinishErrorKeepsLastOK(t *testing.T) {
	db := openTestDB(t)

	if err := Start(db, "job_c", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Finish(db, "job_c", true, time.Millisecond, "ok"); err != nil {
		t.Fatalf("ok finish: %v", err)
	}
	var goodTime string
	if err := db.QueryRow(`SELECT last_ok FROM job_runs WHERE job='job_c'`).Scan(&goodTime); err != nil {
		t.Fatalf("query: %v", err)
	}

	if err := Finish(db, "job_c", false, time.Millisecond, "broke"); err != nil {
		t.Fatalf("error finish: %v", err)
	}
	var lastOK, status, msg string
	err := db.QueryRow(`SELECT last_ok, last_status, last_message FROM job_runs WHERE job='job_c'`).
		Scan(&lastOK, &status, &msg)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if lastOK != goodTime {
		t.Fatalf("last_ok changed on error finish: %q -> %q", goodTime, lastOK)
	}
	if status != "error" || msg != "broke" {
		t.Fatalf("status=%q msg=%q", status, msg)
	}
}

func TestMessageTruncated(t *testing.T) {
	db := openTestDB(t)

	long := strings.Repeat("x", 2000)
	if err := Start(db, "job_d", long); err != nil {
		t.Fatalf("start: %v", err)
	}
	var msg string
	if err := db.QueryRow(`SELECT last_message FROM job_runs WHERE job='job_d'`).Scan(&msg); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msg) != maxMessage {
		t.Fatalf("message length = %d, want %d", len(msg), maxMessage)
	}
}

func TestList(t *testing.T) {
	db := openTestDB(t)
	for _, job := range []string{"zeta", "alpha"} {
		if err := Start(db, job, ""); err != nil {
			t.Fatalf("start %s: %v", job, err)
		}
	}
	runs, err := List(db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].Job != "alpha" || runs[1].Job != "zeta" {
		t.Fatalf("runs = %+v, want alpha then zeta", runs)
	}
}
