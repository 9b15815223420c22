package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndGetRecentSessions(t *testing.T) {
	db := openTestDB(t)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()

	id, err := db.InsertSession(SessionRecord{
		DeviceLabel:   "bench-1",
		FromVersion:   "1.0",
		ToVersion:     "2.0",
		Outcome:       "success",
		ChunksWritten: 3,
		StartedAt:     started,
		FinishedAt:    finished,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated session id")
	}

	recent, err := db.GetRecentSessions(10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 session, got %d", len(recent))
	}
	if recent[0].DeviceLabel != "bench-1" || recent[0].ToVersion != "2.0" {
		t.Fatalf("unexpected record: %+v", recent[0])
	}
}

func TestGetSessionsForDeviceFiltersByLabel(t *testing.T) {
	db := openTestDB(t)

	for _, label := range []string{"bench-1", "bench-2", "bench-1"} {
		if _, err := db.InsertSession(SessionRecord{
			DeviceLabel: label,
			Outcome:     "success",
			StartedAt:   time.Now(),
			FinishedAt:  time.Now(),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sessions, err := db.GetSessionsForDevice("bench-1", 10)
	if err != nil {
		t.Fatalf("get for device: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for bench-1, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.DeviceLabel != "bench-1" {
			t.Fatalf("unexpected device label %q in filtered results", s.DeviceLabel)
		}
	}
}
