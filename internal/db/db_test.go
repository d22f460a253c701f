package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDB_OpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify we can close without error
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_Open_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "dirs", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database in nested directory: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("Database directory was not created")
	}
}

func TestDB_WALMode(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected journal_mode='wal', got '%v'", mode)
	}
}

func TestDB_TablesCreated(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"session_events", "daemon_events"} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %q was not created: %v", table, err)
		}
	}
}

func TestDB_LogSessionEvent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	err = db.LogSessionEvent("corp", "sess-1", "connected", "", "tunnel up on ppp0")
	if err != nil {
		t.Errorf("Failed to log session event: %v", err)
	}

	rows, err := db.conn.Query(`
		SELECT profile, session_id, event_type, class, details
		FROM session_events
		ORDER BY id DESC
		LIMIT 1
	`)
	if err != nil {
		t.Fatalf("Failed to query session events: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("Expected at least one session event record")
	}

	var profile, sessionID, eventType, class, details string
	if err := rows.Scan(&profile, &sessionID, &eventType, &class, &details); err != nil {
		t.Fatalf("Failed to scan row: %v", err)
	}

	if profile != "corp" {
		t.Errorf("Expected profile='corp', got '%v'", profile)
	}
	if sessionID != "sess-1" {
		t.Errorf("Expected session_id='sess-1', got '%v'", sessionID)
	}
	if eventType != "connected" {
		t.Errorf("Expected event_type='connected', got '%v'", eventType)
	}
	if details != "tunnel up on ppp0" {
		t.Errorf("Expected details='tunnel up on ppp0', got '%v'", details)
	}
}

func TestDB_LogSessionEvent_WithClass(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	err = db.LogSessionEvent("corp", "sess-2", "failed", "HandshakeTimeout", "no callback within 5m")
	if err != nil {
		t.Errorf("Failed to log session event: %v", err)
	}

	events, err := db.GetRecentSessionEvents("corp", 1)
	if err != nil {
		t.Fatalf("Failed to get recent session events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Class != "HandshakeTimeout" {
		t.Errorf("Expected class='HandshakeTimeout', got '%v'", events[0].Class)
	}
}

func TestDB_LogDaemonEvent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	err = db.LogDaemonEvent("start", "version 1.0.0")
	if err != nil {
		t.Errorf("Failed to log daemon event: %v", err)
	}

	events, err := db.GetRecentDaemonEvents(10)
	if err != nil {
		t.Fatalf("Failed to get recent daemon events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "start" {
		t.Errorf("Expected event_type='start', got '%v'", events[0].EventType)
	}
	if events[0].Details != "version 1.0.0" {
		t.Errorf("Expected details='version 1.0.0', got '%v'", events[0].Details)
	}
}

func TestDB_GetRecentSessionEvents_Order(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		if err := db.LogSessionEvent("corp", "sess-1", fmt.Sprintf("event-%d", i), "", ""); err != nil {
			t.Fatalf("Failed to log event %d: %v", i, err)
		}
	}

	events, err := db.GetRecentSessionEvents("corp", 3)
	if err != nil {
		t.Fatalf("Failed to get recent session events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	// Newest first
	if events[0].EventType != "event-4" {
		t.Errorf("Expected newest event first, got '%v'", events[0].EventType)
	}
	if events[2].EventType != "event-2" {
		t.Errorf("Expected event-2 last, got '%v'", events[2].EventType)
	}
}

func TestDB_GetRecentSessionEvents_ProfileFilter(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.LogSessionEvent("corp", "s1", "connected", "", "")
	db.LogSessionEvent("lab", "s2", "connected", "", "")
	db.LogSessionEvent("corp", "s1", "disconnected", "", "")

	events, err := db.GetRecentSessionEvents("corp", 10)
	if err != nil {
		t.Fatalf("Failed to get recent session events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 corp events, got %d", len(events))
	}
	for _, e := range events {
		if e.Profile != "corp" {
			t.Errorf("Expected only corp events, got profile '%v'", e.Profile)
		}
	}

	// Empty profile matches everything
	all, err := db.GetRecentSessionEvents("", 10)
	if err != nil {
		t.Fatalf("Failed to get all session events: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 events for empty profile, got %d", len(all))
	}
}

func TestDB_GetLastSessionEventPerProfile(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.LogSessionEvent("corp", "s1", "connecting", "", "")
	db.LogSessionEvent("corp", "s1", "connected", "", "")
	db.LogSessionEvent("lab", "s2", "connecting", "", "")
	db.LogSessionEvent("lab", "s2", "failed", "SpawnError", "client not found")

	events, err := db.GetLastSessionEventPerProfile()
	if err != nil {
		t.Fatalf("Failed to get last events per profile: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events (one per profile), got %d", len(events))
	}

	byProfile := map[string]SessionEvent{}
	for _, e := range events {
		byProfile[e.Profile] = e
	}
	if byProfile["corp"].EventType != "connected" {
		t.Errorf("Expected corp last event 'connected', got '%v'", byProfile["corp"].EventType)
	}
	if byProfile["lab"].EventType != "failed" {
		t.Errorf("Expected lab last event 'failed', got '%v'", byProfile["lab"].EventType)
	}
	if byProfile["lab"].Class != "SpawnError" {
		t.Errorf("Expected lab last event class 'SpawnError', got '%v'", byProfile["lab"].Class)
	}
}

func TestDB_Timestamps(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	before := time.Now().Add(-time.Second)
	db.LogSessionEvent("corp", "s1", "connected", "", "")
	after := time.Now().Add(time.Second)

	events, err := db.GetRecentSessionEvents("corp", 1)
	if err != nil {
		t.Fatalf("Failed to get recent session events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ts := events[0].Timestamp
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp %v outside expected window [%v, %v]", ts, before, after)
	}
}

func TestDB_Flush(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.LogDaemonEvent("start", "")
	if err := db.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}

func TestDB_Flush_NilConn(t *testing.T) {
	db := &DB{}
	if err := db.Flush(); err != nil {
		t.Errorf("Flush on nil conn should be a no-op, got: %v", err)
	}
}

func TestDB_Close_NilConn(t *testing.T) {
	db := &DB{}
	if err := db.Close(); err != nil {
		t.Errorf("Close on nil conn should be a no-op, got: %v", err)
	}
}

func TestDB_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	done := make(chan error, 2)
	for g := 0; g < 2; g++ {
		go func(g int) {
			for i := 0; i < 20; i++ {
				if err := db.LogSessionEvent("corp", "s1", fmt.Sprintf("g%d-e%d", g, i), "", ""); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 2; g++ {
		if err := <-done; err != nil {
			t.Fatalf("Concurrent write failed: %v", err)
		}
	}

	events, err := db.GetRecentSessionEvents("corp", 100)
	if err != nil {
		t.Fatalf("Failed to read back events: %v", err)
	}
	if len(events) != 40 {
		t.Errorf("Expected 40 events, got %d", len(events))
	}
}
