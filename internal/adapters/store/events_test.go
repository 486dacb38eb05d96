package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleetdeck.control/internal/core/domain"
)

func seedEventDB(t *testing.T, path string, events ...domain.Event) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&domain.Event{}); err != nil {
		t.Fatal(err)
	}
	for i := range events {
		if err := db.Create(&events[i]).Error; err != nil {
			t.Fatal(err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.Close()
}

func TestEventsPrefersSqliteMirror(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedEventDB(t, filepath.Join(dir, "events.db"),
		domain.Event{Timestamp: ts, Type: domain.EventStart, Item: "from-db"},
	)
	// A diverged flat log must lose to the mirror.
	writeFile(t, filepath.Join(dir, "events.jsonl"),
		`{"ts":"2026-03-10T10:00:00Z","type":"start","item":"from-log"}`)

	events := NewStore(dir).Events(context.Background(), time.Time{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Item != "from-db" {
		t.Errorf("mirror must be preferred over the flat log, got %q", events[0].Item)
	}
}

func TestEventsSqliteSinceFilterAndOrder(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedEventDB(t, filepath.Join(dir, "events.db"),
		domain.Event{Timestamp: base.Add(2 * time.Hour), Type: domain.EventComplete, Item: "b", Result: domain.ResultSuccess},
		domain.Event{Timestamp: base, Type: domain.EventStart, Item: "old"},
		domain.Event{Timestamp: base.Add(time.Hour), Type: domain.EventStart, Item: "a"},
	)

	events := NewStore(dir).Events(context.Background(), base.Add(30*time.Minute))
	if len(events) != 2 {
		t.Fatalf("expected 2 events after the cutoff, got %d", len(events))
	}
	if events[0].Item != "a" || events[1].Item != "b" {
		t.Errorf("expected timestamp order a then b, got %+v", events)
	}
}

func TestEventsFallsBackWhenMirrorUnreadable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "events.db"), "this is not a database")
	writeFile(t, filepath.Join(dir, "events.jsonl"),
		`{"ts":"2026-03-10T10:00:00Z","type":"start","item":"from-log"}`)

	// Callers never learn the mirror was unusable; the flat log serves.
	events := NewStore(dir).Events(context.Background(), time.Time{})
	if len(events) != 1 || events[0].Item != "from-log" {
		t.Errorf("expected transparent fallback to the flat log, got %+v", events)
	}
}
