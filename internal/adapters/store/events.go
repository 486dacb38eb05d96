package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetdeck.control/internal/core/domain"
)

// eventDB is the preferred event-store path: a sqlite mirror of the
// event log maintained by the producers. When the database file exists
// the reader issues a bounded, indexed query instead of scanning the
// whole flat log. Callers never learn which path served them.
type eventDB struct {
	db *gorm.DB
}

func openEventDB(path string) *eventDB {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	db, err := gorm.Open(sqlite.Open(path+"?mode=ro"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil
	}
	return &eventDB{db: db}
}

func (e *eventDB) read(ctx context.Context, since time.Time) ([]domain.Event, error) {
	var events []domain.Event
	err := e.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp, id").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Events returns the events at or after since, in timestamp order with
// ties broken by arrival order. The sqlite mirror is preferred; absence
// or any query failure falls back transparently to the flat JSONL log.
func (s *Store) Events(ctx context.Context, since time.Time) []domain.Event {
	if s.events != nil {
		if events, err := s.events.read(ctx, since); err == nil {
			return events
		}
	}
	return s.scanEventLog(since)
}

// scanEventLog parses the newline-delimited log. A single unparsable
// line is skipped, not fatal to the rest.
func (s *Store) scanEventLog(since time.Time) []domain.Event {
	f, err := os.Open(s.path("events.jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Timestamp.Before(since) {
			continue
		}
		events = append(events, ev)
	}

	// Producers on different machines append with skewed clocks; order
	// by timestamp, keeping log arrival order for equal timestamps.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}
