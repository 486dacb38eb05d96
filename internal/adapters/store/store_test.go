package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetdeck.control/internal/core/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEventsScanSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "events.jsonl"), strings.Join([]string{
		`{"ts":"2026-03-10T10:00:00Z","type":"start","item":"item-1"}`,
		`not json at all`,
		`{"ts":"2026-03-10T11:00:00Z","type":"complete","item":"item-1","result":"success"}`,
		``,
		`{"truncated`,
	}, "\n"))

	events := NewStore(dir).Events(context.Background(), time.Time{})
	if len(events) != 2 {
		t.Fatalf("expected 2 parsable events, got %d", len(events))
	}
	if events[0].Type != domain.EventStart || events[1].Type != domain.EventComplete {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestEventsOrderedByTimestampNotLogPosition(t *testing.T) {
	dir := t.TempDir()
	// Producers on different machines append with skewed clocks.
	writeFile(t, filepath.Join(dir, "events.jsonl"), strings.Join([]string{
		`{"ts":"2026-03-10T11:00:00Z","type":"complete","item":"b","result":"success"}`,
		`{"ts":"2026-03-10T10:00:00Z","type":"start","item":"a"}`,
	}, "\n"))

	events := NewStore(dir).Events(context.Background(), time.Time{})
	if len(events) != 2 || events[0].Item != "a" || events[1].Item != "b" {
		t.Errorf("expected timestamp order a then b, got %+v", events)
	}
}

func TestEventsSinceFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "events.jsonl"), strings.Join([]string{
		`{"ts":"2026-03-01T10:00:00Z","type":"start","item":"old"}`,
		`{"ts":"2026-03-10T10:00:00Z","type":"start","item":"new"}`,
	}, "\n"))

	since := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	events := NewStore(dir).Events(context.Background(), since)
	if len(events) != 1 || events[0].Item != "new" {
		t.Errorf("expected only the recent event, got %+v", events)
	}
}

func TestDaemonSnapshotLatestWriteWins(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if snap := s.DaemonSnapshot(); snap != nil {
		t.Fatalf("missing file should read as no snapshot, got %+v", snap)
	}

	writeFile(t, filepath.Join(dir, "daemon.json"), `{"pid":100,"active":[{"item":"a"}]}`)
	if snap := s.DaemonSnapshot(); snap == nil || snap.PID != 100 {
		t.Fatalf("expected pid 100, got %+v", snap)
	}

	// A wholesale overwrite fully replaces the previous snapshot.
	writeFile(t, filepath.Join(dir, "daemon.json"), `{"pid":200}`)
	snap := s.DaemonSnapshot()
	if snap == nil || snap.PID != 200 || len(snap.Active) != 0 {
		t.Errorf("expected replaced snapshot, got %+v", snap)
	}
}

func TestConcurrentHeartbeatWritersKeepLatestWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	const producers = 8
	const rounds = 25

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", id)
			for r := 1; r <= rounds; r++ {
				hb := domain.Heartbeat{AgentID: agent, CPUPct: float64(r)}
				if err := WriteJSONAtomic(filepath.Join(dir, "heartbeats", agent+".json"), hb); err != nil {
					t.Errorf("%s round %d: %v", agent, r, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	beats := s.Heartbeats()
	if len(beats) != producers {
		t.Fatalf("expected %d heartbeats, got %d", producers, len(beats))
	}
	for _, hb := range beats {
		if hb.CPUPct != rounds {
			t.Errorf("%s: settled snapshot shows round %v, want %d", hb.AgentID, hb.CPUPct, rounds)
		}
	}
}

func TestConcurrentDaemonReplacementNeverTearsReads(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	// Writers keep PID and MaxParallel in lockstep; a torn read would
	// surface as a snapshot where they disagree.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 1; n <= 200; n++ {
			snap := domain.DaemonSnapshot{PID: n, MaxParallel: n}
			if err := WriteJSONAtomic(filepath.Join(dir, "daemon.json"), snap); err != nil {
				t.Errorf("write %d: %v", n, err)
				return
			}
		}
	}()

	for {
		if snap := s.DaemonSnapshot(); snap != nil && snap.PID != snap.MaxParallel {
			t.Fatalf("torn read: pid %d, max_parallel %d", snap.PID, snap.MaxParallel)
		}
		select {
		case <-done:
			if snap := s.DaemonSnapshot(); snap == nil || snap.PID != 200 {
				t.Fatalf("settled snapshot should be the last write, got %+v", snap)
			}
			return
		default:
		}
	}
}

func TestMalformedFilesReadAsZeroValues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "daemon.json"), `{broken`)
	writeFile(t, filepath.Join(dir, "costs.json"), `not even json`)

	s := NewStore(dir)
	if snap := s.DaemonSnapshot(); snap != nil {
		t.Errorf("malformed snapshot should read as nil, got %+v", snap)
	}
	if costs := s.Costs(); costs.SpentUSD != 0 {
		t.Errorf("malformed ledger should read as zero, got %+v", costs)
	}
}

func TestHeartbeatsSortedByAgent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "heartbeats", "zeta.json"), `{"agent_id":"zeta","updated_at":"2026-03-10T10:00:00Z"}`)
	writeFile(t, filepath.Join(dir, "heartbeats", "alpha.json"), `{"agent_id":"alpha","updated_at":"2026-03-10T10:00:00Z"}`)
	writeFile(t, filepath.Join(dir, "heartbeats", "notes.txt"), `ignore me`)

	beats := NewStore(dir).Heartbeats()
	if len(beats) != 2 || beats[0].AgentID != "alpha" || beats[1].AgentID != "zeta" {
		t.Errorf("expected sorted agents alpha, zeta; got %+v", beats)
	}
}

func TestPausedFlagRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	if s.Paused() {
		t.Fatal("fresh directory should not be paused")
	}
	if err := s.SetPaused(true); err != nil {
		t.Fatal(err)
	}
	if !s.Paused() {
		t.Fatal("expected paused after SetPaused(true)")
	}
	if err := s.SetPaused(false); err != nil {
		t.Fatal(err)
	}
	if s.Paused() {
		t.Fatal("expected unpaused after SetPaused(false)")
	}
	// Unpausing an already-unpaused store is not an error.
	if err := s.SetPaused(false); err != nil {
		t.Fatal(err)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	machines := []domain.Machine{{Name: "worker-1", Host: "10.0.0.1"}}
	if err := s.WriteMachines(machines); err != nil {
		t.Fatal(err)
	}

	got := s.Machines()
	if len(got) != 1 || got[0].Name != "worker-1" {
		t.Errorf("round trip failed: %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestJobProgressAndLog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "jobs", "item-1.json"), `{"steps_done":3,"steps_total":9}`)
	writeFile(t, filepath.Join(dir, "logs", "item-1.log"), "step 1 ok\nstep 2 ok\n")

	s := NewStore(dir)
	done, total := s.JobProgress("item-1")
	if done != 3 || total != 9 {
		t.Errorf("expected 3/9, got %d/%d", done, total)
	}
	if log := s.JobLog("item-1"); !strings.Contains(log, "step 2 ok") {
		t.Errorf("unexpected log %q", log)
	}
	if log := s.JobLog("missing"); log != "" {
		t.Errorf("missing log should be empty, got %q", log)
	}
}

func TestWriteMessageAndSkipMarker(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.WriteMessage("item-1", "operator", "hold off on deploys"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "messages", "item-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hold off on deploys") {
		t.Errorf("message content missing: %s", data)
	}

	if err := s.WriteSkipMarker("item-1", "verify"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "skip", "item-1.json")); err != nil {
		t.Errorf("skip marker not written: %v", err)
	}
}

func TestAppendActivityAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.AppendActivity(map[string]string{"kind": "heartbeat"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendActivity(map[string]string{"kind": "disconnect"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "team", "activity.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "heartbeat") || !strings.Contains(lines[1], "disconnect") {
		t.Errorf("entries out of order or missing: %q", lines)
	}
}

func TestHealthCacheAlwaysHasChecksMap(t *testing.T) {
	s := NewStore(t.TempDir())
	cache := s.HealthCache()
	if cache.Checks == nil {
		t.Fatal("checks map must never be nil")
	}
	cache.Checks["m1"] = domain.HealthCheck{Health: domain.MachineOnline}
	if err := s.WriteHealthCache(cache); err != nil {
		t.Fatal(err)
	}
	if got := s.HealthCache().Checks["m1"].Health; got != domain.MachineOnline {
		t.Errorf("round trip failed, got %s", got)
	}
}
