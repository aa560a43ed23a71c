package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestTrackerAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// Suppress the background autosave during the test.
	tracker.dirty = true

	tracker.Track("gemini", "gemini-2.0-flash", "validation", "an_1", 10, 5)
	tracker.Track("gemini", "gemini-2.0-flash", "assessment", "an_1", 2, 3)

	stats := tracker.Stats()
	if stats.Total.Input != 12 || stats.Total.Output != 8 || stats.Total.Total != 20 {
		t.Fatalf("Total=%+v, want input=12 output=8 total=20", stats.Total)
	}
	if got := stats.ByProvider["gemini"]; got.Total != 20 {
		t.Fatalf("ByProvider[gemini]=%+v, want total=20", got)
	}
	if got := stats.ByStage["validation"]; got.Total != 15 {
		t.Fatalf("ByStage[validation]=%+v, want total=15", got)
	}
	if got := tracker.AnalysisTotal("an_1"); got.Total != 20 {
		t.Fatalf("AnalysisTotal=%+v, want total=20", got)
	}

	if err := tracker.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted Data
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.Total != 20 {
		t.Fatalf("persisted total=%d, want 20", persisted.Aggregate.Total.Total)
	}
}

func TestTrackerReloadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	first, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	first.dirty = true
	first.Track("openai", "gpt-4o-mini", "assessment", "an_2", 100, 50)
	if err := first.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	if got := second.Stats().Total.Total; got != 150 {
		t.Fatalf("reloaded total=%d, want 150", got)
	}
}

func TestTrackerContextHelpers(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	ctx := NewContext(context.Background(), tracker)
	if got := FromContext(ctx); got != tracker {
		t.Fatalf("FromContext mismatch")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext on empty ctx = %v, want nil", got)
	}
}
