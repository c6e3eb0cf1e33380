package learnstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "learn.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordHit_FirstObservation(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordHit(KindEntity, "light.kitchen"); err != nil {
		t.Fatalf("RecordHit: %v", err)
	}

	hits, err := s.Stats(KindEntity)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].ID != "light.kitchen" || hits[0].HitCount != 1 {
		t.Errorf("unexpected hit: %+v", hits[0])
	}
	if hits[0].FirstSeen.IsZero() || hits[0].LastSeen.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestRecordHit_IncrementsOnRepeat(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.RecordHit(KindEndpoint, "/api/config"); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
	}

	hits, err := s.Stats(KindEndpoint)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected identifier to be deduplicated, got %d rows", len(hits))
	}
	if hits[0].HitCount != 3 {
		t.Errorf("expected hit_count 3, got %d", hits[0].HitCount)
	}
}

func TestStats_FiltersByKind(t *testing.T) {
	s := openTestStore(t)
	s.RecordHit(KindEntity, "light.kitchen")
	s.RecordHit(KindDevice, "dev1")

	entityHits, err := s.Stats(KindEntity)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(entityHits) != 1 || entityHits[0].ID != "light.kitchen" {
		t.Errorf("expected only entity hits, got %+v", entityHits)
	}

	allHits, err := s.Stats("")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(allHits) != 2 {
		t.Errorf("expected both hits with empty kind filter, got %d", len(allHits))
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	s.RecordHit(KindEntity, "light.kitchen")
	s.RecordHit(KindEntity, "sensor.temp")
	s.RecordHit(KindArea, "living_room")

	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[KindEntity] != 2 {
		t.Errorf("expected 2 entities, got %d", counts[KindEntity])
	}
	if counts[KindArea] != 1 {
		t.Errorf("expected 1 area, got %d", counts[KindArea])
	}
}
