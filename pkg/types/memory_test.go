package types

import (
	"testing"
	"time"
)

func TestEpochToISO(t *testing.T) {
	iso := EpochToISO(1700000000.5)
	if iso != "2023-11-14T22:13:20.500000Z" {
		t.Fatalf("unexpected ISO mirror: %s", iso)
	}
}

func TestStampNewAndTouch(t *testing.T) {
	var m Memory
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.StampNew(created)
	if m.CreatedAt != m.UpdatedAt {
		t.Fatalf("fresh memory should have equal timestamps")
	}
	if m.CreatedAtISO != "2025-03-01T12:00:00.000000Z" {
		t.Fatalf("unexpected created_at_iso: %s", m.CreatedAtISO)
	}

	m.Touch(created.Add(time.Hour))
	if m.CreatedAt == m.UpdatedAt {
		t.Fatalf("Touch must not move created_at")
	}
	if m.UpdatedAtISO != "2025-03-01T13:00:00.000000Z" {
		t.Fatalf("unexpected updated_at_iso: %s", m.UpdatedAtISO)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" work ", "go", "", "go", "a"})
	want := []string{"a", "go", "work"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestContentPreview(t *testing.T) {
	m := Memory{Content: "héllo wörld"}
	if p := m.ContentPreview(5); p != "héllo" {
		t.Fatalf("preview must cut on rune boundaries, got %q", p)
	}
	if p := m.ContentPreview(100); p != m.Content {
		t.Fatalf("short content returned unchanged, got %q", p)
	}
}
