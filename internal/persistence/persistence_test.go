package persistence

import "testing"

func TestMemoryAdapterHasReadSave(t *testing.T) {
	m := NewMemoryAdapter()
	if m.Has("state_machines") {
		t.Fatalf("expected key to be absent initially")
	}
	if err := m.Save("state_machines", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if !m.Has("state_machines") {
		t.Fatalf("expected key to be present after save")
	}
	data, err := m.Read("state_machines")
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestMemoryAdapterReadMissingKeyErrors(t *testing.T) {
	m := NewMemoryAdapter()
	if _, err := m.Read("positions"); err == nil {
		t.Fatalf("expected error reading missing key")
	}
}

func TestMemoryAdapterReturnsIndependentCopies(t *testing.T) {
	m := NewMemoryAdapter()
	original := []byte("hello")
	m.Save("k", original)
	original[0] = 'X'

	stored, _ := m.Read("k")
	if string(stored) != "hello" {
		t.Fatalf("expected stored copy to be unaffected by caller mutation, got %s", stored)
	}
}
