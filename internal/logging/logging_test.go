package logging

import "testing"

func TestNew(t *testing.T) {
	log, err := New(true, "warn")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug must be disabled at warn level")
	}
	if _, err := New(false, "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
