package logger

import "testing"

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"production", "prod", "development", ""} {
		l, err := New(mode, "debug")
		if err != nil {
			t.Fatalf("mode %q: unexpected error: %v", mode, err)
		}
		if !l.Core().Enabled(-1) {
			t.Errorf("mode %q: expected debug level to be enabled", mode)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("production", "chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
