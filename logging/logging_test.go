package logging

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty", false); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewBuildsBothEncoders(t *testing.T) {
	for _, pretty := range []bool{true, false} {
		logger, err := New("debug", pretty)
		if err != nil {
			t.Fatalf("pretty=%v: unexpected error: %v", pretty, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Fatalf("pretty=%v: expected debug to be enabled", pretty)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected a logger")
	}
}
