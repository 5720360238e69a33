package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"user id format", "u_", 32, 34},
		{"request id format", "req_", 16, 20},
		{"no prefix", "", 8, 8},
		{"zero length", "x_", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHex_NegativeLength(t *testing.T) {
	if got := GenerateRandomHex(-1); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestGenerateUserID(t *testing.T) {
	id := GenerateUserID()
	if !strings.HasPrefix(id, "u_") || len(id) != 34 {
		t.Errorf("unexpected user id %q", id)
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if !strings.HasPrefix(id, "req_") || len(id) != 20 {
		t.Errorf("unexpected request id %q", id)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateUserID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(hexChars, r) {
			return false
		}
	}
	return true
}
