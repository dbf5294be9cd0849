package main

import (
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2024-05-30T08:00:00Z", time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC), false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"2 hours ago", now.Add(-2 * time.Hour), false},
		{"xyzzy", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSince(%q) error = %v", tt.in, err)
			}
			if diff := got.Sub(tt.want).Abs(); diff > time.Minute {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlural(t *testing.T) {
	if got := plural(1, "conflict"); got != "1 conflict" {
		t.Errorf("plural(1) = %q", got)
	}
	if got := plural(3, "conflict"); got != "3 conflicts" {
		t.Errorf("plural(3) = %q", got)
	}
}
