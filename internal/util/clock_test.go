package util

import (
	"testing"
	"time"
)

// TestFormatDuration verifies the m:ss / h:mm:ss rendering at the boundaries.
func TestFormatDuration(t *testing.T) {
	testCases := []struct {
		name string
		d    time.Duration
		want string
	}{
		{name: "zero", d: 0, want: "0:00"},
		{name: "under a minute", d: 42 * time.Second, want: "0:42"},
		{name: "exactly one minute", d: time.Minute, want: "1:00"},
		{name: "minutes and seconds", d: 9*time.Minute + 5*time.Second, want: "9:05"},
		{name: "just under an hour", d: 59*time.Minute + 59*time.Second, want: "59:59"},
		{name: "exactly one hour", d: time.Hour, want: "1:00:00"},
		{name: "hours with padding", d: 2*time.Hour + 3*time.Minute + 4*time.Second, want: "2:03:04"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatDuration(tc.d); got != tc.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tc.d, got, tc.want)
			}
		})
	}
}
