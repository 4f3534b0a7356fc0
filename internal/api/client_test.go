package api

import (
	"errors"
	"testing"
	"time"

	"github.com/kapu/chess-livesync/pkg/syncdto"
)

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{10, 3200 * time.Millisecond}, // capped
	}
	for _, c := range cases {
		if got := backoffDuration(c.attempt); got != c.want {
			t.Fatalf("backoffDuration(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestShouldRetryStatus(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504} {
		if !shouldRetryStatus(code) {
			t.Fatalf("%d should retry", code)
		}
	}
	for _, code := range []int{400, 401, 404, 409, 429} {
		if shouldRetryStatus(code) {
			t.Fatalf("%d must not retry", code)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abcd" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("ab", 4); got != "ab" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestEventsNotFoundMapsToUnsupported(t *testing.T) {
	for _, code := range []int{404, 410} {
		err := eventsStatusError(statusError{code: code, body: "{}"})
		if !errors.Is(err, syncdto.ErrEventsUnsupported) {
			t.Fatalf("status %d: err = %v, want ErrEventsUnsupported", code, err)
		}
	}
	err := eventsStatusError(statusError{code: 500, body: "boom"})
	if errors.Is(err, syncdto.ErrEventsUnsupported) {
		t.Fatal("500 mapped to permanent unsupported")
	}
}
