package domain

import (
	"errors"
	"testing"
	"time"
)

func Test_BackoffDelay_Sequence(t *testing.T) {
	maxDelay := 5 * time.Minute
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		got := BackoffDelay(tc.attempts, maxDelay)
		if got != tc.want {
			t.Fatalf("attempts=%d: got %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func Test_BackoffDelay_SaturatesAtMax(t *testing.T) {
	got := BackoffDelay(20, 5*time.Second)
	if got != 5*time.Second {
		t.Fatalf("expected saturation at max delay, got %v", got)
	}
}

func Test_Classify_RoundTrips(t *testing.T) {
	base := errors.New("boom")
	ce := Classify(ErrorKindRateLimited, base)
	if !errors.Is(ce, base) {
		t.Fatal("expected ClassifiedError to unwrap to the base error")
	}
	if KindOf(ce) != ErrorKindRateLimited {
		t.Fatalf("expected KindOf to recover ErrorKindRateLimited, got %s", KindOf(ce))
	}
}

func Test_KindOf_UnknownForPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != ErrorKindUnknown {
		t.Fatal("expected unknown kind for an unclassified error")
	}
}

func Test_ErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{ErrorKindTransientTransport, ErrorKindRateLimited, ErrorKindCircuitOpen, ErrorKindInvalidState}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("expected %s to be retryable", k)
		}
	}
	terminal := []ErrorKind{ErrorKindNotFound, ErrorKindValidation, ErrorKindAuthForbidden}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("expected %s to be non-retryable", k)
		}
	}
}

func Test_ClassifyRateLimited_CarriesRetryAfter(t *testing.T) {
	retryAfter := 2 * time.Second
	ce := ClassifyRateLimited(errors.New("429"), &retryAfter)
	if ce.Kind != ErrorKindRateLimited {
		t.Fatalf("expected rate limited kind, got %s", ce.Kind)
	}
	if ce.RetryAfter == nil || *ce.RetryAfter != retryAfter {
		t.Fatal("expected retry-after hint to round-trip")
	}
}
