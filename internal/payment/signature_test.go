package payment

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func signedHeader(ts time.Time, payload []byte, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), ComputeSignature(ts.Unix(), payload, secret))
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"type":"checkout.session.completed"}`)

	t.Run("valid", func(t *testing.T) {
		header := signedHeader(now, payload, testSecret)
		if err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now); err != nil {
			t.Fatalf("VerifySignature: %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := signedHeader(now, payload, "whsec_other")
		err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("got %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		header := signedHeader(now, payload, testSecret)
		err := VerifySignature([]byte(`{"type":"evil"}`), header, testSecret, DefaultSignatureTolerance, now)
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("got %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := now.Add(-10 * time.Minute)
		header := signedHeader(old, payload, testSecret)
		err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
		if !errors.Is(err, ErrSignatureTooOld) {
			t.Fatalf("got %v, want ErrSignatureTooOld", err)
		}
	})

	t.Run("future timestamp outside tolerance", func(t *testing.T) {
		future := now.Add(10 * time.Minute)
		header := signedHeader(future, payload, testSecret)
		err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
		if !errors.Is(err, ErrSignatureTooOld) {
			t.Fatalf("got %v, want ErrSignatureTooOld", err)
		}
	})

	t.Run("second v1 candidate accepted", func(t *testing.T) {
		good := ComputeSignature(now.Unix(), payload, testSecret)
		header := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), "deadbeef", good)
		if err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now); err != nil {
			t.Fatalf("VerifySignature: %v", err)
		}
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, header := range []string{
			"",
			"v1=abc",
			"t=notanumber,v1=abc",
			fmt.Sprintf("t=%d", now.Unix()),
			"garbage",
		} {
			err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
			if !errors.Is(err, ErrNoSignature) {
				t.Errorf("header %q: got %v, want ErrNoSignature", header, err)
			}
		}
	})
}
