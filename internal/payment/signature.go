package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// The gateway signs webhook payloads with the Stripe v1 scheme:
//
//	Stripe-Signature: t={timestamp},v1={signature}
//
// where signature = HMAC-SHA256(secret, "{timestamp}.{payload}").

// DefaultSignatureTolerance bounds the accepted clock skew between the
// signature timestamp and now.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrNoSignature       = errors.New("signature header missing or malformed")
	ErrSignatureMismatch = errors.New("no signature matches the payload")
	ErrSignatureTooOld   = errors.New("signature timestamp outside tolerance")
)

// VerifySignature checks a webhook payload against one signing secret.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return ErrSignatureTooOld
	}

	expected := ComputeSignature(timestamp, payload, secret)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// ComputeSignature computes the v1 HMAC-SHA256 signature over
// "{timestamp}.{payload}".
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatureHeader extracts the timestamp and all v1 signatures from a
// "t=...,v1=...,v1=..." header.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp  int64
		signatures []string
		haveTS     bool
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrNoSignature
			}
			timestamp = ts
			haveTS = true
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if !haveTS || len(signatures) == 0 {
		return 0, nil, ErrNoSignature
	}
	return timestamp, signatures, nil
}
