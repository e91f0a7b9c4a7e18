package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on every webhook
const SignatureHeader = "Gateway-Signature"

var (
	ErrMissingSignature = errors.New("signature header missing")
	ErrMalformedHeader  = errors.New("signature header malformed")
	ErrStaleTimestamp   = errors.New("signature timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature does not match payload")
)

// Verifier checks webhook authenticity with a shared secret. The signed
// message is the header timestamp, a dot, and the raw payload.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. A zero tolerance disables the timestamp check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify returns nil when header carries a valid signature for payload
func (v *Verifier) Verify(payload []byte, header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedHeader
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return ErrMalformedHeader
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMalformedHeader
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformedHeader
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrStaleTimestamp
		}
	}

	expected := v.mac(timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrBadSignature
}

// Sign builds a signature header for payload at ts
func (v *Verifier) Sign(payload []byte, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(v.mac(timestamp, payload)))
}

func (v *Verifier) mac(timestamp string, payload []byte) []byte {
	m := hmac.New(sha256.New, v.secret)
	m.Write([]byte(timestamp))
	m.Write([]byte("."))
	m.Write(payload)
	return m.Sum(nil)
}
