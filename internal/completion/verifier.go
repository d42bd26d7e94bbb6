package completion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Render-Signature"
	HeaderTimestamp = "X-Render-Timestamp"

	DefaultWindow = 5 * time.Minute

	signaturePrefix = "sha256="
)

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithWindow sets the accepted clock skew in either direction.
func WithWindow(window time.Duration) VerifierOption {
	return func(verifier *Verifier) {
		if window > 0 {
			verifier.window = window
		}
	}
}

// WithVerifierClock overrides the verifier clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(verifier *Verifier) {
		if now != nil {
			verifier.now = now
		}
	}
}

// Verifier authenticates notifications signed with a shared secret.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier builds a Verifier for secret.
func NewVerifier(secret string, options ...VerifierOption) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidVerifierConfig)
	}
	verifier := &Verifier{secret: []byte(secret), window: DefaultWindow, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// Verify checks the signature over "<timestamp>.<body>" and that timestamp
// (unix seconds) is within the window of now.
func (verifier *Verifier) Verify(signature string, timestamp string, body []byte) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, computeMAC(verifier.secret, timestamp, body)) {
		return ErrInvalidSignature
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleNotification
	}
	skew := verifier.now().Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > verifier.window {
		return ErrStaleNotification
	}
	return nil
}

// Sign returns the hex signature a sender attaches for body at timestamp.
func Sign(secret string, timestamp string, body []byte) string {
	return hex.EncodeToString(computeMAC([]byte(secret), timestamp, body))
}

func computeMAC(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
