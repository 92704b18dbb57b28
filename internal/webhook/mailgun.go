package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	// replayTolerance bounds how old a webhook timestamp may be.
	replayTolerance = 5 * time.Minute
	// replayCleanupThreshold triggers an opportunistic sweep of the seen set.
	replayCleanupThreshold = 1000
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrReplayed         = errors.New("webhook replay detected")
)

// MailgunValidator verifies inbound email-relay webhooks: the signature is
// HMAC-SHA256(signingKey, timestamp ++ token), and each (signature, timestamp)
// pair is accepted at most once within the tolerance window.
type MailgunValidator struct {
	signingKey []byte

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMailgunValidator creates a validator with its own replay-protection set.
func NewMailgunValidator(signingKey string) *MailgunValidator {
	return &MailgunValidator{
		signingKey: []byte(signingKey),
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Validate checks the HMAC signature and replay constraints. Any failure is
// an authentication error; processing must stop before a conversion record
// is created.
func (v *MailgunValidator) Validate(timestamp, token, signature string) error {
	mac := hmac.New(sha256.New, v.signingKey)
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	return v.checkReplay(signature, time.Unix(unix, 0))
}

func (v *MailgunValidator) checkReplay(signature string, ts time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	if now.Sub(ts) > replayTolerance {
		return ErrReplayed
	}
	key := signature + "-" + strconv.FormatInt(ts.Unix(), 10)
	if _, ok := v.seen[key]; ok {
		return ErrReplayed
	}
	v.seen[key] = now

	if len(v.seen) > replayCleanupThreshold {
		cutoff := now.Add(-replayTolerance)
		for k, seenAt := range v.seen {
			if seenAt.Before(cutoff) {
				delete(v.seen, k)
			}
		}
	}
	return nil
}
