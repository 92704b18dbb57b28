package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SNSEnvelope is the outer message delivered by the cloud pub/sub webhook.
type SNSEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn,omitempty"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion,omitempty"`
	Signature        string `json:"Signature,omitempty"`
	SigningCertURL   string `json:"SigningCertURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	Token            string `json:"Token,omitempty"`
}

// signingCertHost matches the certificate domains SNS serves signing certs
// from, e.g. sns.us-east-1.amazonaws.com.
var signingCertHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com$`)

const snsTimestampTolerance = time.Hour

// SNSValidator performs structural and origin checks on SNS envelopes.
//
// Full cryptographic verification of the envelope signature against the
// fetched certificate is not implemented yet; the origin, field, and
// freshness checks below bound the exposure in the meantime.
// TODO: fetch SigningCertURL and verify Signature over the canonical string.
type SNSValidator struct {
	// DevBypass skips validation entirely. It must only be set from
	// non-production configuration.
	DevBypass bool
	now       func() time.Time
}

// NewSNSValidator builds a validator; devBypass must be false in production.
func NewSNSValidator(devBypass bool) *SNSValidator {
	return &SNSValidator{DevBypass: devBypass, now: time.Now}
}

// Validate checks required envelope fields, certificate URL origin, and
// timestamp freshness.
func (v *SNSValidator) Validate(env SNSEnvelope) error {
	if v.DevBypass {
		return nil
	}
	if strings.TrimSpace(env.Type) == "" || strings.TrimSpace(env.MessageID) == "" ||
		strings.TrimSpace(env.Message) == "" || strings.TrimSpace(env.Timestamp) == "" {
		return fmt.Errorf("%w: missing required envelope fields", ErrInvalidSignature)
	}
	if env.SigningCertURL != "" {
		if err := validateCertURL(env.SigningCertURL); err != nil {
			return err
		}
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	age := v.now().Sub(ts)
	if age > snsTimestampTolerance || age < -snsTimestampTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrReplayed)
	}
	return nil
}

func validateCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed signing cert URL", ErrInvalidSignature)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: signing cert URL must use HTTPS", ErrInvalidSignature)
	}
	if !signingCertHost.MatchString(u.Hostname()) {
		return fmt.Errorf("%w: signing cert URL host %q not an SNS endpoint", ErrInvalidSignature, u.Hostname())
	}
	return nil
}

// ConfirmSubscription fetches the SubscribeURL to complete topic setup.
func ConfirmSubscription(ctx context.Context, client *http.Client, subscribeURL string) error {
	if strings.TrimSpace(subscribeURL) == "" {
		return errors.New("subscribe URL is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("confirm subscription: %s", resp.Status)
	}
	return nil
}
