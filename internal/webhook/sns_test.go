package webhook

import (
	"errors"
	"testing"
	"time"
)

func snsValidatorAt(at time.Time) *SNSValidator {
	v := NewSNSValidator(false)
	v.now = func() time.Time { return at }
	return v
}

func validEnvelope(now time.Time) SNSEnvelope {
	return SNSEnvelope{
		Type:           "Notification",
		MessageID:      "m-1",
		Message:        `{"receipt":{"action":{"type":"S3","objectKey":"inbound/msg1"}}}`,
		Timestamp:      now.Format(time.RFC3339),
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/SimpleNotificationService.pem",
	}
}

func TestSNSValidateAcceptsWellFormedEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := snsValidatorAt(now).Validate(validEnvelope(now)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSNSValidateRequiresEnvelopeFields(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(*SNSEnvelope)
	}{
		{"missing type", func(e *SNSEnvelope) { e.Type = "" }},
		{"missing message id", func(e *SNSEnvelope) { e.MessageID = "" }},
		{"missing message", func(e *SNSEnvelope) { e.Message = "  " }},
		{"missing timestamp", func(e *SNSEnvelope) { e.Timestamp = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope(now)
			tt.mutate(&env)
			err := snsValidatorAt(now).Validate(env)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("err = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestSNSValidateRejectsBadCertURL(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		url  string
	}{
		{"plain http", "http://sns.us-east-1.amazonaws.com/cert.pem"},
		{"foreign host", "https://sns.us-east-1.amazonaws.com.evil.test/cert.pem"},
		{"non-sns host", "https://example.com/cert.pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope(now)
			env.SigningCertURL = tt.url
			if err := snsValidatorAt(now).Validate(env); err == nil {
				t.Error("want rejection")
			}
		})
	}
}

func TestSNSValidateRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := validEnvelope(now.Add(-2 * time.Hour))
	err := snsValidatorAt(now).Validate(env)
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("err = %v, want ErrReplayed", err)
	}
}

func TestSNSValidateDevBypass(t *testing.T) {
	v := NewSNSValidator(true)
	if err := v.Validate(SNSEnvelope{}); err != nil {
		t.Errorf("bypass still validated: %v", err)
	}
}
