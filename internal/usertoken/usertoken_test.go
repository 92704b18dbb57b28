package usertoken

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	raw, err := v.Issue("user-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw, err := NewVerifier("secret-a").Issue("user-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewVerifier("secret-b").Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("test-secret")
	raw, err := v.Issue("user-42", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestFromRequest(t *testing.T) {
	v := NewVerifier("test-secret")
	raw, _ := v.Issue("user-42", time.Hour)

	r := httptest.NewRequest("GET", "/api/conversions", nil)
	if _, err := v.FromRequest(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}

	r.Header.Set("Authorization", "Bearer "+raw)
	userID, err := v.FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q", userID)
	}
}
