package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"readflow/internal/epub"
)

func fastDelivery(sender MessageSender) *KindleDelivery {
	d := NewKindleDeliveryWithSender(sender, "noreply@readflow.test")
	d.retryDelay = time.Millisecond
	return d
}

type fakeSender struct {
	calls    int
	failures int
	err      error
	last     *gomail.Message
}

func (f *fakeSender) Send(m *gomail.Message) error {
	f.calls++
	f.last = m
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func testArtifact() *epub.Artifact {
	return &epub.Artifact{FileName: "My_Article.epub", MIME: "application/epub+zip", Data: []byte("epub-bytes")}
}

func TestValidateKindleEmail(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"reader_123@kindle.com", true},
		{"reader+tag@kindle.com", true},
		{"reader@gmail.com", false},
		{"reader@kindle.com.evil.com", false},
		{"@kindle.com", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateKindleEmail(tt.addr)
		if tt.ok && err != nil {
			t.Errorf("ValidateKindleEmail(%q) = %v, want nil", tt.addr, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidKindleEmail) {
			t.Errorf("ValidateKindleEmail(%q) = %v, want ErrInvalidKindleEmail", tt.addr, err)
		}
	}
}

func TestDeliverRejectsNonKindleAddress(t *testing.T) {
	sender := &fakeSender{}
	d := fastDelivery(sender)
	err := d.Deliver(context.Background(), "reader@gmail.com", "Title", testArtifact())
	if !errors.Is(err, ErrInvalidKindleEmail) {
		t.Fatalf("err = %v, want ErrInvalidKindleEmail", err)
	}
	if sender.calls != 0 {
		t.Error("message was sent despite invalid address")
	}
}

func TestDeliverRetriesTransientFailure(t *testing.T) {
	sender := &fakeSender{failures: 2, err: errors.New("connection refused")}
	d := fastDelivery(sender)
	if err := d.Deliver(context.Background(), "reader@kindle.com", "Title", testArtifact()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.calls != 3 {
		t.Errorf("calls = %d, want 3", sender.calls)
	}
}

func TestDeliverGivesUpAfterAttempts(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.New("535 authentication failed")}
	d := fastDelivery(sender)
	err := d.Deliver(context.Background(), "reader@kindle.com", "Title", testArtifact())
	if err == nil {
		t.Fatal("expected failure")
	}
	if sender.calls != 3 {
		t.Errorf("calls = %d, want 3", sender.calls)
	}
	if ClassifyError(err) != ErrorAuth {
		t.Errorf("class = %q, want auth", ClassifyError(err))
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{context.DeadlineExceeded, ErrorTimeout},
		{ErrDeadlineExceeded, ErrorTimeout},
		{errors.New("535 5.7.8 bad credentials"), ErrorAuth},
		{errors.New("dial tcp: connection refused"), ErrorNetwork},
		{errors.New("something odd"), ErrorGeneric},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
