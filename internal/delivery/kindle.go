// Package delivery emails converted documents to Kindle devices over SMTP.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gopkg.in/gomail.v2"

	"readflow/internal/epub"
)

const (
	// Amazon's ingestion can be slow; the whole delivery, retries
	// included, must still finish inside this deadline.
	deliveryDeadline = 10 * time.Minute
	deliveryAttempts = 3
)

var kindleEmailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@kindle\.com$`)

// ErrInvalidKindleEmail rejects destinations outside @kindle.com. Send-to-
// Kindle only accepts mail on that domain, so anything else would silently
// vanish.
var ErrInvalidKindleEmail = errors.New("delivery address must be a @kindle.com email")

// ErrDeadlineExceeded marks a delivery abandoned at the 10 minute ceiling.
var ErrDeadlineExceeded = errors.New("delivery timed out")

// ValidateKindleEmail checks an address against the strict @kindle.com
// form.
func ValidateKindleEmail(addr string) error {
	if !kindleEmailPattern.MatchString(addr) {
		return ErrInvalidKindleEmail
	}
	return nil
}

// ErrorClass buckets delivery failures for reporting and alerting.
type ErrorClass string

const (
	ErrorTimeout ErrorClass = "timeout"
	ErrorAuth    ErrorClass = "auth"
	ErrorNetwork ErrorClass = "network"
	ErrorGeneric ErrorClass = "generic"
)

// ClassifyError maps a delivery failure onto an ErrorClass.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "535") || strings.Contains(msg, "auth") || strings.Contains(msg, "username") || strings.Contains(msg, "password") {
		return ErrorAuth
	}
	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "dial") {
		return ErrorNetwork
	}
	return ErrorGeneric
}

// SMTPConfig holds the outbound mail account.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// MessageSender dispatches a composed message. The production
// implementation dials SMTP; tests substitute a recorder.
type MessageSender interface {
	Send(m *gomail.Message) error
}

type smtpSender struct {
	dialer *gomail.Dialer
}

func (s *smtpSender) Send(m *gomail.Message) error {
	return s.dialer.DialAndSend(m)
}

// KindleDelivery sends EPUB attachments to Kindle addresses with retry.
type KindleDelivery struct {
	sender     MessageSender
	from       string
	retryDelay time.Duration
}

func NewKindleDelivery(cfg SMTPConfig) *KindleDelivery {
	return &KindleDelivery{
		sender:     &smtpSender{dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)},
		from:       cfg.From,
		retryDelay: 2 * time.Second,
	}
}

// NewKindleDeliveryWithSender wires a custom transport, used in tests and
// mock mode.
func NewKindleDeliveryWithSender(sender MessageSender, from string) *KindleDelivery {
	return &KindleDelivery{sender: sender, from: from, retryDelay: 2 * time.Second}
}

// SelfTest dials the SMTP server once to surface bad credentials at
// startup instead of on the first delivery.
func (d *KindleDelivery) SelfTest() error {
	s, ok := d.sender.(*smtpSender)
	if !ok {
		return nil
	}
	conn, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp self-test: %w", err)
	}
	return conn.Close()
}

// Deliver emails the artifact to kindleEmail. Transient failures retry with
// exponential backoff; the whole operation is bounded by the delivery
// deadline.
func (d *KindleDelivery) Deliver(ctx context.Context, kindleEmail, title string, art *epub.Artifact) error {
	if err := ValidateKindleEmail(kindleEmail); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryDeadline)
	defer cancel()

	msg := d.compose(kindleEmail, title, art)
	err := retry.Do(func() error {
		return d.sender.Send(msg)
	},
		retry.Attempts(deliveryAttempts),
		retry.Delay(d.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("kindle delivery retry", "to", kindleEmail, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w after %s: %v", ErrDeadlineExceeded, deliveryDeadline, err)
		}
		return fmt.Errorf("deliver to kindle: %w", err)
	}
	return nil
}

func (d *KindleDelivery) compose(to, title string, art *epub.Artifact) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", d.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", sanitizeHeader(title))
	m.SetBody("text/plain", "Your article is attached and will appear in your Kindle library shortly.")
	m.Attach(art.FileName,
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(art.Data)
			return err
		}),
		gomail.SetHeader(map[string][]string{"Content-Type": {art.MIME}}),
	)
	return m
}

// sanitizeHeader strips CR and LF so a crafted title cannot inject extra
// mail headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.TrimSpace(v)
}
