// Package mailstore retrieves raw newsletter emails from object storage and
// parses them into processable articles.
package mailstore

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/jhillyerd/enmime"

	"readflow/pkg/storage"
)

// Email is a parsed inbound message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Processor loads and parses stored emails.
type Processor struct {
	store storage.ObjectStore
}

func NewProcessor(store storage.ObjectStore) *Processor {
	return &Processor{store: store}
}

// Fetch downloads the raw message at key and parses its MIME structure.
func (p *Processor) Fetch(ctx context.Context, key string) (*Email, error) {
	body, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch email %s: %w", key, err)
	}
	defer body.Close()

	return Parse(body)
}

// Delete removes the stored raw message. Callers delete once the whole
// processing attempt has finished, whether or not it succeeded; inbound
// mail must never accumulate in the bucket.
func (p *Processor) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}

// Parse reads a raw RFC 5322 message and extracts the fields the pipeline
// needs. Plain-text-only messages are promoted to minimal HTML.
func Parse(r io.Reader) (*Email, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	content := env.HTML
	if strings.TrimSpace(content) == "" {
		content = textToHTML(env.Text)
	}

	return &Email{
		From:    strings.TrimSpace(env.GetHeader("From")),
		To:      strings.TrimSpace(env.GetHeader("To")),
		Subject: strings.TrimSpace(env.GetHeader("Subject")),
		HTML:    content,
	}, nil
}

// NewEmail builds an Email from already-split webhook fields, promoting
// plain text to HTML when no HTML body was supplied.
func NewEmail(from, to, subject, htmlBody, textBody string) *Email {
	content := htmlBody
	if strings.TrimSpace(content) == "" {
		content = textToHTML(textBody)
	}
	return &Email{
		From:    strings.TrimSpace(from),
		To:      strings.TrimSpace(to),
		Subject: strings.TrimSpace(subject),
		HTML:    content,
	}
}

// Address extracts the bare lowercase address from a From or To header
// like `Writer <writer@example.com>`.
func Address(header string) string {
	if start := strings.LastIndex(header, "<"); start >= 0 {
		if end := strings.LastIndex(header, ">"); end > start {
			header = header[start+1 : end]
		}
	}
	return strings.ToLower(strings.TrimSpace(header))
}

func textToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	return b.String()
}
