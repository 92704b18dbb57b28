package main

import (
	"context"
	"log/slog"

	"readflow/internal/epub"
)

// mockDeliverer logs instead of sending, for local development without
// SMTP credentials.
type mockDeliverer struct{}

func (mockDeliverer) Deliver(_ context.Context, kindleEmail, title string, art *epub.Artifact) error {
	slog.Info("mock delivery", "to", kindleEmail, "title", title,
		"file", art.FileName, "bytes", len(art.Data))
	return nil
}
