// Package app coordinates the conversion pipeline: content in, EPUB out,
// delivery to the reader's Kindle.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"readflow/internal/content"
	"readflow/internal/delivery"
	"readflow/internal/epub"
	"readflow/internal/mailstore"
	"readflow/internal/usage"
	"readflow/internal/util"
	"readflow/pkg/domain"
	"readflow/pkg/store"
	"readflow/pkg/storage"
)

const (
	convertAttempts = 3
	presignExpiry   = 24 * time.Hour
	pipelineTimeout = 15 * time.Minute
)

var (
	ErrNotFound         = errors.New("conversion not found")
	ErrForbidden        = errors.New("conversion belongs to another user")
	ErrRetryUnsupported = errors.New("original content not available")
	ErrWrongState       = errors.New("conversion is not in a state that allows this")
	ErrUnknownRecipient = errors.New("no user for recipient address")
	ErrNoKindleEmail    = errors.New("Kindle email not configured")
)

// QuotaError is returned when the monthly limit denies a conversion.
type QuotaError struct {
	Reason string
}

func (e *QuotaError) Error() string { return e.Reason }

// ValidationError carries the accumulated content violations.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid content: " + strings.Join(e.Problems, "; ")
}

// Converter produces an artifact from sanitized HTML.
type Converter interface {
	Generate(ctx context.Context, html string, meta domain.Metadata) (*epub.Artifact, error)
}

// Deliverer sends an artifact to a Kindle address.
type Deliverer interface {
	Deliver(ctx context.Context, kindleEmail, title string, art *epub.Artifact) error
}

// ArticleFetcher downloads and sanitizes a page by URL.
type ArticleFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*content.FetchResult, error)
}

// EmailSource loads and disposes of stored inbound emails by object key.
type EmailSource interface {
	Fetch(ctx context.Context, key string) (*mailstore.Email, error)
	Delete(ctx context.Context, key string) error
}

// App wires the pipeline stages together.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	fetcher   ArticleFetcher
	converter Converter
	deliverer Deliverer
	tracker   *usage.Tracker
	emails    EmailSource
}

func New(st store.Store, objects storage.ObjectStore, fetcher ArticleFetcher, converter Converter, deliverer Deliverer, tracker *usage.Tracker, emails EmailSource) *App {
	return &App{
		store:     st,
		objects:   objects,
		fetcher:   fetcher,
		converter: converter,
		deliverer: deliverer,
		tracker:   tracker,
		emails:    emails,
	}
}

// ConvertDirect converts caller-supplied HTML synchronously and returns the
// finished conversion record.
func (a *App) ConvertDirect(ctx context.Context, userID, html, sourceURL string) (domain.Conversion, error) {
	if res := content.ValidateContent(html); !res.IsValid {
		return domain.Conversion{}, &ValidationError{Problems: res.Errors}
	}
	if err := a.checkQuota(userID); err != nil {
		return domain.Conversion{}, err
	}

	meta := content.ExtractMetadata(html)
	clean := content.Sanitize(html, sourceURL)
	meta.WordCount = content.CountWords(clean)
	meta.ReadingTime = content.ReadingTime(meta.WordCount)
	if sourceURL != "" && meta.Source == "Unknown Source" {
		meta.Source = content.SourceFromURL(sourceURL)
	}

	conv, err := a.createConversion(userID, meta, sourceURL)
	if err != nil {
		return domain.Conversion{}, err
	}
	a.runPipeline(ctx, conv.ID, userID, clean, meta)

	final, _, err := a.store.GetConversion(conv.ID)
	if err != nil {
		return domain.Conversion{}, err
	}
	return final, nil
}

// ConvertURL fetches an article and converts it synchronously.
func (a *App) ConvertURL(ctx context.Context, userID, rawURL string) (domain.Conversion, error) {
	if err := a.checkQuota(userID); err != nil {
		return domain.Conversion{}, err
	}
	fetched, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return domain.Conversion{}, fmt.Errorf("fetch article: %w", err)
	}
	if res := content.ValidateContent(fetched.HTML); !res.IsValid {
		return domain.Conversion{}, &ValidationError{Problems: res.Errors}
	}

	conv, err := a.createConversion(userID, fetched.Metadata, rawURL)
	if err != nil {
		return domain.Conversion{}, err
	}
	a.runPipeline(ctx, conv.ID, userID, fetched.HTML, fetched.Metadata)

	final, _, err := a.store.GetConversion(conv.ID)
	if err != nil {
		return domain.Conversion{}, err
	}
	return final, nil
}

// ExtractResult carries a converted artifact that was never persisted.
type ExtractResult struct {
	Metadata domain.Metadata
	Artifact *epub.Artifact
}

// Extract converts a newsletter URL or raw HTML into an artifact without
// creating a record, counting usage, or touching storage. Only recognized
// newsletter platforms are fetched.
func (a *App) Extract(ctx context.Context, rawURL, html string) (*ExtractResult, error) {
	var meta domain.Metadata
	if rawURL != "" {
		if !content.IsNewsletterURL(rawURL) {
			return nil, &ValidationError{Problems: []string{"URL is not a supported newsletter platform"}}
		}
		fetched, err := a.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("fetch article: %w", err)
		}
		html, meta = fetched.HTML, fetched.Metadata
	} else {
		meta = content.ExtractMetadata(html)
		clean := content.Sanitize(html, "")
		meta.WordCount = content.CountWords(clean)
		meta.ReadingTime = content.ReadingTime(meta.WordCount)
		html = clean
	}
	if res := content.ValidateContent(html); !res.IsValid {
		return nil, &ValidationError{Problems: res.Errors}
	}

	art, err := a.converter.Generate(ctx, html, meta)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	return &ExtractResult{Metadata: meta, Artifact: art}, nil
}

// emailIntake is the validated outcome of the synchronous inbound checks.
type emailIntake struct {
	conv   domain.Conversion
	userID string
	html   string
	meta   domain.Metadata
}

// IntakeEmail runs the synchronous half of inbound email handling:
// recipient lookup, Kindle address check, quota, content resolution and
// validation, and the pending record. Conversion and delivery then finish
// in the background so the webhook can answer with the conversion id.
func (a *App) IntakeEmail(ctx context.Context, email *mailstore.Email) (domain.Conversion, error) {
	in, err := a.intakeEmail(ctx, email)
	if err != nil {
		return domain.Conversion{}, err
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
		defer cancel()
		a.runPipeline(pctx, in.conv.ID, in.userID, in.html, in.meta)
	}()
	return in.conv, nil
}

// ProcessStoredEmail handles one stored inbound email end to end. It runs
// in its own goroutine with its own deadline; the raw object is deleted
// once the whole processing attempt has finished.
func (a *App) ProcessStoredEmail(storageKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()
	defer func() {
		if err := a.emails.Delete(ctx, storageKey); err != nil {
			slog.Warn("failed to delete processed email", "key", storageKey, "error", err)
		}
	}()

	email, err := a.emails.Fetch(ctx, storageKey)
	if err != nil {
		slog.Error("inbound email unreadable", "key", storageKey, "error", err)
		return
	}

	in, err := a.intakeEmail(ctx, email)
	if err != nil {
		slog.Warn("stored email rejected", "key", storageKey, "error", err)
		return
	}
	a.runPipeline(ctx, in.conv.ID, in.userID, in.html, in.meta)
}

// intakeEmail resolves the user from the recipient alias the platform
// assigned them; the sender is a newsletter platform, not a user.
func (a *App) intakeEmail(ctx context.Context, email *mailstore.Email) (emailIntake, error) {
	recipient := mailstore.Address(email.To)
	settings, ok, err := a.store.GetUserSettingsByPersonalEmail(recipient)
	if err != nil {
		return emailIntake{}, fmt.Errorf("user lookup for %s: %w", recipient, err)
	}
	if !ok {
		return emailIntake{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
	}
	if settings.KindleEmail == "" {
		return emailIntake{}, ErrNoKindleEmail
	}
	userID := settings.UserID

	if err := a.checkQuota(userID); err != nil {
		return emailIntake{}, err
	}

	html, meta, sourceURL := a.resolveEmailContent(ctx, email)
	if res := content.ValidateContent(html); !res.IsValid {
		return emailIntake{}, &ValidationError{Problems: res.Errors}
	}

	conv, err := a.createConversion(userID, meta, sourceURL)
	if err != nil {
		return emailIntake{}, err
	}
	return emailIntake{conv: conv, userID: userID, html: html, meta: meta}, nil
}

// resolveEmailContent prefers a full article behind a newsletter link over
// the teaser HTML in the email body.
func (a *App) resolveEmailContent(ctx context.Context, email *mailstore.Email) (string, domain.Metadata, string) {
	for _, link := range content.ExtractLinks(email.HTML) {
		fetched, err := a.fetcher.Fetch(ctx, link)
		if err != nil {
			slog.Warn("newsletter link fetch failed, trying next", "url", link, "error", err)
			continue
		}
		if content.ValidateContent(fetched.HTML).IsValid {
			return fetched.HTML, fetched.Metadata, link
		}
	}

	clean := content.Sanitize(email.HTML, "")
	meta := content.ExtractMetadata(email.HTML)
	if meta.Title == "Untitled Article" && email.Subject != "" {
		meta.Title = email.Subject
	}
	if meta.Source == "Unknown Source" {
		meta.Source = mailstore.Address(email.From)
	}
	meta.WordCount = content.CountWords(clean)
	meta.ReadingTime = content.ReadingTime(meta.WordCount)
	return clean, meta, ""
}

// Retry re-runs a failed conversion. Original content is not retained
// after processing, so retry can only fail fast with a clear reason.
func (a *App) Retry(userID, id string) (domain.Conversion, error) {
	conv, err := a.getOwned(userID, id)
	if err != nil {
		return domain.Conversion{}, err
	}
	if conv.Status != domain.StatusFailed {
		return domain.Conversion{}, fmt.Errorf("%w: %s cannot be retried", ErrWrongState, conv.Status)
	}
	return domain.Conversion{}, ErrRetryUnsupported
}

// Get returns a conversion owned by userID.
func (a *App) Get(userID, id string) (domain.Conversion, error) {
	return a.getOwned(userID, id)
}

// List returns the user's conversions with paging and filtering.
func (a *App) List(userID string, f store.ConversionFilter) ([]domain.Conversion, int64, error) {
	return a.store.ListConversions(userID, f)
}

// DownloadURL returns a presigned URL for a completed conversion's
// artifact.
func (a *App) DownloadURL(ctx context.Context, userID, id string) (string, error) {
	conv, err := a.getOwned(userID, id)
	if err != nil {
		return "", err
	}
	if conv.Status != domain.StatusCompleted || conv.StorageKey == "" {
		return "", fmt.Errorf("%w: %s has no downloadable artifact", ErrWrongState, conv.Status)
	}
	return a.objects.PresignGet(ctx, conv.StorageKey, presignExpiry)
}

// Usage returns the user's quota snapshot.
func (a *App) Usage(userID string) (*usage.Snapshot, error) {
	return a.tracker.Current(userID)
}

func (a *App) checkQuota(userID string) error {
	dec, err := a.tracker.CanConvert(userID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !dec.Allowed {
		return &QuotaError{Reason: dec.Reason}
	}
	return nil
}

func (a *App) createConversion(userID string, meta domain.Metadata, sourceURL string) (domain.Conversion, error) {
	now := time.Now().UTC()
	date, err := time.Parse(time.RFC3339, meta.Date)
	if err != nil {
		date = now
	}
	conv := domain.Conversion{
		ID:          util.NewID(),
		UserID:      userID,
		Title:       meta.Title,
		Author:      meta.Author,
		Source:      meta.Source,
		SourceURL:   sourceURL,
		Date:        date,
		WordCount:   meta.WordCount,
		ReadingTime: meta.ReadingTime,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveConversion(conv); err != nil {
		return domain.Conversion{}, fmt.Errorf("save conversion: %w", err)
	}
	return conv, nil
}

// runPipeline converts, stores, and delivers. The conversion record ends in
// completed or failed; a delivery failure after a stored artifact stays
// completed and is only logged.
func (a *App) runPipeline(ctx context.Context, id, userID, html string, meta domain.Metadata) {
	var art *epub.Artifact
	err := retry.Do(func() error {
		var genErr error
		art, genErr = a.converter.Generate(ctx, html, meta)
		return genErr
	},
		retry.Attempts(convertAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("conversion retry", "conversion_id", id, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		slog.Error("conversion failed", "conversion_id", id, "error", err)
		a.markFailed(id, "conversion failed: "+err.Error())
		return
	}

	key := fmt.Sprintf("conversions/%s/%s/%s", userID, id, art.FileName)
	if err := a.objects.Put(ctx, key, bytes.NewReader(art.Data), int64(len(art.Data)), art.MIME); err != nil {
		slog.Error("artifact upload failed", "conversion_id", id, "error", err)
		a.markFailed(id, "storage failed: "+err.Error())
		return
	}
	fileURL, err := a.objects.PresignGet(ctx, key, presignExpiry)
	if err != nil {
		// A completed row always carries a file URL; without one the
		// artifact is unreachable, so the conversion fails.
		slog.Error("presign failed", "conversion_id", id, "error", err)
		a.markFailed(id, "storage failed: "+err.Error())
		return
	}
	if err := a.store.MarkCompleted(id, fileURL, key, int64(len(art.Data))); err != nil {
		slog.Error("failed to mark conversion completed", "conversion_id", id, "error", err)
		return
	}
	slog.Info("conversion completed", "conversion_id", id, "user_id", userID,
		"file", art.FileName, "bytes", len(art.Data), "epub", art.IsEPUB())

	a.deliver(ctx, id, userID, meta.Title, art)

	go a.tracker.CheckAlerts(userID)
}

func (a *App) deliver(ctx context.Context, id, userID, title string, art *epub.Artifact) {
	settings, ok, err := a.store.GetUserSettings(userID)
	if err != nil {
		slog.Error("settings lookup failed, skipping delivery", "user_id", userID, "error", err)
		return
	}
	if !ok || !settings.AutoDelivery || settings.KindleEmail == "" {
		return
	}
	if err := a.deliverer.Deliver(ctx, settings.KindleEmail, title, art); err != nil {
		// The artifact is stored and downloadable, so the conversion
		// stays completed.
		slog.Warn("kindle delivery failed",
			"conversion_id", id, "user_id", userID,
			"class", delivery.ClassifyError(err), "error", err)
		return
	}
	if err := a.store.SetDeliveredAt(id, time.Now().UTC()); err != nil {
		slog.Warn("failed to stamp delivery time", "conversion_id", id, "error", err)
	}
	slog.Info("delivered to kindle", "conversion_id", id, "user_id", userID)
}

func (a *App) markFailed(id, reason string) {
	if err := a.store.MarkFailed(id, reason); err != nil {
		slog.Error("failed to mark conversion failed", "conversion_id", id, "error", err)
	}
}

func (a *App) getOwned(userID, id string) (domain.Conversion, error) {
	conv, ok, err := a.store.GetConversion(id)
	if err != nil {
		return domain.Conversion{}, err
	}
	if !ok {
		return domain.Conversion{}, ErrNotFound
	}
	if conv.UserID != userID {
		return domain.Conversion{}, ErrForbidden
	}
	return conv, nil
}
