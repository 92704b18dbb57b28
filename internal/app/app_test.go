package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"readflow/internal/content"
	"readflow/internal/epub"
	"readflow/internal/mailstore"
	"readflow/internal/usage"
	"readflow/internal/util"
	"readflow/pkg/domain"
	"readflow/pkg/store"
)

const validHTML = `<html><head><title>Good Article</title><meta name="author" content="Jane Writer"></head>
<body><article><p>` + testBody + `</p></article></body></html>`

const testBody = "This is a reasonably long article body with more than ten words, " +
	"padded so the sanitizer keeps it above the minimum extraction threshold. " +
	"It keeps going with several more useful sentences about interesting topics " +
	"so the container selector comfortably clears the length requirement for real content."

type fakeObjects struct {
	objects    map[string][]byte
	putErr     error
	presignErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://signed.test/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

type fakeConverter struct {
	failures int
	calls    int
}

func (f *fakeConverter) Generate(_ context.Context, _ string, meta domain.Metadata) (*epub.Artifact, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("converter crashed")
	}
	return &epub.Artifact{
		FileName: epub.SanitizeFileName(meta.Title) + ".epub",
		MIME:     "application/epub+zip",
		Data:     []byte("epub-bytes"),
	}, nil
}

type fakeDeliverer struct {
	calls int
	to    string
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, kindleEmail, _ string, _ *epub.Artifact) error {
	f.calls++
	f.to = kindleEmail
	return f.err
}

type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*content.FetchResult, error) {
	page, ok := f.pages[rawURL]
	if !ok {
		return nil, errors.New("fetch failed")
	}
	meta := content.ExtractMetadata(page)
	clean := content.Sanitize(page, rawURL)
	meta.WordCount = content.CountWords(clean)
	meta.ReadingTime = content.ReadingTime(meta.WordCount)
	return &content.FetchResult{HTML: clean, Metadata: meta}, nil
}

type fakeEmailSource struct {
	emails  map[string]*mailstore.Email
	deleted []string
}

func (f *fakeEmailSource) Fetch(_ context.Context, key string) (*mailstore.Email, error) {
	email, ok := f.emails[key]
	if !ok {
		return nil, errors.New("no such email")
	}
	return email, nil
}

func (f *fakeEmailSource) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.emails, key)
	return nil
}

type fixture struct {
	app       *App
	store     *store.MemoryStore
	objects   *fakeObjects
	converter *fakeConverter
	deliverer *fakeDeliverer
	fetcher   *fakeFetcher
	emails    *fakeEmailSource
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	converter := &fakeConverter{}
	deliverer := &fakeDeliverer{}
	fetcher := &fakeFetcher{pages: map[string]string{}}
	emails := &fakeEmailSource{emails: map[string]*mailstore.Email{}}
	tracker := usage.NewTracker(st, nil)
	return &fixture{
		app:       New(st, objects, fetcher, converter, deliverer, tracker, emails),
		store:     st,
		objects:   objects,
		converter: converter,
		deliverer: deliverer,
		fetcher:   fetcher,
		emails:    emails,
	}
}

func TestConvertDirectHappyPath(t *testing.T) {
	f := newFixture()
	conv, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	if err != nil {
		t.Fatalf("ConvertDirect: %v", err)
	}
	if conv.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, error = %q", conv.Status, conv.Error)
	}
	if conv.Title != "Good Article" || conv.Author != "Jane Writer" {
		t.Errorf("metadata = %q by %q", conv.Title, conv.Author)
	}
	if conv.FileURL == "" || conv.FileSize == 0 {
		t.Errorf("artifact fields missing: url=%q size=%d", conv.FileURL, conv.FileSize)
	}
	if len(f.objects.objects) != 1 {
		t.Errorf("stored objects = %d, want 1", len(f.objects.objects))
	}
}

func TestConvertDirectRejectsInvalidContent(t *testing.T) {
	f := newFixture()
	_, err := f.app.ConvertDirect(context.Background(), "u1", "", "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(verr.Problems) == 0 || verr.Problems[0] != "Content is empty" {
		t.Errorf("problems = %v", verr.Problems)
	}
}

func TestConvertDirectDeniedByQuota(t *testing.T) {
	f := newFixture()
	for i := 0; i < 100; i++ {
		seedConversion(t, f.store, "u1", domain.StatusCompleted)
	}
	_, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want QuotaError", err)
	}
	if !strings.Contains(qerr.Reason, "Monthly limit reached") {
		t.Errorf("reason = %q", qerr.Reason)
	}
}

func TestConverterFailureMarksFailed(t *testing.T) {
	f := newFixture()
	f.converter.failures = 10
	conv, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	if err != nil {
		t.Fatalf("ConvertDirect: %v", err)
	}
	if conv.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", conv.Status)
	}
	if !strings.Contains(conv.Error, "conversion failed") {
		t.Errorf("error = %q", conv.Error)
	}
	if f.converter.calls != 3 {
		t.Errorf("converter calls = %d, want 3", f.converter.calls)
	}
}

func TestDeliveryFailureKeepsCompleted(t *testing.T) {
	f := newFixture()
	f.deliverer.err = errors.New("smtp down")
	saveSettings(t, f.store, "u1", "reader@kindle.com")

	conv, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	if err != nil {
		t.Fatalf("ConvertDirect: %v", err)
	}
	if conv.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed despite delivery failure", conv.Status)
	}
	if conv.DeliveredAt != nil {
		t.Error("deliveredAt stamped on failed delivery")
	}
	if f.deliverer.calls != 1 {
		t.Errorf("deliverer calls = %d", f.deliverer.calls)
	}
}

func TestDeliverySuccessStampsDeliveredAt(t *testing.T) {
	f := newFixture()
	saveSettings(t, f.store, "u1", "reader@kindle.com")

	conv, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	if err != nil {
		t.Fatalf("ConvertDirect: %v", err)
	}
	if conv.DeliveredAt == nil {
		t.Fatal("deliveredAt not stamped")
	}
	if f.deliverer.to != "reader@kindle.com" {
		t.Errorf("delivered to %q", f.deliverer.to)
	}
}

func TestConvertURL(t *testing.T) {
	f := newFixture()
	f.fetcher.pages["https://writer.substack.com/p/post"] = validHTML

	conv, err := f.app.ConvertURL(context.Background(), "u1", "https://writer.substack.com/p/post")
	if err != nil {
		t.Fatalf("ConvertURL: %v", err)
	}
	if conv.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", conv.Status)
	}
	if conv.SourceURL != "https://writer.substack.com/p/post" {
		t.Errorf("sourceURL = %q", conv.SourceURL)
	}
}

func TestProcessStoredEmailResolvesRecipientAndConverts(t *testing.T) {
	f := newFixture()
	saveSettingsWithPersonal(t, f.store, "u1", "reader@kindle.com", "user123@linktoreader.com")
	f.emails.emails["inbound/msg1"] = &mailstore.Email{
		From:    "Weekly <newsletter@substack.com>",
		To:      "user123@linktoreader.com",
		Subject: "Weekly Digest",
		HTML:    validHTML,
	}

	f.app.ProcessStoredEmail("inbound/msg1")

	convs, total, err := f.store.ListConversions("u1", store.ConversionFilter{})
	if err != nil {
		t.Fatalf("ListConversions: %v", err)
	}
	if total != 1 {
		t.Fatalf("conversions = %d, want 1", total)
	}
	if convs[0].Status != domain.StatusCompleted {
		t.Errorf("status = %s", convs[0].Status)
	}
	if len(f.emails.deleted) != 1 || f.emails.deleted[0] != "inbound/msg1" {
		t.Errorf("deleted = %v, want the processed key", f.emails.deleted)
	}
}

func TestProcessStoredEmailUnknownRecipientDropped(t *testing.T) {
	f := newFixture()
	f.emails.emails["inbound/msg1"] = &mailstore.Email{
		From: "newsletter@substack.com",
		To:   "nobody@linktoreader.com",
		HTML: validHTML,
	}

	f.app.ProcessStoredEmail("inbound/msg1")

	_, total, _ := f.store.ListConversions("u1", store.ConversionFilter{})
	if total != 0 {
		t.Errorf("conversions = %d, want 0", total)
	}
	if len(f.emails.deleted) != 1 {
		t.Errorf("deleted = %v, rejected mail must still be removed", f.emails.deleted)
	}
}

func TestProcessEmailFollowsNewsletterLink(t *testing.T) {
	f := newFixture()
	saveSettingsWithPersonal(t, f.store, "u1", "reader@kindle.com", "user123@linktoreader.com")
	f.fetcher.pages["https://writer.substack.com/p/full-post"] = validHTML
	f.emails.emails["inbound/msg1"] = &mailstore.Email{
		From: "newsletter@substack.com",
		To:   "user123@linktoreader.com",
		HTML: `<html><body><p>Read the full post at</p>
			<a href="https://writer.substack.com/p/full-post">here</a></body></html>`,
	}

	f.app.ProcessStoredEmail("inbound/msg1")

	convs, total, _ := f.store.ListConversions("u1", store.ConversionFilter{})
	if total != 1 {
		t.Fatalf("conversions = %d, want 1", total)
	}
	if convs[0].SourceURL != "https://writer.substack.com/p/full-post" {
		t.Errorf("sourceURL = %q, want the followed link", convs[0].SourceURL)
	}
}

func TestIntakeEmailReturnsPendingConversion(t *testing.T) {
	f := newFixture()
	saveSettingsWithPersonal(t, f.store, "u1", "reader@kindle.com", "user123@linktoreader.com")

	conv, err := f.app.IntakeEmail(context.Background(), &mailstore.Email{
		From:    "newsletter@substack.com",
		To:      "User123@LinkToReader.com",
		Subject: "Weekly Digest",
		HTML:    validHTML,
	})
	if err != nil {
		t.Fatalf("IntakeEmail: %v", err)
	}
	if conv.ID == "" || conv.UserID != "u1" {
		t.Fatalf("conversion = %+v", conv)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := f.store.GetConversion(conv.ID)
		if got.Status == domain.StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("conversion never completed in the background")
}

func TestIntakeEmailRejections(t *testing.T) {
	f := newFixture()
	saveSettingsWithPersonal(t, f.store, "u1", "", "nokindle@linktoreader.com")
	saveSettingsWithPersonal(t, f.store, "u2", "reader@kindle.com", "full@linktoreader.com")
	for i := 0; i < 100; i++ {
		seedConversion(t, f.store, "u2", domain.StatusCompleted)
	}

	tests := []struct {
		name  string
		email *mailstore.Email
		check func(error) bool
	}{
		{
			"unknown recipient",
			&mailstore.Email{From: "n@substack.com", To: "nobody@linktoreader.com", HTML: validHTML},
			func(err error) bool { return errors.Is(err, ErrUnknownRecipient) },
		},
		{
			"no kindle email",
			&mailstore.Email{From: "n@substack.com", To: "nokindle@linktoreader.com", HTML: validHTML},
			func(err error) bool { return errors.Is(err, ErrNoKindleEmail) },
		},
		{
			"quota exhausted",
			&mailstore.Email{From: "n@substack.com", To: "full@linktoreader.com", HTML: validHTML},
			func(err error) bool { var qerr *QuotaError; return errors.As(err, &qerr) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.app.IntakeEmail(context.Background(), tt.email)
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestExtractConvertsWithoutPersisting(t *testing.T) {
	f := newFixture()
	f.fetcher.pages["https://writer.substack.com/p/post"] = validHTML

	res, err := f.app.Extract(context.Background(), "https://writer.substack.com/p/post", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Artifact == nil || len(res.Artifact.Data) == 0 {
		t.Fatal("no artifact produced")
	}
	if res.Metadata.Title != "Good Article" {
		t.Errorf("title = %q", res.Metadata.Title)
	}

	if _, total, _ := f.store.ListConversions("u1", store.ConversionFilter{}); total != 0 {
		t.Errorf("conversions = %d, extraction must not persist", total)
	}
	if len(f.objects.objects) != 0 {
		t.Errorf("stored objects = %d, extraction must not upload", len(f.objects.objects))
	}
}

func TestExtractRejectsNonNewsletterURL(t *testing.T) {
	f := newFixture()
	_, err := f.app.Extract(context.Background(), "https://example.com/post", "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestPresignFailureMarksFailed(t *testing.T) {
	f := newFixture()
	f.objects.presignErr = errors.New("signer unavailable")

	conv, err := f.app.ConvertDirect(context.Background(), "u1", validHTML, "")
	if err != nil {
		t.Fatalf("ConvertDirect: %v", err)
	}
	if conv.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed when no file URL can exist", conv.Status)
	}
	if conv.FileURL != "" {
		t.Errorf("fileUrl = %q, want empty on failed conversion", conv.FileURL)
	}
}

func TestRetryFailsFast(t *testing.T) {
	f := newFixture()
	id := seedConversion(t, f.store, "u1", domain.StatusFailed)

	_, err := f.app.Retry("u1", id)
	if !errors.Is(err, ErrRetryUnsupported) {
		t.Errorf("err = %v, want ErrRetryUnsupported", err)
	}

	if _, err := f.app.Retry("u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	completed := seedConversion(t, f.store, "u1", domain.StatusCompleted)
	if _, err := f.app.Retry("u1", completed); err == nil || errors.Is(err, ErrRetryUnsupported) {
		t.Errorf("err = %v, want status rejection", err)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture()
	id := seedConversion(t, f.store, "u1", domain.StatusCompleted)

	if _, err := f.app.Get("u2", id); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func seedConversion(t *testing.T, st *store.MemoryStore, userID string, status domain.ConversionStatus) string {
	t.Helper()
	id := util.NewID()
	conv := domain.Conversion{
		ID:        id,
		UserID:    userID,
		Title:     "Seeded",
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.SaveConversion(conv); err != nil {
		t.Fatalf("seed conversion: %v", err)
	}
	return id
}

func saveSettings(t *testing.T, st *store.MemoryStore, userID, kindleEmail string) {
	t.Helper()
	saveSettingsWithPersonal(t, st, userID, kindleEmail, "")
}

func saveSettingsWithPersonal(t *testing.T, st *store.MemoryStore, userID, kindleEmail, personalEmail string) {
	t.Helper()
	err := st.SaveUserSettings(domain.UserSettings{
		UserID:        userID,
		KindleEmail:   kindleEmail,
		PersonalEmail: personalEmail,
		AutoDelivery:  true,
	})
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
}
