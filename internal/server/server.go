// Package server exposes the HTTP surface: authenticated conversion APIs
// and the inbound email webhooks.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"readflow/internal/app"
	"readflow/internal/mailstore"
	"readflow/internal/ratelimit"
	"readflow/internal/usertoken"
	"readflow/internal/util"
	"readflow/internal/webhook"
	"readflow/pkg/domain"
	"readflow/pkg/store"
)

const maxBodyBytes = 2 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	Mailgun       *webhook.MailgunValidator
	SNS           *webhook.SNSValidator
	Limiter       *ratelimit.SlidingWindowLimiter
	SenderLimiter *ratelimit.SlidingWindowLimiter
	TrustProxy    bool
}

// Server exposes HTTP endpoints for the conversion service.
type Server struct {
	app           *app.App
	verifier      *usertoken.Verifier
	mailgun       *webhook.MailgunValidator
	sns           *webhook.SNSValidator
	limiter       *ratelimit.SlidingWindowLimiter
	senderLimiter *ratelimit.SlidingWindowLimiter
	trustProxy    bool
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		verifier:      cfg.TokenVerifier,
		mailgun:       cfg.Mailgun,
		sns:           cfg.SNS,
		limiter:       cfg.Limiter,
		senderLimiter: cfg.SenderLimiter,
		trustProxy:    cfg.TrustProxy,
		mux:           http.NewServeMux(),
	}
	if s.senderLimiter == nil {
		s.senderLimiter = ratelimit.NewSlidingWindowLimiter(10, 15*time.Minute)
	}
	s.routes()
	return s
}

// Router returns the fully wrapped handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithRequestLog("readflow", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/webhooks/mailgun", s.withRateLimit(s.handleMailgunWebhook))
	s.mux.Handle("/webhooks/sns", s.withRateLimit(s.handleSNSWebhook))

	s.mux.Handle("/api/conversions", s.withUser(s.handleConversions))
	s.mux.Handle("/api/conversions/", s.withUser(s.handleConversionByID))
	s.mux.Handle("/api/extract", s.withUser(s.handleExtract))
	s.mux.Handle("/api/usage", s.withUser(s.handleUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Allowed(util.ClientIP(r, s.trustProxy))
		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

// handleMailgunWebhook accepts inbound email posted inline by a Mailgun
// route. The sender is acknowledged before any processing happens.
func (s *Server) handleMailgunWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "malformed form payload")
		return
	}

	err := s.mailgun.Validate(
		r.FormValue("timestamp"),
		r.FormValue("token"),
		r.FormValue("signature"),
	)
	if err != nil {
		slog.Warn("mailgun webhook rejected", "error", err, "ip", util.ClientIP(r, s.trustProxy))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	sender := mailstore.Address(r.FormValue("from"))
	if sender != "" {
		if res := s.senderLimiter.Allowed(sender); !res.Allowed {
			slog.Warn("inbound email rate limited", "sender", sender)
			writeError(w, http.StatusTooManyRequests, "too many emails from this sender")
			return
		}
	}

	email := mailstore.NewEmail(
		r.FormValue("from"),
		r.FormValue("recipient"),
		r.FormValue("subject"),
		r.FormValue("body-html"),
		r.FormValue("body-plain"),
	)
	conv, err := s.app.IntakeEmail(r.Context(), email)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownRecipient):
			writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, app.ErrNoKindleEmail):
			writeError(w, http.StatusBadRequest, "Kindle email not configured")
		default:
			s.writeAppError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversionId": conv.ID,
		"message":      "Conversion started",
	})
}

// handleSNSWebhook accepts SES-to-S3 notifications relayed through SNS.
func (s *Server) handleSNSWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var env webhook.SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	if err := s.sns.Validate(env); err != nil {
		slog.Warn("sns webhook rejected", "error", err, "type", env.Type)
		writeError(w, http.StatusUnauthorized, "invalid notification")
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		if err := webhook.ConfirmSubscription(r.Context(), http.DefaultClient, env.SubscribeURL); err != nil {
			slog.Error("sns subscription confirmation failed", "error", err)
			writeError(w, http.StatusBadGateway, "confirmation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
	case "Notification":
		key, err := objectKeyFromSESMessage(env.Message)
		if err != nil {
			slog.Warn("sns notification without stored object", "error", err)
			writeError(w, http.StatusBadRequest, "no stored message")
			return
		}
		go s.app.ProcessStoredEmail(key)
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// objectKeyFromSESMessage digs the S3 object key out of an SES receipt
// notification.
func objectKeyFromSESMessage(message string) (string, error) {
	var payload struct {
		Receipt struct {
			Action struct {
				Type      string `json:"type"`
				ObjectKey string `json:"objectKey"`
			} `json:"action"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		return "", fmt.Errorf("parse ses message: %w", err)
	}
	if payload.Receipt.Action.ObjectKey == "" {
		return "", errors.New("message carries no object key")
	}
	return payload.Receipt.Action.ObjectKey, nil
}

type convertRequest struct {
	HTML string `json:"html"`
	URL  string `json:"url"`
}

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListConversions(w, r, userID)
	case http.MethodPost:
		s.handleCreateConversion(w, r, userID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateConversion(w http.ResponseWriter, r *http.Request, userID string) {
	var req convertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.HTML == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, "either html or url is required")
		return
	}

	var (
		conv domain.Conversion
		err  error
	)
	if req.URL != "" {
		conv, err = s.app.ConvertURL(r.Context(), userID, req.URL)
	} else {
		conv, err = s.app.ConvertDirect(r.Context(), userID, req.HTML, "")
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	filter := store.ConversionFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}

	conversions, total, err := s.app.List(userID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversions": conversions,
		"total":       total,
	})
}

func (s *Server) handleConversionByID(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		conv, err := s.app.Get(userID, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case action == "retry" && r.Method == http.MethodPost:
		conv, err := s.app.Retry(userID, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, conv)
	case action == "download" && r.Method == http.MethodGet:
		url, err := s.app.DownloadURL(r.Context(), userID, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type extractRequest struct {
	HTML string `json:"html"`
	URL  string `json:"url"`
}

// handleExtract converts a newsletter URL or raw HTML and returns the
// artifact inline for direct client download. Nothing is persisted and
// no quota is consumed.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req extractRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.HTML == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, "either html or url is required")
		return
	}

	res, err := s.app.Extract(r.Context(), req.URL, req.HTML)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": res.Metadata,
		"fileName": res.Artifact.FileName,
		"mimeType": res.Artifact.MIME,
		"data":     base64.StdEncoding.EncodeToString(res.Artifact.Data),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.app.Usage(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	var verr *app.ValidationError
	var qerr *app.QuotaError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "invalid content",
			"problems": verr.Problems,
		})
	case errors.As(err, &qerr):
		writeError(w, http.StatusTooManyRequests, qerr.Reason)
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrRetryUnsupported):
		writeError(w, http.StatusConflict, app.ErrRetryUnsupported.Error())
	case errors.Is(err, app.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
