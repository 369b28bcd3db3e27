// Package httpapi implements the HTTP Edge of spec §6: the routes the web
// collaborator consumes, viewer-identity injection, and rate-limit header
// emission. It is grounded on the teacher's localsmtp Server (the only
// stdlib net/http.ServeMux-based server in the retrieved pack) — a single
// struct wrapping a *http.ServeMux and JSON/text response helpers. Routes
// with an id segment use ServeMux method+pattern wildcards ({id}, {name})
// rather than path-suffix parsing.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inboxhub/aggregator/internal/app/config"
	"github.com/inboxhub/aggregator/internal/app/message"
	"github.com/inboxhub/aggregator/internal/app/ratelimit"
	"github.com/inboxhub/aggregator/internal/app/service"
)

// Server wires a *service.Service to the routes of spec §6.
type Server struct {
	svc      *service.Service
	limits   *ratelimit.Bridge
	viewerOf func(*http.Request) service.Viewer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New builds the HTTP Edge. viewerOf decides whether a request carries an
// authenticated viewer — the core never inspects sessions itself (spec §6:
// "the HTTP layer injects viewer into every core call").
func New(svc *service.Service, limits *ratelimit.Bridge, viewerOf func(*http.Request) service.Viewer, logger *slog.Logger) *Server {
	s := &Server{svc: svc, limits: limits, viewerOf: viewerOf, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /emails", s.withGeneralLimit(s.handleListCatchAll))
	mux.HandleFunc("POST /emails/refresh", s.withEmailOpsLimit(s.handleRefreshCatchAll))
	mux.HandleFunc("DELETE /emails/{id}", s.withEmailOpsLimit(s.handleDeleteCatchAll))
	mux.HandleFunc("GET /emails/{id}/attachments/{name}", s.withGeneralLimit(s.handleAttachmentCatchAll))

	mux.HandleFunc("GET /provider-accounts", s.withGeneralLimit(s.handleProviderAccounts))
	mux.HandleFunc("POST /provider-alias", s.withEmailOpsLimit(s.handleProviderAlias))
	mux.HandleFunc("GET /provider-emails", s.withGeneralLimit(s.handleListProvider))
	mux.HandleFunc("POST /provider-emails/refresh", s.withEmailOpsLimit(s.handleRefreshProvider))
	mux.HandleFunc("DELETE /provider-emails/{id}", s.withEmailOpsLimit(s.handleDeleteProvider))
	mux.HandleFunc("GET /provider-emails/{id}/attachments/{name}", s.withGeneralLimit(s.handleAttachmentProvider))

	mux.HandleFunc("GET /stats", s.withGeneralLimit(s.handleStats))

	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withGeneralLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.applyLimit(w, s.limits.General) {
			return
		}
		next(w, r)
	}
}

func (s *Server) withEmailOpsLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, res := s.limits.CheckEmailOps()
		writeRateLimitHeaders(w, res)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) applyLimit(w http.ResponseWriter, limiter *ratelimit.Limiter) bool {
	ok, res := limiter.Allow()
	writeRateLimitHeaders(w, res)
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func (s *Server) handleListCatchAll(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	msgs := s.svc.FetchForAddress(r.Context(), address, s.viewerOf(r))
	s.respondJSON(w, http.StatusOK, toWireMessages(msgs))
}

func (s *Server) handleRefreshCatchAll(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	msgs := s.svc.RefreshAddress(r.Context(), address, s.viewerOf(r))
	s.respondJSON(w, http.StatusOK, toWireMessages(msgs))
}

func (s *Server) handleDeleteCatchAll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	backend := strings.TrimSpace(r.URL.Query().Get("backend"))
	s.respondDelete(w, r, id, backend)
}

func (s *Server) handleAttachmentCatchAll(w http.ResponseWriter, r *http.Request) {
	backend := strings.TrimSpace(r.URL.Query().Get("backend"))
	s.respondAttachment(w, r, backend)
}

func (s *Server) handleProviderAccounts(w http.ResponseWriter, r *http.Request) {
	descriptors := s.svc.ListAccountsForViewer(s.viewerOf(r))

	gmail, outlook := 0, 0
	accounts := make([]wireAccount, 0, len(descriptors))
	for _, d := range descriptors {
		accounts = append(accounts, wireAccount{
			Address:     d.Address,
			Provider:    string(d.Provider),
			DirectInbox: d.DirectInbox,
		})
		switch d.Provider {
		case config.ProviderGmail:
			gmail++
		case config.ProviderOutlook:
			outlook++
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"providers": map[string]int{
			"gmail":   gmail,
			"outlook": outlook,
		},
	})
}

func (s *Server) handleProviderAlias(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider      string `json:"provider"`
		BaseEmail     string `json:"baseEmail"`
		CustomSuffix  string `json:"customSuffix"`
		UseDotMethod  bool   `json:"useDotMethod"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	generated, err := s.svc.GenerateAlias(config.Provider(body.Provider), body.BaseEmail, body.CustomSuffix, body.UseDotMethod)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"alias": generated.AliasAddress})
}

func (s *Server) handleListProvider(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	msgs := s.svc.FetchForAddress(r.Context(), address, s.viewerOf(r))
	s.respondJSON(w, http.StatusOK, toWireMessages(msgs))
}

func (s *Server) handleRefreshProvider(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	msgs := s.svc.RefreshAddress(r.Context(), address, s.viewerOf(r))
	s.respondJSON(w, http.StatusOK, toWireMessages(msgs))
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	backend := strings.TrimSpace(r.URL.Query().Get("accountEmail"))
	s.respondDelete(w, r, id, backend)
}

func (s *Server) handleAttachmentProvider(w http.ResponseWriter, r *http.Request) {
	backend := strings.TrimSpace(r.URL.Query().Get("accountEmail"))
	s.respondAttachment(w, r, backend)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.Stats()

	backends := make(map[string]any, len(stats.Backends))
	for addr, qs := range stats.Backends {
		backends[addr] = map[string]any{
			"queueLength":         qs.QueueLength,
			"activeConnections":   qs.ActiveCount,
			"maxConnections":      qs.MaxConcurrent,
			"consecutiveFailures": qs.ConsecutiveFailures,
			"rateLimitedUntil":    qs.CooldownUntil.UTC().Format(time.RFC3339),
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"queue":     backends,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) respondDelete(w http.ResponseWriter, r *http.Request, id, backend string) {
	if id == "" || backend == "" {
		http.Error(w, "id and backend are required", http.StatusBadRequest)
		return
	}
	ok := s.svc.DeleteMessage(r.Context(), id, backend)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) respondAttachment(w http.ResponseWriter, r *http.Request, backend string) {
	id := r.PathValue("id")
	name := r.PathValue("name")
	if backend == "" {
		http.Error(w, "backend is required", http.StatusBadRequest)
		return
	}

	att, ok := s.svc.GetAttachment(r.Context(), id, name, backend)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Content)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type wireMessage struct {
	ID          string           `json:"id"`
	From        string           `json:"from"`
	FromName    string           `json:"fromName"`
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Date        string           `json:"date"`
	TextBody    string           `json:"textBody"`
	HTMLBody    string           `json:"htmlBody"`
	Attachments []wireAttachment `json:"attachments"`
	Backend     string           `json:"backend"`
	Provider    string           `json:"provider"`
	IsAlias     bool             `json:"isAlias"`
}

type wireAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type wireAccount struct {
	Address     string `json:"address"`
	Provider    string `json:"provider"`
	DirectInbox bool   `json:"directInbox"`
}

func toWireMessages(msgs []message.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		attachments := make([]wireAttachment, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			attachments = append(attachments, wireAttachment{Filename: a.Filename, ContentType: a.ContentType, SizeBytes: a.SizeBytes})
		}
		out = append(out, wireMessage{
			ID:          m.ID,
			From:        m.FromDisplay,
			FromName:    m.FromName,
			To:          m.ToDisplay,
			Subject:     m.Subject,
			Date:        m.Date.UTC().Format(time.RFC3339),
			TextBody:    m.TextBody,
			HTMLBody:    m.HTMLBody,
			Attachments: attachments,
			Backend:     m.Backend,
			Provider:    string(m.Provider),
			IsAlias:     m.IsAlias,
		})
	}
	return out
}
