package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshguard/certagent/internal/config"
	httpmiddleware "github.com/meshguard/certagent/internal/http"
)

const challengePathPrefix = "/.well-known/acme-challenge/"

// AdminPath is the registration endpoint on the admin listener.
const AdminPath = "/admin/challenges"

// RegisterRequest is the admin registration body. TTLSecs falls back to the
// responder's configured default when omitted.
type RegisterRequest struct {
	Token            string `json:"token"`
	KeyAuthorization string `json:"key_authorization"`
	Host             string `json:"host"`
	TTLSecs          int64  `json:"ttl_secs,omitempty"`
}

// RemoveRequest is the admin removal body, used for best-effort cleanup of
// abandoned tokens.
type RemoveRequest struct {
	Token string `json:"token"`
	Host  string `json:"host"`
}

// Server serves the public challenge endpoint and the HMAC-authenticated
// admin endpoint on separate listeners.
type Server struct {
	settings *config.ResponderSettings
	store    *TokenStore
	logger   zerolog.Logger

	now func() time.Time
}

func NewServer(settings *config.ResponderSettings, store *TokenStore, logger zerolog.Logger) *Server {
	return &Server{
		settings: settings,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// PublicHandler serves key authorizations for registered, unexpired tokens.
// The protocol requires this endpoint to be unauthenticated.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+challengePathPrefix+"{token}", s.handleChallenge)
	return httpmiddleware.RequestLogger(s.logger.With().Str("listener", "public").Logger())(mux)
}

// AdminHandler registers and removes challenge tokens.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+AdminPath, s.handleRegister)
	mux.HandleFunc("DELETE "+AdminPath, s.handleRemove)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return httpmiddleware.RequestLogger(s.logger.With().Str("listener", "admin").Logger())(mux)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	host := stripPort(r.Host)

	keyAuthorization, ok := s.store.Get(host, token)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(keyAuthorization))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	timestamp, ok := s.authenticatedTimestamp(w, r)
	if !ok {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.KeyAuthorization == "" || req.Host == "" {
		http.Error(w, "token, key_authorization and host are required", http.StatusBadRequest)
		return
	}

	ttlSecs := req.TTLSecs
	if ttlSecs <= 0 {
		ttlSecs = int64(s.settings.TokenTTL.Duration / time.Second)
	}

	payload := registrationPayload(timestamp, req.Host, req.Token, req.KeyAuthorization, ttlSecs)
	if !verifySignature(s.settings.HMACSecret, r.Header.Get(HeaderSignature), payload) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	s.store.Put(req.Host, req.Token, req.KeyAuthorization, time.Duration(ttlSecs)*time.Second)
	s.logger.Debug().Str("host", req.Host).Int64("ttl_secs", ttlSecs).Msg("challenge token registered")

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	timestamp, ok := s.authenticatedTimestamp(w, r)
	if !ok {
		return
	}

	var req RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	payload := removalPayload(timestamp, req.Host, req.Token)
	if !verifySignature(s.settings.HMACSecret, r.Header.Get(HeaderSignature), payload) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	s.store.Delete(req.Host, req.Token)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authenticatedTimestamp validates the timestamp header and skew window.
// The signature itself is checked per-endpoint because the payload depends
// on the body.
func (s *Server) authenticatedTimestamp(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(HeaderTimestamp)
	if raw == "" {
		http.Error(w, "missing timestamp header", http.StatusUnauthorized)
		return 0, false
	}
	if r.Header.Get(HeaderSignature) == "" {
		http.Error(w, "missing signature header", http.StatusUnauthorized)
		return 0, false
	}

	timestamp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid timestamp", http.StatusBadRequest)
		return 0, false
	}

	skew := s.now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > s.settings.MaxSkew.Duration {
		http.Error(w, "timestamp out of range", http.StatusUnauthorized)
		return 0, false
	}

	return timestamp, true
}

// Run serves both listeners until ctx is cancelled, sweeping expired tokens
// in the background.
func (s *Server) Run(ctx context.Context) error {
	publicServer := &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              s.settings.AdminAddr,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info().Str("addr", s.settings.ListenAddr).Msg("public challenge listener starting")
		if err := publicServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		s.logger.Info().Str("addr", s.settings.AdminAddr).Msg("admin listener starting")
		if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(s.settings.CleanupInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if removed := s.store.Sweep(); removed > 0 {
					s.logger.Info().Int("removed", removed).Msg("swept expired challenge tokens")
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = publicServer.Shutdown(shutdownCtx)
		_ = adminServer.Shutdown(shutdownCtx)
		return nil
	})

	return group.Wait()
}

func stripPort(host string) string {
	if stripped, _, err := net.SplitHostPort(host); err == nil {
		return stripped
	}
	return host
}
