package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tunneld/internal/api"
	"tunneld/internal/config"
	"tunneld/internal/ippool"
	"tunneld/internal/peers"
	"tunneld/internal/wgx"
)

// ProtocolVersion is the admission API revision. Revision 2 introduced the
// dual-scheme route model, which requesters require.
const ProtocolVersion = 2

// Server exposes the admission API: liveness, version, name resolution and
// peer registration.
type Server struct {
	cfg  config.Provider
	mgr  *Manager
	auth *http.Client
}

func NewServer(cfg config.Provider, mgr *Manager) *Server {
	return &Server{
		cfg: cfg,
		mgr: mgr,
		auth: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverInternal)

	r.Get("/api/ping", s.handlePing)
	r.Get("/router/api/version", s.handleVersion)
	r.Get("/api/get_ip/{host}", s.handleGetIP)
	r.Post("/api/register", s.handleRegister)
	return r
}

// ListenAndServe runs the admission API.
func (s *Server) ListenAndServe() error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("admission api listening on %s", s.cfg.Listen)
	return server.ListenAndServe()
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.VersionResponse{Version: ProtocolVersion})
}

// handleGetIP resolves a dash-escaped public host to the private overlay
// URL the edge proxy should forward to.
func (s *Server) handleGetIP(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	name, ok := peerNameFromHost(host, s.cfg.AnnounceDomain)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ip, ok := s.mgr.IPFromName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "http://%s:80", ip)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if !wgx.IsValidKey(req.VPNPublicKey) {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}

	serverDomain, domainName, err := s.authenticate(req.UserID, req.AuthToken)
	if err != nil {
		log.Printf("register %s: %v", req.UserID, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	name := strings.ToLower(domainName)
	wgConfig, err := s.mgr.RegisterPeer(req.VPNPublicKey, name)
	if err != nil {
		log.Printf("register %s: %v", name, err)
		if errors.Is(err, ippool.ErrExhausted) {
			http.Error(w, "address pool exhausted", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	domain := serverDomain
	if name != peers.RootName {
		domain = name + "." + serverDomain
	}

	writeJSON(w, http.StatusOK, api.RegisterResponse{
		WGConfig:     wgConfig,
		ServerIP:     s.mgr.ServerIP().String(),
		ServerDomain: serverDomain,
		DomainName:   name,
		Domain:       domain,
		RouteIP:      s.cfg.RouteIP,
		RoutePort:    s.cfg.RoutePort,
	})
}

// authenticate consults the external auth backend when configured. Without
// one, every request is admitted under the announce domain with the userId
// as subdomain.
func (s *Server) authenticate(userID, authToken string) (serverDomain, domainName string, err error) {
	if s.cfg.AuthAPIURL == "" {
		domainName = userID
		if domainName == "" {
			domainName = peers.RootName
		}
		return s.cfg.AnnounceDomain, domainName, nil
	}

	authURL := fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(s.cfg.AuthAPIURL, "/"),
		url.PathEscape(userID),
		url.PathEscape(authToken))
	res, err := s.auth.Get(authURL)
	if err != nil {
		return "", "", fmt.Errorf("auth backend: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("auth backend rejected: %s", res.Status)
	}

	var auth api.AuthResponse
	if err := json.NewDecoder(res.Body).Decode(&auth); err != nil {
		return "", "", fmt.Errorf("auth backend: %w", err)
	}
	if auth.ServerDomain == "" || auth.DomainName == "" {
		return "", "", fmt.Errorf("auth backend returned incomplete record")
	}
	return auth.ServerDomain, auth.DomainName, nil
}

// peerNameFromHost strips the dash-escaped announce domain suffix and
// returns the remaining left-most label as the peer name. The empty label
// resolves the root peer.
func peerNameFromHost(host, announceDomain string) (string, bool) {
	suffix := strings.ReplaceAll(announceDomain, ".", "-")
	if host == suffix {
		return peers.RootName, true
	}
	if !strings.HasSuffix(host, "-"+suffix) {
		return "", false
	}
	name := strings.TrimSuffix(host, "-"+suffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// recoverInternal converts handler panics into a bare 500. Raw error text
// never reaches the caller.
func recoverInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				http.Error(w, "Internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
