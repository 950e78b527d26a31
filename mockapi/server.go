// Package mockapi is a small OAuth-protected backend for exercising the api
// client end to end: device authorization, rotating refresh tokens and a
// couple of protected resources.
package mockapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

// Server holds the mock's token state. The zero value is not usable; call New.
type Server struct {
	mu            sync.Mutex
	refreshTokens map[string]string // refresh token -> subject
	deviceCodes   map[string]*pendingDevice

	signingKey     []byte
	accessTTL      time.Duration
	approvalPolls  int
	generation     atomic.Int64
	failRefresh    atomic.Bool
	refreshCalls   atomic.Int32
	resourceCalls  atomic.Int32
	lastAuthHeader atomic.Value
}

type pendingDevice struct {
	clientID  string
	userCode  string
	remaining int
}

type accessClaims struct {
	Generation int64 `json:"gen"`
	jwt.RegisteredClaims
}

// Option customizes a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option { return func(s *Server) { s.accessTTL = d } }

// WithSigningKey sets the HS256 key for access tokens.
func WithSigningKey(k []byte) Option { return func(s *Server) { s.signingKey = k } }

// WithApprovalAfter makes device codes report authorization_pending for n
// polls before issuing tokens.
func WithApprovalAfter(n int) Option { return func(s *Server) { s.approvalPolls = n } }

// New returns a Server with a random signing key and 15 minute tokens.
func New(opts ...Option) *Server {
	s := &Server{
		refreshTokens: make(map[string]string),
		deviceCodes:   make(map[string]*pendingDevice),
		accessTTL:     15 * time.Minute,
		approvalPolls: 1,
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.signingKey) == 0 {
		s.signingKey = make([]byte, 32)
		_, _ = rand.Read(s.signingKey)
	}
	return s
}

// Handler returns the router serving every mock endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc("/oauth/device/code", s.handleDeviceCode).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token", s.handleToken).Methods(http.MethodPost)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(s.requireBearer)
	protected.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	protected.HandleFunc("/echo", s.handleEcho).Methods(http.MethodPost, http.MethodPut)
	protected.HandleFunc("/admin", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	})
	return r
}

// IssuePair mints a valid pair for subject without going through a grant.
func (s *Server) IssuePair(subject string) (accessToken, refreshToken string, err error) {
	return s.issue(subject)
}

// RevokeAccessTokens invalidates every access token issued so far.
// Refresh tokens stay valid.
func (s *Server) RevokeAccessTokens() { s.generation.Add(1) }

// FailRefresh makes the refresh_token grant answer invalid_grant.
func (s *Server) FailRefresh(fail bool) { s.failRefresh.Store(fail) }

// RefreshCalls counts refresh_token grant requests.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// ResourceCalls counts requests that reached a protected handler.
func (s *Server) ResourceCalls() int { return int(s.resourceCalls.Load()) }

// LastAuthorization returns the Authorization header of the most recent
// protected request.
func (s *Server) LastAuthorization() string {
	v, _ := s.lastAuthHeader.Load().(string)
	return v
}

func (s *Server) issue(subject string) (string, string, error) {
	now := time.Now()
	claims := accessClaims{
		Generation: s.generation.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh := "rt-" + uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[refresh] = subject
	s.mu.Unlock()
	return access, refresh, nil
}

func (s *Server) verify(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.Generation != s.generation.Load() {
		return nil, errors.New("token revoked")
	}
	return claims, nil
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		s.lastAuthHeader.Store(header)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		if _, err := s.verify(token); err != nil {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		s.resourceCalls.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := s.verify(token)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    claims.Subject,
		"expires_at": claims.ExpiresAt.Unix(),
		"query":      r.URL.RawQuery,
	})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"method": r.Method, "body": payload})
}

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clientID := r.FormValue("client_id")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "client_id is required")
		return
	}

	deviceCode := uuid.NewString()
	userCode := strings.ToUpper(uuid.NewString()[:4] + "-" + uuid.NewString()[:4])
	s.mu.Lock()
	s.deviceCodes[deviceCode] = &pendingDevice{
		clientID:  clientID,
		userCode:  userCode,
		remaining: s.approvalPolls,
	}
	s.mu.Unlock()

	verifyURI := "http://" + r.Host + "/device"
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               deviceCode,
		"user_code":                 userCode,
		"verification_uri":          verifyURI,
		"verification_uri_complete": verifyURI + "?user_code=" + userCode,
		"expires_in":                600,
		"interval":                  1,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch r.FormValue("grant_type") {
	case deviceCodeGrant:
		s.grantDeviceCode(w, r.FormValue("device_code"))
	case "refresh_token":
		s.grantRefresh(w, r.FormValue("refresh_token"))
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", r.FormValue("grant_type"))
	}
}

func (s *Server) grantDeviceCode(w http.ResponseWriter, deviceCode string) {
	s.mu.Lock()
	pending, ok := s.deviceCodes[deviceCode]
	if ok && pending.remaining > 0 {
		pending.remaining--
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "authorization_pending", "user has not yet authorized")
		return
	}
	delete(s.deviceCodes, deviceCode)
	s.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "expired_token", "unknown or expired device code")
		return
	}
	s.writeTokens(w, pending.clientID)
}

func (s *Server) grantRefresh(w http.ResponseWriter, refreshToken string) {
	s.refreshCalls.Add(1)
	if s.failRefresh.Load() {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token rejected")
		return
	}

	s.mu.Lock()
	subject, ok := s.refreshTokens[refreshToken]
	delete(s.refreshTokens, refreshToken)
	s.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	s.writeTokens(w, subject)
}

func (s *Server) writeTokens(w http.ResponseWriter, subject string) {
	access, refresh, err := s.issue(subject)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    int(s.accessTTL.Seconds()),
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
