// Package api is an HTTP client layer for token-authenticated JSON APIs.
//
// A Service builds requests from an Endpoint and the configured defaults,
// attaches the stored bearer token, and on a first 401 refreshes the token
// pair through the configured RefreshHandler and retries the call once.
// Failures are reported as *Error values whose Kind is one of a closed set.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/api-client/tokenstore"
)

// Doer executes an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service is the request engine. Construct one with NewService, call
// Configure once, then share it between goroutines.
type Service struct {
	cfg    atomic.Pointer[Config]
	tokens tokenstore.Store
	doer   Doer
	logger *slog.Logger

	session   listeners[struct{}]
	refreshes listeners[RefreshStage]
	refresh   singleflight.Group
}

// Option customizes a Service at construction time.
type Option func(*Service)

// WithHTTPClient replaces the transport used for every request.
func WithHTTPClient(d Doer) Option {
	return func(s *Service) { s.doer = d }
}

// WithRetryTransport sends requests through a go-httpretry client, which
// retries network errors, 429 and 5xx below the engine. The engine's own
// 401 handling is unaffected.
func WithRetryTransport(c *retry.Client) Option {
	return func(s *Service) { s.doer = retryDoer{c} }
}

// WithLogger sets the logger used when Config.Logging is enabled.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService returns an unconfigured Service reading and writing tokens in
// store.
func NewService(store tokenstore.Store, opts ...Option) *Service {
	s := &Service{
		tokens: store,
		doer:   NewHTTPClient(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewHTTPClient returns the default transport: TLS 1.2+, pooled
// connections, no overall timeout (callers bound requests with contexts).
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

type retryDoer struct{ c *retry.Client }

func (r retryDoer) Do(req *http.Request) (*http.Response, error) {
	return r.c.DoWithContext(req.Context(), req)
}

// Configure installs cfg. It may be called only once; later calls fail
// without changing the active configuration.
func (s *Service) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !s.cfg.CompareAndSwap(nil, cfg.clone()) {
		return Custom("API client is already configured")
	}
	return nil
}

// Configured reports whether Configure has succeeded.
func (s *Service) Configured() bool {
	return s.cfg.Load() != nil
}

// OnSessionExpired registers fn to run whenever the session is deemed
// over: a refresh failure, or a terminal 401 with AutoLogoutOn401 set.
// Listeners run synchronously on the goroutine that hit the condition.
// The returned function unregisters fn.
func (s *Service) OnSessionExpired(fn func()) (cancel func()) {
	return s.session.subscribe(func(struct{}) { fn() })
}

// OnRefresh registers fn to observe the refresh-and-retry cycle. Listeners
// run synchronously. RefreshStarted is reported once per refresh request,
// from the goroutine sending it; the other stages come from each call.
func (s *Service) OnRefresh(fn func(RefreshStage)) (cancel func()) {
	return s.refreshes.subscribe(fn)
}

// Login stores a freshly obtained token pair.
func (s *Service) Login(ctx context.Context, pair TokenPair) error {
	return tokenstore.SavePair(ctx, s.tokens, pair.AccessToken, pair.RefreshToken)
}

// Logout clears both token slots.
func (s *Service) Logout(ctx context.Context) error {
	return tokenstore.ClearPair(ctx, s.tokens)
}

// Tokens returns the stored pair. Missing slots are empty strings.
func (s *Service) Tokens(ctx context.Context) (TokenPair, error) {
	access, refresh, err := tokenstore.LoadPair(ctx, s.tokens)
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{AccessToken: access, RefreshToken: refresh}
	if exp, ok := AccessTokenExpiry(access); ok {
		pair.Expiry = exp
	}
	return pair, nil
}

// Response is a successful (2xx) HTTP response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// maxResponseBody caps how much of a response body is read into memory.
var maxResponseBody int64 = 32 << 20

// readBody drains and closes the response body.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxResponseBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBody)
	}
	return body, nil
}
