package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-authgate/api-client/tokenstore"
)

// RequestIDHeader carries a per-attempt UUID unless a header layer sets it.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds the body excerpt attached to invalidResponse errors.
const maxErrorBody = 512

var (
	errNoRefreshToken   = errors.New("no refresh token stored")
	errNoRefreshHandler = errors.New("no refresh handler configured")
)

// Empty can be used as the Perform type parameter when the response body
// is irrelevant; any 2xx body, including none, decodes into it.
type Empty struct{}

// Perform executes ep and decodes the JSON body into T. T may be []byte to
// receive the raw body.
func Perform[T any](ctx context.Context, s *Service, ep Endpoint) (T, error) {
	var out T
	resp, err := s.Do(ctx, ep)
	if err != nil {
		return out, err
	}

	switch p := any(&out).(type) {
	case *Empty:
		return out, nil
	case *[]byte:
		*p = resp.Body
		return out, nil
	}

	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, newError(KindDecodingFailed, resp.StatusCode, err)
	}
	return out, nil
}

// Do executes ep and returns the response when the final status is 2xx.
// A 401 on an authenticated endpoint triggers at most one refresh and one
// retry.
func (s *Service) Do(ctx context.Context, ep Endpoint) (*Response, error) {
	cfg := s.cfg.Load()
	if cfg == nil {
		return nil, newError(KindNotConfigured, 0, nil)
	}
	if err := ep.Err(); err != nil {
		return nil, &Error{Kind: KindCustom, Message: "invalid request body", Err: err}
	}
	return s.perform(ctx, cfg, ep, true)
}

func (s *Service) perform(ctx context.Context, cfg *Config, ep Endpoint, first bool) (*Response, error) {
	var token string
	if ep.requiresAuth {
		t, _, err := s.tokens.Get(ctx, tokenstore.AccessTokenKey)
		if err != nil {
			return nil, &Error{Kind: KindCustom, Message: "cannot read access token", Err: err}
		}
		token = t
	}

	resp, err := s.send(ctx, cfg, ep, token)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil

	case resp.StatusCode == http.StatusUnauthorized:
		if ep.requiresAuth && first {
			s.refreshes.emit(RefreshRejected)
			if err := s.refreshAfter401(ctx, cfg, token); err != nil {
				return nil, err
			}
			s.refreshes.emit(RefreshRetrying)
			return s.perform(ctx, cfg, ep, false)
		}
		if cfg.AutoLogoutOn401 {
			s.session.emit(struct{}{})
		}
		return nil, newError(KindUnauthorized, resp.StatusCode, nil)

	case resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindForbidden, resp.StatusCode, nil)

	default:
		return nil, newError(KindInvalidResponse, resp.StatusCode, bodyExcerpt(resp.Body))
	}
}

// refreshAfter401 gets a usable token pair in place for the single retry.
// used is the access token the rejected request carried.
func (s *Service) refreshAfter401(ctx context.Context, cfg *Config, used string) error {
	access, refresh, err := tokenstore.LoadPair(ctx, s.tokens)
	if err != nil {
		return newError(KindTokenRefreshFailed, 0, err)
	}

	// Another call already rotated the pair while this one was in flight.
	if access != "" && access != used {
		return nil
	}

	if refresh == "" || cfg.RefreshHandler == nil {
		if cfg.AutoLogoutOn401 {
			s.session.emit(struct{}{})
		}
		cause := errNoRefreshToken
		if cfg.RefreshHandler == nil {
			cause = errNoRefreshHandler
		}
		return newError(KindTokenRefreshFailed, http.StatusUnauthorized, cause)
	}

	// Calls that hit 401 with the same refresh token share one refresh. A
	// call arriving just after that refresh finished finds the slot rotated
	// and goes straight to its retry. A shared refresh abandoned because
	// its leader was cancelled is started again by a caller still waiting.
	for {
		ch := s.refresh.DoChan(refresh, func() (any, error) {
			current, _, err := s.tokens.Get(ctx, tokenstore.RefreshTokenKey)
			if err == nil && current != refresh {
				return nil, nil
			}
			return nil, s.refreshTokens(ctx, cfg, refresh)
		})
		select {
		case <-ctx.Done():
			return newError(KindRequestFailed, 0, ctx.Err())
		case res := <-ch:
			if res.Err != nil && ctx.Err() == nil && isContextError(res.Err) {
				continue
			}
			return res.Err
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// refreshTokens performs the refresh call and stores the new pair.
func (s *Service) refreshTokens(ctx context.Context, cfg *Config, refreshToken string) error {
	ep := cfg.RefreshHandler.BuildRequest(refreshToken).Auth(false)
	if err := ep.Err(); err != nil {
		return newError(KindTokenRefreshFailed, 0, err)
	}

	s.refreshes.emit(RefreshStarted)
	resp, err := s.send(ctx, cfg, ep, "")
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return newError(KindTokenRefreshFailed, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		s.session.emit(struct{}{})
		return newError(KindTokenRefreshFailed, resp.StatusCode, bodyExcerpt(resp.Body))
	}

	pair, err := cfg.RefreshHandler.ParseResponse(resp.Body)
	if err == nil && pair.AccessToken == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		s.session.emit(struct{}{})
		return newError(KindTokenRefreshFailed, resp.StatusCode, err)
	}

	// Servers without rotation omit the refresh token; keep the old one.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	if err := ctx.Err(); err != nil {
		return newError(KindRequestFailed, 0, err)
	}
	if err := tokenstore.SavePair(ctx, s.tokens, pair.AccessToken, pair.RefreshToken); err != nil {
		return newError(KindTokenRefreshFailed, 0, fmt.Errorf("store refreshed tokens: %w", err))
	}

	if cfg.Logging {
		s.logger.InfoContext(ctx, "api token refreshed")
	}
	return nil
}

// send builds and executes one attempt. Any received status is returned as
// a Response; only build and transport failures are errors.
func (s *Service) send(ctx context.Context, cfg *Config, ep Endpoint, token string) (*Response, error) {
	req, err := buildRequest(ctx, cfg, ep, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if cfg.Logging {
		s.logger.InfoContext(ctx, "api request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"request_id", req.Header.Get(RequestIDHeader),
		)
	}

	httpResp, err := s.doer.Do(req)
	if err != nil {
		if cfg.Logging {
			s.logger.WarnContext(ctx, "api request failed",
				"method", req.Method,
				"url", req.URL.Redacted(),
				"error", err,
			)
		}
		return nil, newError(KindRequestFailed, 0, err)
	}

	body, err := readBody(httpResp)
	if err != nil {
		return nil, newError(KindRequestFailed, httpResp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if cfg.Logging {
		s.logger.InfoContext(ctx, "api response",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"status", httpResp.StatusCode,
			"duration", time.Since(start),
		)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// buildRequest merges configuration, endpoint and token into a request.
// Header layers apply in order default, endpoint, bearer; later wins.
func buildRequest(ctx context.Context, cfg *Config, ep Endpoint, token string) (*http.Request, error) {
	raw := cfg.BaseURL + ep.path
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newError(KindInvalidURL, 0, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, newError(KindInvalidURL, 0, fmt.Errorf("%q is not an absolute URL", raw))
	}
	if len(ep.query) > 0 {
		u.RawQuery = appendQuery(u.RawQuery, ep.query)
	}

	var body io.Reader
	if ep.body != nil {
		body = bytes.NewReader(ep.body)
	}

	req, err := http.NewRequestWithContext(ctx, ep.method, u.String(), body)
	if err != nil {
		return nil, newError(KindInvalidURL, 0, err)
	}

	for k, v := range cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range ep.headers {
		req.Header.Set(k, v)
	}
	if ep.requiresAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}

	return req, nil
}

// appendQuery adds items to an encoded query string keeping their order.
func appendQuery(rawQuery string, items []QueryItem) string {
	var b strings.Builder
	b.WriteString(rawQuery)
	for _, item := range items {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(item.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(item.Value))
	}
	return b.String()
}

func bodyExcerpt(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return errors.New(strings.TrimSpace(string(body)))
}
