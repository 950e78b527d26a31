package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/api-client/mockapi"
	"github.com/go-authgate/api-client/tokenstore"
)

type meResponse struct {
	Subject   string `json:"subject"`
	ExpiresAt int64  `json:"expires_at"`
	Query     string `json:"query"`
}

// newService returns a configured Service; mutate may adjust the config.
func newService(t *testing.T, baseURL string, store tokenstore.Store, mutate func(*Config), opts ...Option) *Service {
	t.Helper()
	svc := NewService(store, opts...)
	cfg := Config{
		BaseURL:        baseURL,
		RefreshHandler: OAuth2RefreshHandler("/oauth/token", "test-client"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, svc.Configure(cfg))
	return svc
}

// countSignals registers a session-expired listener and returns its counter.
func countSignals(svc *Service) *atomic.Int32 {
	var n atomic.Int32
	svc.OnSessionExpired(func() { n.Add(1) })
	return &n
}

// mockEnv is a mockapi server with a counter for every /api request,
// including the rejected ones.
type mockEnv struct {
	mock     *mockapi.Server
	server   *httptest.Server
	apiCalls atomic.Int32
}

func newMockEnv(t *testing.T) *mockEnv {
	t.Helper()
	env := &mockEnv{mock: mockapi.New()}
	handler := env.mock.Handler()
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			env.apiCalls.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)
	return env
}

// loggedIn returns a store holding a fresh pair for subject.
func (env *mockEnv) loggedIn(t *testing.T, subject string) (*tokenstore.Memory, string, string) {
	t.Helper()
	access, refresh, err := env.mock.IssuePair(subject)
	require.NoError(t, err)
	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, access, refresh))
	return store, access, refresh
}

func TestDo_NotConfigured(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	svc := NewService(tokenstore.NewMemory())
	_, err := svc.Do(context.Background(), NewEndpoint(server.URL+"/x"))

	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, hits.Load(), "no network call before Configure")
	assert.False(t, svc.Configured())
}

func TestConfigure_OnlyOnce(t *testing.T) {
	svc := NewService(tokenstore.NewMemory())

	require.NoError(t, svc.Configure(Config{BaseURL: "https://first.example.com"}))
	err := svc.Configure(Config{BaseURL: "https://second.example.com"})

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindCustom, apiErr.Kind)
	assert.Equal(t, "https://first.example.com", svc.cfg.Load().BaseURL)
}

func TestConfigure_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "http://", "::bad"} {
		t.Run(raw, func(t *testing.T) {
			svc := NewService(tokenstore.NewMemory())
			assert.ErrorIs(t, svc.Configure(Config{BaseURL: raw}), ErrInvalidURL)
			assert.False(t, svc.Configured())
		})
	}
}

func TestConfigure_CopiesConfig(t *testing.T) {
	headers := map[string]string{"X-Tenant": "acme"}
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Tenant"))
	}))
	defer server.Close()

	svc := newService(t, server.URL+"/", tokenstore.NewMemory(), func(c *Config) {
		c.DefaultHeaders = headers
	})
	headers["X-Tenant"] = "mutated"

	_, err := svc.Do(context.Background(), NewEndpoint("/ping").Auth(false))
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Load())
}

func TestDo_AuthorizationHeader(t *testing.T) {
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, store.Set(context.Background(), tokenstore.AccessTokenKey, "T"))
	svc := newService(t, server.URL, store, nil)

	_, err := svc.Do(context.Background(), NewEndpoint("/secure"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer T", got.Load())

	_, err = svc.Do(context.Background(), NewEndpoint("/public").Auth(false))
	require.NoError(t, err)
	assert.Equal(t, "", got.Load(), "no Authorization when auth is not required")
}

func TestDo_HeaderPrecedence(t *testing.T) {
	var got atomic.Pointer[http.Header]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Clone()
		got.Store(&h)
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, store.Set(context.Background(), tokenstore.AccessTokenKey, "T"))
	svc := newService(t, server.URL, store, func(c *Config) {
		c.DefaultHeaders = map[string]string{
			"X-Layer":       "default",
			"X-Default":     "d",
			"authorization": "Basic abc",
		}
	})

	ep := NewEndpoint("/h").Set(map[string]string{"x-layer": "endpoint", "Authorization": "Basic xyz"})
	_, err := svc.Do(context.Background(), ep)
	require.NoError(t, err)

	h := *got.Load()
	assert.Equal(t, "endpoint", h.Get("X-Layer"))
	assert.Equal(t, "d", h.Get("X-Default"))
	assert.Equal(t, "Bearer T", h.Get("Authorization"), "token wins over both layers")
	assert.Len(t, h.Values("X-Layer"), 1)

	_, err = uuid.Parse(h.Get(RequestIDHeader))
	assert.NoError(t, err, "request id is generated")

	ep = NewEndpoint("/h").Set(map[string]string{RequestIDHeader: "fixed"})
	_, err = svc.Do(context.Background(), ep)
	require.NoError(t, err)
	h = *got.Load()
	assert.Equal(t, "fixed", h.Get(RequestIDHeader))
}

func TestDo_QueryOrderAndBody(t *testing.T) {
	var rawQuery, method, body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery.Store(r.URL.RawQuery)
		method.Store(r.Method)
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
	}))
	defer server.Close()

	svc := newService(t, server.URL, tokenstore.NewMemory(), nil)
	ep := NewEndpoint("/search?fixed=0").
		Put(map[string]string{"k": "v"}).
		Query(QueryItem{"z", "1"}, QueryItem{"a", "two words"}, QueryItem{"z", "3"}).
		Auth(false)

	_, err := svc.Do(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, "fixed=0&z=1&a=two+words&z=3", rawQuery.Load())
	assert.Equal(t, http.MethodPut, method.Load())
	assert.JSONEq(t, `{"k":"v"}`, body.Load().(string))
}

func TestDo_EncodeFailureIsRejectedBeforeSending(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	svc := newService(t, server.URL, tokenstore.NewMemory(), nil)
	_, err := svc.Do(context.Background(), NewEndpoint("/x").Post(make(chan int)))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindCustom, apiErr.Kind)
	assert.Zero(t, hits.Load())
}

func TestPerform_RefreshAndRetry(t *testing.T) {
	env := newMockEnv(t)
	store, oldAccess, oldRefresh := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()

	svc := newService(t, env.server.URL, store, nil)
	signals := countSignals(svc)

	me, err := Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me").Query(QueryItem{"page", "2"}))
	require.NoError(t, err)

	assert.Equal(t, "alice", me.Subject)
	assert.Equal(t, "page=2", me.Query, "retry keeps the query")
	assert.Equal(t, 1, env.mock.RefreshCalls())
	assert.EqualValues(t, 2, env.apiCalls.Load(), "one original call and one retry")
	assert.Zero(t, signals.Load())

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.NotEqual(t, oldAccess, access)
	assert.NotEqual(t, oldRefresh, refresh, "rotated refresh token is stored")
	assert.Equal(t, "Bearer "+access, env.mock.LastAuthorization())
}

func TestPerform_SecondUnauthorized(t *testing.T) {
	for _, autoLogout := range []bool{false, true} {
		t.Run(map[bool]string{false: "keep session", true: "auto logout"}[autoLogout], func(t *testing.T) {
			var apiCalls, refreshCalls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/oauth/token" {
					refreshCalls.Add(1)
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(map[string]any{
						"access_token":  "new-access-token",
						"refresh_token": "new-refresh-token",
						"token_type":    "Bearer",
						"expires_in":    3600,
					})
					return
				}
				apiCalls.Add(1)
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer server.Close()

			store := tokenstore.NewMemory()
			require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))
			svc := newService(t, server.URL, store, func(c *Config) { c.AutoLogoutOn401 = autoLogout })
			signals := countSignals(svc)

			_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))

			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.EqualValues(t, 1, refreshCalls.Load())
			assert.EqualValues(t, 2, apiCalls.Load(), "retried exactly once")
			if autoLogout {
				assert.EqualValues(t, 1, signals.Load())
			} else {
				assert.Zero(t, signals.Load())
			}
		})
	}
}

func TestPerform_UnauthorizedWithoutAuthIsNotRetried(t *testing.T) {
	env := newMockEnv(t)
	svc := newService(t, env.server.URL, tokenstore.NewMemory(), nil)
	signals := countSignals(svc)

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me").Auth(false))

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, env.apiCalls.Load())
	assert.Zero(t, env.mock.RefreshCalls())
	assert.Zero(t, signals.Load())
}

func TestPerform_RefreshRejected(t *testing.T) {
	env := newMockEnv(t)
	store, access, refresh := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()
	env.mock.FailRefresh(true)

	svc := newService(t, env.server.URL, store, nil)
	signals := countSignals(svc)

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTokenRefreshFailed, apiErr.Kind)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.EqualValues(t, 1, signals.Load(), "session expired on refresh failure")
	assert.EqualValues(t, 1, env.apiCalls.Load(), "no retry after a failed refresh")

	gotAccess, gotRefresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, access, gotAccess)
	assert.Equal(t, refresh, gotRefresh)
}

func TestPerform_MissingRefreshToken(t *testing.T) {
	for _, autoLogout := range []bool{false, true} {
		t.Run(map[bool]string{false: "keep session", true: "auto logout"}[autoLogout], func(t *testing.T) {
			env := newMockEnv(t)
			store := tokenstore.NewMemory()
			require.NoError(t, store.Set(context.Background(), tokenstore.AccessTokenKey, "stale-access-token"))

			svc := newService(t, env.server.URL, store, func(c *Config) { c.AutoLogoutOn401 = autoLogout })
			signals := countSignals(svc)

			_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))

			assert.ErrorIs(t, err, ErrTokenRefreshFailed)
			assert.Zero(t, env.mock.RefreshCalls())
			assert.EqualValues(t, 1, env.apiCalls.Load())
			if autoLogout {
				assert.EqualValues(t, 1, signals.Load())
			} else {
				assert.Zero(t, signals.Load())
			}
		})
	}
}

func TestPerform_NoRefreshHandler(t *testing.T) {
	env := newMockEnv(t)
	store, _, _ := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()

	svc := newService(t, env.server.URL, store, func(c *Config) { c.RefreshHandler = nil })

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))
	assert.ErrorIs(t, err, ErrTokenRefreshFailed)
	assert.Zero(t, env.mock.RefreshCalls())
}

func TestPerform_FixedRefreshTokenIsKept(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "fresh-access-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "fixed-refresh"))
	svc := newService(t, server.URL, store, nil)

	_, err := Perform[Empty](context.Background(), svc, NewEndpoint("/api/me"))
	require.NoError(t, err)

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access-token", access)
	assert.Equal(t, "fixed-refresh", refresh)
}

func TestPerform_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	env := newMockEnv(t)
	store, _, _ := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()

	svc := newService(t, env.server.URL, store, nil)
	signals := countSignals(svc)

	const goroutines = 10
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
	assert.Equal(t, 1, env.mock.RefreshCalls())
	assert.Zero(t, signals.Load())
}

func TestPerform_CancelDuringRefresh(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		entered <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "never-stored-token",
			"refresh_token": "never-stored-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()
	defer close(release)

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))
	svc := newService(t, server.URL, store, nil)
	signals := countSignals(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Do(ctx, NewEndpoint("/api/me"))
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh request never arrived")
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, signals.Load())

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "old-access", access)
	assert.Equal(t, "old-refresh", refresh)
}

func TestPerform_DecodingFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "access", "refresh"))
	svc := newService(t, server.URL, store, nil)

	_, err := Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
	assert.ErrorIs(t, err, ErrDecodingFailed)

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "access", access)
	assert.Equal(t, "refresh", refresh)
}

func TestPerform_Forbidden(t *testing.T) {
	env := newMockEnv(t)
	store, _, _ := env.loggedIn(t, "alice")
	svc := newService(t, env.server.URL, store, nil)
	signals := countSignals(svc)

	_, err := Perform[Empty](context.Background(), svc, NewEndpoint("/api/admin"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindForbidden, apiErr.Kind)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Zero(t, env.mock.RefreshCalls())
	assert.Zero(t, signals.Load())
}

func TestPerform_InvalidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("database is down"))
	}))
	defer server.Close()

	svc := newService(t, server.URL, tokenstore.NewMemory(), nil)
	_, err := svc.Do(context.Background(), NewEndpoint("/x").Auth(false))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindInvalidResponse, apiErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "database is down")
}

func TestPerform_RequestFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	svc := newService(t, url, tokenstore.NewMemory(), nil)
	_, err := svc.Do(context.Background(), NewEndpoint("/x").Auth(false))

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, ErrNoInternet, "connection refused is a dial failure")
}

func TestPerform_BodyVariants(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(`{"subject":"raw"}`))
	}))
	defer server.Close()

	svc := newService(t, server.URL, tokenstore.NewMemory(), nil)
	ctx := context.Background()

	_, err := Perform[Empty](ctx, svc, NewEndpoint("/empty").Delete().Auth(false))
	assert.NoError(t, err)

	raw, err := Perform[[]byte](ctx, svc, NewEndpoint("/raw").Auth(false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"raw"}`, string(raw))

	m, err := Perform[map[string]string](ctx, svc, NewEndpoint("/raw").Auth(false))
	require.NoError(t, err)
	assert.Equal(t, "raw", m["subject"])
}

func TestService_Logging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	for _, enabled := range []bool{false, true} {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		svc := newService(t, server.URL, tokenstore.NewMemory(), func(c *Config) { c.Logging = enabled }, WithLogger(logger))

		_, err := svc.Do(context.Background(), NewEndpoint("/logged").Auth(false))
		require.NoError(t, err)

		if enabled {
			assert.Contains(t, buf.String(), "api request")
			assert.Contains(t, buf.String(), "api response")
			assert.Contains(t, buf.String(), "status=200")
		} else {
			assert.Empty(t, buf.String())
		}
	}
}

func TestService_RetryTransport(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"subject":"ok"}`))
	}))
	defer server.Close()

	rc, err := retry.NewClient()
	require.NoError(t, err)
	svc := newService(t, server.URL, tokenstore.NewMemory(), nil, WithRetryTransport(rc))

	me, err := Perform[meResponse](context.Background(), svc, NewEndpoint("/x").Auth(false))
	require.NoError(t, err)
	assert.Equal(t, "ok", me.Subject)
	assert.EqualValues(t, 2, calls.Load())
}

func TestService_SessionListeners(t *testing.T) {
	env := newMockEnv(t)
	store, _, _ := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()
	env.mock.FailRefresh(true)

	svc := newService(t, env.server.URL, store, nil)

	var order []string
	svc.OnSessionExpired(func() { order = append(order, "first") })
	cancel := svc.OnSessionExpired(func() { order = append(order, "cancelled") })
	svc.OnSessionExpired(func() { order = append(order, "third") })
	cancel()
	cancel()

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))
	require.Error(t, err)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestService_LoginLogoutTokens(t *testing.T) {
	env := newMockEnv(t)
	access, refresh, err := env.mock.IssuePair("bob")
	require.NoError(t, err)

	ctx := context.Background()
	svc := newService(t, env.server.URL, tokenstore.NewMemory(), nil)

	require.NoError(t, svc.Login(ctx, TokenPair{AccessToken: access, RefreshToken: refresh}))
	pair, err := svc.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, access, pair.AccessToken)
	assert.Equal(t, refresh, pair.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.Expiry, time.Minute)

	me, err := Perform[meResponse](ctx, svc, NewEndpoint("/api/me"))
	require.NoError(t, err)
	assert.Equal(t, "bob", me.Subject)

	require.NoError(t, svc.Logout(ctx))
	pair, err = svc.Tokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, pair.AccessToken)
	assert.Empty(t, pair.RefreshToken)
	assert.True(t, pair.Expiry.IsZero())
}

func TestPerform_WaiterSurvivesCancelledRefreshLeader(t *testing.T) {
	var tokenCalls, apiCalls atomic.Int32
	leaderInRefresh := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			if tokenCalls.Add(1) == 1 {
				leaderInRefresh <- struct{}{}
				select {
				case <-r.Context().Done():
				case <-release:
				}
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "new-access-token",
				"refresh_token": "new-refresh-token",
				"expires_in":    3600,
			})
			return
		}
		apiCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"subject":"bob"}`))
	}))
	defer server.Close()
	defer close(release)

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))
	svc := newService(t, server.URL, store, nil)
	signals := countSignals(svc)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := svc.Do(leaderCtx, NewEndpoint("/api/me"))
		leaderDone <- err
	}()

	select {
	case <-leaderInRefresh:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh request never arrived")
	}

	waiterDone := make(chan error, 1)
	var me meResponse
	go func() {
		var err error
		me, err = Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
		waiterDone <- err
	}()

	// Let the waiter draw its 401 and join the shared refresh.
	require.Eventually(t, func() bool { return apiCalls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	select {
	case err := <-leaderDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("leader did not return after cancellation")
	}

	select {
	case err := <-waiterDone:
		require.NoError(t, err, "a live caller must not inherit another caller's cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not finish")
	}
	assert.Equal(t, "bob", me.Subject)
	assert.EqualValues(t, 2, tokenCalls.Load(), "the waiter restarts the abandoned refresh")
	assert.Zero(t, signals.Load())

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "new-access-token", access)
	assert.Equal(t, "new-refresh-token", refresh)
}

func TestPerform_RefreshResponseUnparsable(t *testing.T) {
	var apiCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Write([]byte(`{"unexpected":true}`))
			return
		}
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))
	svc := newService(t, server.URL, store, nil)
	signals := countSignals(svc)

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTokenRefreshFailed, apiErr.Kind)
	assert.ErrorIs(t, err, ErrInvalidTokenResponse)
	assert.EqualValues(t, 1, signals.Load())
	assert.EqualValues(t, 1, apiCalls.Load(), "no retry after a failed refresh")

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "old-access", access)
	assert.Equal(t, "old-refresh", refresh)
}

// failingRefreshDoer passes requests through except the refresh call,
// which fails at the transport level.
type failingRefreshDoer struct{ next Doer }

func (d failingRefreshDoer) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/oauth/token" {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return d.next.Do(req)
}

func TestPerform_RefreshTransportFailure(t *testing.T) {
	var apiCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))
	svc := newService(t, server.URL, store, func(c *Config) { c.AutoLogoutOn401 = true },
		WithHTTPClient(failingRefreshDoer{next: server.Client()}))
	signals := countSignals(svc)

	_, err := svc.Do(context.Background(), NewEndpoint("/api/me"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTokenRefreshFailed, apiErr.Kind)
	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr, "transport cause is kept")
	assert.Zero(t, signals.Load(), "a transport failure does not end the session")
	assert.EqualValues(t, 1, apiCalls.Load())

	access, refresh, err := tokenstore.LoadPair(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "old-access", access)
	assert.Equal(t, "old-refresh", refresh)
}

func TestPerform_AlreadyRotatedTokenSkipsRefresh(t *testing.T) {
	store := tokenstore.NewMemory()
	require.NoError(t, tokenstore.SavePair(context.Background(), store, "old-access", "old-refresh"))

	var tokenCalls atomic.Int32
	var seen []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			tokenCalls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth == "Bearer old-access" {
			// Another caller finished a refresh while this request was in flight.
			assert.NoError(t, tokenstore.SavePair(r.Context(), store, "rotated-access", "rotated-refresh"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"subject":"carol"}`))
	}))
	defer server.Close()

	svc := newService(t, server.URL, store, nil)
	var stages []RefreshStage
	svc.OnRefresh(func(s RefreshStage) { stages = append(stages, s) })

	me, err := Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
	require.NoError(t, err)

	assert.Equal(t, "carol", me.Subject)
	assert.Zero(t, tokenCalls.Load(), "no refresh request")
	assert.Equal(t, []string{"Bearer old-access", "Bearer rotated-access"}, seen)
	assert.Equal(t, []RefreshStage{RefreshRejected, RefreshRetrying}, stages)
}

func TestService_OnRefreshStages(t *testing.T) {
	env := newMockEnv(t)
	store, _, _ := env.loggedIn(t, "alice")
	env.mock.RevokeAccessTokens()

	svc := newService(t, env.server.URL, store, nil)
	var stages []RefreshStage
	cancel := svc.OnRefresh(func(s RefreshStage) { stages = append(stages, s) })

	_, err := Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
	require.NoError(t, err)
	assert.Equal(t, []RefreshStage{RefreshRejected, RefreshStarted, RefreshRetrying}, stages)

	cancel()
	env.mock.RevokeAccessTokens()
	_, err = Perform[meResponse](context.Background(), svc, NewEndpoint("/api/me"))
	require.NoError(t, err)
	assert.Len(t, stages, 3, "cancelled observer is not called")
	assert.Equal(t, "retrying", RefreshRetrying.String())
}

func TestPerform_ResponseBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer server.Close()

	old := maxResponseBody
	maxResponseBody = 32
	t.Cleanup(func() { maxResponseBody = old })

	svc := newService(t, server.URL, tokenstore.NewMemory(), nil)
	_, err := svc.Do(context.Background(), NewEndpoint("/big").Auth(false))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorContains(t, err, "exceeds 32 bytes")

	maxResponseBody = 64
	resp, err := svc.Do(context.Background(), NewEndpoint("/big").Auth(false))
	require.NoError(t, err)
	assert.Len(t, resp.Body, 64, "a body exactly at the limit is accepted")
}
