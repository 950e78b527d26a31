// Package deviceflow obtains an initial token pair with the OAuth 2.0
// device authorization grant (RFC 8628).
package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"

	"github.com/go-authgate/api-client/api"
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	maxPollInterval          = 60 * time.Second
)

// Progress receives the user-facing steps of the flow.
type Progress interface {
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
}

// Errors reported by the authorization server while polling.
var (
	ErrExpiredToken = errors.New("device code expired, please restart the flow")
	ErrAccessDenied = errors.New("user denied authorization")
)

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Flow holds the endpoints and client identity for one authorization.
type Flow struct {
	ServerURL string
	ClientID  string
	Scopes    []string

	// Client sends every request; a default retry client is created when nil.
	Client *retry.Client
}

func (f *Flow) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.ClientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: f.ServerURL + "/oauth/device/code",
			TokenURL:      f.ServerURL + "/oauth/token",
		},
		Scopes: f.Scopes,
	}
}

func (f *Flow) client() (*retry.Client, error) {
	if f.Client != nil {
		return f.Client, nil
	}
	c, err := retry.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	f.Client = c
	return c, nil
}

// Run performs the whole flow and returns the issued token.
func (f *Flow) Run(ctx context.Context, p Progress) (*oauth2.Token, error) {
	config := f.config()

	deviceAuth, err := f.RequestDeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	p.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	p.WaitingForAuth()
	token, err := f.PollForToken(ctx, config, deviceAuth, p)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}

	p.AuthSuccess()
	return token, nil
}

// RequestDeviceCode requests a device code from the authorization server.
func (f *Flow) RequestDeviceCode(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	client, err := f.client()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, deviceCodeRequestTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", f.ClientID)
	if len(f.Scopes) > 0 {
		data.Set("scope", strings.Join(f.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		f.config().Endpoint.DeviceAuthURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"device code request failed with status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	var deviceResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}

	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}

	return &oauth2.DeviceAuthResponse{
		DeviceCode:              deviceResp.DeviceCode,
		UserCode:                deviceResp.UserCode,
		VerificationURI:         deviceResp.VerificationURI,
		VerificationURIComplete: deviceResp.VerificationURIComplete,
		Expiry:                  time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
		Interval:                int64(deviceResp.Interval),
	}, nil
}

// PollForToken polls the token endpoint until the user decides.
// slow_down responses stretch the interval by 1.5x, capped at one minute.
func (f *Flow) PollForToken(
	ctx context.Context,
	config *oauth2.Config,
	deviceAuth *oauth2.DeviceAuthResponse,
	p Progress,
) (*oauth2.Token, error) {
	interval := deviceAuth.Interval
	if interval == 0 {
		interval = 5 // Default to 5 seconds per RFC 8628
	}

	pollInterval := time.Duration(interval) * time.Second
	backoffMultiplier := 1.0

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-pollTicker.C:
			token, err := f.ExchangeDeviceCode(
				ctx,
				config.Endpoint.TokenURL,
				config.ClientID,
				deviceAuth.DeviceCode,
			)
			if err == nil {
				return token, nil
			}

			var oauthErr *oauth2.RetrieveError
			if !errors.As(err, &oauthErr) {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}
			var errResp ErrorResponse
			if jsonErr := json.Unmarshal(oauthErr.Body, &errResp); jsonErr != nil {
				return nil, fmt.Errorf("token exchange failed: %w", err)
			}

			switch errResp.Error {
			case "authorization_pending":
				continue

			case "slow_down":
				backoffMultiplier *= 1.5
				pollInterval = min(
					time.Duration(float64(pollInterval)*backoffMultiplier),
					maxPollInterval,
				)
				pollTicker.Reset(pollInterval)
				p.PollSlowDown(pollInterval)
				continue

			case "expired_token":
				return nil, ErrExpiredToken

			case "access_denied":
				return nil, ErrAccessDenied

			default:
				return nil, fmt.Errorf(
					"authorization failed: %s - %s",
					errResp.Error,
					errResp.ErrorDescription,
				)
			}
		}
	}
}

// ExchangeDeviceCode exchanges a device code for a token. Non-200 answers
// come back as *oauth2.RetrieveError carrying the raw body.
func (f *Flow) ExchangeDeviceCode(
	ctx context.Context,
	tokenURL, clientID, deviceCode string,
) (*oauth2.Token, error) {
	client, err := f.client()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("device_code", deviceCode)
	data.Set("client_id", clientID)

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		tokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
	}

	return api.ParseOAuth2Token(body)
}
