package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenPair is the result of a successful authentication or refresh.
// Expiry is informational and may be zero.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RefreshHandler is supplied by the embedding application. BuildRequest
// describes the refresh call for a stored refresh token and ParseResponse
// turns a 200 response body into a new pair. Neither function should touch
// the token store; the Service does that.
type RefreshHandler struct {
	BuildRequest  func(refreshToken string) Endpoint
	ParseResponse func(body []byte) (TokenPair, error)
}

// ErrInvalidTokenResponse wraps every validation failure of ParseOAuth2Token.
var ErrInvalidTokenResponse = errors.New("invalid token response")

// OAuth2RefreshHandler returns a handler speaking the standard
// refresh_token grant against tokenPath (relative to Config.BaseURL).
func OAuth2RefreshHandler(tokenPath, clientID string) *RefreshHandler {
	return &RefreshHandler{
		BuildRequest: func(refreshToken string) Endpoint {
			data := url.Values{}
			data.Set("grant_type", "refresh_token")
			data.Set("refresh_token", refreshToken)
			if clientID != "" {
				data.Set("client_id", clientID)
			}
			return NewEndpoint(tokenPath).Form(data).Auth(false)
		},
		ParseResponse: func(body []byte) (TokenPair, error) {
			token, err := ParseOAuth2Token(body)
			if err != nil {
				return TokenPair{}, err
			}
			return PairFromOAuth2(token), nil
		},
	}
}

// ParseOAuth2Token decodes and validates a token endpoint response.
func ParseOAuth2Token(body []byte) (*oauth2.Token, error) {
	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}

	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}

	return &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Expiry:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// validateTokenResponse validates the OAuth token response
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// PairFromOAuth2 converts an oauth2 token into a TokenPair.
func PairFromOAuth2(t *oauth2.Token) TokenPair {
	if t == nil {
		return TokenPair{}
	}
	return TokenPair{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

// AccessTokenExpiry reads the exp claim of a JWT access token. The
// signature is not verified; use it for display and scheduling only.
func AccessTokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
