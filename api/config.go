package api

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
)

// Config is the process-wide client configuration. It is copied by
// Service.Configure and never mutated afterwards.
type Config struct {
	// BaseURL is prepended verbatim to every endpoint path.
	BaseURL string

	// DefaultHeaders are sent with every request; endpoint headers and the
	// bearer token override them.
	DefaultHeaders map[string]string

	// Logging records method, URL and status of each attempt.
	Logging bool

	// AutoLogoutOn401 emits the session-expired signal on a terminal 401.
	AutoLogoutOn401 bool

	// RefreshHandler enables the refresh-and-retry cycle when set.
	RefreshHandler *RefreshHandler
}

// Validate checks that BaseURL is an absolute http(s) URL.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return newError(KindInvalidURL, 0, errors.New("base URL cannot be empty"))
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return newError(KindInvalidURL, 0, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return newError(
			KindInvalidURL,
			0,
			fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme),
		)
	}

	if u.Host == "" {
		return newError(KindInvalidURL, 0, errors.New("URL must include a host"))
	}

	return nil
}

func (c Config) clone() *Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.DefaultHeaders = maps.Clone(c.DefaultHeaders)
	if c.RefreshHandler != nil {
		h := *c.RefreshHandler
		c.RefreshHandler = &h
	}
	return &c
}
