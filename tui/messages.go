package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Title string }

// MsgTokensFound signals that stored tokens were found.
type MsgTokensFound struct{}

// MsgTokensNotFound signals that no tokens are stored.
type MsgTokensNotFound struct{}

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgAuthSuccess signals that the user authorized successfully.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that tokens were written to the token store.
type MsgTokenSaved struct{ Location string }

// MsgTokenSaveFailed signals that saving tokens failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgRequesting signals that an API request is in flight.
type MsgRequesting struct {
	Method string
	Target string
}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgSessionExpired signals that the client dropped the session.
type MsgSessionExpired struct{}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Status int
	Body   string
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgLoggedOut signals that stored tokens were cleared.
type MsgLoggedOut struct{}

// MsgDone signals the end of a command that reports token state.
type MsgDone struct {
	Preview   string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
