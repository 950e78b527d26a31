package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner(title string)
	TokensFound()
	TokensNotFound()
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
	TokenSaved(location string)
	TokenSaveFailed(err error)
	Requesting(method, target string)
	AccessTokenRejected()
	Refreshing()
	TokenRefreshedRetrying()
	SessionExpired()
	APICallOK(status int, body string)
	APICallFailed(err error)
	LoggedOut()
	Done(preview string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(title string) {
	fmt.Fprintf(p.w, "=== %s ===\n", title)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound() {
	fmt.Fprintln(p.w, "Found stored tokens.")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No stored tokens found.")
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", verifyURIComplete)
	fmt.Fprintf(p.w, "\nOr manually visit: %s\n", verifyURI)
	fmt.Fprintf(p.w, "And enter code: %s\n", userCode)
	fmt.Fprintf(p.w, "Code expires in %s\n", time.Until(expiry).Round(time.Second))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForAuth() {
	fmt.Fprintln(p.w, "Waiting for authorization...")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	fmt.Fprintf(p.w, "Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "\nAuthorization successful!")
}

func (p *PlainDisplayer) TokenSaved(location string) {
	fmt.Fprintf(p.w, "Tokens saved to %s\n", location)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) Requesting(method, target string) {
	fmt.Fprintf(p.w, "%s %s\n", method, target)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying API call...")
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Session expired, run `api-client login` to sign in again.")
}

func (p *PlainDisplayer) APICallOK(status int, _ string) {
	fmt.Fprintf(p.w, "API call successful (status %d)\n", status)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Stored tokens cleared.")
}

func (p *PlainDisplayer) Done(preview string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	if expiresIn != 0 {
		fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                             {}
func (NoopDisplayer) TokensFound()                                {}
func (NoopDisplayer) TokensNotFound()                             {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) AuthSuccess()                                {}
func (NoopDisplayer) TokenSaved(_ string)                         {}
func (NoopDisplayer) TokenSaveFailed(_ error)                     {}
func (NoopDisplayer) Requesting(_, _ string)                      {}
func (NoopDisplayer) AccessTokenRejected()                        {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) TokenRefreshedRetrying()                     {}
func (NoopDisplayer) SessionExpired()                             {}
func (NoopDisplayer) APICallOK(_ int, _ string)                   {}
func (NoopDisplayer) APICallFailed(_ error)                       {}
func (NoopDisplayer) LoggedOut()                                  {}
func (NoopDisplayer) Done(_ string, _ time.Duration)              {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(title string) {
	t.p.Send(MsgBanner{Title: title})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(location string) {
	t.p.Send(MsgTokenSaved{Location: location})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Requesting(method, target string) {
	t.p.Send(MsgRequesting{Method: method, Target: target})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) APICallOK(status int, body string) {
	t.p.Send(MsgAPICallOK{Status: status, Body: body})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(preview string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
