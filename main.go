package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/spf13/cobra"

	"github.com/go-authgate/api-client/api"
	"github.com/go-authgate/api-client/tui"
)

// tokenPath is the OAuth token endpoint, relative to SERVER_URL.
const tokenPath = "/oauth/token"

// reportedError marks an error already shown through a Displayer.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by every command of one invocation.
type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer

	cfg   *cliConfig
	store *openedStore
	retry *retry.Client
	svc   *api.Service
}

// setup resolves configuration and builds the configured api.Service.
func (a *app) setup(ctx context.Context) error {
	cfg, err := loadConfig(a.flags, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg

	store, err := openTokenStore(ctx, cfg, a.stderr)
	if err != nil {
		return err
	}
	a.store = store

	// Wrap with retry logic using go-httpretry
	a.retry, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(api.NewHTTPClient()),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry client: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	a.svc = api.NewService(
		store.Store,
		api.WithRetryTransport(a.retry),
		api.WithLogger(logger),
	)

	return a.svc.Configure(api.Config{
		BaseURL:         cfg.ServerURL,
		DefaultHeaders:  cfg.Headers,
		Logging:         cfg.LogRequests,
		AutoLogoutOn401: cfg.AutoLogout,
		RefreshHandler:  api.OAuth2RefreshHandler(tokenPath, cfg.ClientID),
	})
}

// close releases the token store connection, if any.
func (a *app) close() {
	if a.store != nil {
		_ = a.store.release()
	}
}

// watchSession reports the refresh cycle to d, and clears stored tokens
// when the service gives up on the session.
func (a *app) watchSession(d tui.Displayer) (cancel func()) {
	stopRefresh := a.svc.OnRefresh(func(stage api.RefreshStage) {
		switch stage {
		case api.RefreshRejected:
			d.AccessTokenRejected()
		case api.RefreshStarted:
			d.Refreshing()
		case api.RefreshRetrying:
			d.TokenRefreshedRetrying()
		}
	})
	stopSession := a.svc.OnSessionExpired(func() {
		if err := a.svc.Logout(context.Background()); err != nil {
			d.TokenSaveFailed(err)
		}
		d.SessionExpired()
	})
	return func() {
		stopRefresh()
		stopSession()
	}
}

// isTerminal reports whether w is a character device (interactive terminal).
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// withDisplay runs fn with a Displayer. The TUI renders to stderr when it
// is a terminal, so stdout can still be piped.
func (a *app) withDisplay(title string, fn func(d tui.Displayer) error) error {
	if !isTerminal(a.stderr) {
		d := tui.NewPlainDisplayer(a.stderr)
		d.Banner(title)
		return report(d, fn(d))
	}

	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(a.stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(a.stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner(title)
	err := report(d, fn(d))
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

func report(d tui.Displayer, err error) error {
	if err == nil {
		return nil
	}
	d.Fatal(err)
	return reportedError{err}
}

// tokenPreview shortens a token for display.
func tokenPreview(token string) string {
	if len(token) > 50 {
		return token[:50]
	}
	return token
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "api-client",
		Short:         "Call token-protected APIs with automatic refresh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&a.flags.configPath, "config", "", "YAML profile (or API_CLIENT_CONFIG env)")
	f.StringVar(&a.flags.serverURL, "server-url", "", "API server URL (default: http://localhost:8080 or SERVER_URL env)")
	f.StringVar(&a.flags.clientID, "client-id", "", "OAuth client ID (or CLIENT_ID env)")
	f.StringVar(&a.flags.tokenStore, "token-store", "", "Token store: keyring, file, redis or memory (or TOKEN_STORE env)")
	f.StringVar(&a.flags.tokenFile, "token-file", "", "Token file for the file store (default: .api-client-tokens.json or TOKEN_FILE env)")
	f.StringVar(&a.flags.redisAddr, "redis-addr", "", "Redis address for the redis store (or REDIS_ADDR env)")
	f.BoolVar(&a.flags.logRequests, "log-requests", false, "Log every request and response (or LOG_REQUESTS env)")
	f.BoolVar(&a.flags.autoLogout, "auto-logout", false, "Drop the session on a final 401 (or AUTO_LOGOUT env)")

	cmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newStatusCmd(a),
		newRequestCmd(a),
		newMockServerCmd(a),
	)
	return cmd
}
