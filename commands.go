package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/go-authgate/api-client/api"
	"github.com/go-authgate/api-client/deviceflow"
	"github.com/go-authgate/api-client/mockapi"
	"github.com/go-authgate/api-client/tui"
)

func newLoginCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the device authorization flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.requireClientID(); err != nil {
				return err
			}

			return a.withDisplay("API Client Login", func(d tui.Displayer) error {
				return a.login(ctx, d, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Run the device flow even when tokens are stored")
	return cmd
}

func (a *app) login(ctx context.Context, d tui.Displayer, force bool) error {
	pair, err := a.svc.Tokens(ctx)
	if err != nil {
		return err
	}

	if pair.AccessToken != "" && !force {
		d.TokensFound()
		d.Done(tokenPreview(pair.AccessToken), expiresIn(pair))
		return nil
	}
	d.TokensNotFound()

	flow := &deviceflow.Flow{
		ServerURL: a.cfg.ServerURL,
		ClientID:  a.cfg.ClientID,
		Scopes:    a.cfg.Scopes,
		Client:    a.retry,
	}
	token, err := flow.Run(ctx, d)
	if err != nil {
		return err
	}

	pair = api.PairFromOAuth2(token)
	if err := a.svc.Login(ctx, pair); err != nil {
		d.TokenSaveFailed(err)
	} else {
		d.TokenSaved(a.store.location)
	}

	d.Done(tokenPreview(pair.AccessToken), expiresIn(pair))
	return nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			return a.withDisplay("API Client Logout", func(d tui.Displayer) error {
				if err := a.svc.Logout(ctx); err != nil {
					return err
				}
				d.LoggedOut()
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var verifyPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored token state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			return a.withDisplay("API Client Status", func(d tui.Displayer) error {
				pair, err := a.svc.Tokens(ctx)
				if err != nil {
					return err
				}
				if pair.AccessToken == "" {
					d.TokensNotFound()
					return nil
				}
				d.TokensFound()

				if verifyPath != "" {
					defer a.watchSession(d)()
					d.Requesting(http.MethodGet, verifyPath)
					resp, err := a.svc.Do(ctx, api.NewEndpoint(verifyPath))
					if err != nil {
						d.APICallFailed(err)
					} else {
						d.APICallOK(resp.StatusCode, "")
					}
					// A refresh may have rotated the pair.
					if pair, err = a.svc.Tokens(ctx); err != nil {
						return err
					}
				}

				if pair.AccessToken != "" {
					d.Done(tokenPreview(pair.AccessToken), expiresIn(pair))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&verifyPath, "verify", "", "Check the token against this API path (e.g. /api/me)")
	return cmd
}

// requestOptions are the flags of the request command.
type requestOptions struct {
	data    string
	query   []string
	headers []string
	noAuth  bool
	jq      string
}

func newRequestCmd(a *app) *cobra.Command {
	var opts requestOptions

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an API request with the stored token",
		Example: `  api-client request GET /api/me
  api-client request POST /api/echo --data '{"name":"demo"}' --jq .body.name`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := buildEndpoint(args[0], args[1], opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			// When both streams are the terminal the TUI shows the body;
			// otherwise it goes to stdout untouched by progress output.
			bodyOnScreen := isTerminal(a.stderr) && isTerminal(a.stdout) && opts.jq == ""

			var body []byte
			err = a.withDisplay("API Client", func(d tui.Displayer) error {
				defer a.watchSession(d)()

				d.Requesting(ep.HTTPMethod(), a.cfg.ServerURL+ep.Path())
				resp, err := a.svc.Do(ctx, ep)
				if err != nil {
					if errors.Is(err, api.ErrNoInternet) {
						return fmt.Errorf("%w (is %s reachable?)", err, a.cfg.ServerURL)
					}
					return err
				}
				body = resp.Body

				shown := ""
				if bodyOnScreen {
					shown = string(body)
				}
				d.APICallOK(resp.StatusCode, shown)
				return nil
			})
			if err != nil || bodyOnScreen {
				return err
			}

			if opts.jq != "" {
				return applyJQ(ctx, opts.jq, body, a.stdout)
			}
			_, err = a.stdout.Write(body)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.data, "data", "d", "", "JSON request body")
	f.StringArrayVarP(&opts.query, "query", "q", nil, "Query item name=value (repeatable, order kept)")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "Header name=value or 'Name: value' (repeatable)")
	f.BoolVar(&opts.noAuth, "no-auth", false, "Send without the bearer token")
	f.StringVar(&opts.jq, "jq", "", "Filter the JSON response with a jq expression")
	return cmd
}

// buildEndpoint turns command arguments into an api.Endpoint.
func buildEndpoint(method, path string, opts requestOptions) (api.Endpoint, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ep := api.NewEndpoint(path).Method(strings.ToUpper(method))

	if opts.data != "" {
		if !json.Valid([]byte(opts.data)) {
			return ep, errors.New("--data must be valid JSON")
		}
		ep = ep.Body([]byte(opts.data), "application/json")
	}

	items := make([]api.QueryItem, 0, len(opts.query))
	for _, q := range opts.query {
		name, value, ok := strings.Cut(q, "=")
		if !ok || name == "" {
			return ep, fmt.Errorf("invalid --query %q, want name=value", q)
		}
		items = append(items, api.QueryItem{Name: name, Value: value})
	}
	ep = ep.Query(items...)

	if len(opts.headers) > 0 {
		headers := make(map[string]string, len(opts.headers))
		for _, h := range opts.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				name, value, ok = strings.Cut(h, "=")
			}
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				return ep, fmt.Errorf("invalid --header %q, want Name: value", h)
			}
			headers[name] = strings.TrimSpace(value)
		}
		ep = ep.Set(headers)
	}

	return ep.Auth(!opts.noAuth), nil
}

// applyJQ runs expr over the JSON body and writes each result to w.
func applyJQ(ctx context.Context, expr string, body []byte, w io.Writer) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid --jq expression: %w", err)
	}

	var input any
	if err := json.Unmarshal(body, &input); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
}

func expiresIn(pair api.TokenPair) time.Duration {
	if pair.Expiry.IsZero() {
		return 0
	}
	return time.Until(pair.Expiry).Round(time.Second)
}

func newMockServerCmd(a *app) *cobra.Command {
	var (
		addr          string
		accessTTL     time.Duration
		approvalPolls int
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local OAuth-protected API for trying the client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := slog.New(slog.NewTextHandler(a.stderr, nil))

			srv := mockapi.New(
				mockapi.WithAccessTTL(accessTTL),
				mockapi.WithApprovalAfter(approvalPolls),
			)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("mock server listening", "addr", addr, "access_ttl", accessTTL)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			logger.Info("mock server shutting down")
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:8080", "Listen address")
	f.DurationVar(&accessTTL, "access-ttl", 15*time.Minute, "Lifetime of issued access tokens")
	f.IntVar(&approvalPolls, "approve-after", 1, "Device flow polls answered with authorization_pending")
	return cmd
}
