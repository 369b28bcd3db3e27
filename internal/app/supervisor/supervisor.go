// Package supervisor wires the Process Supervisor (spec §9): loads
// configuration and account credentials, builds the Service and HTTP Edge,
// and runs them until a termination signal arrives. It generalizes the
// teacher's cmd/chatmailer/main.go wiring into a reusable struct so cmd/
// stays a thin entrypoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxhub/aggregator/internal/app/account"
	"github.com/inboxhub/aggregator/internal/app/config"
	"github.com/inboxhub/aggregator/internal/app/httpapi"
	"github.com/inboxhub/aggregator/internal/app/imapconn"
	"github.com/inboxhub/aggregator/internal/app/ratelimit"
	"github.com/inboxhub/aggregator/internal/app/service"
)

// ShutdownGrace bounds how long Run waits for the HTTP server and Service
// to drain after a termination signal before it gives up (spec §9).
const ShutdownGrace = 10 * time.Second

// Options gathers the supervisor's startup inputs.
type Options struct {
	ConfigFilepath string
	EnvFilepath    string
	Getenv         func(string) string
	Logger         *slog.Logger
}

// Supervisor owns the Service and HTTP server for the lifetime of the
// process.
type Supervisor struct {
	cfg    config.RuntimeConfig
	svc    *service.Service
	http   *http.Server
	logger *slog.Logger
}

// New loads configuration and credentials and builds the Service and HTTP
// Edge, but does not start them — call Run for that.
func New(opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.LoadEnvFile(opts.EnvFilepath); err != nil {
		return nil, fmt.Errorf("load environment file: %w", err)
	}

	cfg, err := config.LoadRuntimeConfig(opts.ConfigFilepath)
	if err != nil {
		return nil, fmt.Errorf("load runtime configuration: %w", err)
	}

	specs, err := config.LoadAccountSpecs(opts.Getenv)
	if err != nil {
		return nil, fmt.Errorf("load account specs: %w", err)
	}
	if len(specs) == 0 {
		return nil, errors.New("no accounts configured: set GMAIL_ACCOUNTS, OUTLOOK_ACCOUNTS, or EMAIL_USER/EMAIL_PASSWORD")
	}

	registry, err := account.New(specs)
	if err != nil {
		return nil, fmt.Errorf("build account registry: %w", err)
	}

	svc := service.New(cfg, registry, imapconn.DialerFunc(imapclient.DialTLS), logger.With(slog.String("module", "service")))

	limits := ratelimit.NewBridge(cfg.RateLimitGeneral, cfg.RateLimitEmailOps, cfg.RateLimitAuth, svc.SetRateLimited)
	edge := httpapi.New(svc, limits, viewerFromRequest, logger.With(slog.String("module", "httpapi")))

	return &Supervisor{
		cfg:    cfg,
		svc:    svc,
		http:   &http.Server{Addr: cfg.HTTPAddr, Handler: edge},
		logger: logger,
	}, nil
}

// viewerFromRequest treats the presence of a bearer Authorization header as
// authentication (spec §6: the HTTP layer, not the core, decides viewer
// identity). A real deployment would validate the token against its auth
// provider here; this module has none, so presence is the whole check.
func viewerFromRequest(r *http.Request) service.Viewer {
	if r.Header.Get("Authorization") != "" {
		return service.Authenticated
	}
	return service.Anonymous
}

// Run starts the Service's IDLE listeners and the HTTP server, then blocks
// until ctx is canceled. On cancellation it shuts both down within
// ShutdownGrace before returning.
func (sp *Supervisor) Run(ctx context.Context) error {
	sp.svc.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		sp.logger.Info("supervisor: listening", slog.String("addr", sp.http.Addr))
		serveErr <- sp.http.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	if err := sp.http.Shutdown(shutdownCtx); err != nil {
		sp.logger.Warn("supervisor: forced http shutdown", slog.Any("error", err))
		_ = sp.http.Close()
	}

	sp.svc.Shutdown()

	return ctx.Err()
}
