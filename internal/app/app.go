package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"r3chat/internal/sweeper"
	"r3chat/pkg/api"
	"r3chat/pkg/banner"
	"r3chat/pkg/config"
	"r3chat/pkg/coord"
	"r3chat/pkg/llm"
	"r3chat/pkg/logger"
	"r3chat/pkg/metrics"
	"r3chat/pkg/quota"
	"r3chat/pkg/session"
	"r3chat/pkg/store"
	"r3chat/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	provider llm.Provider
	queue    *coord.Queue
	svc      *session.Service

	srv *http.Server
}

// New initializes resources that do not require a running context (DB,
// validation rules, provider, session service). It does not start the
// sweeper, queue workers or the HTTP server; call Run to start those
// and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	validation.SetRules(validation.Rules{})
	metrics.Register()

	if err := store.Open(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	cfg := eff.Config
	provider := llm.NewOpenRouter(cfg)
	queue := coord.NewQueue(cfg.Coord.Workers, cfg.Coord.MaxAttempts)
	queue.Register(coord.TaskGenerate, session.GenerateHandler(cfg, provider))
	svc := session.NewService(cfg, quota.NewGate(cfg), provider, queue)
	api.Init(cfg, svc)

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		provider:  provider,
		queue:     queue,
		svc:       svc,
	}
	return a, nil
}

// Run starts the background workers and the HTTP server and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	sweeper.SetConfig(a.eff.Config)
	cancelSweep, err := sweeper.Start(ctx, a.eff.Config)
	if err != nil {
		return err
	}
	defer cancelSweep()

	a.queue.Start(ctx)
	defer a.queue.Stop()

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if a.srv != nil {
			_ = a.srv.Shutdown(shutCtx)
		}
		if err := store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" && a.commit != "" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" && a.buildDate != "" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}
