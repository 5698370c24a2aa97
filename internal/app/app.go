// internal/app/app.go
package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsdesk/approval-bot/internal/config"
	"github.com/opsdesk/approval-bot/internal/dispatch"
	"github.com/opsdesk/approval-bot/internal/journal"
	"github.com/opsdesk/approval-bot/internal/metrics"
	"github.com/opsdesk/approval-bot/internal/middleware"
	"github.com/opsdesk/approval-bot/internal/runner"
	"github.com/opsdesk/approval-bot/internal/status"
)

type App struct {
	Dispatcher *dispatch.Dispatcher
	Journal    *journal.Store
	Metrics    http.Handler
}

func New(cfg config.Config, out dispatch.Replier) (*App, error) {
	store, err := journal.Open(cfg.JournalPath, cfg.JournalSecret)
	if err != nil {
		return nil, err
	}
	providers, err := cfg.Providers()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d := dispatch.New(dispatch.Config{
		Operator:       cfg.OperatorID,
		Runner:         runner.New(cfg.ControllerURL, cfg.ControllerToken, cfg.CallTimeout),
		Status:         status.New(providers, cfg.CallTimeout),
		Journal:        store,
		Replier:        out,
		Metrics:        m,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &App{
		Dispatcher: d,
		Journal:    store,
		Metrics:    middleware.Logging(mux),
	}, nil
}
