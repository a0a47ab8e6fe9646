// Package app assembles the service graph shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/referral-tracker/internal/api"
	"github.com/referral-tracker/internal/config"
	"github.com/referral-tracker/internal/fanout"
	"github.com/referral-tracker/internal/firstpromoter"
	"github.com/referral-tracker/internal/notify"
	"github.com/referral-tracker/internal/queue"
	"github.com/referral-tracker/internal/registry"
	"github.com/referral-tracker/internal/scraper"
	"github.com/referral-tracker/internal/storage/sqlite"
	"github.com/referral-tracker/internal/tracker"
	"github.com/referral-tracker/internal/vault"
	"github.com/referral-tracker/pkg/logger"
	"github.com/referral-tracker/pkg/ratelimit"
)

// App holds the wired components
type App struct {
	Config    *config.Config
	Repo      *sqlite.Repository
	Vault     *vault.Vault
	Hub       *fanout.Hub
	Processor *scraper.Processor
	Queue     *queue.Queue
	Registry  *registry.Service
	log       *logger.Logger
}

// New validates cfg, opens storage and wires every component. Nothing is
// started; call Start to begin processing jobs.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	repo, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, err := vault.New(cfg.Vault.EncryptionKey, cfg.Vault.CacheSize)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	limiter := ratelimit.NewPerKeyLimiter(cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst)
	upstream := firstpromoter.NewClient(firstpromoter.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.Timeout,
	}, limiter, log)

	hub := fanout.NewHub(cfg.Fanout.Buffer, log)

	deps := scraper.Deps{
		Repo:     repo,
		Vault:    v,
		Upstream: upstream,
		Hub:      hub,

		NotifyTimeout: cfg.Email.Timeout,
	}
	if cfg.Email.Enabled {
		deps.Notifier = notify.NewMailer(notify.MailerConfig{
			Host:        cfg.Email.SMTPHost,
			Port:        cfg.Email.SMTPPort,
			Username:    cfg.Email.Username,
			Password:    cfg.Email.Password,
			SenderName:  cfg.Email.SenderName,
			SenderEmail: cfg.Email.SenderEmail,
			Timeout:     cfg.Email.Timeout,
		}, log)
	}
	if cfg.Webhook.URL != "" {
		deps.Webhook = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout, log)
	}
	if cfg.Sheets.Enabled {
		exporter, err := tracker.NewSheetsExporter(context.Background(), tracker.Config{
			SpreadsheetID:      cfg.Sheets.SpreadsheetID,
			SheetName:          cfg.Sheets.SheetName,
			CredentialsFile:    cfg.Sheets.CredentialsFile,
			ServiceAccountJSON: cfg.Sheets.ServiceAccountJSON,
		}, log)
		if err != nil {
			repo.Close()
			return nil, err
		}
		deps.Exporter = exporter
	}
	processor := scraper.NewProcessor(deps, log)

	q, err := queue.New(repo.DB(), queue.Options{
		Name:         cfg.Queue.Name,
		Concurrency:  cfg.Queue.Concurrency,
		Attempts:     cfg.Queue.Attempts,
		Backoff:      cfg.Queue.BackoffDelay,
		PollInterval: cfg.Queue.PollInterval,
		StaleAfter:   cfg.Queue.StaleAfter,
		SyncInterval: cfg.Queue.SyncInterval,
	}, processor, log)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &App{
		Config:    cfg,
		Repo:      repo,
		Vault:     v,
		Hub:       hub,
		Processor: processor,
		Queue:     q,
		Registry:  registry.NewService(repo, v, q, log),
		log:       log.WithComponent("app"),
	}, nil
}

// Start re-registers recurring promoters and starts the queue workers
func (a *App) Start(ctx context.Context) error {
	n, err := a.Registry.Resync(ctx)
	if err != nil {
		return fmt.Errorf("failed to resync schedules: %w", err)
	}
	a.log.Info().Int("schedules", n).Msg("Recurring promoters registered")

	return a.Queue.Start(ctx)
}

// API builds the HTTP server on top of the wired components
func (a *App) API() *api.Server {
	return api.NewServer(a.Registry, a.Hub, a.Queue, api.Config{
		Heartbeat:   a.Config.Fanout.Heartbeat,
		CORSOrigins: a.Config.Server.CORSOrigins,
	}, a.log)
}

// Close stops the queue, waits for pending notifications, ends live
// streams and closes storage
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Processor.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Hub.Close()
	if err := a.Repo.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
