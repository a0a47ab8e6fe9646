// Package scraper runs one scrape task: log in to the affiliate API when
// needed, fetch the promoter's stats, record the outcome as a snapshot and
// notify whoever is watching.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/referral-tracker/internal/fanout"
	"github.com/referral-tracker/internal/firstpromoter"
	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/notify"
	"github.com/referral-tracker/internal/queue"
	"github.com/referral-tracker/internal/storage"
	"github.com/referral-tracker/pkg/logger"
)

var (
	// ErrPromoterNotFound is returned to the queue when a task references a
	// promoter that no longer exists. No snapshot can be attached to it.
	ErrPromoterNotFound = errors.New("promoter not found")

	// ErrCredentials wraps vault failures while preparing a login.
	ErrCredentials = errors.New("credential error")
)

const credentialsMessage = "Failed to decrypt credentials"

const defaultNotifyTimeout = 30 * time.Second

// Upstream is the affiliate API
type Upstream interface {
	Login(ctx context.Context, email, password, companyHost string) (*oauth2.Token, error)
	FetchStats(ctx context.Context, accessToken, companyHost string) (models.Stats, error)
}

// Decrypter opens stored credentials
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Publisher pushes snapshots to live viewers
type Publisher interface {
	Publish(topic fanout.Topic, snapshot *models.Snapshot) int
}

// Exporter mirrors recorded snapshots to an external sink
type Exporter interface {
	Export(ctx context.Context, promoter *models.Promoter, snapshot *models.Snapshot) error
}

// Deps are the collaborators of a Processor
type Deps struct {
	Repo     storage.Repository
	Vault    Decrypter
	Upstream Upstream
	Hub      Publisher
	Notifier notify.BalanceNotifier
	Webhook  notify.Pinger
	Exporter Exporter

	// NotifyTimeout bounds one balance notification. Zero means 30s.
	NotifyTimeout time.Duration
}

// Processor executes scrape tasks. It implements queue.Processor.
type Processor struct {
	repo     storage.Repository
	vault    Decrypter
	upstream Upstream
	hub      Publisher
	notifier notify.BalanceNotifier
	webhook  notify.Pinger
	exporter Exporter
	log      *logger.Logger

	notifyTimeout time.Duration
	notifications sync.WaitGroup
}

// NewProcessor creates a task processor. Notifier, Webhook and Exporter
// may be nil.
func NewProcessor(deps Deps, log *logger.Logger) *Processor {
	if deps.Notifier == nil {
		deps.Notifier = notify.NopNotifier{}
	}
	if deps.Webhook == nil {
		deps.Webhook = notify.NopPinger{}
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = defaultNotifyTimeout
	}
	return &Processor{
		repo:     deps.Repo,
		vault:    deps.Vault,
		upstream: deps.Upstream,
		hub:      deps.Hub,
		notifier: deps.Notifier,
		webhook:  deps.Webhook,
		exporter: deps.Exporter,
		log:      log.WithComponent("scraper"),

		notifyTimeout: deps.NotifyTimeout,
	}
}

// Wait blocks until background balance notifications finish or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.notifications.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process handles a queued scrape task
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	_, err := p.Run(ctx, job.Task().PromoterID)
	return err
}

// Run scrapes one promoter and returns the snapshot it recorded. Upstream
// and credential failures are recorded as a FAILED snapshot and do not
// return an error; an error means nothing was recorded.
func (p *Processor) Run(ctx context.Context, promoterID string) (*models.Snapshot, error) {
	promoter, err := p.repo.GetPromoter(ctx, promoterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPromoterNotFound, promoterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load promoter: %w", err)
	}

	log := p.log.WithPromoterID(promoterID)
	log.Info().Str("source", promoter.Source).Msg("Processing promoter")

	var (
		snapshot *models.Snapshot
		previous *models.Snapshot
	)
	stats, err := p.scrape(ctx, promoter, log)
	if err != nil {
		// Shutdown, not an upstream failure. Let the queue hand the job back.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := failureMessage(err)
		event := log.Warn().Err(err).Str("reason", reason)
		var upstreamErr *firstpromoter.Error
		if errors.As(err, &upstreamErr) {
			event = event.Str("detail", upstreamErr.Detail())
		}
		event.Msg("Scrape failed")
		snapshot = models.NewFailedSnapshot(promoterID, reason)
	} else {
		previous = p.previousSuccess(ctx, promoterID, log)
		snapshot = models.NewSuccessSnapshot(promoterID, stats)
	}

	if err := p.repo.AppendSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	delivered := p.hub.Publish(fanout.Topic{PromoterID: promoterID, UserID: promoter.UserID}, snapshot)

	log.Info().
		Uint("snapshot_id", snapshot.ID).
		Str("status", string(snapshot.Status)).
		Int("subscribers", delivered).
		Msg("Snapshot recorded")

	if previous != nil && stats.Unpaid > previous.Unpaid {
		p.notifyBalance(promoter, previous.Unpaid, stats.Unpaid, log)
	}

	if err := p.webhook.Ping(ctx, promoterID); err != nil {
		log.Warn().Err(err).Msg("Webhook ping failed")
	}

	if p.exporter != nil {
		if err := p.exporter.Export(ctx, promoter, snapshot); err != nil {
			log.Warn().Err(err).Msg("Snapshot export failed")
		}
	}

	return snapshot, nil
}

// scrape fetches stats, logging in first when no token is stored and once
// more if the stored token is rejected.
func (p *Processor) scrape(ctx context.Context, promoter *models.Promoter, log *logger.Logger) (models.Stats, error) {
	if promoter.Token() == nil {
		if err := p.login(ctx, promoter, log); err != nil {
			return models.Stats{}, err
		}
	}

	stats, err := p.upstream.FetchStats(ctx, promoter.Token().AccessToken, promoter.CompanyHost)
	if !firstpromoter.IsUnauthorized(err) {
		return stats, err
	}

	log.Info().Msg("Access token rejected, logging in again")
	if err := p.login(ctx, promoter, log); err != nil {
		return models.Stats{}, err
	}
	return p.upstream.FetchStats(ctx, promoter.Token().AccessToken, promoter.CompanyHost)
}

// login exchanges the stored credentials for fresh tokens and keeps them on
// promoter. Failing to persist the tokens does not stop the scrape.
func (p *Processor) login(ctx context.Context, promoter *models.Promoter, log *logger.Logger) error {
	password, err := p.vault.Decrypt(promoter.Password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	token, err := p.upstream.Login(ctx, promoter.Email, password, promoter.CompanyHost)
	if err != nil {
		return err
	}
	promoter.ApplyToken(token)

	stored := promoter.Token()
	if err := p.repo.UpdatePromoterTokens(ctx, promoter.ID, stored.AccessToken, stored.RefreshToken); err != nil {
		log.Error().Err(err).Msg("Failed to persist tokens")
	}

	log.Debug().Msg("Logged in")
	return nil
}

// previousSuccess returns the last successful snapshot, or nil when there
// is none to compare against.
func (p *Processor) previousSuccess(ctx context.Context, promoterID string, log *logger.Logger) *models.Snapshot {
	previous, err := p.repo.LatestSuccessfulSnapshot(ctx, promoterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load previous snapshot")
		return nil
	}
	return previous
}

// notifyBalance tells the owner their unpaid balance grew. It runs in the
// background under its own deadline; failures are logged only.
func (p *Processor) notifyBalance(promoter *models.Promoter, previous, current int64, log *logger.Logger) {
	p.notifications.Add(1)
	go func() {
		defer p.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.notifyTimeout)
		defer cancel()

		user, err := p.repo.GetUser(ctx, promoter.UserID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", promoter.UserID).Msg("Cannot notify balance increase, owner not found")
			return
		}

		n := notify.NewBalanceIncrease(user.Email, user.FirstName, promoter.CompanyHost, previous, current)
		log.Info().
			Str("previous", n.Previous.StringFixed(2)).
			Str("current", n.Current.StringFixed(2)).
			Str("increase", n.Increase().StringFixed(2)).
			Msg("Unpaid balance increased")

		if err := p.notifier.NotifyBalanceIncrease(ctx, n); err != nil {
			log.Warn().Err(err).Msg("Balance notification failed")
		}
	}()
}

func failureMessage(err error) string {
	if errors.Is(err, ErrCredentials) {
		return credentialsMessage
	}
	return firstpromoter.Message(err)
}
