// Package registry manages promoter configuration and keeps the job queue
// in step with each promoter's polling policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/queue"
	"github.com/referral-tracker/internal/storage"
	"github.com/referral-tracker/pkg/logger"
)

// ManualJobName names one-off scrape jobs
const ManualJobName = "manual-run"

const (
	schedulerKeyPrefix = "scheduled-"
	minPasswordLength  = 8
)

// ErrNotFound is returned when a promoter does not exist or belongs to
// another user.
var ErrNotFound = errors.New("promoter not found")

// ErrUserNotFound is returned when deleting an unknown user
var ErrUserNotFound = errors.New("user not found")

// ValidationError rejects malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// SchedulerKey is the queue key of a promoter's recurring trigger
func SchedulerKey(promoterID string) string {
	return schedulerKeyPrefix + promoterID
}

// Scheduler is the part of the job queue the registry drives
type Scheduler interface {
	UpsertJobScheduler(ctx context.Context, key string, repeat queue.Repeat, data queue.TaskData) error
	RemoveJobScheduler(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, name string, data queue.TaskData) (*queue.Job, error)
	RemovePromoterJobs(ctx context.Context, promoterID string) (int64, error)
	JobSchedulers(ctx context.Context) ([]*queue.JobScheduler, error)
}

// Encrypter seals passwords before they are stored
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// CreateInput describes a new promoter. Enabled defaults to true.
type CreateInput struct {
	Source    string `json:"source"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Schedule  string `json:"schedule,omitempty"`
	ManualRun bool   `json:"manualRun"`
	Enabled   *bool  `json:"isEnabled,omitempty"`
}

// UpdateInput carries the fields to change; nil fields are left alone.
type UpdateInput struct {
	Source    *string `json:"source,omitempty"`
	Email     *string `json:"email,omitempty"`
	Password  *string `json:"password,omitempty"`
	Schedule  *string `json:"schedule,omitempty"`
	ManualRun *bool   `json:"manualRun,omitempty"`
	Enabled   *bool   `json:"isEnabled,omitempty"`
}

// PromoterView is a promoter together with its most recent snapshot
type PromoterView struct {
	*models.Promoter
	Latest *models.Snapshot `json:"latest"`
}

// HistoryPage is one page of a promoter's snapshots
type HistoryPage struct {
	Items    []*models.Snapshot `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

// Service is the promoter registry
type Service struct {
	repo      storage.Repository
	vault     Encrypter
	scheduler Scheduler
	log       *logger.Logger
}

// NewService creates a registry
func NewService(repo storage.Repository, vault Encrypter, scheduler Scheduler, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		vault:     vault,
		scheduler: scheduler,
		log:       log.WithComponent("registry"),
	}
}

// Create stores a new promoter and registers its trigger.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*models.Promoter, error) {
	if strings.TrimSpace(in.Source) == "" {
		return nil, invalid("source", "Source is required")
	}
	host, err := models.CompanyHostFromSource(in.Source)
	if err != nil {
		return nil, invalid("source", "Please enter a valid URL")
	}
	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	policy, err := policyFor(in.Schedule, in.ManualRun)
	if err != nil {
		return nil, err
	}
	if !policy.IsRecurring() && !policy.IsManual() {
		return nil, invalid("schedule", "Either schedule or manualRun must be provided")
	}

	cipher, err := s.vault.Encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	p := &models.Promoter{
		ID:          uuid.NewString(),
		UserID:      userID,
		Source:      in.Source,
		CompanyHost: host,
		Email:       in.Email,
		Password:    cipher,
		Enabled:     in.Enabled == nil || *in.Enabled,
	}
	p.SetTrigger(policy)

	if err := s.repo.CreatePromoter(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create promoter: %w", err)
	}

	if err := s.sync(ctx, p.ID, models.Disabled(), p.Policy()); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("promoter_id", p.ID).
		Str("user_id", userID).
		Str("trigger", string(p.Policy().Kind)).
		Msg("Promoter created")
	return p, nil
}

// Update applies in to the promoter and re-registers its trigger. A
// recurring rule is upserted on every update.
func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (*models.Promoter, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	before := p.Policy()
	credentialsChanged := false

	if in.Source != nil {
		host, err := models.CompanyHostFromSource(*in.Source)
		if err != nil {
			return nil, invalid("source", "Please enter a valid URL")
		}
		credentialsChanged = credentialsChanged || host != p.CompanyHost
		p.Source = *in.Source
		p.CompanyHost = host
	}
	if in.Email != nil {
		if err := validateEmail(*in.Email); err != nil {
			return nil, err
		}
		credentialsChanged = credentialsChanged || *in.Email != p.Email
		p.Email = *in.Email
	}
	if in.Password != nil {
		if err := validatePassword(*in.Password); err != nil {
			return nil, err
		}
		cipher, err := s.vault.Encrypt(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		p.Password = cipher
		credentialsChanged = true
	}

	// Tokens were issued for the old credentials.
	if credentialsChanged {
		p.AccessToken = nil
		p.RefreshToken = nil
	}

	if in.Schedule != nil || in.ManualRun != nil {
		schedule := ""
		if in.Schedule != nil {
			schedule = *in.Schedule
		}
		manual := in.ManualRun != nil && *in.ManualRun

		policy, err := policyFor(schedule, manual)
		if err != nil {
			return nil, err
		}
		switch {
		case policy.IsRecurring() || policy.IsManual():
			p.SetTrigger(policy)
		case in.ManualRun != nil && p.Trigger().IsManual():
			return nil, invalid("schedule", "Either schedule or manualRun must be provided")
		}
	}
	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}

	if err := s.repo.UpdatePromoter(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update promoter: %w", err)
	}
	if credentialsChanged {
		if err := s.repo.ClearPromoterTokens(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("failed to clear promoter tokens: %w", err)
		}
	}

	after := p.Policy()
	if after.IsRecurring() || after != before {
		if err := s.sync(ctx, p.ID, before, after); err != nil {
			return nil, err
		}
	}
	if after != before {
		s.log.Info().
			Str("promoter_id", p.ID).
			Str("from", string(before.Kind)).
			Str("to", string(after.Kind)).
			Str("schedule", after.Schedule).
			Msg("Promoter trigger changed")
	}
	return p, nil
}

// Delete removes the promoter, its trigger, its pending jobs and its
// snapshots.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}

	if _, err := s.scheduler.RemoveJobScheduler(ctx, SchedulerKey(id)); err != nil {
		return fmt.Errorf("failed to deregister promoter: %w", err)
	}

	if err := s.repo.DeletePromoter(ctx, id); err != nil {
		// Put the trigger back so the promoter keeps running.
		if serr := s.sync(ctx, id, models.Disabled(), p.Policy()); serr != nil {
			s.log.Error().Err(serr).Str("promoter_id", id).Msg("Failed to restore trigger")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete promoter: %w", err)
	}

	if n, err := s.scheduler.RemovePromoterJobs(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("promoter_id", id).Msg("Failed to drop pending jobs")
	} else if n > 0 {
		s.log.Debug().Int64("jobs", n).Str("promoter_id", id).Msg("Dropped pending jobs")
	}

	s.log.Info().Str("promoter_id", id).Str("user_id", userID).Msg("Promoter deleted")
	return nil
}

// ManualRun enqueues a one-off scrape for the promoter.
func (s *Service) ManualRun(ctx context.Context, userID, id string) (*queue.Job, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}

	job, err := s.scheduler.Add(ctx, ManualJobName, queue.TaskData{PromoterID: id})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("promoter_id", id).Str("job_id", job.ID).Msg("Manual run added")
	return job, nil
}

// Get returns one promoter with its latest snapshot
func (s *Service) Get(ctx context.Context, userID, id string) (*PromoterView, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	latest, err := s.repo.LatestSnapshot(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return &PromoterView{Promoter: p, Latest: latest}, nil
}

// List returns the user's promoters with their latest snapshots
func (s *Service) List(ctx context.Context, userID string) ([]*PromoterView, error) {
	promoters, err := s.repo.ListPromoters(ctx, storage.PromoterFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(promoters))
	for i, p := range promoters {
		ids[i] = p.ID
	}
	latest, err := s.repo.LatestSnapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]*PromoterView, len(promoters))
	for i, p := range promoters {
		views[i] = &PromoterView{Promoter: p, Latest: latest[p.ID]}
	}
	return views, nil
}

// History returns a page of the promoter's snapshots
func (s *Service) History(ctx context.Context, userID, id string, filter storage.SnapshotFilter) (*HistoryPage, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}

	filter.PromoterID = id
	filter = filter.Normalize()

	items, total, err := s.repo.ListSnapshots(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Snapshot{}
	}
	return &HistoryPage{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// Resync registers the trigger of every enabled recurring promoter and
// drops scheduler rows no such promoter backs. Used at startup to repair a
// queue that lost or kept stale scheduler rows.
func (s *Service) Resync(ctx context.Context) (int, error) {
	promoters, err := s.repo.ListPromoters(ctx, storage.PromoterFilter{EnabledOnly: true})
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]bool)
	n := 0
	for _, p := range promoters {
		policy := p.Policy()
		if !policy.IsRecurring() {
			continue
		}
		wanted[SchedulerKey(p.ID)] = true
		if err := s.register(ctx, p.ID, policy.Schedule); err != nil {
			s.log.Error().Err(err).Str("promoter_id", p.ID).Msg("Failed to register trigger")
			continue
		}
		n++
	}

	schedulers, err := s.scheduler.JobSchedulers(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to list job schedulers: %w", err)
	}
	for _, js := range schedulers {
		if !strings.HasPrefix(js.Key, schedulerKeyPrefix) || wanted[js.Key] {
			continue
		}
		if _, err := s.scheduler.RemoveJobScheduler(ctx, js.Key); err != nil {
			s.log.Error().Err(err).Str("key", js.Key).Msg("Failed to remove orphan trigger")
			continue
		}
		s.log.Info().Str("key", js.Key).Msg("Removed orphan trigger")
	}
	return n, nil
}

// DeleteUser removes the user after deleting every promoter they own.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	promoters, err := s.repo.ListPromoters(ctx, storage.PromoterFilter{UserID: userID})
	if err != nil {
		return err
	}
	for _, p := range promoters {
		if err := s.Delete(ctx, userID, p.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.log.Info().Str("user_id", userID).Int("promoters", len(promoters)).Msg("User deleted")
	return nil
}

func (s *Service) owned(ctx context.Context, userID, id string) (*models.Promoter, error) {
	p, err := s.repo.GetPromoterForUser(ctx, id, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// sync moves the queue from the before policy to the after policy. Manual
// promoters only run through ManualRun.
func (s *Service) sync(ctx context.Context, id string, before, after models.TriggerPolicy) error {
	if before.IsRecurring() && !after.IsRecurring() {
		if _, err := s.scheduler.RemoveJobScheduler(ctx, SchedulerKey(id)); err != nil {
			return fmt.Errorf("failed to deregister promoter: %w", err)
		}
	}
	if after.IsRecurring() {
		return s.register(ctx, id, after.Schedule)
	}
	return nil
}

func (s *Service) register(ctx context.Context, id, schedule string) error {
	if err := s.scheduler.UpsertJobScheduler(ctx, SchedulerKey(id), RepeatFor(schedule), queue.TaskData{PromoterID: id}); err != nil {
		return fmt.Errorf("failed to register promoter: %w", err)
	}
	return nil
}

// RepeatFor converts a stored schedule into a queue repeat rule. Bare
// integers are intervals in seconds.
func RepeatFor(schedule string) queue.Repeat {
	if every, ok := models.ScheduleInterval(schedule); ok {
		return queue.Repeat{Every: every}
	}
	return queue.Repeat{Pattern: schedule}
}

// policyFor resolves the schedule/manualRun input pair. An empty result
// (Disabled) means neither was given.
func policyFor(schedule string, manualRun bool) (models.TriggerPolicy, error) {
	schedule = strings.TrimSpace(schedule)

	switch {
	case schedule != "" && manualRun:
		return models.TriggerPolicy{}, invalid("schedule", "Both schedule and manualRun cannot be provided")
	case manualRun:
		return models.Manual(), nil
	case schedule != "":
		if err := models.ValidateSchedule(schedule); err != nil {
			return models.TriggerPolicy{}, invalid("schedule", "Invalid cron expression")
		}
		return models.Recurring(schedule), nil
	default:
		return models.Disabled(), nil
	}
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email", "Please enter a valid email address")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return invalid("password", "Password must be at least 8 characters")
	}
	return nil
}
