package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-tracker/internal/fanout"
	"github.com/referral-tracker/internal/firstpromoter"
	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/queue"
	"github.com/referral-tracker/internal/scraper"
	"github.com/referral-tracker/internal/storage"
	"github.com/referral-tracker/internal/storage/sqlite"
	"github.com/referral-tracker/internal/vault"
	"github.com/referral-tracker/pkg/logger"
)

type fakeScheduler struct {
	mu          sync.Mutex
	rules       map[string]queue.Repeat
	upserts     int
	removals    []string
	added       []queue.TaskData
	droppedJobs []string
	upsertErr   error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{rules: make(map[string]queue.Repeat)}
}

func (f *fakeScheduler) UpsertJobScheduler(_ context.Context, key string, repeat queue.Repeat, _ queue.TaskData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	f.rules[key] = repeat
	return nil
}

func (f *fakeScheduler) RemoveJobScheduler(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, key)
	_, ok := f.rules[key]
	delete(f.rules, key)
	return ok, nil
}

func (f *fakeScheduler) Add(_ context.Context, name string, data queue.TaskData) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, data)
	return &queue.Job{ID: fmt.Sprintf("job-%d", len(f.added)), Name: name}, nil
}

func (f *fakeScheduler) RemovePromoterJobs(_ context.Context, promoterID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.droppedJobs = append(f.droppedJobs, promoterID)
	return 0, nil
}

func (f *fakeScheduler) JobSchedulers(context.Context) ([]*queue.JobScheduler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.rules))
	for k := range f.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]*queue.JobScheduler, len(keys))
	for i, k := range keys {
		rows[i] = &queue.JobScheduler{Key: k}
	}
	return rows, nil
}

func setupRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", url.PathEscape(t.Name()))
	repo, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.UpsertUser(ctx, &models.User{ID: "u1", Email: "ann@example.com", FirstName: "Ann"}))
	require.NoError(t, repo.UpsertUser(ctx, &models.User{ID: "u2", Email: "bob@example.com"}))
	return repo
}

func setupVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key, 0)
	require.NoError(t, err)
	return v
}

func setupService(t *testing.T) (*Service, *fakeScheduler, *sqlite.Repository, *vault.Vault) {
	t.Helper()
	repo := setupRepo(t)
	v := setupVault(t)
	sched := newFakeScheduler()
	return NewService(repo, v, sched, logger.Nop()), sched, repo, v
}

func ptr[T any](v T) *T { return &v }

func validInput() CreateInput {
	return CreateInput{
		Source:   "https://acme.example.com/dashboard",
		Email:    "promoter@example.com",
		Password: "correct-horse",
		Schedule: "*/30 * * * *",
	}
}

func TestCreate_RecurringRegistersTrigger(t *testing.T) {
	svc, sched, repo, v := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "acme.example.com", p.CompanyHost)
	assert.True(t, p.Enabled)
	assert.Equal(t, models.Recurring("*/30 * * * *"), p.Policy())

	assert.NotEqual(t, "correct-horse", p.Password, "password is stored encrypted")
	plain, err := v.Decrypt(p.Password)
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", plain)

	assert.Equal(t, queue.Repeat{Pattern: "*/30 * * * *"}, sched.rules[SchedulerKey(p.ID)])
	assert.Empty(t, sched.added)

	stored, err := repo.GetPromoter(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
}

func TestCreate_IntervalSchedule(t *testing.T) {
	svc, sched, _, _ := setupService(t)

	in := validInput()
	in.Schedule = "3600"
	p, err := svc.Create(context.Background(), "u1", in)
	require.NoError(t, err)

	assert.Equal(t, queue.Repeat{Every: time.Hour}, sched.rules[SchedulerKey(p.ID)])
}

func TestCreate_ManualRegistersNothing(t *testing.T) {
	svc, sched, _, _ := setupService(t)

	in := validInput()
	in.Schedule = ""
	in.ManualRun = true
	p, err := svc.Create(context.Background(), "u1", in)
	require.NoError(t, err)

	assert.Equal(t, models.Manual(), p.Policy())
	assert.Empty(t, sched.rules)
	assert.Empty(t, sched.added)
}

func TestCreate_DisabledRegistersNothing(t *testing.T) {
	svc, sched, _, _ := setupService(t)

	in := validInput()
	in.Enabled = ptr(false)
	p, err := svc.Create(context.Background(), "u1", in)
	require.NoError(t, err)

	assert.Equal(t, models.Disabled(), p.Policy())
	assert.Equal(t, models.Recurring("*/30 * * * *"), p.Trigger())
	assert.Empty(t, sched.rules)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *CreateInput)
		field   string
		message string
	}{
		{"missing source", func(in *CreateInput) { in.Source = "" }, "source", "Source is required"},
		{"bad source", func(in *CreateInput) { in.Source = "acme" }, "source", "Please enter a valid URL"},
		{"bad email", func(in *CreateInput) { in.Email = "nope" }, "email", "Please enter a valid email address"},
		{"short password", func(in *CreateInput) { in.Password = "short" }, "password", "Password must be at least 8 characters"},
		{"bad cron", func(in *CreateInput) { in.Schedule = "every day" }, "schedule", "Invalid cron expression"},
		{"both", func(in *CreateInput) { in.ManualRun = true }, "schedule", "Both schedule and manualRun cannot be provided"},
		{"neither", func(in *CreateInput) { in.Schedule = "" }, "schedule", "Either schedule or manualRun must be provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sched, repo, _ := setupService(t)

			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(context.Background(), "u1", in)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, tt.message, verr.Message)

			promoters, err := repo.ListPromoters(context.Background(), storage.PromoterFilter{})
			require.NoError(t, err)
			assert.Empty(t, promoters)
			assert.Empty(t, sched.rules)
		})
	}
}

func TestUpdate_SwitchRecurringToManualDeregisters(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "u1", p.ID, UpdateInput{ManualRun: ptr(true)})
	require.NoError(t, err)

	assert.Equal(t, models.Manual(), updated.Policy())
	assert.Empty(t, updated.Schedule)
	assert.Empty(t, sched.rules)
	assert.Equal(t, []string{SchedulerKey(p.ID)}, sched.removals)
}

func TestUpdate_ManualToRecurringRegisters(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	in := validInput()
	in.Schedule = ""
	in.ManualRun = true
	p, err := svc.Create(ctx, "u1", in)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Schedule: ptr("@hourly"), ManualRun: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, queue.Repeat{Pattern: "@hourly"}, sched.rules[SchedulerKey(p.ID)])
}

func TestUpdate_DisableAndReenable(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	key := SchedulerKey(p.ID)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Enabled: ptr(false)})
	require.NoError(t, err)
	assert.NotContains(t, sched.rules, key)

	updated, err := svc.Update(ctx, "u1", p.ID, UpdateInput{Enabled: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, models.Recurring("*/30 * * * *"), updated.Policy())
	assert.Contains(t, sched.rules, key)
}

func TestUpdate_UnchangedRecurringUpsertsIdempotently(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Email: ptr("new@example.com")})
	require.NoError(t, err)

	assert.Equal(t, 2, sched.upserts)
	assert.Len(t, sched.rules, 1)
	assert.Empty(t, sched.removals)
}

func TestUpdate_PasswordIsReencryptedAndTokensDropped(t *testing.T) {
	svc, _, repo, v := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	require.NoError(t, repo.UpdatePromoterTokens(ctx, p.ID, "access", "refresh"))

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Password: ptr("another-secret")})
	require.NoError(t, err)

	stored, err := repo.GetPromoter(ctx, p.ID)
	require.NoError(t, err)
	plain, err := v.Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, "another-secret", plain)
	assert.False(t, stored.HasAccessToken())
	assert.Nil(t, stored.RefreshToken)
}

func TestUpdate_Validation(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	var verr *ValidationError

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Schedule: ptr("@hourly"), ManualRun: ptr(true)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Both schedule and manualRun cannot be provided", verr.Message)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Source: ptr("not a url")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source", verr.Field)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Password: ptr("short")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}

func TestUpdate_ManualOffWithoutScheduleRejected(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	in := validInput()
	in.Schedule = ""
	in.ManualRun = true
	p, err := svc.Create(ctx, "u1", in)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{ManualRun: ptr(false)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Either schedule or manualRun must be provided", verr.Message)
}

func TestOwnershipIsEnforced(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	_, err = svc.Get(ctx, "u2", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Update(ctx, "u2", p.ID, UpdateInput{Enabled: ptr(false)})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ManualRun(ctx, "u2", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.History(ctx, "u2", p.ID, storage.DefaultSnapshotFilter(p.ID))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "u2", p.ID), ErrNotFound)

	assert.Contains(t, sched.rules, SchedulerKey(p.ID))
	assert.Empty(t, sched.added)
}

func TestDelete_DeregistersAndCascades(t *testing.T) {
	svc, sched, repo, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	require.NoError(t, repo.AppendSnapshot(ctx, models.NewSuccessSnapshot(p.ID, models.Stats{Clicks: 1})))

	require.NoError(t, svc.Delete(ctx, "u1", p.ID))

	assert.Empty(t, sched.rules)
	assert.Equal(t, []string{p.ID}, sched.droppedJobs)

	_, err = repo.GetPromoter(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, total, err := repo.ListSnapshots(ctx, storage.DefaultSnapshotFilter(p.ID))
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.ErrorIs(t, svc.Delete(ctx, "u1", p.ID), ErrNotFound)
}

func TestManualRun_EnqueuesOneJob(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	job, err := svc.ManualRun(ctx, "u1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, ManualJobName, job.Name)
	assert.Equal(t, []queue.TaskData{{PromoterID: p.ID}}, sched.added)
}

func TestList_IncludesLatestSnapshot(t *testing.T) {
	svc, _, repo, _ := setupService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	b, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u2", validInput())
	require.NoError(t, err)

	require.NoError(t, repo.AppendSnapshot(ctx, models.NewSuccessSnapshot(a.ID, models.Stats{Clicks: 1})))
	require.NoError(t, repo.AppendSnapshot(ctx, models.NewFailedSnapshot(a.ID, "Not found")))

	views, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := map[string]*PromoterView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	require.NotNil(t, byID[a.ID].Latest)
	assert.Equal(t, models.SnapshotFailed, byID[a.ID].Latest.Status)
	assert.Nil(t, byID[b.ID].Latest)
}

func TestRepeatFor(t *testing.T) {
	assert.Equal(t, queue.Repeat{Every: 90 * time.Second}, RepeatFor("90"))
	assert.Equal(t, queue.Repeat{Pattern: "@every 5m"}, RepeatFor("@every 5m"))
	assert.Equal(t, queue.Repeat{Pattern: "0 * * * *"}, RepeatFor("0 * * * *"))
}

func TestResync_RegistersEnabledRecurring(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	recurring, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	disabled := validInput()
	disabled.Enabled = ptr(false)
	_, err = svc.Create(ctx, "u1", disabled)
	require.NoError(t, err)

	manual := validInput()
	manual.Schedule = ""
	manual.ManualRun = true
	_, err = svc.Create(ctx, "u1", manual)
	require.NoError(t, err)

	sched.rules = map[string]queue.Repeat{}
	n, err := svc.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, sched.rules, SchedulerKey(recurring.ID))
}

func TestResync_RemovesOrphanTriggers(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	ctx := context.Background()

	recurring, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)

	disabled := validInput()
	disabled.Enabled = ptr(false)
	off, err := svc.Create(ctx, "u1", disabled)
	require.NoError(t, err)

	sched.rules[SchedulerKey("deleted-elsewhere")] = queue.Repeat{Every: time.Minute}
	sched.rules[SchedulerKey(off.ID)] = queue.Repeat{Every: time.Minute}
	sched.rules["maintenance"] = queue.Repeat{Pattern: "@daily"}

	n, err := svc.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys := make([]string, 0, len(sched.rules))
	for k := range sched.rules {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{SchedulerKey(recurring.ID), "maintenance"}, keys)
}

func TestUpdate_SettingsChangeKeepsTokens(t *testing.T) {
	svc, _, repo, _ := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	require.NoError(t, repo.UpdatePromoterTokens(ctx, p.ID, "access", "refresh"))

	_, err = svc.Update(ctx, "u1", p.ID, UpdateInput{Schedule: ptr("0 * * * *"), Email: ptr("promoter@example.com")})
	require.NoError(t, err)

	stored, err := repo.GetPromoter(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", stored.Policy().Schedule)
	require.True(t, stored.HasAccessToken())
	assert.Equal(t, "access", *stored.AccessToken)
}

func TestDeleteUser_RemovesOwnedPromoters(t *testing.T) {
	svc, sched, repo, _ := setupService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	b, err := svc.Create(ctx, "u1", validInput())
	require.NoError(t, err)
	other, err := svc.Create(ctx, "u2", validInput())
	require.NoError(t, err)
	require.NoError(t, repo.AppendSnapshot(ctx, models.NewSuccessSnapshot(a.ID, models.Stats{Clicks: 1})))

	require.NoError(t, svc.DeleteUser(ctx, "u1"))

	_, err = repo.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	for _, id := range []string{a.ID, b.ID} {
		_, err := repo.GetPromoter(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NotContains(t, sched.rules, SchedulerKey(id))
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, sched.droppedJobs)

	_, err = repo.GetPromoter(ctx, other.ID)
	assert.NoError(t, err)
	assert.Contains(t, sched.rules, SchedulerKey(other.ID))

	assert.ErrorIs(t, svc.DeleteUser(ctx, "u1"), ErrUserNotFound)
}

func TestCreate_SchedulerFailureSurfaces(t *testing.T) {
	svc, sched, _, _ := setupService(t)
	sched.upsertErr = errors.New("database is locked")

	_, err := svc.Create(context.Background(), "u1", validInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

// A manual promoter run end to end through the real queue and task body
// leaves exactly one snapshot with the fetched metrics.
func TestManualRunScenario(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/authorization/login":
			fmt.Fprint(w, `{"tokens":{"access_token":"a1","refresh_token":"r1"}}`)
		case "/me":
			fmt.Fprint(w, `{"promoter":{"stats":{"clicks_count":42,"referrals_count":7,"customers_count":3},"balances":{"current_balance":{"cash":1500}}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	repo, err := sqlite.New(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.Migrate())
	ctx := context.Background()
	require.NoError(t, repo.UpsertUser(ctx, &models.User{ID: "u1", Email: "ann@example.com"}))

	v := setupVault(t)
	proc := scraper.NewProcessor(scraper.Deps{
		Repo:     repo,
		Vault:    v,
		Upstream: firstpromoter.NewClient(firstpromoter.Config{BaseURL: upstream.URL, Timeout: 2 * time.Second}, nil, logger.Nop()),
		Hub:      fanout.NewHub(4, logger.Nop()),
	}, logger.Nop())

	q, err := queue.New(repo.DB(), queue.Options{Name: "promoter", Concurrency: 2, PollInterval: 20 * time.Millisecond}, proc, logger.Nop())
	require.NoError(t, err)

	svc := NewService(repo, v, q, logger.Nop())

	in := validInput()
	in.Schedule = ""
	in.ManualRun = true
	p, err := svc.Create(ctx, "u1", in)
	require.NoError(t, err)

	_, err = svc.ManualRun(ctx, "u1", p.ID)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)

	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(stopCtx)
	})

	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c == (queue.Counts{})
	}, 5*time.Second, 20*time.Millisecond)

	page, err := svc.History(ctx, "u1", p.ID, storage.DefaultSnapshotFilter(p.ID))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.EqualValues(t, 1, page.Total)

	snap := page.Items[0]
	assert.Equal(t, models.SnapshotSuccess, snap.Status)
	assert.EqualValues(t, 42, snap.Clicks)
	assert.EqualValues(t, 7, snap.Referral)
	assert.EqualValues(t, 1500, snap.Unpaid)
	assert.EqualValues(t, 3, snap.Customers)
}
