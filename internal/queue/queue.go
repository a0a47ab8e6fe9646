// Package queue is a durable job queue backed by the application database.
//
// Jobs survive restarts, repeat rules (job schedulers) are persisted and
// reloaded into an in-process cron clock, and a fixed pool of workers claims
// jobs with a conditional update so each job is owned by exactly one worker.
// Jobs carrying the same promoter id never run concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/referral-tracker/pkg/logger"
)

// Processor handles one job. A returned error marks the attempt failed.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, job *Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Options tunes a queue
type Options struct {
	Name         string
	Concurrency  int
	Attempts     int
	Backoff      time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
	SyncInterval time.Duration // how often stored schedulers are reloaded into the clock
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
}

type cronEntry struct {
	id     cron.EntryID
	repeat Repeat
	at     time.Time
}

// Queue is a durable, database backed job queue
type Queue struct {
	db        *gorm.DB
	opts      Options
	processor Processor
	log       *logger.Logger
	now       func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cronEntry

	wake      chan struct{}
	stop      chan struct{}
	jobCtx    context.Context
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// New creates a queue on db and migrates its tables.
func New(db *gorm.DB, opts Options, processor Processor, log *logger.Logger) (*Queue, error) {
	if processor == nil {
		return nil, errors.New("queue: processor is required")
	}
	opts.applyDefaults()

	if err := db.AutoMigrate(&Job{}, &JobScheduler{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue tables: %w", err)
	}

	qlog := log.WithComponent("queue")
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Queue{
		db:        db,
		opts:      opts,
		processor: processor,
		log:       qlog,
		now:       func() time.Time { return time.Now().UTC() },
		cron:      cron.New(cron.WithLogger(cronLogger{qlog}), cron.WithLocation(time.UTC)),
		entries:   make(map[string]cronEntry),
		wake:      make(chan struct{}, 1),
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
	}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.opts.Name
}

// UpsertJobScheduler creates or replaces the repeat rule stored under key.
// Upserting an identical rule leaves the running timer untouched.
func (q *Queue) UpsertJobScheduler(ctx context.Context, key string, repeat Repeat, data TaskData) error {
	if key == "" {
		return errors.New("scheduler key is required")
	}
	sched, err := schedule(repeat)
	if err != nil {
		return err
	}

	next := sched.Next(q.now())
	row := &JobScheduler{
		Key:       key,
		Queue:     q.opts.Name,
		Pattern:   repeat.Pattern,
		EveryMs:   repeat.Every.Milliseconds(),
		Data:      datatypes.NewJSONType(data),
		NextRunAt: &next,
	}

	err = q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scheduler_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"queue", "pattern", "every_ms", "data", "next_run_at", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert job scheduler %s: %w", key, err)
	}

	q.register(key, repeat, sched)

	q.log.Debug().
		Str("key", key).
		Str("pattern", repeat.Pattern).
		Dur("every", repeat.Every).
		Msg("Job scheduler upserted")
	return nil
}

// RemoveJobScheduler deletes the rule stored under key together with any
// job it enqueued that has not started yet. It reports whether a rule
// existed; removing an unknown key is not an error.
func (q *Queue) RemoveJobScheduler(ctx context.Context, key string) (bool, error) {
	q.unregister(key)

	var removed int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("scheduler_key = ?", key).Delete(&JobScheduler{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		return tx.Where("queue = ? AND scheduler_key = ? AND status = ?", q.opts.Name, key, StatusWaiting).
			Delete(&Job{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove job scheduler %s: %w", key, err)
	}

	if removed > 0 {
		q.log.Debug().Str("key", key).Msg("Job scheduler removed")
	}
	return removed > 0, nil
}

// GetJobScheduler returns the rule stored under key, or nil if none.
func (q *Queue) GetJobScheduler(ctx context.Context, key string) (*JobScheduler, error) {
	var row JobScheduler
	err := q.db.WithContext(ctx).Where("scheduler_key = ? AND queue = ?", key, q.opts.Name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// JobSchedulers lists every rule of this queue
func (q *Queue) JobSchedulers(ctx context.Context) ([]*JobScheduler, error) {
	var rows []*JobScheduler
	err := q.db.WithContext(ctx).Where("queue = ?", q.opts.Name).Order("scheduler_key ASC").Find(&rows).Error
	return rows, err
}

// Add enqueues a one-off job that is eligible immediately.
func (q *Queue) Add(ctx context.Context, name string, data TaskData) (*Job, error) {
	job := q.newJob(name, data, "")
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.log.Debug().
		Str("job_id", job.ID).
		Str("name", name).
		Str("promoter_id", data.PromoterID).
		Msg("Job enqueued")

	q.signal()
	return job, nil
}

// RemovePromoterJobs deletes every job for promoterID that has not started.
func (q *Queue) RemovePromoterJobs(ctx context.Context, promoterID string) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("queue = ? AND promoter_id = ? AND status = ?", q.opts.Name, promoterID, StatusWaiting).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to remove jobs for promoter %s: %w", promoterID, res.Error)
	}
	return res.RowsAffected, nil
}

// GetJob returns a pending job by id, or nil once it finished or was removed.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Counts returns how many jobs are ready, delayed and running.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	now := q.now()
	db := q.db.WithContext(ctx).Model(&Job{}).Where("queue = ?", q.opts.Name)

	if err := db.Session(&gorm.Session{}).Where("status = ? AND run_at <= ?", StatusWaiting, now).Count(&c.Waiting).Error; err != nil {
		return c, err
	}
	if err := db.Session(&gorm.Session{}).Where("status = ? AND run_at > ?", StatusWaiting, now).Count(&c.Delayed).Error; err != nil {
		return c, err
	}
	if err := db.Session(&gorm.Session{}).Where("status = ?", StatusActive).Count(&c.Active).Error; err != nil {
		return c, err
	}
	return c, nil
}

// Start recovers jobs abandoned by a previous process, reloads persisted
// schedulers into the cron clock and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.running = true
	q.stop = make(chan struct{})
	q.jobCtx, q.jobCancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	if _, err := q.recoverStale(ctx); err != nil {
		return err
	}

	schedulers, err := q.syncSchedulers(ctx)
	if err != nil {
		return err
	}

	q.cron.Start()

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(2)
	go q.reaper()
	go q.syncer()

	q.log.Info().
		Str("queue", q.opts.Name).
		Int("concurrency", q.opts.Concurrency).
		Int("schedulers", schedulers).
		Msg("Queue started")
	return nil
}

// Stop halts the cron clock and waits for in-flight jobs. If ctx expires
// first, running processors are cancelled and their jobs are released.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	q.mu.Unlock()

	cronDone := q.cron.Stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.jobCancel()
		<-done
		err = ctx.Err()
	}
	q.jobCancel()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	q.log.Info().Str("queue", q.opts.Name).Msg("Queue stopped")
	return err
}

func (q *Queue) newJob(name string, data TaskData, schedulerKey string) *Job {
	now := q.now()
	return &Job{
		ID:           uuid.NewString(),
		Queue:        q.opts.Name,
		Name:         name,
		Data:         datatypes.NewJSONType(data),
		PromoterID:   data.PromoterID,
		SchedulerKey: schedulerKey,
		Status:       StatusWaiting,
		MaxAttempts:  q.opts.Attempts,
		BackoffMs:    q.opts.Backoff.Milliseconds(),
		RunAt:        now,
		CreatedAt:    now,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) register(key string, repeat Repeat, sched cron.Schedule) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[key]; ok {
		if existing.repeat == repeat {
			return
		}
		q.cron.Remove(existing.id)
	}

	id := q.cron.Schedule(sched, cron.FuncJob(func() {
		q.enqueueScheduled(key)
	}))
	q.entries[key] = cronEntry{id: id, repeat: repeat, at: time.Now()}
}

// syncSchedulers makes the cron clock match the stored rules, so rules
// written by another process start firing here. Entries registered after
// the read began are left alone.
func (q *Queue) syncSchedulers(ctx context.Context) (int, error) {
	started := time.Now()
	rows, err := q.JobSchedulers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load job schedulers: %w", err)
	}

	stored := make(map[string]bool, len(rows))
	for _, s := range rows {
		stored[s.Key] = true
		sched, err := schedule(s.Repeat())
		if err != nil {
			q.log.Error().Err(err).Str("key", s.Key).Msg("Skipping invalid job scheduler")
			continue
		}
		q.register(s.Key, s.Repeat(), sched)
	}

	q.mu.Lock()
	for key, entry := range q.entries {
		if !stored[key] && entry.at.Before(started) {
			q.cron.Remove(entry.id)
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	return len(rows), nil
}

func (q *Queue) syncer() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if _, err := q.syncSchedulers(context.Background()); err != nil {
				q.log.Error().Err(err).Msg("Job scheduler sync failed")
			}
		}
	}
}

func (q *Queue) unregister(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[key]; ok {
		q.cron.Remove(existing.id)
		delete(q.entries, key)
	}
}

// enqueueScheduled runs on a cron tick. The stored row is the source of
// truth: a rule removed after the timer was armed enqueues nothing, and a
// tick is skipped while the previous one is still waiting.
func (q *Queue) enqueueScheduled(key string) {
	ctx := context.Background()
	log := q.log.With().Str("key", key).Logger()

	row, err := q.GetJobScheduler(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load job scheduler")
		return
	}
	if row == nil {
		log.Debug().Msg("Job scheduler no longer exists, skipping tick")
		q.unregister(key)
		return
	}

	var pending int64
	err = q.db.WithContext(ctx).Model(&Job{}).
		Where("queue = ? AND scheduler_key = ? AND status = ?", q.opts.Name, key, StatusWaiting).
		Count(&pending).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to check pending scheduled jobs")
		return
	}

	if pending == 0 {
		job := q.newJob(key, row.Data.Data(), key)
		if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
			log.Error().Err(err).Msg("Failed to enqueue scheduled job")
			return
		}
		log.Debug().Str("job_id", job.ID).Msg("Scheduled job enqueued")
		q.signal()
	} else {
		log.Debug().Int64("pending", pending).Msg("Previous scheduled job still waiting, skipping tick")
	}

	if sched, err := schedule(row.Repeat()); err == nil {
		next := sched.Next(q.now())
		q.db.WithContext(ctx).Model(&JobScheduler{}).Where("scheduler_key = ?", key).Update("next_run_at", next)
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			select {
			case <-q.stop:
				return
			default:
			}

			job, err := q.claim(q.jobCtx)
			if err != nil {
				q.log.Error().Err(err).Int("worker", n).Msg("Failed to claim job")
				break
			}
			if job == nil {
				break
			}
			// Let an idle sibling look for more work while this one is busy.
			q.signal()
			q.run(job)
		}

		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim takes ownership of the next eligible job, or returns nil when none
// is ready. A job is eligible when it is due and no other job for the same
// promoter is active.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := q.now()
	db := q.db.WithContext(ctx)

	busy := db.Model(&Job{}).
		Select("promoter_id").
		Where("queue = ? AND status = ?", q.opts.Name, StatusActive)

	var candidates []*Job
	err := db.Where("queue = ? AND status = ? AND run_at <= ?", q.opts.Name, StatusWaiting, now).
		Where("promoter_id NOT IN (?)", busy).
		Order("run_at ASC").
		Order("created_at ASC").
		Limit(q.opts.Concurrency).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		token := uuid.NewString()
		res := db.Model(&Job{}).
			Where("id = ? AND status = ?", c.ID, StatusWaiting).
			Where("NOT EXISTS (SELECT 1 FROM queue_jobs AS a WHERE a.queue = ? AND a.status = ? AND a.promoter_id = ?)",
				q.opts.Name, StatusActive, c.PromoterID).
			Updates(map[string]interface{}{
				"status":        StatusActive,
				"locked_at":     now,
				"lock_token":    token,
				"attempts_made": gorm.Expr("attempts_made + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			c.Status = StatusActive
			c.LockedAt = &now
			c.LockToken = token
			c.AttemptsMade++
			return c, nil
		}
	}
	return nil, nil
}

func (q *Queue) run(job *Job) {
	log := q.log.WithJobID(job.ID, job.AttemptsMade)
	start := time.Now()

	log.Debug().
		Str("name", job.Name).
		Str("promoter_id", job.PromoterID).
		Msg("Processing job")

	jobCtx, cancel := context.WithCancel(q.jobCtx)
	stopHeartbeat := q.heartbeat(job, cancel, log)
	err := q.process(jobCtx, job)
	stopHeartbeat()
	cancel()

	ctx := context.Background()
	owned := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND lock_token = ?", job.ID, StatusActive, job.LockToken)

	if err == nil {
		res := owned.Delete(&Job{})
		if res.Error != nil {
			log.Error().Err(res.Error).Msg("Failed to remove completed job")
		} else if res.RowsAffected == 0 {
			log.Warn().Msg("Job lock lost before completion")
		}
		log.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
		return
	}

	// Shutdown interrupted the attempt; hand the job back untouched.
	if q.jobCtx.Err() != nil {
		owned.Updates(map[string]interface{}{
			"status":        StatusWaiting,
			"locked_at":     nil,
			"lock_token":    "",
			"attempts_made": gorm.Expr("attempts_made - 1"),
		})
		log.Warn().Err(err).Msg("Job interrupted by shutdown, released")
		return
	}

	if job.AttemptsMade >= job.MaxAttempts {
		if derr := owned.Delete(&Job{}).Error; derr != nil {
			log.Error().Err(derr).Msg("Failed to remove exhausted job")
		}
		log.Error().
			Err(err).
			Str("promoter_id", job.PromoterID).
			Int("max_attempts", job.MaxAttempts).
			Msg("Job failed permanently")
		return
	}

	delay := backoffDelay(time.Duration(job.BackoffMs)*time.Millisecond, job.AttemptsMade)
	res := owned.Updates(map[string]interface{}{
		"status":     StatusWaiting,
		"locked_at":  nil,
		"lock_token": "",
		"run_at":     q.now().Add(delay),
		"last_error": err.Error(),
	})
	if res.Error != nil {
		log.Error().Err(res.Error).Msg("Failed to schedule job retry")
		return
	}
	if res.RowsAffected == 0 {
		log.Warn().Err(err).Msg("Job lock lost before retry was scheduled")
		return
	}

	log.Warn().
		Err(err).
		Dur("retry_in", delay).
		Msg("Job failed, will retry")
}

// heartbeat keeps locked_at fresh while job runs so the reaper leaves it
// alone. If the lock is taken away the attempt is cancelled.
func (q *Queue) heartbeat(job *Job, cancel context.CancelFunc, log *logger.Logger) (stop func()) {
	interval := q.opts.StaleAfter / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				res := q.db.Model(&Job{}).
					Where("id = ? AND status = ? AND lock_token = ?", job.ID, StatusActive, job.LockToken).
					Update("locked_at", q.now())
				if res.Error != nil {
					log.Warn().Err(res.Error).Msg("Failed to extend job lock")
					continue
				}
				if res.RowsAffected == 0 {
					log.Warn().Msg("Job lock lost, cancelling attempt")
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (q *Queue) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.processor.Process(ctx, job)
}

// backoffDelay is base·2^(attempt-1)
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// recoverStale hands back jobs whose worker disappeared without finishing.
func (q *Queue) recoverStale(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.opts.StaleAfter)
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("queue = ? AND status = ? AND locked_at < ?", q.opts.Name, StatusActive, cutoff).
		Updates(map[string]interface{}{
			"status":     StatusWaiting,
			"locked_at":  nil,
			"lock_token": "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Warn().Int64("jobs", res.RowsAffected).Msg("Recovered stale jobs")
		q.signal()
	}
	return res.RowsAffected, nil
}

func (q *Queue) reaper() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.StaleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if _, err := q.recoverStale(context.Background()); err != nil {
				q.log.Error().Err(err).Msg("Stale job recovery failed")
			}
		}
	}
}
