package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; the queue workers and the API share
	// this handle.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return &Repository{db: db}, nil
}

// DB exposes the underlying connection so the job queue can share it
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.Promoter{},
		&models.Snapshot{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// User operations

func (r *Repository) UpsertUser(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "first_name", "last_name", "updated_at"}),
	}).Create(user).Error
}

func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := r.db.WithContext(ctx).Order("email ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Promoter operations

func (r *Repository) CreatePromoter(ctx context.Context, promoter *models.Promoter) error {
	return r.db.WithContext(ctx).Omit("Data").Create(promoter).Error
}

func (r *Repository) GetPromoter(ctx context.Context, id string) (*models.Promoter, error) {
	var promoter models.Promoter
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&promoter).Error; err != nil {
		return nil, mapErr(err)
	}
	return &promoter, nil
}

func (r *Repository) GetPromoterForUser(ctx context.Context, id, userID string) (*models.Promoter, error) {
	var promoter models.Promoter
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&promoter).Error; err != nil {
		return nil, mapErr(err)
	}
	return &promoter, nil
}

func (r *Repository) ListPromoters(ctx context.Context, filter storage.PromoterFilter) ([]*models.Promoter, error) {
	var promoters []*models.Promoter
	query := r.db.WithContext(ctx).Model(&models.Promoter{})

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.EnabledOnly {
		query = query.Where("enabled = ?", true)
	}

	query = query.Order("created_at ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&promoters).Error; err != nil {
		return nil, err
	}
	return promoters, nil
}

// UpdatePromoter saves the promoter's settings. Tokens are written only by
// UpdatePromoterTokens and ClearPromoterTokens so a concurrent login is
// never overwritten by a stale copy.
func (r *Repository) UpdatePromoter(ctx context.Context, promoter *models.Promoter) error {
	return r.db.WithContext(ctx).Omit("Data", "AccessToken", "RefreshToken").Save(promoter).Error
}

func (r *Repository) UpdatePromoterTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	res := r.db.WithContext(ctx).Model(&models.Promoter{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Repository) ClearPromoterTokens(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Promoter{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":  nil,
			"refresh_token": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePromoter removes the promoter and its history in one transaction.
// Snapshots are deleted explicitly so the cascade does not depend on the
// foreign_keys pragma being enabled on the connection.
func (r *Repository) DeletePromoter(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("promoter_id = ?", id).Delete(&models.Snapshot{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Promoter{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// Snapshot operations

func (r *Repository) AppendSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *Repository) ListSnapshots(ctx context.Context, filter storage.SnapshotFilter) ([]*models.Snapshot, int64, error) {
	filter = filter.Normalize()

	query := r.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("promoter_id = ?", filter.PromoterID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// Ordering; id is the insertion-order tiebreak
	query = query.Order(clause.OrderByColumn{
		Column: clause.Column{Name: filter.OrderBy},
		Desc:   filter.OrderDesc,
	}).Order("id ASC")

	var snapshots []*models.Snapshot
	if err := query.
		Limit(filter.PageSize).
		Offset(filter.Offset()).
		Find(&snapshots).Error; err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}

func (r *Repository) LatestSnapshot(ctx context.Context, promoterID string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	if err := r.db.WithContext(ctx).
		Where("promoter_id = ?", promoterID).
		Order("id DESC").
		First(&snapshot).Error; err != nil {
		return nil, mapErr(err)
	}
	return &snapshot, nil
}

func (r *Repository) LatestSuccessfulSnapshot(ctx context.Context, promoterID string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	if err := r.db.WithContext(ctx).
		Where("promoter_id = ? AND status = ?", promoterID, models.SnapshotSuccess).
		Order("id DESC").
		First(&snapshot).Error; err != nil {
		return nil, mapErr(err)
	}
	return &snapshot, nil
}

func (r *Repository) LatestSnapshots(ctx context.Context, promoterIDs []string) (map[string]*models.Snapshot, error) {
	out := make(map[string]*models.Snapshot, len(promoterIDs))
	if len(promoterIDs) == 0 {
		return out, nil
	}

	latestIDs := r.db.Model(&models.Snapshot{}).
		Select("MAX(id)").
		Where("promoter_id IN ?", promoterIDs).
		Group("promoter_id")

	var snapshots []*models.Snapshot
	if err := r.db.WithContext(ctx).
		Where("id IN (?)", latestIDs).
		Find(&snapshots).Error; err != nil {
		return nil, err
	}
	for _, s := range snapshots {
		out[s.PromoterID] = s
	}
	return out, nil
}
