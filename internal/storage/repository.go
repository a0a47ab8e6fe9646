package storage

import (
	"context"
	"errors"

	"github.com/referral-tracker/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence
type Repository interface {
	// User operations
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	DeleteUser(ctx context.Context, id string) error

	// Promoter operations
	CreatePromoter(ctx context.Context, promoter *models.Promoter) error
	GetPromoter(ctx context.Context, id string) (*models.Promoter, error)
	GetPromoterForUser(ctx context.Context, id, userID string) (*models.Promoter, error)
	ListPromoters(ctx context.Context, filter PromoterFilter) ([]*models.Promoter, error)
	UpdatePromoter(ctx context.Context, promoter *models.Promoter) error // leaves tokens untouched
	UpdatePromoterTokens(ctx context.Context, id, accessToken, refreshToken string) error
	ClearPromoterTokens(ctx context.Context, id string) error
	DeletePromoter(ctx context.Context, id string) error

	// Snapshot operations (append-only)
	AppendSnapshot(ctx context.Context, snapshot *models.Snapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.Snapshot, int64, error)
	LatestSnapshot(ctx context.Context, promoterID string) (*models.Snapshot, error)
	LatestSuccessfulSnapshot(ctx context.Context, promoterID string) (*models.Snapshot, error)
	LatestSnapshots(ctx context.Context, promoterIDs []string) (map[string]*models.Snapshot, error)

	// Maintenance
	Close() error
	Migrate() error
}

// PromoterFilter defines filtering options for promoters
type PromoterFilter struct {
	UserID      string
	EnabledOnly bool
	Limit       int
	Offset      int
}

// Snapshot sort keys
const (
	SortCreatedAt = "created_at"
	SortClicks    = "clicks"
	SortReferral  = "referral"
	SortUnpaid    = "unpaid"
	SortCustomers = "customers"
	SortStatus    = "status"
)

var snapshotSortKeys = map[string]bool{
	SortCreatedAt: true,
	SortClicks:    true,
	SortReferral:  true,
	SortUnpaid:    true,
	SortCustomers: true,
	SortStatus:    true,
}

// ValidSnapshotSortKey reports whether key may be used in SnapshotFilter.OrderBy
func ValidSnapshotSortKey(key string) bool {
	return snapshotSortKeys[key]
}

// SnapshotFilter defines paging and ordering for a promoter's history.
// Page is 1-based.
type SnapshotFilter struct {
	PromoterID string
	Status     *models.SnapshotStatus
	Page       int
	PageSize   int
	OrderBy    string
	OrderDesc  bool
}

// DefaultSnapshotFilter returns a filter with sensible defaults
func DefaultSnapshotFilter(promoterID string) SnapshotFilter {
	return SnapshotFilter{
		PromoterID: promoterID,
		Page:       1,
		PageSize:   10,
		OrderBy:    SortCreatedAt,
		OrderDesc:  true,
	}
}

// Normalize clamps paging values and falls back to created_at ordering
func (f SnapshotFilter) Normalize() SnapshotFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 10
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	if !ValidSnapshotSortKey(f.OrderBy) {
		f.OrderBy = SortCreatedAt
	}
	return f
}

// Offset returns the row offset for the filter's page
func (f SnapshotFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
