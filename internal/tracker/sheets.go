// Package tracker mirrors recorded snapshots into a Google Sheets
// spreadsheet so account owners can chart them without API access.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/notify"
	"github.com/referral-tracker/pkg/logger"
)

// SheetColumns defines the column headers for the snapshot sheet
var SheetColumns = []string{
	"Recorded At",
	"Promoter ID",
	"Company Host",
	"Email",
	"Status",
	"Clicks",
	"Referrals",
	"Customers",
	"Unpaid",
	"Error",
}

// Config holds Google Sheets export settings
type Config struct {
	SpreadsheetID      string
	SheetName          string
	CredentialsFile    string
	ServiceAccountJSON string
}

// SheetsExporter appends one row per snapshot
type SheetsExporter struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           *logger.Logger

	mu    sync.Mutex
	ready bool
}

// NewSheetsExporter creates an exporter authenticated with a service account
func NewSheetsExporter(ctx context.Context, cfg Config, log *logger.Logger) (*SheetsExporter, error) {
	var opt option.ClientOption
	switch {
	case cfg.ServiceAccountJSON != "":
		opt = option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON))
	case cfg.CredentialsFile != "":
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}

	srv, err := sheets.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return newExporter(srv, cfg, log), nil
}

func newExporter(srv *sheets.Service, cfg Config, log *logger.Logger) *SheetsExporter {
	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Snapshots"
	}
	return &SheetsExporter{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		log:           log.WithComponent("sheets-export"),
	}
}

// Export appends snapshot as a new row, creating the sheet and its header
// row on first use.
func (t *SheetsExporter) Export(ctx context.Context, promoter *models.Promoter, snapshot *models.Snapshot) error {
	if err := t.initialize(ctx); err != nil {
		return err
	}
	return t.appendRow(ctx, snapshotRow(promoter, snapshot))
}

func (t *SheetsExporter) initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return nil
	}

	if err := t.ensureSheetExists(ctx); err != nil {
		return err
	}

	readRange := fmt.Sprintf("%s!A1:%s1", t.sheetName, lastColumn())
	resp, err := t.service.Spreadsheets.Values.Get(t.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(resp.Values) == 0 {
		if err := t.writeHeaders(ctx); err != nil {
			return err
		}
	}

	t.ready = true
	return nil
}

// ensureSheetExists creates the sheet if it doesn't exist
func (t *SheetsExporter) ensureSheetExists(ctx context.Context) error {
	spreadsheet, err := t.service.Spreadsheets.Get(t.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == t.sheetName {
			return nil
		}
	}

	t.log.Info().Str("sheet", t.sheetName).Msg("Creating new sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: t.sheetName},
				},
			},
		},
	}
	if _, err := t.service.Spreadsheets.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

func (t *SheetsExporter) writeHeaders(ctx context.Context) error {
	headerRow := make([]interface{}, 0, len(SheetColumns))
	for _, col := range SheetColumns {
		headerRow = append(headerRow, col)
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{headerRow}}
	_, err := t.service.Spreadsheets.Values.Update(t.spreadsheetID, t.sheetName+"!A1", valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	t.log.Info().Msg("Sheet headers initialized")
	return nil
}

func (t *SheetsExporter) appendRow(ctx context.Context, row []interface{}) error {
	appendRange := fmt.Sprintf("%s!A:%s", t.sheetName, lastColumn())
	valueRange := &sheets.ValueRange{Values: [][]interface{}{row}}

	_, err := t.service.Spreadsheets.Values.Append(t.spreadsheetID, appendRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	return nil
}

func snapshotRow(promoter *models.Promoter, s *models.Snapshot) []interface{} {
	failed := ""
	if s.FailedMessage != nil {
		failed = *s.FailedMessage
	}
	return []interface{}{
		s.CreatedAt.UTC().Format(time.RFC3339),
		promoter.ID,
		promoter.CompanyHost,
		promoter.Email,
		string(s.Status),
		s.Clicks,
		s.Referral,
		s.Customers,
		notify.FromCents(s.Unpaid).StringFixed(2),
		failed,
	}
}

// lastColumn is the A1 letter of the final header column
func lastColumn() string {
	return string(rune('A' + len(SheetColumns) - 1))
}
