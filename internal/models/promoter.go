package models

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind selects how a promoter is polled
type TriggerKind string

const (
	TriggerRecurring TriggerKind = "recurring"
	TriggerManual    TriggerKind = "manual"
	TriggerDisabled  TriggerKind = "disabled"
)

// TriggerPolicy is the polling policy of a promoter. Exactly one variant is
// active: Recurring carries a schedule, Manual and Disabled carry nothing.
type TriggerPolicy struct {
	Kind     TriggerKind `json:"kind"`
	Schedule string      `json:"schedule,omitempty"`
}

// Recurring returns a policy that polls on the given schedule
func Recurring(schedule string) TriggerPolicy {
	return TriggerPolicy{Kind: TriggerRecurring, Schedule: schedule}
}

// Manual returns a policy that only polls on explicit request
func Manual() TriggerPolicy {
	return TriggerPolicy{Kind: TriggerManual}
}

// Disabled returns a policy that never polls
func Disabled() TriggerPolicy {
	return TriggerPolicy{Kind: TriggerDisabled}
}

// IsRecurring reports whether the policy carries a schedule
func (p TriggerPolicy) IsRecurring() bool { return p.Kind == TriggerRecurring }

// IsManual reports whether the policy is manual-only
func (p TriggerPolicy) IsManual() bool { return p.Kind == TriggerManual }

// Validate checks that the policy is well formed
func (p TriggerPolicy) Validate() error {
	switch p.Kind {
	case TriggerRecurring:
		return ValidateSchedule(p.Schedule)
	case TriggerManual, TriggerDisabled:
		if p.Schedule != "" {
			return fmt.Errorf("%s policy cannot carry a schedule", p.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", p.Kind)
	}
}

// scheduleParser accepts standard five-field cron expressions plus the
// @every/@hourly style descriptors. Bare integers are intervals in seconds
// and never reach it.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a schedule definition into a cron schedule
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("schedule is empty")
	}
	if every, ok := ScheduleInterval(schedule); ok {
		if every < time.Second {
			return nil, fmt.Errorf("interval schedule must be at least one second")
		}
		return cron.Every(every), nil
	}
	s, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return s, nil
}

// ScheduleInterval interprets a bare integer schedule as an interval in
// seconds.
func ScheduleInterval(schedule string) (time.Duration, bool) {
	n, err := strconv.ParseInt(schedule, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// ValidateSchedule reports whether schedule is a usable definition
func ValidateSchedule(schedule string) error {
	_, err := ParseSchedule(schedule)
	return err
}

// Promoter is one external affiliate account being monitored
type Promoter struct {
	ID           string      `gorm:"primaryKey;size:36" json:"id"`
	UserID       string      `gorm:"index;not null" json:"userId"`
	Source       string      `gorm:"not null" json:"source"`
	CompanyHost  string      `gorm:"not null" json:"companyHost"`
	Email        string      `gorm:"not null" json:"email"`
	Password     string      `gorm:"type:text;not null" json:"-"` // vault ciphertext
	AccessToken  *string     `gorm:"type:text" json:"-"`
	RefreshToken *string     `gorm:"type:text" json:"-"`
	Enabled      bool        `gorm:"not null" json:"isEnabled"`
	TriggerKind  TriggerKind `gorm:"size:20;not null;default:'manual'" json:"triggerKind"`
	Schedule     string      `json:"schedule,omitempty"`
	Data         []Snapshot  `gorm:"foreignKey:PromoterID;constraint:OnDelete:CASCADE" json:"data,omitempty"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Trigger returns the configured trigger regardless of the enabled flag
func (p *Promoter) Trigger() TriggerPolicy {
	if p.TriggerKind == TriggerRecurring {
		return Recurring(p.Schedule)
	}
	return Manual()
}

// SetTrigger stores the policy on the row. Disabled clears the enabled flag
// but keeps the previous trigger so re-enabling restores it.
func (p *Promoter) SetTrigger(policy TriggerPolicy) {
	switch policy.Kind {
	case TriggerRecurring:
		p.TriggerKind = TriggerRecurring
		p.Schedule = policy.Schedule
	case TriggerManual:
		p.TriggerKind = TriggerManual
		p.Schedule = ""
	case TriggerDisabled:
		p.Enabled = false
	}
}

// Policy returns the effective polling policy
func (p *Promoter) Policy() TriggerPolicy {
	if !p.Enabled {
		return Disabled()
	}
	return p.Trigger()
}

// HasAccessToken reports whether a login has been persisted
func (p *Promoter) HasAccessToken() bool {
	return p.AccessToken != nil && *p.AccessToken != ""
}

// CompanyHostFromSource derives the normalized host from a source URL
func CompanyHostFromSource(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("source url must be http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("source url has no host")
	}
	return u.Host, nil
}
