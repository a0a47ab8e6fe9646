package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestTriggerPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  TriggerPolicy
		wantErr bool
	}{
		{name: "cron", policy: Recurring("*/5 * * * *")},
		{name: "every", policy: Recurring("@every 30m")},
		{name: "descriptor", policy: Recurring("@hourly")},
		{name: "seconds", policy: Recurring("3600")},
		{name: "zero seconds", policy: Recurring("0"), wantErr: true},
		{name: "negative seconds", policy: Recurring("-60"), wantErr: true},
		{name: "bad cron", policy: Recurring("every tuesday"), wantErr: true},
		{name: "empty schedule", policy: Recurring(""), wantErr: true},
		{name: "manual", policy: Manual()},
		{name: "manual with schedule", policy: TriggerPolicy{Kind: TriggerManual, Schedule: "@hourly"}, wantErr: true},
		{name: "disabled", policy: Disabled()},
		{name: "unknown", policy: TriggerPolicy{Kind: "sometimes"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPromoter_PolicyIsMutuallyExclusive(t *testing.T) {
	p := &Promoter{Enabled: true}

	p.SetTrigger(Recurring("@every 1h"))
	assert.Equal(t, Recurring("@every 1h"), p.Policy())

	p.SetTrigger(Manual())
	assert.Equal(t, Manual(), p.Policy())
	assert.Empty(t, p.Schedule, "switching to manual drops the schedule")

	p.SetTrigger(Recurring("0 * * * *"))
	p.SetTrigger(Disabled())
	assert.Equal(t, Disabled(), p.Policy())
	assert.Equal(t, Recurring("0 * * * *"), p.Trigger(), "disabled keeps the configured trigger")
}

func TestScheduleInterval(t *testing.T) {
	every, ok := ScheduleInterval("90")
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, every)

	_, ok = ScheduleInterval("@every 90s")
	assert.False(t, ok)
}

func TestCompanyHostFromSource(t *testing.T) {
	host, err := CompanyHostFromSource("https://acme.firstpromoter.com/login?ref=1")
	require.NoError(t, err)
	assert.Equal(t, "acme.firstpromoter.com", host)

	host, err = CompanyHostFromSource("http://localhost:3000/x")
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", host)

	_, err = CompanyHostFromSource("not a url")
	assert.Error(t, err)

	_, err = CompanyHostFromSource("ftp://files.example.com")
	assert.Error(t, err)
}

func TestPromoter_Token(t *testing.T) {
	p := &Promoter{}
	assert.Nil(t, p.Token())
	assert.False(t, p.HasAccessToken())

	p.ApplyToken(&oauth2.Token{AccessToken: "access", RefreshToken: "refresh"})
	require.True(t, p.HasAccessToken())
	tok := p.Token()
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)

	p.ApplyToken(&oauth2.Token{AccessToken: "access-2"})
	assert.Equal(t, "refresh", p.Token().RefreshToken, "empty refresh token keeps the old one")
}

func TestNewFailedSnapshot_DefaultsReason(t *testing.T) {
	s := NewFailedSnapshot("p1", "")
	require.NotNil(t, s.FailedMessage)
	assert.Equal(t, "Unknown error", *s.FailedMessage)
	assert.False(t, s.IsSuccess())
}
