// Package notify delivers out-of-band notifications: balance increase
// mail to the promoter's owner and webhook pings to an external listener.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"

	"github.com/referral-tracker/pkg/logger"
)

// BalanceIncrease describes a grown unpaid balance. Amounts are in major
// currency units.
type BalanceIncrease struct {
	To       string
	UserName string
	Host     string
	Previous decimal.Decimal
	Current  decimal.Decimal
}

// Increase returns Current - Previous
func (b BalanceIncrease) Increase() decimal.Decimal {
	return b.Current.Sub(b.Previous)
}

// NewBalanceIncrease builds a notification from balances in minor units.
func NewBalanceIncrease(to, userName, host string, previousCents, currentCents int64) BalanceIncrease {
	return BalanceIncrease{
		To:       to,
		UserName: userName,
		Host:     host,
		Previous: FromCents(previousCents),
		Current:  FromCents(currentCents),
	}
}

// FromCents converts a minor unit amount into major units
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// BalanceNotifier tells a user their referral balance went up.
type BalanceNotifier interface {
	NotifyBalanceIncrease(ctx context.Context, n BalanceIncrease) error
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) NotifyBalanceIncrease(context.Context, BalanceIncrease) error { return nil }

// MailerConfig holds SMTP settings
type MailerConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	SenderName  string
	SenderEmail string
	Timeout     time.Duration // per message, zero means 30s
}

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

// Mailer sends balance notifications over SMTP
type Mailer struct {
	cfg  MailerConfig
	send sendFunc
	log  *logger.Logger
}

// NewMailer creates an SMTP mailer
func NewMailer(cfg MailerConfig, log *logger.Logger) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Mailer{
		cfg: cfg,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
		log: log.WithComponent("mailer"),
	}
}

// Subject returns the mail subject for host
func Subject(host string) string {
	return fmt.Sprintf("Your %s Referral Balance Has Increased!", host)
}

func (m *Mailer) build(n BalanceIncrease) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("%s <%s>", m.cfg.SenderName, m.cfg.SenderEmail)
	mail.To = []string{n.To}
	mail.Subject = Subject(n.Host)

	name := n.UserName
	if name == "" {
		name = "there"
	}

	body := fmt.Sprintf(`Hi %s,

Good news! Your referral balance on %s has increased.

Previous balance: $%s
New balance: $%s
Increase: $%s

Keep sharing your referral link to earn more.`,
		name, n.Host,
		n.Previous.StringFixed(2), n.Current.StringFixed(2), n.Increase().StringFixed(2))
	mail.Text = []byte(body)
	return mail
}

// NotifyBalanceIncrease sends the balance increase mail
func (m *Mailer) NotifyBalanceIncrease(ctx context.Context, n BalanceIncrease) error {
	if n.To == "" {
		return fmt.Errorf("no recipient for balance notification")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := m.build(n)
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	// The SMTP client has no deadline of its own; give up on it when ctx ends.
	result := make(chan error, 1)
	go func() {
		err := m.send(mail, addr, auth)
		if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
			err = m.send(mail, addr, nil)
		}
		result <- err
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("failed to send balance email: %w", err)
	}

	m.log.Info().
		Str("to", n.To).
		Str("host", n.Host).
		Str("increase", n.Increase().StringFixed(2)).
		Msg("Balance increase email sent")
	return nil
}
