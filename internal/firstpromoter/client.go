// Package firstpromoter talks to the affiliate API on behalf of a promoter.
package firstpromoter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/pkg/logger"
	"github.com/referral-tracker/pkg/ratelimit"
)

const (
	// DefaultBaseURL is the public affiliate API
	DefaultBaseURL = "https://api.fprom.io/api/affiliate/v1"

	companyHostHeader = "company_host"
)

// Login failure codes returned by the API
const (
	codeInvalidCredentials = "invalid_credentials"
	codeInvalidRoute       = "invalid_route"
)

// Config holds client settings
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is a stateless affiliate API client, safe for concurrent use.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// NewClient creates a new affiliate API client. limiter is keyed by company
// host and may be nil.
func NewClient(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewPerKeyLimiter(0, 0)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		limiter: limiter,
		log:     log.WithComponent("firstpromoter"),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Tokens *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Login exchanges the promoter's credentials for an access/refresh token pair.
// The password must already be decrypted. No retry happens here.
func (c *Client) Login(ctx context.Context, email, password, companyHost string) (*oauth2.Token, error) {
	if err := c.limiter.Wait(ctx, companyHost); err != nil {
		return nil, &Error{Op: "login", Kind: ErrUnknownLogin, Err: err}
	}

	var body loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(companyHostHeader, companyHost).
		SetBody(loginRequest{Email: email, Password: password}).
		Post("/authorization/login")
	if err != nil {
		return nil, &Error{Op: "login", Kind: ErrUnknownLogin, Err: err}
	}

	c.log.Debug().
		Str("company_host", companyHost).
		Int("status", resp.StatusCode()).
		Msg("Login response")

	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, &Error{Op: "login", Kind: ErrUnknownLogin, Status: resp.StatusCode(), Err: err}
	}

	if body.Tokens == nil || body.Tokens.AccessToken == "" {
		kind := ErrUnknownLogin
		switch body.Code {
		case codeInvalidCredentials:
			kind = ErrInvalidCredentials
		case codeInvalidRoute:
			kind = ErrInvalidEndpoint
		}
		return nil, &Error{Op: "login", Kind: kind, Status: resp.StatusCode()}
	}

	return &oauth2.Token{
		AccessToken:  body.Tokens.AccessToken,
		RefreshToken: body.Tokens.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}

// meResponse mirrors the subset of /me we read. Every level is a pointer so
// missing objects decode to nil and count as zero.
type meResponse struct {
	Promoter *struct {
		Stats *struct {
			ClicksCount    int64 `json:"clicks_count"`
			ReferralsCount int64 `json:"referrals_count"`
			CustomersCount int64 `json:"customers_count"`
		} `json:"stats"`
		Balances *struct {
			CurrentBalance *struct {
				Cash int64 `json:"cash"`
			} `json:"current_balance"`
		} `json:"balances"`
	} `json:"promoter"`
}

func (m *meResponse) stats() models.Stats {
	var s models.Stats
	if m.Promoter == nil {
		return s
	}
	if st := m.Promoter.Stats; st != nil {
		s.Clicks = st.ClicksCount
		s.Referral = st.ReferralsCount
		s.Customers = st.CustomersCount
	}
	if b := m.Promoter.Balances; b != nil && b.CurrentBalance != nil {
		s.Unpaid = b.CurrentBalance.Cash
	}
	return s
}

// FetchStats reads the promoter's current metrics. A 401 yields
// ErrUnauthorized so the caller can log in again.
func (c *Client) FetchStats(ctx context.Context, accessToken, companyHost string) (models.Stats, error) {
	if err := c.limiter.Wait(ctx, companyHost); err != nil {
		return models.Stats{}, &Error{Op: "fetch", Kind: ErrFetchFailed, Err: err}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetHeader(companyHostHeader, companyHost).
		SetQueryParam("include_promoter", "true").
		Get("/me")
	if err != nil {
		return models.Stats{}, &Error{Op: "fetch", Kind: ErrFetchFailed, Err: err}
	}

	if resp.IsError() {
		kind := ErrFetchFailed
		switch resp.StatusCode() {
		case http.StatusUnauthorized:
			kind = ErrUnauthorized
		case http.StatusNotFound:
			kind = ErrNotFound
		}
		return models.Stats{}, &Error{Op: "fetch", Kind: kind, Status: resp.StatusCode()}
	}

	var body meResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return models.Stats{}, &Error{Op: "fetch", Kind: ErrFetchFailed, Status: resp.StatusCode(), Err: err}
	}

	stats := body.stats()
	c.log.Debug().
		Str("company_host", companyHost).
		Int64("clicks", stats.Clicks).
		Int64("referral", stats.Referral).
		Int64("unpaid", stats.Unpaid).
		Int64("customers", stats.Customers).
		Msg("Fetched promoter stats")

	return stats, nil
}
