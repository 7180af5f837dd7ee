package marketplace

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// DefaultPageSize is used when the configured page size is not positive
const DefaultPageSize = 100

// MaxPageSize is the largest page the marketplace accepts
const MaxPageSize = 500

// Errors for marketplace client configuration
var (
	ErrConfigMissingBaseURL = errors.New("marketplace: base URL is required")
	ErrConfigMissingToken   = errors.New("marketplace: API token is required")
	ErrConfigInvalidBaseURL = errors.New("marketplace: base URL is invalid")
	ErrConfigNoAccounts     = errors.New("marketplace: at least one account must be enabled")
)

// AccountEndpoint is the API location and credential of one seller account
type AccountEndpoint struct {
	// BaseURL is the marketplace host, e.g. https://api.marketplace.example
	BaseURL string
	// Token is sent as a bearer token
	Token string
}

// Validate validates the account endpoint and trims a trailing slash from BaseURL
func (e *AccountEndpoint) Validate() error {
	if e.BaseURL == "" {
		return ErrConfigMissingBaseURL
	}
	if e.Token == "" {
		return ErrConfigMissingToken
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrConfigInvalidBaseURL, e.BaseURL)
	}
	e.BaseURL = strings.TrimRight(e.BaseURL, "/")
	return nil
}

// ClientConfig holds the enabled accounts of the marketplace client
type ClientConfig struct {
	Accounts map[marketsync.AccountScope]AccountEndpoint
	PageSize int
}

// Validate validates every account and applies defaults
func (c *ClientConfig) Validate() error {
	if len(c.Accounts) == 0 {
		return ErrConfigNoAccounts
	}
	for account, endpoint := range c.Accounts {
		if !account.IsValid() {
			return fmt.Errorf("%w: %q", marketsync.ErrInvalidScope, account)
		}
		if err := endpoint.Validate(); err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
		c.Accounts[account] = endpoint
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
	return nil
}
