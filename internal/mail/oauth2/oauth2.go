// Package oauth2 refreshes XOAUTH2 access tokens for mailbox importers.
// Providers such as Gmail hand out short-lived access tokens; the importer
// keeps a long-lived refresh token and trades it in here when needed.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maildesk-io/maildesk/internal/models"
)

// expirySkew renews tokens slightly before they lapse so an in-flight login
// never races the deadline.
const expirySkew = 2 * time.Minute

// Refresher exchanges a refresh token for a fresh access token.
type Refresher struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
	logger       *log.Logger
	now          func() time.Time
}

// RefresherOption customises a Refresher.
type RefresherOption func(*Refresher)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithRefresherLogger sets the logger for refresh activity.
func WithRefresherLogger(l *log.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// WithRefresherClock overrides the time source for expiry calculations.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher builds a Refresher against the given token endpoint.
func NewRefresher(endpoint, clientID, clientSecret string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Refresh performs the refresh_token grant and returns the new access token
// with its absolute expiry.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	if refreshToken == "" {
		return "", time.Time{}, fmt.Errorf("oauth2: no refresh token configured")
	}

	form := url.Values{
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth2: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth2: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth2: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("oauth2: token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("oauth2: decode response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("oauth2: response carried no access token")
	}

	expiry := r.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	r.logf("refreshed access token, valid until %s", expiry.Format(time.RFC3339))
	return tr.AccessToken, expiry, nil
}

func (r *Refresher) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// tokenStore is the persistence hook the provider needs.
type tokenStore interface {
	UpdateImporterOAuthToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error
}

// Provider hands valid access tokens to the IMAP connector, refreshing and
// persisting them when the cached one has lapsed.
type Provider struct {
	refresher *Refresher
	store     tokenStore
	now       func() time.Time
}

// NewProvider builds a Provider over the given refresher and store.
func NewProvider(r *Refresher, st tokenStore) *Provider {
	return &Provider{refresher: r, store: st, now: r.now}
}

// AccessToken returns the importer's cached access token while it is still
// fresh, otherwise refreshes it and writes the new token back.
func (p *Provider) AccessToken(ctx context.Context, imp models.Importer) (string, error) {
	if imp.OAuth2AccessToken != "" && imp.OAuth2TokenExpiry != nil &&
		imp.OAuth2TokenExpiry.After(p.now().Add(expirySkew)) {
		return imp.OAuth2AccessToken, nil
	}

	token, expiry, err := p.refresher.Refresh(ctx, imp.OAuth2RefreshToken)
	if err != nil {
		return "", err
	}
	if err := p.store.UpdateImporterOAuthToken(ctx, imp.ID, token, expiry); err != nil {
		return "", fmt.Errorf("oauth2: persist token for importer %d: %w", imp.ID, err)
	}
	return token, nil
}
