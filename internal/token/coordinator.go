// Package token refreshes mailbox OAuth credentials. Every failure is
// classified as permanent or transient at the point it is observed; callers
// read ShouldRetry from the result instead of inferring it from HTTP status.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadmap/mailsync/internal/secrets"
	"github.com/leadmap/mailsync/internal/store"
)

// ErrorCode is the closed set of refresh failure codes. Provider error codes
// such as "invalid_grant" pass through verbatim.
type ErrorCode string

const (
	ErrMissingRefreshToken ErrorCode = "MISSING_REFRESH_TOKEN"
	ErrOAuthNotConfigured  ErrorCode = "OAUTH_NOT_CONFIGURED"
	ErrUnsupportedProvider ErrorCode = "UNSUPPORTED_PROVIDER"
	ErrInvalidResponse     ErrorCode = "INVALID_RESPONSE"
	ErrNetwork             ErrorCode = "NETWORK_ERROR"
)

const defaultExpiresIn = 3600

// RefreshResult is the outcome of one Refresh call.
type RefreshResult struct {
	Success     bool
	AccessToken string
	ExpiresIn   int
	ErrorCode   ErrorCode
	Message     string
	ShouldRetry bool
}

// Options controls retry and persistence behavior for a Refresh call.
type Options struct {
	AutoRetry  bool
	MaxRetries int
	Persist    bool
}

// ProviderConfig is one OAuth application's credentials.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

// Config carries per-provider OAuth settings. The token URLs default to the
// real endpoints and are overridable so tests can point at local servers.
type Config struct {
	Google            ProviderConfig
	Microsoft         ProviderConfig
	MicrosoftTenant   string
	GoogleTokenURL    string
	MicrosoftTokenURL string
}

// CredentialStore is the slice of the store the coordinator writes back to.
type CredentialStore interface {
	UpdateMailboxTokens(ctx context.Context, id, sealedAccessToken string, expiresAt time.Time) error
	SetMailboxActive(ctx context.Context, id string, active bool) error
}

// Coordinator decides when and how to refresh a mailbox's access token.
type Coordinator struct {
	store  CredentialStore
	box    *secrets.Box
	client *http.Client
	cfg    Config
	logger *slog.Logger

	// swappable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator. logger may be nil.
func NewCoordinator(credStore CredentialStore, box *secrets.Box, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.GoogleTokenURL == "" {
		cfg.GoogleTokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.MicrosoftTokenURL == "" {
		tenant := cfg.MicrosoftTenant
		if tenant == "" {
			tenant = "common"
		}
		cfg.MicrosoftTokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  credStore,
		box:    box,
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// NeedsRefresh reports whether the mailbox's access token expires within
// buffer of now. An unknown expiry always needs a refresh.
func (c *Coordinator) NeedsRefresh(mb store.Mailbox, buffer time.Duration) bool {
	if mb.TokenExpiresAt.IsZero() {
		return true
	}
	return !c.now().Add(buffer).Before(mb.TokenExpiresAt)
}

// Refresh exchanges the mailbox's refresh token for a new access token.
// Transient failures are retried up to opts.MaxRetries when AutoRetry is set;
// permanent failures short-circuit after the first attempt.
func (c *Coordinator) Refresh(ctx context.Context, mb *store.Mailbox, opts Options) RefreshResult {
	refreshToken, err := c.box.Open(mb.RefreshToken)
	if err != nil {
		return RefreshResult{
			ErrorCode: ErrInvalidResponse,
			Message:   fmt.Sprintf("stored refresh token unreadable: %v", err),
		}
	}
	if strings.TrimSpace(refreshToken) == "" {
		return RefreshResult{
			ErrorCode: ErrMissingRefreshToken,
			Message:   "mailbox has no refresh token",
		}
	}

	attempts := 1
	if opts.AutoRetry && opts.MaxRetries > 0 {
		attempts += opts.MaxRetries
	}

	var result RefreshResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			c.logger.Info("retrying token refresh",
				"mailbox_id", mb.ID, "attempt", attempt, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				result.Message = "refresh canceled: " + err.Error()
				return result
			}
		}

		result = c.refreshOnce(ctx, mb.Provider, refreshToken)
		if result.Success || !result.ShouldRetry {
			break
		}
	}

	if result.Success && opts.Persist {
		if err := c.persist(ctx, mb, result); err != nil {
			c.logger.Error("failed to persist refreshed token", "mailbox_id", mb.ID, "err", err)
		}
	}
	if !result.Success && !result.ShouldRetry && result.ErrorCode == "invalid_grant" && opts.Persist {
		// Grant revoked upstream: surface the mailbox as needing re-auth.
		if err := c.store.SetMailboxActive(ctx, mb.ID, false); err != nil {
			c.logger.Error("failed to disable mailbox", "mailbox_id", mb.ID, "err", err)
		} else {
			c.logger.Warn("mailbox disabled, refresh grant revoked", "mailbox_id", mb.ID)
		}
	}

	return result
}

func (c *Coordinator) persist(ctx context.Context, mb *store.Mailbox, result RefreshResult) error {
	sealed, err := c.box.Seal(result.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	expiresAt := c.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	if err := c.store.UpdateMailboxTokens(ctx, mb.ID, sealed, expiresAt); err != nil {
		return err
	}
	mb.AccessToken = sealed
	mb.TokenExpiresAt = expiresAt
	return nil
}

// refreshOnce performs a single token endpoint round trip and classifies the
// response.
func (c *Coordinator) refreshOnce(ctx context.Context, provider store.Provider, refreshToken string) RefreshResult {
	var endpoint string
	var pc ProviderConfig
	switch provider {
	case store.ProviderGmail:
		endpoint, pc = c.cfg.GoogleTokenURL, c.cfg.Google
	case store.ProviderOutlook:
		endpoint, pc = c.cfg.MicrosoftTokenURL, c.cfg.Microsoft
	default:
		return RefreshResult{
			ErrorCode: ErrUnsupportedProvider,
			Message:   fmt.Sprintf("unsupported provider %q", provider),
		}
	}
	if pc.ClientID == "" || pc.ClientSecret == "" {
		return RefreshResult{
			ErrorCode: ErrOAuthNotConfigured,
			Message:   fmt.Sprintf("oauth client credentials not configured for %s", provider),
		}
	}

	form := url.Values{
		"client_id":     {pc.ClientID},
		"client_secret": {pc.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{ErrorCode: ErrNetwork, Message: err.Error(), ShouldRetry: true}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return RefreshResult{ErrorCode: ErrNetwork, Message: "token endpoint unreachable: " + err.Error(), ShouldRetry: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RefreshResult{ErrorCode: ErrNetwork, Message: "read token response: " + err.Error(), ShouldRetry: true}
	}

	return classify(resp.StatusCode, body)
}

// tokenResponse covers both the success and error shapes of the OAuth token
// endpoints; which variant applies is decided by status code and field
// presence, not ad hoc probing downstream.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func classify(status int, body []byte) RefreshResult {
	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	switch {
	case status >= 200 && status < 300:
		if decodeErr != nil || tr.AccessToken == "" {
			// Malformed upstream contract; retrying will not fix it.
			return RefreshResult{
				ErrorCode: ErrInvalidResponse,
				Message:   "token endpoint returned 2xx without access_token",
			}
		}
		expiresIn := tr.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = defaultExpiresIn
		}
		return RefreshResult{Success: true, AccessToken: tr.AccessToken, ExpiresIn: expiresIn}

	case status == http.StatusTooManyRequests || status >= 500:
		code := ErrNetwork
		msg := fmt.Sprintf("token endpoint returned %d", status)
		if decodeErr == nil && tr.Error != "" {
			code = ErrorCode(tr.Error)
			msg = tr.ErrorDescription
		}
		return RefreshResult{ErrorCode: code, Message: msg, ShouldRetry: true}

	default:
		// Other 4xx: the grant or request is bad; retrying cannot help.
		code := ErrInvalidResponse
		msg := fmt.Sprintf("token endpoint returned %d", status)
		if decodeErr == nil && tr.Error != "" {
			code = ErrorCode(tr.Error)
			if tr.ErrorDescription != "" {
				msg = tr.ErrorDescription
			}
		}
		return RefreshResult{ErrorCode: code, Message: msg}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
