package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadmap/mailsync/internal/cache"
	"github.com/leadmap/mailsync/internal/secrets"
	"github.com/leadmap/mailsync/internal/store"
	"github.com/leadmap/mailsync/internal/token"
)

// TokenRefresher is the coordinator surface the batch runner needs.
type TokenRefresher interface {
	NeedsRefresh(mb store.Mailbox, buffer time.Duration) bool
	Refresh(ctx context.Context, mb *store.Mailbox, opts token.Options) token.RefreshResult
}

// Summary is the JSON shape the cron endpoints return.
type Summary struct {
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Total     int    `json:"total"`
	Duration  string `json:"duration"`
}

// Batch runs a full sync pass over all active mailboxes: ensure a valid
// access token, pull messages since the watermark, advance the watermark.
// Per-mailbox failures are counted, never fatal.
type Batch struct {
	store     *store.Store
	tokens    TokenRefresher
	box       *secrets.Box
	providers ProviderFactory
	poller    *Poller

	// tokenCache holds decrypted access tokens briefly so one batch does not
	// re-open the same credential for every mailbox touchpoint.
	tokenCache *cache.Cache[string, string]

	refreshBuffer time.Duration
	delay         time.Duration
	concurrency   int
	maxMessages   int
	logger        *slog.Logger
}

// BatchConfig wires a Batch.
type BatchConfig struct {
	Store         *store.Store
	Tokens        TokenRefresher
	Box           *secrets.Box
	Providers     ProviderFactory
	Poller        *Poller
	RefreshBuffer time.Duration
	// Delay is the pause between mailboxes, bounding burst rate against the
	// provider APIs.
	Delay time.Duration
	// Concurrency is the worker limit; 1 preserves strict sequential order.
	Concurrency int
	MaxMessages int
	Logger      *slog.Logger
}

func NewBatch(cfg BatchConfig) *Batch {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		store:         cfg.Store,
		tokens:        cfg.Tokens,
		box:           cfg.Box,
		providers:     cfg.Providers,
		poller:        cfg.Poller,
		tokenCache:    cache.New[string, string](cache.Options{MaxSize: 256, DefaultTTL: time.Minute, LRU: true}),
		refreshBuffer: cfg.RefreshBuffer,
		delay:         cfg.Delay,
		concurrency:   concurrency,
		maxMessages:   cfg.MaxMessages,
		logger:        logger,
	}
}

// Run syncs every active mailbox and returns a summary. Mailboxes left
// unprocessed by a canceled context are picked up by the next invocation;
// there is no mid-batch checkpoint.
func (b *Batch) Run(ctx context.Context) Summary {
	start := time.Now()
	summary := Summary{}

	mailboxes, err := b.store.ListActiveMailboxes(ctx)
	if err != nil {
		b.logger.Error("failed to list mailboxes", "err", err)
		summary.Errors = 1
		summary.Duration = time.Since(start).String()
		return summary
	}
	summary.Total = len(mailboxes)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, b.concurrency)

	for i := range mailboxes {
		if ctx.Err() != nil {
			break
		}
		mb := mailboxes[i]

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := b.SyncMailbox(ctx, mb)
			mu.Lock()
			if err != nil {
				summary.Errors++
				b.logger.Warn("mailbox sync failed", "mailbox_id", mb.ID, "err", err)
			} else {
				summary.Processed++
			}
			mu.Unlock()
		}()

		if b.delay > 0 && i < len(mailboxes)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(b.delay):
			}
		}
	}
	wg.Wait()

	summary.Duration = time.Since(start).String()
	b.logger.Info("sync batch complete",
		"total", summary.Total, "processed", summary.Processed, "errors", summary.Errors, "duration", summary.Duration)
	return summary
}

// SyncMailbox performs one mailbox's full sync cycle. Also called directly by
// the webhook handler for a single mailbox.
func (b *Batch) SyncMailbox(ctx context.Context, mb store.Mailbox) error {
	startedAt := time.Now()

	accessToken, err := b.ensureToken(ctx, &mb)
	if err != nil {
		return err
	}

	provider, err := b.providers(ctx, mb, accessToken)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	result := b.poller.Sync(ctx, mb, provider, FetchOptions{
		Since:       mb.LastSyncedAt,
		MaxMessages: b.maxMessages,
	})
	if !result.Success {
		return fmt.Errorf("sync failed with %d errors", len(result.Errors))
	}
	if len(result.Errors) > 0 {
		// Holding the watermark keeps the failed messages inside the next
		// run's window; the ones that did store deduplicate on the upsert key.
		b.logger.Warn("sync completed with message errors, watermark unchanged",
			"mailbox_id", mb.ID, "processed", result.MessagesProcessed, "errors", len(result.Errors))
		return nil
	}

	// Watermark is the batch start, not completion, so messages arriving
	// mid-sync are re-fetched next run and deduplicated by the upsert key.
	if err := b.store.UpdateWatermark(ctx, mb.ID, startedAt); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// ensureToken returns a usable plaintext access token for the mailbox,
// refreshing first when the stored one is close to expiry.
func (b *Batch) ensureToken(ctx context.Context, mb *store.Mailbox) (string, error) {
	if tok, ok := b.tokenCache.Get(mb.ID); ok {
		return tok, nil
	}

	if b.tokens.NeedsRefresh(*mb, b.refreshBuffer) {
		res := b.tokens.Refresh(ctx, mb, token.Options{AutoRetry: true, MaxRetries: 3, Persist: true})
		if !res.Success {
			return "", fmt.Errorf("token refresh: %s (%s)", res.ErrorCode, res.Message)
		}
		b.cacheToken(mb.ID, res.AccessToken, mb.TokenExpiresAt)
		return res.AccessToken, nil
	}

	tok, err := b.box.Open(mb.AccessToken)
	if err != nil {
		return "", fmt.Errorf("open access token: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("mailbox has no access token")
	}
	b.cacheToken(mb.ID, tok, mb.TokenExpiresAt)
	return tok, nil
}

func (b *Batch) cacheToken(mailboxID, tok string, expiresAt time.Time) {
	ttl := time.Minute
	if !expiresAt.IsZero() {
		if until := time.Until(expiresAt) - b.refreshBuffer; until > 0 && until < ttl {
			ttl = until
		}
	}
	b.tokenCache.SetTTL(mailboxID, tok, ttl)
}

// RefreshDueTokens is the credential health pass: it refreshes every active
// mailbox whose token expires within the buffer, pausing between credentials
// to avoid bursting the token endpoints.
func (b *Batch) RefreshDueTokens(ctx context.Context) Summary {
	start := time.Now()
	summary := Summary{}

	mailboxes, err := b.store.ListActiveMailboxes(ctx)
	if err != nil {
		b.logger.Error("failed to list mailboxes", "err", err)
		summary.Errors = 1
		summary.Duration = time.Since(start).String()
		return summary
	}

	for i := range mailboxes {
		if ctx.Err() != nil {
			break
		}
		mb := mailboxes[i]
		if !b.tokens.NeedsRefresh(mb, b.refreshBuffer) {
			continue
		}
		summary.Total++

		res := b.tokens.Refresh(ctx, &mb, token.Options{AutoRetry: true, MaxRetries: 2, Persist: true})
		if res.Success {
			summary.Processed++
		} else {
			summary.Errors++
			b.logger.Warn("token refresh failed",
				"mailbox_id", mb.ID, "code", res.ErrorCode, "retryable", res.ShouldRetry)
		}

		if b.delay > 0 && i < len(mailboxes)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(b.delay):
			}
		}
	}

	summary.Duration = time.Since(start).String()
	return summary
}
