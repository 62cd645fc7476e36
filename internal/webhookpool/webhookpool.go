// Package webhookpool maintains one Discord webhook per channel the bridge
// impersonates users in, with acquire/execute semantics, 404 invalidation,
// 429 backoff, and a per-channel circuit breaker for persistent failures.
package webhookpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roomy-space/discord-bridge/internal/repo"
)

const (
	cbThreshold = 5                // consecutive failures before a channel's circuit opens
	cbCooldown  = 2 * time.Minute
)

// DiscordClient is the narrow seam the pool needs from the Discord adapter,
// small enough to fake in tests without a real discordgo session.
type DiscordClient interface {
	FetchOrCreateWebhook(ctx context.Context, channelID string) (webhookID, token string, err error)
	ExecuteWebhook(ctx context.Context, webhookID, token string, content, username, avatarURL, nonce string) (messageID string, err error)
}

// ErrWebhookGone indicates the webhook was deleted externally (Discord 404).
var ErrWebhookGone = errors.New("webhook gone")

// ErrRateLimited indicates the pool gave up retrying a 429 within its
// bounded backoff budget.
var ErrRateLimited = errors.New("rate limited")

// Pool manages per-channel webhook credentials and execution.
type Pool struct {
	discord    DiscordClient
	repo       *repo.Repo
	maxRetries int

	mu       sync.Mutex
	circuits map[string]*circuit
	limiters map[string]*rate.Limiter
}

// discordWebhookRate approximates Discord's per-webhook rate limit (roughly
// 5 requests per 2 seconds); the limiter smooths bursts from a fast backfill
// fan-out instead of relying purely on reactive 429 backoff.
const discordWebhookRate = rate.Limit(2.5)

// New constructs a Pool. maxRetries bounds the number of 429 retries per
// Execute call (spec.md §4.3's "bounded exponential backoff").
func New(discord DiscordClient, repository *repo.Repo, maxRetries int) *Pool {
	return &Pool{
		discord:    discord,
		repo:       repository,
		maxRetries: maxRetries,
		circuits:   make(map[string]*circuit),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Acquire returns a cached webhook credential for channelID, fetching or
// creating one on cache miss.
func (p *Pool) Acquire(ctx context.Context, channelID string) (webhookID, token string, err error) {
	if wh, ok, err := p.repo.GetWebhookToken(channelID); err != nil {
		return "", "", fmt.Errorf("lookup cached webhook: %w", err)
	} else if ok {
		return wh.WebhookID, wh.Token, nil
	}

	id, tok, err := p.discord.FetchOrCreateWebhook(ctx, channelID)
	if err != nil {
		return "", "", fmt.Errorf("fetch or create webhook for channel %s: %w", channelID, err)
	}
	if err := p.repo.SetWebhookToken(channelID, repo.WebhookToken{WebhookID: id, Token: tok}); err != nil {
		return "", "", fmt.Errorf("cache webhook for channel %s: %w", channelID, err)
	}
	return id, tok, nil
}

// Execute posts content through channelID's webhook, impersonating
// username/avatarURL, tagged with an idempotency nonce. On 404 it
// invalidates the cache and retries acquire+execute once; on 429 it
// retries with bounded exponential backoff honoring Retry-After.
func (p *Pool) Execute(ctx context.Context, channelID, content, username, avatarURL, nonce string) (string, error) {
	cb := p.circuitFor(channelID)
	if cb.isOpen() {
		return "", fmt.Errorf("channel %s: %w", channelID, errCircuitOpen)
	}

	if err := p.limiterFor(channelID).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait for channel %s: %w", channelID, err)
	}

	id, token, err := p.Acquire(ctx, channelID)
	if err != nil {
		cb.recordFailure()
		return "", err
	}

	messageID, err := p.executeWithRetry(ctx, channelID, id, token, content, username, avatarURL, nonce)
	if err != nil {
		if cb.recordFailure() {
			slog.Warn("webhook circuit opened", "channelId", channelID)
		}
		return "", err
	}
	cb.recordSuccess()
	return messageID, nil
}

func (p *Pool) executeWithRetry(ctx context.Context, channelID, webhookID, token, content, username, avatarURL, nonce string) (string, error) {
	messageID, err := p.discord.ExecuteWebhook(ctx, webhookID, token, content, username, avatarURL, nonce)
	if err == nil {
		return messageID, nil
	}

	if errors.Is(err, ErrWebhookGone) {
		slog.Info("webhook gone, recreating", "channelId", channelID)
		if err := p.repo.InvalidateWebhookToken(channelID); err != nil {
			return "", fmt.Errorf("invalidate stale webhook for %s: %w", channelID, err)
		}
		newID, newToken, err := p.Acquire(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("re-acquire webhook for %s: %w", channelID, err)
		}
		return p.discord.ExecuteWebhook(ctx, newID, newToken, content, username, avatarURL, nonce)
	}

	var rl *rateLimitError
	if errors.As(err, &rl) {
		backoff := rl.retryAfter
		for attempt := 0; attempt < p.maxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			messageID, err = p.discord.ExecuteWebhook(ctx, webhookID, token, content, username, avatarURL, nonce)
			if err == nil {
				return messageID, nil
			}
			if !errors.As(err, &rl) {
				return "", err
			}
			backoff = nextBackoff(backoff, rl.retryAfter)
		}
		return "", fmt.Errorf("channel %s after %d retries: %w", channelID, p.maxRetries, ErrRateLimited)
	}

	return "", err
}

func nextBackoff(prev, retryAfter time.Duration) time.Duration {
	doubled := prev * 2
	if retryAfter > doubled {
		return retryAfter
	}
	return doubled
}

// rateLimitError lets a DiscordClient implementation signal a 429 with its
// Retry-After duration without the pool depending on discordgo's HTTP types.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return fmt.Sprintf("rate limited, retry after %s", e.retryAfter) }

// NewRateLimitError constructs the error a DiscordClient should return from
// ExecuteWebhook on a 429 response.
func NewRateLimitError(retryAfter time.Duration) error {
	return &rateLimitError{retryAfter: retryAfter}
}

var errCircuitOpen = errors.New("webhook circuit open for channel")

// circuit is a per-channel circuit breaker, mirroring the shape of a
// per-relay publish circuit breaker: open after consecutive failures,
// half-open retry after a cooldown.
type circuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
}

func (p *Pool) limiterFor(channelID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(discordWebhookRate, 1)
		p.limiters[channelID] = l
	}
	return l
}

func (p *Pool) circuitFor(channelID string) *circuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.circuits[channelID]
	if !ok {
		cb = &circuit{}
		p.circuits[channelID] = cb
	}
	return cb
}

func (cb *circuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

func (cb *circuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

func (cb *circuit) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.failCount = 0
}
