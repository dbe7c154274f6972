package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
)

// BlockReason names which ceiling blocked a send.
type BlockReason string

// Block reasons.
const (
	BlockNone       BlockReason = ""
	BlockSendWindow BlockReason = "send_window"
	BlockPerMinute  BlockReason = "per_minute"
	BlockPerHour    BlockReason = "per_hour"
	BlockMinDelay   BlockReason = "min_delay"
)

// Decision is the rate limiter's answer to "may I send now?". The limiter is
// advisory: it never blocks the caller, the dispatcher reschedules instead.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     BlockReason
}

// WindowState exposes the derived per-channel window counters for
// observability.
type WindowState struct {
	Channel               domain.Channel
	SentLastMinute        int
	SentLastHour          int
	AverageInterSendDelay time.Duration
}

// Limiter answers per-channel throughput questions against the queue store.
// Counts are computed from sent_at timestamps at read time; two concurrent
// dispatcher runs may both read under-limit counts and slightly overshoot,
// which is an accepted soft limit.
type Limiter struct {
	repo    Repository
	configs map[domain.Channel]domain.RateLimitConfig
}

// NewLimiter creates a rate limiter for the configured channels. Channels
// without a config are unlimited.
func NewLimiter(repo Repository, configs []domain.RateLimitConfig) *Limiter {
	byChannel := make(map[domain.Channel]domain.RateLimitConfig, len(configs))
	for _, c := range configs {
		byChannel[c.Channel] = c
	}
	return &Limiter{repo: repo, configs: byChannel}
}

// Channels lists the channels with a configured limit.
func (l *Limiter) Channels() []domain.Channel {
	channels := make([]domain.Channel, 0, len(l.configs))
	for ch := range l.configs {
		channels = append(channels, ch)
	}
	return channels
}

// Config returns the limit config for a channel, if any.
func (l *Limiter) Config(channel domain.Channel) (domain.RateLimitConfig, bool) {
	c, ok := l.configs[channel]
	return c, ok
}

// CanSend reports whether a send on the channel is allowed at now, and if
// not, the smallest sufficient wait.
func (l *Limiter) CanSend(ctx context.Context, channel domain.Channel, now time.Time) (Decision, error) {
	cfg, ok := l.configs[channel]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if cfg.RespectSendWindow {
		if wait, outside := outsideWindow(cfg, now); outside {
			return Decision{Allowed: false, RetryAfter: wait, Reason: BlockSendWindow}, nil
		}
	}

	stats, err := l.repo.ChannelSendStats(ctx, channel, now)
	if err != nil {
		return Decision{}, fmt.Errorf("channel send stats: %w", err)
	}

	if cfg.MaxPerMinute > 0 && stats.SentLastMinute >= cfg.MaxPerMinute {
		// A slot frees up once the oldest send in the window ages out.
		return Decision{
			Allowed:    false,
			RetryAfter: slotWait(stats.OldestInMinute, time.Minute, now),
			Reason:     BlockPerMinute,
		}, nil
	}
	if cfg.MaxPerHour > 0 && stats.SentLastHour >= cfg.MaxPerHour {
		return Decision{
			Allowed:    false,
			RetryAfter: slotWait(stats.OldestInHour, time.Hour, now),
			Reason:     BlockPerHour,
		}, nil
	}

	if cfg.MinDelayBetweenSends > 0 && stats.LastSentAt != nil {
		elapsed := now.Sub(*stats.LastSentAt)
		if elapsed < cfg.MinDelayBetweenSends {
			return Decision{Allowed: false, RetryAfter: cfg.MinDelayBetweenSends - elapsed, Reason: BlockMinDelay}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// State returns the derived window counters for a channel.
func (l *Limiter) State(ctx context.Context, channel domain.Channel, now time.Time) (WindowState, error) {
	stats, err := l.repo.ChannelSendStats(ctx, channel, now)
	if err != nil {
		return WindowState{}, fmt.Errorf("channel send stats: %w", err)
	}

	state := WindowState{
		Channel:        channel,
		SentLastMinute: stats.SentLastMinute,
		SentLastHour:   stats.SentLastHour,
	}
	if stats.SentLastHour > 0 {
		state.AverageInterSendDelay = time.Hour / time.Duration(stats.SentLastHour)
	}
	return state, nil
}

// slotWait returns the wait until the oldest send in a counting window ages
// out. Without the timestamp the full window is the smallest
// guaranteed-sufficient wait.
func slotWait(oldest *time.Time, window time.Duration, now time.Time) time.Duration {
	if oldest == nil {
		return window
	}
	wait := oldest.Add(window).Sub(now)
	if wait <= 0 || wait > window {
		return window
	}
	return wait
}

// outsideWindow reports whether now's local time of day falls outside the
// configured send window, and the wait until the next opening.
func outsideWindow(cfg domain.RateLimitConfig, now time.Time) (time.Duration, bool) {
	start, end, err := cfg.WindowBounds()
	if err != nil {
		// Misconfigured window never blocks sends.
		return 0, false
	}

	minute := now.Hour()*60 + now.Minute()

	inside := false
	if start <= end {
		inside = minute >= start && minute < end
	} else {
		// Window spans midnight, e.g. 22:00-06:00.
		inside = minute >= start || minute < end
	}
	if inside {
		return 0, false
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnight.Add(time.Duration(start) * time.Minute)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now), true
}
