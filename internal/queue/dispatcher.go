package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"golang.org/x/time/rate"
)

// DispatcherConfig contains drain loop configuration.
type DispatcherConfig struct {
	// FetchLimit bounds the number of rows one drain run considers.
	FetchLimit int
	// InstanceRetryDelay is how far a message is pushed out when its channel
	// has no active instance. The condition does not consume retry budget.
	InstanceRetryDelay time.Duration
}

// DefaultDispatcherConfig returns default drain loop configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		FetchLimit:         200,
		InstanceRetryDelay: 5 * time.Minute,
	}
}

// DrainStats summarizes one dispatcher run.
type DrainStats struct {
	Fetched     int `json:"fetched"`
	Sent        int `json:"sent"`
	Retried     int `json:"retried"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
	Skipped     int `json:"skipped"`
}

// Dispatcher is the drain loop: it pulls eligible messages in priority+time
// order, applies the rate limiter, sends through the matching channel sender
// and writes back the outcome. Each run is run-to-completion and stateless;
// all shared state lives in the queue store.
type Dispatcher struct {
	config  DispatcherConfig
	repo    Repository
	limiter *Limiter
	backoff BackoffPolicy
	senders map[domain.Channel]Sender

	now func() time.Time
}

// NewDispatcher creates a dispatcher over the given senders.
func NewDispatcher(config DispatcherConfig, repo Repository, limiter *Limiter, backoff BackoffPolicy, senders ...Sender) *Dispatcher {
	if config.FetchLimit <= 0 {
		config.FetchLimit = DefaultDispatcherConfig().FetchLimit
	}
	if config.InstanceRetryDelay <= 0 {
		config.InstanceRetryDelay = DefaultDispatcherConfig().InstanceRetryDelay
	}

	senderMap := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		senderMap[s.Channel()] = s
	}

	return &Dispatcher{
		config:  config,
		repo:    repo,
		limiter: limiter,
		backoff: backoff,
		senders: senderMap,
		now:     time.Now,
	}
}

// DrainOnce processes all currently eligible queue rows. Rows for a given
// channel are sent strictly sequentially; different channels run
// concurrently.
func (d *Dispatcher) DrainOnce(ctx context.Context) (DrainStats, error) {
	now := d.now()

	msgs, err := d.repo.FetchDispatchable(ctx, now, d.config.FetchLimit)
	if err != nil {
		return DrainStats{}, fmt.Errorf("fetch dispatchable: %w", err)
	}

	stats := DrainStats{Fetched: len(msgs)}
	if len(msgs) == 0 {
		return stats, nil
	}

	recordQueueFetched(len(msgs))

	// Group per channel, preserving the priority+time order within each.
	perChannel := make(map[domain.Channel][]*domain.QueuedMessage)
	var order []domain.Channel
	for _, m := range msgs {
		if _, seen := perChannel[m.Channel]; !seen {
			order = append(order, m.Channel)
		}
		perChannel[m.Channel] = append(perChannel[m.Channel], m)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ch := range order {
		wg.Add(1)
		go func(ch domain.Channel, batch []*domain.QueuedMessage) {
			defer wg.Done()
			chStats := d.drainChannel(ctx, ch, batch)
			mu.Lock()
			stats.Sent += chStats.Sent
			stats.Retried += chStats.Retried
			stats.Failed += chStats.Failed
			stats.RateLimited += chStats.RateLimited
			stats.Skipped += chStats.Skipped
			mu.Unlock()
		}(ch, perChannel[ch])
	}
	wg.Wait()

	slog.Info("drain complete",
		"fetched", stats.Fetched,
		"sent", stats.Sent,
		"retried", stats.Retried,
		"failed", stats.Failed,
		"rate_limited", stats.RateLimited,
	)

	return stats, nil
}

func (d *Dispatcher) drainChannel(ctx context.Context, channel domain.Channel, msgs []*domain.QueuedMessage) DrainStats {
	var stats DrainStats

	sender, ok := d.senders[channel]
	if !ok {
		slog.Warn("no sender for channel", "channel", channel, "count", len(msgs))
		stats.Skipped = len(msgs)
		return stats
	}

	pacer := d.pacer(ctx, channel)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			return stats
		}

		decision, err := d.limiter.CanSend(ctx, channel, d.now())
		if err != nil {
			slog.Error("rate limit check failed", "channel", channel, "error", err)
			return stats
		}

		if !decision.Allowed && decision.Reason == BlockMinDelay && pacer != nil {
			// A min-delay gap is short enough to wait out in-run instead of
			// rescheduling; the pacer below enforces it.
			decision = Decision{Allowed: true}
		}

		if !decision.Allowed {
			// The channel's budget is spent for this run: push the current
			// and all remaining rows past the block and stop consuming the
			// channel. A rate-limit block is not a delivery failure, so
			// attempts stay untouched.
			until := d.now().Add(decision.RetryAfter)
			for _, rest := range msgs[i:] {
				if err := d.repo.Reschedule(ctx, rest.ID, until); err != nil {
					slog.Error("failed to reschedule rate-limited message", "id", rest.ID, "error", err)
					continue
				}
				stats.RateLimited++
			}
			recordRateLimited(string(channel), string(decision.Reason))
			slog.Debug("channel rate limited",
				"channel", channel,
				"reason", decision.Reason,
				"retry_after", decision.RetryAfter,
				"deferred", len(msgs)-i,
			)
			return stats
		}

		claimed, err := d.repo.ClaimMessage(ctx, msg.ID, d.now())
		if err != nil {
			slog.Error("failed to claim message", "id", msg.ID, "error", err)
			continue
		}
		if !claimed {
			// Another concurrent run owns this row.
			continue
		}

		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return stats
			}
		}

		d.sendOne(ctx, sender, msg, &stats)
	}

	return stats
}

func (d *Dispatcher) sendOne(ctx context.Context, sender Sender, msg *domain.QueuedMessage, stats *DrainStats) {
	start := time.Now()
	result, err := sender.Send(ctx, OutboundMessage{
		ID:           msg.ID,
		RecipientKey: msg.RecipientKey,
		MessageType:  msg.MessageType,
		Content:      msg.Content,
		Media:        msg.Media,
		Priority:     msg.Priority,
		Metadata:     msg.Metadata,
	})
	duration := time.Since(start)

	if err != nil {
		d.handleSendError(ctx, msg, err, stats)
		return
	}

	if err := d.repo.MarkSent(ctx, msg.ID, result.TransportMessageID, d.now()); err != nil {
		slog.Error("failed to mark as sent", "id", msg.ID, "error", err)
		return
	}

	stats.Sent++
	recordMessageSent(string(msg.Channel), "sent")
	recordSendDuration(string(msg.Channel), duration)

	slog.Debug("message sent",
		"id", msg.ID,
		"channel", msg.Channel,
		"transport_message_id", result.TransportMessageID,
		"duration", duration,
	)
}

func (d *Dispatcher) handleSendError(ctx context.Context, msg *domain.QueuedMessage, err error, stats *DrainStats) {
	if errors.Is(err, ErrNoActiveInstance) {
		// Infrastructure condition, not a delivery failure: the row stays
		// pending without consuming retry budget until an operator
		// reconnects an instance.
		until := d.now().Add(d.config.InstanceRetryDelay)
		if rErr := d.repo.Reschedule(ctx, msg.ID, until); rErr != nil {
			slog.Error("failed to reschedule message without instance", "id", msg.ID, "error", rErr)
		}
		stats.Skipped++
		recordMessageSent(string(msg.Channel), "no_instance")
		slog.Warn("no active channel instance",
			"id", msg.ID,
			"channel", msg.Channel,
			"retry_at", until,
		)
		return
	}

	slog.Warn("send failed",
		"id", msg.ID,
		"channel", msg.Channel,
		"attempt", msg.Attempts+1,
		"max_attempts", msg.MaxAttempts,
		"error", err,
	)

	if !isRetryable(err) {
		// Retrying a structurally invalid send wastes quota.
		d.markFailed(ctx, msg, err.Error(), stats)
		return
	}

	if msg.Attempts+1 >= msg.MaxAttempts {
		d.markFailed(ctx, msg, fmt.Sprintf("max attempts exceeded: %v", err), stats)
		return
	}

	delay := d.backoff.NextDelay(msg.Attempts + 1)
	retryAt := d.now().Add(delay)
	if rErr := d.repo.RescheduleRetry(ctx, msg.ID, retryAt, err.Error()); rErr != nil {
		slog.Error("failed to schedule retry", "id", msg.ID, "error", rErr)
		return
	}

	stats.Retried++
	recordMessageSent(string(msg.Channel), "retry")
	slog.Info("message scheduled for retry", "id", msg.ID, "retry_at", retryAt)
}

func (d *Dispatcher) markFailed(ctx context.Context, msg *domain.QueuedMessage, lastError string, stats *DrainStats) {
	if err := d.repo.MarkFailed(ctx, msg.ID, lastError); err != nil {
		slog.Error("failed to mark as failed", "id", msg.ID, "error", err)
		return
	}
	stats.Failed++
	recordMessageSent(string(msg.Channel), "failed")
}

// pacer builds the per-run min-delay limiter for a channel. The bucket is
// seeded with the channel's last persisted send, so the first send of a run
// still honors the gap since the previous run.
func (d *Dispatcher) pacer(ctx context.Context, channel domain.Channel) *rate.Limiter {
	cfg, ok := d.limiter.Config(channel)
	if !ok || cfg.MinDelayBetweenSends <= 0 {
		return nil
	}
	pacer := rate.NewLimiter(rate.Every(cfg.MinDelayBetweenSends), 1)

	stats, err := d.repo.ChannelSendStats(ctx, channel, d.now())
	if err != nil {
		slog.Error("channel send stats for pacer", "channel", channel, "error", err)
		return pacer
	}
	if stats.LastSentAt != nil {
		pacer.AllowN(*stats.LastSentAt, 1)
	}
	return pacer
}
