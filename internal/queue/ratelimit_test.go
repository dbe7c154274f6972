package queue

import (
	"context"
	"testing"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanSendUnconfiguredChannelIsUnlimited(t *testing.T) {
	l := NewLimiter(newMemRepo(), nil)

	decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCanSendPerMinuteCeiling(t *testing.T) {
	repo := newMemRepo()
	l := NewLimiter(repo, []domain.RateLimitConfig{{
		Channel:      domain.ChannelWhatsApp,
		MaxPerMinute: 10,
	}})
	now := time.Now()

	repo.setSendStats(domain.ChannelWhatsApp, SendStats{SentLastMinute: 9, SentLastHour: 9})
	decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	repo.setSendStats(domain.ChannelWhatsApp, SendStats{SentLastMinute: 10, SentLastHour: 10})
	decision, err = l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, BlockPerMinute, decision.Reason)
	// No oldest-send timestamp in the seeded stats: full window fallback.
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestCanSendPerHourCeiling(t *testing.T) {
	repo := newMemRepo()
	l := NewLimiter(repo, []domain.RateLimitConfig{{
		Channel:    domain.ChannelEmail,
		MaxPerHour: 100,
	}})

	repo.setSendStats(domain.ChannelEmail, SendStats{SentLastHour: 100})
	decision, err := l.CanSend(context.Background(), domain.ChannelEmail, time.Now())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, BlockPerHour, decision.Reason)
	assert.Equal(t, time.Hour, decision.RetryAfter)
}

func TestCanSendRetryAfterTracksOldestSend(t *testing.T) {
	repo := newMemRepo()
	l := NewLimiter(repo, []domain.RateLimitConfig{{
		Channel:      domain.ChannelWhatsApp,
		MaxPerMinute: 2,
		MaxPerHour:   5,
	}})
	now := time.Now()

	// The minute slot opens when the oldest send in the window ages out, not
	// a full window later.
	oldest := now.Add(-40 * time.Second)
	repo.setSendStats(domain.ChannelWhatsApp, SendStats{
		SentLastMinute: 2,
		SentLastHour:   2,
		OldestInMinute: &oldest,
	})
	decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, BlockPerMinute, decision.Reason)
	assert.Equal(t, 20*time.Second, decision.RetryAfter)

	hourOldest := now.Add(-45 * time.Minute)
	repo.setSendStats(domain.ChannelWhatsApp, SendStats{
		SentLastHour: 5,
		OldestInHour: &hourOldest,
	})
	decision, err = l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.Equal(t, BlockPerHour, decision.Reason)
	assert.Equal(t, 15*time.Minute, decision.RetryAfter)
}

func TestCanSendMinDelay(t *testing.T) {
	repo := newMemRepo()
	l := NewLimiter(repo, []domain.RateLimitConfig{{
		Channel:              domain.ChannelWhatsApp,
		MinDelayBetweenSends: 10 * time.Second,
	}})
	now := time.Now()

	last := now.Add(-4 * time.Second)
	repo.setSendStats(domain.ChannelWhatsApp, SendStats{LastSentAt: &last})

	decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, BlockMinDelay, decision.Reason)
	assert.Equal(t, 6*time.Second, decision.RetryAfter)

	// Once the gap has elapsed the channel opens again.
	old := now.Add(-11 * time.Second)
	repo.setSendStats(domain.ChannelWhatsApp, SendStats{LastSentAt: &old})
	decision, err = l.CanSend(context.Background(), domain.ChannelWhatsApp, now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCanSendWindow(t *testing.T) {
	cfg := domain.RateLimitConfig{
		Channel:           domain.ChannelWhatsApp,
		RespectSendWindow: true,
		SendWindowStart:   "08:00",
		SendWindowEnd:     "22:00",
	}
	l := NewLimiter(newMemRepo(), []domain.RateLimitConfig{cfg})

	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name      string
		now       time.Time
		allowed   bool
		wantRetry time.Duration
	}{
		{"inside window", at(12, 0), true, 0},
		{"at opening edge", at(8, 0), true, 0},
		{"at closing edge", at(22, 0), false, 10 * time.Hour},
		{"early morning", at(3, 0), false, 5 * time.Hour},
		{"late evening", at(23, 30), false, 8*time.Hour + 30*time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.Equal(t, BlockSendWindow, decision.Reason)
				assert.Equal(t, tt.wantRetry, decision.RetryAfter)
			}
		})
	}
}

func TestCanSendWindowSpanningMidnight(t *testing.T) {
	cfg := domain.RateLimitConfig{
		Channel:           domain.ChannelDiscord,
		RespectSendWindow: true,
		SendWindowStart:   "22:00",
		SendWindowEnd:     "06:00",
	}
	l := NewLimiter(newMemRepo(), []domain.RateLimitConfig{cfg})

	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name    string
		now     time.Time
		allowed bool
	}{
		{"before midnight", at(23, 0), true},
		{"after midnight", at(2, 0), true},
		{"midday", at(12, 0), false},
		{"just before opening", at(21, 59), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := l.CanSend(context.Background(), domain.ChannelDiscord, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
		})
	}
}

func TestCanSendInvalidWindowNeverBlocks(t *testing.T) {
	l := NewLimiter(newMemRepo(), []domain.RateLimitConfig{{
		Channel:           domain.ChannelWhatsApp,
		RespectSendWindow: true,
		SendWindowStart:   "not-a-clock",
		SendWindowEnd:     "22:00",
	}})

	decision, err := l.CanSend(context.Background(), domain.ChannelWhatsApp, time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiterState(t *testing.T) {
	repo := newMemRepo()
	l := NewLimiter(repo, []domain.RateLimitConfig{{Channel: domain.ChannelWhatsApp}})

	repo.setSendStats(domain.ChannelWhatsApp, SendStats{SentLastMinute: 3, SentLastHour: 60})

	state, err := l.State(context.Background(), domain.ChannelWhatsApp, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, state.SentLastMinute)
	assert.Equal(t, 60, state.SentLastHour)
	assert.Equal(t, time.Minute, state.AverageInterSendDelay)
}

func TestLimiterChannels(t *testing.T) {
	l := NewLimiter(newMemRepo(), []domain.RateLimitConfig{
		{Channel: domain.ChannelWhatsApp},
		{Channel: domain.ChannelEmail},
	})
	assert.ElementsMatch(t, []domain.Channel{domain.ChannelWhatsApp, domain.ChannelEmail}, l.Channels())
}
