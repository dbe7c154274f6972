package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DigestMessageType tags the summary messages produced by the aggregator.
const DigestMessageType = "digest"

// AggregatorConfig contains digest aggregation settings.
type AggregatorConfig struct {
	// MaxPreviewItems caps how many items are previewed per message type;
	// the rest collapse into a "+N more" line.
	MaxPreviewItems int
	// PreviewLength truncates each previewed content line.
	PreviewLength int
}

// DefaultAggregatorConfig returns default digest settings.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MaxPreviewItems: 3,
		PreviewLength:   80,
	}
}

// DigestStats summarizes one aggregator run.
type DigestStats struct {
	Destinations int `json:"destinations"`
	Flushed      int `json:"flushed"`
	Messages     int `json:"messages"`
	Errors       int `json:"errors"`
}

// Aggregator rolls bursts of low-priority notifications for digest-enabled
// destinations into one summary send per (destination, channel). It runs on
// its own longer period, independently of the dispatcher.
type Aggregator struct {
	config  AggregatorConfig
	repo    Repository
	senders map[domain.Channel]Sender
	titler  cases.Caser

	now func() time.Time
}

// NewAggregator creates a digest aggregator over the given senders.
func NewAggregator(config AggregatorConfig, repo Repository, senders ...Sender) *Aggregator {
	if config.MaxPreviewItems <= 0 {
		config.MaxPreviewItems = DefaultAggregatorConfig().MaxPreviewItems
	}
	if config.PreviewLength <= 0 {
		config.PreviewLength = DefaultAggregatorConfig().PreviewLength
	}

	senderMap := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		senderMap[s.Channel()] = s
	}

	return &Aggregator{
		config:  config,
		repo:    repo,
		senders: senderMap,
		titler:  cases.Title(language.English),
		now:     time.Now,
	}
}

// RunOnce flushes every digest-enabled destination that accumulated held
// messages since its last flush. A failed summary send leaves the
// constituents held, so the next flush picks them up again.
func (a *Aggregator) RunOnce(ctx context.Context) (DigestStats, error) {
	dests, err := a.repo.DigestDestinations(ctx)
	if err != nil {
		return DigestStats{}, fmt.Errorf("digest destinations: %w", err)
	}

	stats := DigestStats{Destinations: len(dests)}

	for _, dest := range dests {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := a.flushDestination(ctx, dest, &stats); err != nil {
			stats.Errors++
			slog.Error("digest flush failed",
				"recipient", dest.RecipientKey,
				"channel", dest.Channel,
				"error", err,
			)
		}
	}

	if stats.Flushed > 0 {
		slog.Info("digest run complete",
			"destinations", stats.Destinations,
			"flushed", stats.Flushed,
			"messages", stats.Messages,
		)
	}

	return stats, nil
}

func (a *Aggregator) flushDestination(ctx context.Context, dest domain.Destination, stats *DigestStats) error {
	msgs, err := a.repo.FetchDigestHeld(ctx, dest.RecipientKey, dest.Channel, a.now())
	if err != nil {
		return fmt.Errorf("fetch held messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	sender, ok := a.senders[dest.Channel]
	if !ok {
		return fmt.Errorf("no sender for channel %s", dest.Channel)
	}

	summary := a.buildSummary(msgs)
	_, err = sender.Send(ctx, OutboundMessage{
		RecipientKey: dest.RecipientKey,
		MessageType:  DigestMessageType,
		Content:      summary,
		Priority:     domain.PriorityNormal,
	})
	if err != nil {
		return fmt.Errorf("send digest: %w", err)
	}

	now := a.now()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := a.repo.MarkDigested(ctx, ids, now); err != nil {
		return fmt.Errorf("mark digested: %w", err)
	}
	if err := a.repo.TouchDigestFlush(ctx, dest.RecipientKey, dest.Channel, now); err != nil {
		slog.Error("failed to record digest flush time",
			"recipient", dest.RecipientKey,
			"channel", dest.Channel,
			"error", err,
		)
	}

	stats.Flushed++
	stats.Messages += len(msgs)
	recordDigestFlush(string(dest.Channel), len(msgs))

	return nil
}

// buildSummary renders one plain-text summary grouped by messageType:
// a count per type, up to MaxPreviewItems previewed lines, "+N more" for
// the rest.
func (a *Aggregator) buildSummary(msgs []*domain.QueuedMessage) string {
	groups := make(map[string][]*domain.QueuedMessage)
	var order []string
	for _, m := range msgs {
		if _, seen := groups[m.MessageType]; !seen {
			order = append(order, m.MessageType)
		}
		groups[m.MessageType] = append(groups[m.MessageType], m)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d pending notifications.\n", len(msgs))

	for _, messageType := range order {
		group := groups[messageType]
		fmt.Fprintf(&b, "\n%s (%d):\n", a.typeLabel(messageType), len(group))

		previews := len(group)
		if previews > a.config.MaxPreviewItems {
			previews = a.config.MaxPreviewItems
		}
		for _, m := range group[:previews] {
			fmt.Fprintf(&b, "- %s\n", truncate(m.Content, a.config.PreviewLength))
		}
		if rest := len(group) - previews; rest > 0 {
			fmt.Fprintf(&b, "+%d more\n", rest)
		}
	}

	return b.String()
}

// typeLabel turns a message type tag like "order_status" into "Order Status".
func (a *Aggregator) typeLabel(messageType string) string {
	if messageType == "" {
		return "Other"
	}
	return a.titler.String(strings.ReplaceAll(messageType, "_", " "))
}

// truncate caps a preview line at max characters, never splitting a rune.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
