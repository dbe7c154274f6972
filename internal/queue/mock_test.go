package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
)

// memRepo is an in-memory Repository for unit tests. It mirrors the store's
// dispatch and digest semantics closely enough to exercise the dispatcher,
// tracker and aggregator without a database.
type memRepo struct {
	mu           sync.Mutex
	messages     map[string]*domain.QueuedMessage
	destinations map[string]*domain.Destination
	logEntries   map[string]*domain.NotificationLogEntry
	sendStats    map[domain.Channel]SendStats

	insertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		messages:     make(map[string]*domain.QueuedMessage),
		destinations: make(map[string]*domain.Destination),
		logEntries:   make(map[string]*domain.NotificationLogEntry),
		sendStats:    make(map[domain.Channel]SendStats),
	}
}

func destKey(recipientKey string, channel domain.Channel) string {
	return recipientKey + "|" + string(channel)
}

func (r *memRepo) InsertMessage(_ context.Context, msg *domain.QueuedMessage) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	msg.CreatedAt = now
	msg.UpdatedAt = now
	r.messages[msg.ID] = &cp
	return nil
}

func (r *memRepo) GetMessage(_ context.Context, id string) (*domain.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *memRepo) GetMessageByTransportID(_ context.Context, transportID string) (*domain.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.messages {
		if msg.TransportMessageID == transportID && transportID != "" {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (r *memRepo) FetchDispatchable(_ context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.QueuedMessage
	for _, msg := range r.messages {
		if !msg.Eligible(now) {
			continue
		}
		if dest, ok := r.destinations[destKey(msg.RecipientKey, msg.Channel)]; ok &&
			dest.DigestEnabled && msg.Priority == domain.PriorityNormal {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return dueTime(out[i]).Before(dueTime(out[j]))
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dueTime(m *domain.QueuedMessage) time.Time {
	if m.ScheduledFor != nil {
		return *m.ScheduledFor
	}
	return m.CreatedAt
}

func (r *memRepo) ClaimMessage(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok || msg.Status != domain.StatusPending {
		return false, nil
	}
	if msg.ClaimedAt != nil && now.Sub(*msg.ClaimedAt) < 2*time.Minute {
		return false, nil
	}
	at := now
	msg.ClaimedAt = &at
	return true, nil
}

func (r *memRepo) MarkSent(_ context.Context, id, transportMessageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = domain.StatusSent
	sent := at
	msg.SentAt = &sent
	msg.TransportMessageID = transportMessageID
	msg.LastError = ""
	msg.ClaimedAt = nil
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, id, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = domain.StatusFailed
	msg.LastError = lastError
	msg.ClaimedAt = nil
	return nil
}

func (r *memRepo) RescheduleRetry(_ context.Context, id string, at time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Attempts++
	sched := at
	msg.ScheduledFor = &sched
	msg.LastError = lastError
	msg.ClaimedAt = nil
	return nil
}

func (r *memRepo) Reschedule(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	sched := at
	msg.ScheduledFor = &sched
	msg.ClaimedAt = nil
	return nil
}

func (r *memRepo) SetSentAt(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.SentAt == nil {
		sent := at
		msg.SentAt = &sent
	}
	if msg.Status == domain.StatusPending {
		msg.Status = domain.StatusSent
	}
	return nil
}

func (r *memRepo) SetDeliveredAt(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.DeliveredAt == nil {
		d := at
		msg.DeliveredAt = &d
	}
	if msg.Status == domain.StatusPending || msg.Status == domain.StatusSent {
		msg.Status = domain.StatusDelivered
	}
	return nil
}

func (r *memRepo) SetReadAt(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.ReadAt == nil {
		read := at
		msg.ReadAt = &read
	}
	if msg.Status != domain.StatusFailed && msg.Status != domain.StatusRead {
		msg.Status = domain.StatusRead
	}
	return nil
}

func (r *memRepo) RecordLateFailure(_ context.Context, id, detail string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Metadata == nil {
		msg.Metadata = domain.Metadata{}
	}
	msg.Metadata["late_failure"] = detail
	msg.Metadata["late_failure_at"] = at
	return nil
}

// ChannelSendStats derives counters from sent_at timestamps like the real
// store, on top of any baseline seeded via setSendStats.
func (r *memRepo) ChannelSendStats(_ context.Context, channel domain.Channel, now time.Time) (SendStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.sendStats[channel]
	for _, msg := range r.messages {
		if msg.Channel != channel || msg.SentAt == nil {
			continue
		}
		sent := *msg.SentAt
		if sent.After(now.Add(-time.Minute)) {
			stats.SentLastMinute++
			if stats.OldestInMinute == nil || sent.Before(*stats.OldestInMinute) {
				stats.OldestInMinute = &sent
			}
		}
		if sent.After(now.Add(-time.Hour)) {
			stats.SentLastHour++
			if stats.OldestInHour == nil || sent.Before(*stats.OldestInHour) {
				stats.OldestInHour = &sent
			}
		}
		if stats.LastSentAt == nil || sent.After(*stats.LastSentAt) {
			stats.LastSentAt = &sent
		}
	}
	return stats, nil
}

func (r *memRepo) setSendStats(channel domain.Channel, stats SendStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendStats[channel] = stats
}

func (r *memRepo) DigestDestinations(_ context.Context) ([]domain.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Destination
	for _, d := range r.destinations {
		if d.DigestEnabled {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientKey < out[j].RecipientKey })
	return out, nil
}

func (r *memRepo) FetchDigestHeld(_ context.Context, recipientKey string, channel domain.Channel, now time.Time) ([]*domain.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.QueuedMessage
	for _, msg := range r.messages {
		if msg.RecipientKey == recipientKey && msg.Channel == channel &&
			msg.Status == domain.StatusPending && msg.Priority == domain.PriorityNormal &&
			(msg.ScheduledFor == nil || !msg.ScheduledFor.After(now)) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) MarkDigested(_ context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		msg, ok := r.messages[id]
		if !ok {
			continue
		}
		msg.Status = domain.StatusSent
		if msg.SentAt == nil {
			sent := at
			msg.SentAt = &sent
		}
	}
	return nil
}

func (r *memRepo) TouchDigestFlush(_ context.Context, recipientKey string, channel domain.Channel, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dest, ok := r.destinations[destKey(recipientKey, channel)]; ok {
		t := at
		dest.LastDigestAt = &t
	}
	return nil
}

func (r *memRepo) GetDestination(_ context.Context, recipientKey string, channel domain.Channel) (*domain.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dest, ok := r.destinations[destKey(recipientKey, channel)]
	if !ok {
		return nil, ErrDestNotFound
	}
	cp := *dest
	return &cp, nil
}

func (r *memRepo) UpsertDestination(_ context.Context, dest *domain.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *dest
	r.destinations[destKey(dest.RecipientKey, dest.Channel)] = &cp
	return nil
}

func (r *memRepo) InsertLogEntry(_ context.Context, entry *domain.NotificationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.logEntries[entry.ID] = &cp
	return nil
}

func (r *memRepo) LinkLogEntry(_ context.Context, id, queueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.logEntries[id]
	if !ok {
		return ErrMessageNotFound
	}
	entry.QueueID = queueID
	return nil
}

func (r *memRepo) UpdateLogStatus(_ context.Context, id string, status domain.LogStatus, errDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.logEntries[id]
	if !ok {
		return ErrMessageNotFound
	}
	entry.Status = status
	entry.Error = errDetail
	return nil
}

func (r *memRepo) QueueStats(_ context.Context) (*QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &QueueStats{}
	for _, msg := range r.messages {
		switch msg.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusSent:
			stats.Sent++
		case domain.StatusDelivered:
			stats.Delivered++
		case domain.StatusRead:
			stats.Read++
		case domain.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// memInstanceRepo is an in-memory InstanceRepository.
type memInstanceRepo struct {
	mu        sync.Mutex
	instances map[string]*domain.ChannelInstance
	nextID    int
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{instances: make(map[string]*domain.ChannelInstance)}
}

func (r *memInstanceRepo) ActiveInstance(_ context.Context, channel domain.Channel) (*domain.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.ChannelInstance
	for _, inst := range r.instances {
		if inst.Channel != channel || !inst.Active() {
			continue
		}
		if best == nil || inst.UpdatedAt.After(best.UpdatedAt) {
			best = inst
		}
	}
	if best == nil {
		return nil, ErrNoActiveInstance
	}
	cp := *best
	return &cp, nil
}

func (r *memInstanceRepo) CreateInstance(_ context.Context, inst *domain.ChannelInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	inst.ID = "inst-" + strconv.Itoa(r.nextID)
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	cp := *inst
	r.instances[inst.ID] = &cp
	return nil
}

func (r *memInstanceRepo) ListInstances(_ context.Context) ([]domain.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChannelInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memInstanceRepo) UpdateInstanceState(_ context.Context, id string, state domain.InstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.State = state
	inst.UpdatedAt = time.Now()
	return nil
}

// mockSender records sends and returns scripted outcomes.
type mockSender struct {
	mu      sync.Mutex
	channel domain.Channel
	sent    []OutboundMessage
	results []SendResult
	errs    []error
	err     error
}

func newMockSender(channel domain.Channel) *mockSender {
	return &mockSender{channel: channel}
}

func (s *mockSender) Channel() domain.Channel { return s.channel }

func (s *mockSender) Send(_ context.Context, msg OutboundMessage) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return SendResult{}, err
		}
	} else if s.err != nil {
		return SendResult{}, s.err
	}

	if len(s.results) > 0 {
		res := s.results[0]
		s.results = s.results[1:]
		return res, nil
	}
	return SendResult{TransportMessageID: "tr-" + msg.ID}, nil
}

func (s *mockSender) sentMessages() []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
