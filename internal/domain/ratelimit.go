package domain

import (
	"fmt"
	"time"
)

// RateLimitConfig holds per-channel throughput ceilings and the daily local
// send window.
type RateLimitConfig struct {
	Channel              Channel
	MaxPerMinute         int
	MaxPerHour           int
	MinDelayBetweenSends time.Duration
	// SendWindowStart/SendWindowEnd are local wall-clock times in "HH:MM"
	// form. They are only consulted when RespectSendWindow is set.
	SendWindowStart   string
	SendWindowEnd     string
	RespectSendWindow bool
}

// WindowBounds parses the configured send window into minutes since midnight.
func (c RateLimitConfig) WindowBounds() (start, end int, err error) {
	start, err = parseClock(c.SendWindowStart)
	if err != nil {
		return 0, 0, fmt.Errorf("send window start: %w", err)
	}
	end, err = parseClock(c.SendWindowEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("send window end: %w", err)
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}
