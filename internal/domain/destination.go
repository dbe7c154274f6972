package domain

import "time"

// Destination carries per-recipient delivery preferences. Digesting is a
// property of the destination, not of individual messages: a destination with
// digest enabled has its normal-priority traffic held back from the
// dispatcher and rolled up by the digest aggregator instead.
type Destination struct {
	RecipientKey  string
	Channel       Channel
	DigestEnabled bool
	LastDigestAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
