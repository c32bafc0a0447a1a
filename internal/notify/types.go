package notify

import "time"

// Config controls the async reminder pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Event is the value object handed to the transport: one reminder about
// one schedule item occurrence.
type Event struct {
	RecipientID string
	Title       string
	Message     string

	// ItemID references the schedule item the reminder is about.
	ItemID string

	// At is the occurrence instant, UTC.
	At time.Time
}

// DeliveryEvent is emitted on the event bus for pipeline lifecycle
// events. Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	RecipientID string    `json:"recipient_id"`
	ItemID      string    `json:"item_id,omitempty"`
	Key         string    `json:"key"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
