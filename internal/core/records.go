package core

import "time"

type PollOutcome string

const (
	PollSuccess PollOutcome = "success"
	PollError   PollOutcome = "error"
)

// MaxRawResponse bounds the raw upstream response kept for audit.
const MaxRawResponse = 1000

// PollLogEntry is appended once per poll cycle and never mutated.
type PollLogEntry struct {
	ID          string
	TenantID    string
	At          time.Time
	Outcome     PollOutcome
	Status      string
	Details     string
	LastUpdate  *time.Time
	RawResponse string
	Error       string
	Latency     time.Duration
	Attempts    int
}

// TruncateRaw cuts s to MaxRawResponse bytes on a rune boundary.
func TruncateRaw(s string) string {
	if len(s) <= MaxRawResponse {
		return s
	}
	cut := MaxRawResponse
	for cut > 0 && !runeStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func runeStart(b byte) bool { return b&0xC0 != 0x80 }

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRecord tracks one dispatch to one channel. It is created pending
// before the send and finalized exactly once.
type NotificationRecord struct {
	ID         string
	TenantID   string
	Channel    Channel
	Recipient  string
	Subject    string
	Message    string
	Status     NotificationStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SentAt     *time.Time
	Error      string
	RetryCount int
}

// StatusChangedEvent is produced by the detector when a fresh status differs from
// the stored one.
type StatusChangedEvent struct {
	TenantID string    `json:"tenant_id"`
	Old      string    `json:"old"`
	New      string    `json:"new"`
	Details  string    `json:"details,omitempty"`
	At       time.Time `json:"at"`
}
