package notifier

import (
	"context"
	"fmt"
	"time"

	"casewatch/internal/core"
	"casewatch/internal/task/retry"
)

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	// SendTimeout bounds one send attempt.
	SendTimeout time.Duration
	Retry       retry.Policy
	// DedupWindow is how long a (tenant, event, channel, recipient) key is
	// remembered. 0 means 10m; negative disables the guard.
	DedupWindow time.Duration
	Rates       map[core.Channel]Rate
}

// Rate is a token bucket for one channel. PerSec <= 0 means unlimited.
type Rate struct {
	PerSec float64
	Burst  int
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	c.Retry = c.Retry.WithDefaults()
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	return c
}

// Message is one rendered notification for one recipient.
type Message struct {
	TenantID  string
	Channel   core.Channel
	Recipient string
	Subject   string
	Body      string
	Locale    string
	Event     core.StatusChangedEvent
}

type Sender interface {
	Channel() core.Channel
	Send(ctx context.Context, m Message) error
	// Retryable reports whether failed sends should be retried with backoff.
	Retryable() bool
}

// TransportError is the final failure of a send after retries.
type TransportError struct {
	Channel   core.Channel
	Recipient string
	Attempts  int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s send to %q failed after %d attempt(s): %v", e.Channel, e.Recipient, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HistoryItem is one delivery outcome kept in the Dispatcher's in-memory ring.
type HistoryItem struct {
	At       time.Time               `json:"at"`
	TenantID string                  `json:"tenant_id"`
	Channel  core.Channel            `json:"channel"`
	Status   core.NotificationStatus `json:"status"`
	Error    string                  `json:"error,omitempty"`
}

// NotificationEvent is the bus payload of notification.sent / notification.failed.
type NotificationEvent struct {
	RecordID  string       `json:"record_id"`
	TenantID  string       `json:"tenant_id"`
	Channel   core.Channel `json:"channel"`
	Recipient string       `json:"recipient"`
	Attempts  int          `json:"attempts"`
	At        time.Time    `json:"at"`
	Error     string       `json:"error,omitempty"`
}
