package notifier

import (
	"context"
	"errors"
	"time"

	"casewatch/internal/core"
	"casewatch/internal/eventbus"
)

// InAppPayload is published as notification.inapp for the live-push relay.
type InAppPayload struct {
	TenantID string    `json:"tenant_id"`
	OwnerID  string    `json:"owner_id"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Old      string    `json:"old"`
	New      string    `json:"new"`
	At       time.Time `json:"at"`
}

// InAppSender hands the message to the event bus. Delivery to browser
// sessions happens outside this process.
type InAppSender struct {
	bus eventbus.Bus
}

func NewInAppSender(bus eventbus.Bus) *InAppSender { return &InAppSender{bus: bus} }

func (s *InAppSender) Channel() core.Channel { return core.ChannelInApp }
func (s *InAppSender) Retryable() bool       { return false }

func (s *InAppSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.bus == nil {
		return errors.New("inapp: no event bus")
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationInApp, Data: InAppPayload{
		TenantID: m.TenantID,
		OwnerID:  m.Recipient,
		Subject:  m.Subject,
		Body:     m.Body,
		Old:      m.Event.Old,
		New:      m.Event.New,
		At:       m.Event.At,
	}})
	return nil
}
