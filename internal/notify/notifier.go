package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
)

// Notifier delivers one message to one resolved contact.
type Notifier interface {
	Send(ctx context.Context, contact lead.Contact, body string) error
}

// SendError is a classified delivery failure.
type SendError struct {
	Medium     string
	StatusCode int
	Hard       bool
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Hard {
		kind = "hard"
	}
	return fmt.Sprintf("%s send failed (%s, status %d): %v", e.Medium, kind, e.StatusCode, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsHard reports whether err is a permanent delivery failure. Anything not
// explicitly marked hard (network errors, timeouts, throttling, unknown
// failures) is treated as transient and retriable.
func IsHard(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Hard
}

// hardStatus classifies an HTTP status from a delivery provider: client
// errors are permanent (bad destination, rejected payload), except 408 and
// 429 which are retriable.
func hardStatus(code int) bool {
	if code == 408 || code == 429 {
		return false
	}
	return code >= 400 && code < 500
}

// Composite routes each medium to its provider client.
type Composite struct {
	messaging Notifier // whatsapp + sms
	email     Notifier
}

// NewComposite builds the production notifier. Either client may be nil when
// its provider is not configured; sends over that medium then fail hard.
func NewComposite(messaging, email Notifier) *Composite {
	return &Composite{messaging: messaging, email: email}
}

func (c *Composite) Send(ctx context.Context, contact lead.Contact, body string) error {
	var n Notifier
	switch contact.Medium {
	case lead.MediumWhatsApp, lead.MediumSMS:
		n = c.messaging
	case lead.MediumEmail:
		n = c.email
	default:
		return &SendError{Medium: contact.Medium, Hard: true, Err: fmt.Errorf("unknown medium")}
	}

	if n == nil {
		return &SendError{Medium: contact.Medium, Hard: true, Err: fmt.Errorf("no provider configured for medium")}
	}
	return n.Send(ctx, contact, body)
}
