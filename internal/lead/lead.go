package lead

import "time"

// Lead status lifecycle. Transitions are forward-only; see statusRank.
const (
	StatusNew          = "NEW"
	StatusBroadcasting = "BROADCASTING"
	StatusNotified     = "NOTIFIED"
	StatusFailed       = "FAILED"
	StatusClosed       = "CLOSED"
)

// Notification mediums in fixed resolution priority order.
const (
	MediumWhatsApp = "whatsapp"
	MediumSMS      = "sms"
	MediumEmail    = "email"
)

// Broadcast attempt statuses.
const (
	AttemptSent         = "SENT"
	AttemptPendingRetry = "PENDING_RETRY"
	AttemptFailedHard   = "FAILED_HARD"
)

// Lead is a captured, unmatched request queued for distribution.
type Lead struct {
	ID         string            `json:"id"`
	IntentType string            `json:"intent_type"`
	Utterance  string            `json:"utterance"`
	Criteria   map[string]string `json:"criteria"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Recipient is one candidate business contact for a lead. Contact fields
// are all optional; resolution follows a fixed priority list.
type Recipient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	WhatsApp string `json:"whatsapp,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// Contact is a resolved notification destination.
type Contact struct {
	Medium      string
	Destination string
}

// ResolveContact picks the recipient's destination by fixed priority:
// whatsapp, then sms, then email. The explicit priority list replaces any
// "first value of a possibly-empty collection" guesswork; a recipient with
// no contact fields resolves to nothing.
func (r Recipient) ResolveContact() (Contact, bool) {
	switch {
	case r.WhatsApp != "":
		return Contact{Medium: MediumWhatsApp, Destination: r.WhatsApp}, true
	case r.Phone != "":
		return Contact{Medium: MediumSMS, Destination: r.Phone}, true
	case r.Email != "":
		return Contact{Medium: MediumEmail, Destination: r.Email}, true
	default:
		return Contact{}, false
	}
}
