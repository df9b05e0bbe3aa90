package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
)

const defaultMessagingBaseURL = "https://api.twilio.com/2010-04-01"

// MessagingClient sends SMS and WhatsApp messages through a Twilio-style
// messaging API.
type MessagingClient struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewMessagingClient creates the messaging client. baseURL may be empty for
// the provider default.
func NewMessagingClient(accountSID, authToken, from, baseURL string, timeout time.Duration, logger *zap.Logger) (*MessagingClient, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("messaging client: account sid and auth token are required")
	}
	if from == "" {
		return nil, fmt.Errorf("messaging client: from number is required")
	}
	if baseURL == "" {
		baseURL = defaultMessagingBaseURL
	}

	return &MessagingClient{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Send delivers body to the contact. WhatsApp destinations are addressed
// through the same endpoint with the whatsapp: prefix.
func (c *MessagingClient) Send(ctx context.Context, contact lead.Contact, body string) error {
	to := contact.Destination
	from := c.from
	if contact.Medium == lead.MediumWhatsApp {
		to = "whatsapp:" + to
		from = "whatsapp:" + from
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &SendError{Medium: contact.Medium, Hard: true, Err: err}
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are transient by definition here.
		return &SendError{Medium: contact.Medium, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("message sent",
			zap.String("medium", contact.Medium),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &SendError{
		Medium:     contact.Medium,
		StatusCode: resp.StatusCode,
		Hard:       hardStatus(resp.StatusCode),
		Err:        fmt.Errorf("messaging api: %s", strings.TrimSpace(string(raw))),
	}
}
