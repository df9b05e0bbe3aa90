package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
)

const defaultEmailBaseURL = "https://api.sendgrid.com"

// EmailClient sends lead notifications through a SendGrid-style mail API.
type EmailClient struct {
	apiKey     string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewEmailClient creates the email client. baseURL may be empty for the
// provider default.
func NewEmailClient(apiKey, from, baseURL string, timeout time.Duration, logger *zap.Logger) (*EmailClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("email client: api key is required")
	}
	if from == "" {
		return nil, fmt.Errorf("email client: from address is required")
	}
	if baseURL == "" {
		baseURL = defaultEmailBaseURL
	}

	return &EmailClient{
		apiKey:     apiKey,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type emailAddress struct {
	Email string `json:"email"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send delivers body as a plain-text email.
func (c *EmailClient) Send(ctx context.Context, contact lead.Contact, body string) error {
	payload := mailSendRequest{
		Personalizations: []personalization{{To: []emailAddress{{Email: contact.Destination}}}},
		From:             emailAddress{Email: c.from},
		Subject:          "New lead from Easy Islanders",
		Content:          []mailContent{{Type: "text/plain", Value: body}},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &SendError{Medium: contact.Medium, Hard: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(data))
	if err != nil {
		return &SendError{Medium: contact.Medium, Hard: true, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{Medium: contact.Medium, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("email sent", zap.Int("status", resp.StatusCode))
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &SendError{
		Medium:     contact.Medium,
		StatusCode: resp.StatusCode,
		Hard:       hardStatus(resp.StatusCode),
		Err:        fmt.Errorf("mail api: %s", strings.TrimSpace(string(raw))),
	}
}
