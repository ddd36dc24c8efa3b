// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in StampPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// maxMediaBytes caps inbound media downloads.
const maxMediaBytes = 16 << 20

// Sender is the subset of the Twilio API the messaging gateway needs.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, caption string, mediaURL string) error
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithHTTPClient sets the client used to download inbound media.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	accountSID string
	authToken  string
	http       *http.Client
}

// NewClient creates a Twilio client. Options not given fall back to the environment.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromWhats:  whatsappAddress(cfg.FromWhats),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		http:       cfg.HTTPClient,
	}, nil
}

// whatsappAddress formats a number as a Twilio WhatsApp address.
func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendMedia sends an image by URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to string, caption string, mediaURL string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMedia failed", "to", to, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}

	slog.Debug("Twilio media sent", "to", to)
	return nil
}

// FetchMedia downloads an inbound MediaUrl. Twilio media URLs require account basic auth.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch media returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read media failed: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// ValidateWebhook checks the X-Twilio-Signature of an inbound webhook request.
func ValidateWebhook(authToken, fullURL string, params map[string]string, signature string) bool {
	v := twilioClient.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, signature)
}

// MockClient records what would have been sent.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Media        map[string][]byte
}

// SentMessage is one recorded send.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

// NewMockClient creates a recording client.
func NewMockClient() *MockClient {
	return &MockClient{Media: make(map[string][]byte)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, caption string, mediaURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: caption, MediaURL: mediaURL})
	return nil
}

func (m *MockClient) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Media[mediaURL]
	if !ok {
		return nil, "", fmt.Errorf("no media at %s", mediaURL)
	}
	return data, "application/octet-stream", nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
