package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/StampPipe/internal/models"
)

const (
	// DefaultGraphBaseURL is the Meta Graph API root including the version.
	DefaultGraphBaseURL = "https://graph.facebook.com/v23.0"
	// maxMediaBytes caps inbound media downloads.
	maxMediaBytes = 16 << 20
)

// CloudAPIOpts configures the WhatsApp Cloud API gateway.
type CloudAPIOpts struct {
	Token      string
	PhoneID    string
	BaseURL    string
	HTTPClient *http.Client
}

// CloudAPIOption configures a CloudAPIGateway.
type CloudAPIOption func(*CloudAPIOpts)

// WithCloudCredentials sets the access token and sending phone number id.
func WithCloudCredentials(token, phoneID string) CloudAPIOption {
	return func(o *CloudAPIOpts) {
		o.Token = token
		o.PhoneID = phoneID
	}
}

// WithGraphBaseURL points the gateway at another Graph API root (used in tests).
func WithGraphBaseURL(u string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithCloudHTTPClient sets the HTTP client.
func WithCloudHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPIGateway sends messages through the WhatsApp Business Cloud API.
type CloudAPIGateway struct {
	cfg CloudAPIOpts
}

// NewCloudAPIGateway creates a Cloud API gateway.
func NewCloudAPIGateway(opts ...CloudAPIOption) (*CloudAPIGateway, error) {
	cfg := CloudAPIOpts{BaseURL: DefaultGraphBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("CloudAPIGateway config loaded", "Token_set", cfg.Token != "", "PhoneID_set", cfg.PhoneID != "", "base_url", cfg.BaseURL)
	if cfg.Token == "" || cfg.PhoneID == "" {
		return nil, errors.New("missing WHATSAPP_TOKEN or WHATSAPP_PHONE_ID")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &CloudAPIGateway{cfg: cfg}, nil
}

// ValidateAndCanonicalizeRecipient reduces the recipient to its digits.
func (g *CloudAPIGateway) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("CloudAPIGateway", recipient)
}

// SendText sends a plain text message.
func (g *CloudAPIGateway) SendText(ctx context.Context, to, body string) error {
	return g.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	})
}

// SendImage sends an image by link with an optional caption.
func (g *CloudAPIGateway) SendImage(ctx context.Context, to, url, caption string) error {
	image := map[string]any{"link": url}
	if caption != "" {
		image["caption"] = caption
	}
	return g.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             image,
	})
}

// SendButtons sends reply buttons.
func (g *CloudAPIGateway) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	replies := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		replies = append(replies, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": b.ID, "title": b.Title},
		})
	}
	return g.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"buttons": replies},
		},
	})
}

// SendList sends a sectioned list message.
func (g *CloudAPIGateway) SendList(ctx context.Context, to, body, button string, sections []models.ListSection) error {
	return g.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "list",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"button": button, "sections": sections},
		},
	})
}

// FetchMedia resolves a media id to its download URL and downloads it.
func (g *CloudAPIGateway) FetchMedia(ctx context.Context, media models.Media) ([]byte, string, error) {
	if len(media.Data) > 0 {
		return media.Data, media.MimeType, nil
	}
	if media.ID == "" {
		return nil, "", errors.New("media id is empty")
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := g.getJSON(ctx, g.cfg.BaseURL+"/"+media.ID, &meta); err != nil {
		return nil, "", fmt.Errorf("resolve media %s: %w", media.ID, err)
	}
	data, err := g.download(ctx, meta.URL)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", media.ID, err)
	}
	mime := meta.MimeType
	if mime == "" {
		mime = media.MimeType
	}
	return data, mime, nil
}

func (g *CloudAPIGateway) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/"+g.cfg.PhoneID+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud api request failed: %w", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		slog.Error("CloudAPIGateway.post: send rejected", "status", resp.StatusCode, "body", string(text), "type", payload["type"])
		return fmt.Errorf("cloud api returned %d", resp.StatusCode)
	}
	slog.Debug("CloudAPIGateway.post: sent", "status", resp.StatusCode, "type", payload["type"])
	return nil
}

func (g *CloudAPIGateway) getJSON(ctx context.Context, u string, out any) error {
	data, err := g.download(ctx, u)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (g *CloudAPIGateway) download(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s returned %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
}
