package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"printwatch/internal/model"
)

const (
	FormatGeneric = "generic"
	FormatSlack   = "slack"
	FormatDiscord = "discord"
)

var ErrUnknownFormat = errors.New("unknown webhook format")

// ValidFormat reports whether format names a payload shape. Empty means generic.
func ValidFormat(format string) bool {
	switch format {
	case "", FormatGeneric, FormatSlack, FormatDiscord:
		return true
	}
	return false
}

// WebhookClient owns the shared HTTP client used by every webhook target.
type WebhookClient struct {
	http *resty.Client
	now  func() time.Time
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookClient{http: client, now: time.Now}
}

// Target returns a notifier posting to url in the given payload format.
func (c *WebhookClient) Target(url, format string) Notifier {
	return webhook{client: c, url: url, format: format}
}

type webhook struct {
	client *WebhookClient
	url    string
	format string
}

func (w webhook) Notify(ctx context.Context, p Payload) error {
	if w.url == "" {
		return errors.New("webhook url not configured")
	}
	body, err := buildPayload(w.format, p, w.client.now().UTC())
	if err != nil {
		return err
	}
	resp, err := w.client.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func title(p Payload) string {
	name := p.PrinterName
	if name == "" {
		name = p.DeviceID
	}
	return "Printwatch alert: " + name
}

func buildPayload(format string, p Payload, now time.Time) (any, error) {
	switch format {
	case "", FormatGeneric:
		return map[string]any{
			"ruleName":    p.RuleName,
			"deviceId":    p.DeviceID,
			"printerName": p.PrinterName,
			"severity":    p.Severity,
			"message":     p.Message,
			"timestamp":   now.Format(time.RFC3339Nano),
		}, nil
	case FormatSlack:
		icon := ":information_source:"
		switch p.Severity {
		case model.SeverityError:
			icon = ":red_circle:"
		case model.SeverityWarning:
			icon = ":warning:"
		}
		return map[string]any{"text": fmt.Sprintf("%s *%s*\n%s", icon, title(p), p.Message)}, nil
	case FormatDiscord:
		color := 0x0099FF
		switch p.Severity {
		case model.SeverityError:
			color = 0xFF0000
		case model.SeverityWarning:
			color = 0xFFAA00
		}
		return map[string]any{
			"embeds": []map[string]any{{
				"title":       title(p),
				"description": p.Message,
				"color":       color,
				"timestamp":   now.Format(time.RFC3339Nano),
				"fields": []map[string]any{
					{"name": "Rule", "value": p.RuleName, "inline": true},
					{"name": "Severity", "value": p.Severity, "inline": true},
				},
			}},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}
