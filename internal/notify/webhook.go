package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const webhookUsername = "bitaxectl"

// Webhook posts messages to a Slack-compatible incoming webhook.
type Webhook struct {
	url        string
	channel    string
	httpClient *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Fallback  string       `json:"fallback,omitempty"`
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
	Short bool   `json:"short,omitempty"`
}

func NewWebhook(cfg Config) (*Webhook, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New().WithData(ErrInvalidConfig, "webhook url cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Webhook{
		url:        cfg.WebhookURL,
		channel:    cfg.WebhookChannel,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	fields := make([]slackField, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, slackField(f))
	}

	payload := slackMessage{
		Channel:   w.channel,
		Username:  webhookUsername,
		IconEmoji: ":pick:",
		Attachments: []slackAttachment{{
			Fallback:  fmt.Sprintf("%s: %s", msg.Title, msg.Text),
			Color:     severityColor(msg.Severity),
			Title:     msg.Title,
			Text:      msg.Text,
			Fields:    fields,
			Footer:    webhookUsername,
			Timestamp: msg.Timestamp.Unix(),
		}},
	}

	return w.send(ctx, payload)
}

func (w *Webhook) send(ctx context.Context, message slackMessage) error {
	errFactory := errors.New()

	body, err := json.Marshal(message)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errFactory.Wrap(ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errFactory.WithData(ErrDeliveryFailed, fmt.Sprintf("unexpected response status: %s", resp.Status))
	}

	return nil
}
