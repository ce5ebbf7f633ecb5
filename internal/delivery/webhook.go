package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookSender posts messages to an HTTP notification gateway (SMS, push, WhatsApp).
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookSender(url, token string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSender{url: url, token: token, client: client}
}

type webhookRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body"`
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(webhookRequest{
		Channel: string(msg.Channel),
		To:      msg.To,
		Title:   msg.Title,
		Body:    msg.Body,
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s gateway error: %s", msg.Channel, resp.Status)
	default:
		return Permanent(fmt.Errorf("%s gateway rejected message: %s", msg.Channel, resp.Status))
	}
}
