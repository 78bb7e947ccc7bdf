// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier provides a simple client for sending notifications to Slack
// via Incoming Webhooks.
//
// It supports basic text messages and formatted attachments with severity levels.
// A notifier with an empty webhook URL is disabled and every send is a no-op.
// The webhook can be swapped at runtime, which the app does on config reload.
//
// # Usage
//
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//	if notifier.IsEnabled() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    err := notifier.SendAlert(ctx, "warning", "Rack over threshold", "G24 drew 1250 W")
//	}
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/soothill/rack-power-monitor/pkg/errors"
)

const (
	requestTimeout = 10 * time.Second
	footer         = "Rack Power Monitor"
)

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	client *http.Client

	mu         sync.RWMutex
	webhookURL string
}

// Message represents a Slack webhook message payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// New creates a new Slack notifier
func New(webhookURL string) *Notifier {
	client := cleanhttp.DefaultClient()
	client.Timeout = requestTimeout

	return &Notifier{
		webhookURL: webhookURL,
		client:     client,
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL updates the webhook URL for the notifier.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = webhookURL
}

// SendMessage sends a simple text message to Slack
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	return s.sendPayload(ctx, Message{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	payload := Message{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// sendPayload sends a payload to the Slack webhook
func (s *Notifier) sendPayload(ctx context.Context, payload Message) error {
	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()
	if webhookURL == "" {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger" // Red
	case "warning", "warn":
		return "warning" // Yellow
	case "good", "success":
		return "good" // Green
	default:
		return "#808080" // Gray
	}
}
