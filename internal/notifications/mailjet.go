// Package notifications sends fire-and-forget operator emails through
// Mailjet. Failures are logged and never retried; nothing here may block
// or fail the click path.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clickroll/internal/ratelimit"
	"github.com/rcourtman/clickroll/internal/store"
)

const defaultSendURL = "https://api.mailjet.com/v3.1/send"

// Config holds Mailjet credentials and addressing.
type Config struct {
	APIKey    string
	SecretKey string
	FromEmail string
	FromName  string
	ToEmail   string
}

// Mailer is the notification sink.
type Mailer struct {
	client  *http.Client
	config  Config
	sendURL string
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithSendURL overrides the Mailjet endpoint. Used by tests.
func WithSendURL(u string) Option {
	return func(m *Mailer) { m.sendURL = u }
}

// New creates the mailer. An incomplete config disables sending; each
// skipped message is logged.
func New(cfg Config, opts ...Option) *Mailer {
	m := &Mailer{
		client:  &http.Client{Timeout: 15 * time.Second},
		config:  cfg,
		sendURL: defaultSendURL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configured reports whether every required credential is present.
func (m *Mailer) Configured() bool {
	c := m.config
	return c.APIKey != "" && c.SecretKey != "" && c.FromEmail != "" && c.ToEmail != ""
}

// NotifyGuardFlagged reports that the rate guard flagged a client. Runs in
// the background; the caller never waits.
func (m *Mailer) NotifyGuardFlagged(clientIP, reason string, status ratelimit.Status) {
	subject := "Turnstile activated"
	text := fmt.Sprintf(
		"Turnstile activation at %s.\n\nReason: %s\nIP: %s\nSecond count: %d\nMinute count: %d\nHour count: %d\nSustained activity: %t",
		time.Now().UTC().Format(time.RFC3339), reason, clientIP,
		status.SecondCount, status.MinuteCount, status.HourCount, status.SustainedActivity,
	)
	go m.send(subject, text)
}

// NotifyDonationRequest reports a submitted donation request. Runs in the
// background; the caller never waits.
func (m *Mailer) NotifyDonationRequest(req store.DonationRequest) {
	subject := fmt.Sprintf("Donation request submitted for milestone %d", req.Milestone)
	text := fmt.Sprintf(
		"Donation request submitted at %s.\n\nMilestone: %d\nMilestone time (UTC): %s\nCountry: %s\nName: %s\nEmail: %s\nMessage/Charity: %s",
		time.Now().UTC().Format(time.RFC3339), req.Milestone, req.CreatedAt.Format(time.RFC3339),
		req.Country, orDash(req.Name), orDash(req.Email), orDash(req.Message),
	)
	go m.send(subject, text)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type mailjetPayload struct {
	Messages []mailjetMessage `json:"Messages"`
}

type mailjetMessage struct {
	From     mailjetAddress   `json:"From"`
	To       []mailjetAddress `json:"To"`
	Subject  string           `json:"Subject"`
	TextPart string           `json:"TextPart"`
}

type mailjetAddress struct {
	Email string `json:"Email"`
	Name  string `json:"Name,omitempty"`
}

func (m *Mailer) send(subject, text string) {
	if !m.Configured() {
		log.Warn().Str("subject", subject).Msg("Mailjet not configured, skipping notification")
		return
	}

	payload := mailjetPayload{
		Messages: []mailjetMessage{{
			From:     mailjetAddress{Email: m.config.FromEmail, Name: m.config.FromName},
			To:       []mailjetAddress{{Email: m.config.ToEmail}},
			Subject:  subject,
			TextPart: text,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.sendURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to build notification request")
		return
	}
	req.SetBasicAuth(m.config.APIKey, m.config.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to send notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("subject", subject).Msg("Notification rejected by Mailjet")
		return
	}
	log.Info().Str("subject", subject).Msg("Notification sent")
}
