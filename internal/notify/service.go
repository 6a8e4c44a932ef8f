// Package notify delivers escalation notifications to specialists and
// stakeholders through pluggable channel drivers.
//
// Two drivers are built in: the webhook driver POSTs the message as JSON with
// optional HMAC-SHA256 signing, and the log driver writes it to the
// structured log. Additional drivers are added with RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Messages ────────────────────────────────────────────────

// MessageType describes what happened.
type MessageType string

const (
	MessageEscalationAssigned MessageType = "escalation_assigned"
	MessageStakeholderUpdate  MessageType = "stakeholder_update"
)

// Message is the notification payload.
type Message struct {
	Type          MessageType            `json:"type"`
	SessionID     string                 `json:"session_id"`
	TicketID      string                 `json:"ticket_id,omitempty"`
	Recipient     string                 `json:"recipient"`
	RecipientRole string                 `json:"recipient_role,omitempty"`
	Priority      models.Priority        `json:"priority,omitempty"`
	Subject       string                 `json:"subject"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// ── Channels ────────────────────────────────────────────────

// ChannelKind selects the driver that serves a channel.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelLog     ChannelKind = "log"
)

// Channel is one configured delivery target.
type Channel struct {
	Name   string      `json:"name"`
	Kind   ChannelKind `json:"kind"`
	URL    string      `json:"url,omitempty"`
	Secret string      `json:"-"`
	Events []string    `json:"events,omitempty"` // empty means all message types
	Active bool        `json:"active"`
}

// ChannelDriver sends a message through one kind of channel.
type ChannelDriver interface {
	Kind() ChannelKind
	Send(ctx context.Context, ch *Channel, msg Message) error
}

// ── Service ─────────────────────────────────────────────────

// Service dispatches messages to every active channel.
type Service struct {
	client *http.Client

	mu       sync.RWMutex
	channels []Channel
	drivers  map[ChannelKind]ChannelDriver
}

// NewService creates a service with the built-in webhook and log drivers.
// With no channels a single log channel is installed.
func NewService(channels ...Channel) *Service {
	svc := &Service{
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[ChannelKind]ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client, MaxRetries: 2})
	svc.RegisterDriver(LogChannelDriver{})

	if len(channels) == 0 {
		channels = []Channel{{Name: "log", Kind: ChannelLog, Active: true}}
	}
	svc.channels = append(svc.channels, channels...)
	return svc
}

// RegisterDriver adds or replaces a channel driver for the given kind.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Debug().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a given channel kind, or nil.
func (s *Service) GetDriver(kind ChannelKind) ChannelDriver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drivers[kind]
}

// Channels returns a copy of the configured channels.
func (s *Service) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Channel(nil), s.channels...)
}

// DispatchToChannel sends msg through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, ch *Channel, msg Message) models.NotifyResult {
	result := models.NotifyResult{
		Channel:   fmt.Sprintf("%s/%s", ch.Kind, ch.Name),
		Recipient: msg.Recipient,
		Timestamp: time.Now().UTC(),
	}

	if !ch.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", ch.Name)
		return result
	}
	if !channelSubscribes(ch, msg.Type) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s messages", ch.Name, msg.Type)
		return result
	}

	driver := s.GetDriver(ch.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", ch.Kind)
		log.Warn().Str("kind", string(ch.Kind)).Str("channel", ch.Name).Msg("No channel driver")
		return result
	}

	if err := driver.Send(ctx, ch, msg); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("channel", ch.Name).Str("recipient", msg.Recipient).Str("type", string(msg.Type)).Msg("Notification failed")
		return result
	}

	result.Success = true
	return result
}

// Notify sends msg to every active, subscribed channel concurrently and
// returns one result per attempted channel.
func (s *Service) Notify(ctx context.Context, msg Message) []models.NotifyResult {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []models.NotifyResult
	)
	for _, ch := range s.Channels() {
		if !ch.Active || !channelSubscribes(&ch, msg.Type) {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, msg)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func channelSubscribes(ch *Channel, t MessageType) bool {
	if len(ch.Events) == 0 {
		return true
	}
	for _, e := range ch.Events {
		if e == string(t) || e == "*" {
			return true
		}
	}
	return false
}

// ── Webhook driver ──────────────────────────────────────────

// WebhookChannelDriver POSTs the message as JSON to the channel URL, signing
// the body with HMAC-SHA256 when the channel has a secret.
type WebhookChannelDriver struct {
	client     *http.Client
	MaxRetries uint64
}

// NewWebhookDriver creates a webhook driver using client.
func NewWebhookDriver(client *http.Client, maxRetries uint64) *WebhookChannelDriver {
	return &WebhookChannelDriver{client: client, MaxRetries: maxRetries}
}

func (d *WebhookChannelDriver) Kind() ChannelKind { return ChannelWebhook }

func (d *WebhookChannelDriver) Send(ctx context.Context, ch *Channel, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var sig string
	if ch.Secret != "" {
		sig = Sign(ch.Secret, body)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Onboarding-Webhook/1.0")
		req.Header.Set("X-Onboarding-Event", string(msg.Type))
		if sig != "" {
			req.Header.Set("X-Onboarding-Signature", sig)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, d.MaxRetries), ctx)); err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	return nil
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ── Log driver ──────────────────────────────────────────────

// LogChannelDriver writes messages to the structured log. It never fails.
type LogChannelDriver struct{}

func (LogChannelDriver) Kind() ChannelKind { return ChannelLog }

func (LogChannelDriver) Send(_ context.Context, ch *Channel, msg Message) error {
	log.Info().
		Str("channel", ch.Name).
		Str("type", string(msg.Type)).
		Str("recipient", msg.Recipient).
		Str("role", msg.RecipientRole).
		Str("ticket_id", msg.TicketID).
		Str("session_id", msg.SessionID).
		Msg("📣 " + msg.Subject)
	return nil
}
