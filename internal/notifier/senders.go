package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/containrrr/shoutrrr"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
)

// ErrSkip marks a delivery that cannot be attempted, such as a missing
// config field or an unresolvable recipient. Skips are logged, never retried
// and never counted as failures.
var ErrSkip = errors.New("notification skipped")

// SkipError carries the reason a delivery was skipped.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

func (e *SkipError) Is(target error) bool { return target == ErrSkip }

func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// IsSkip reports whether err is a skip signal.
func IsSkip(err error) bool {
	return errors.Is(err, ErrSkip)
}

// Delivery is one message addressed to one endpoint.
type Delivery struct {
	Endpoint  *Endpoint
	Message   *Message
	Recipient *domain.User
}

// Sender delivers to one kind of channel.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// shoutrrrSend is swapped out in tests.
var shoutrrrSend = func(rawURL, message string) error {
	return shoutrrr.Send(rawURL, message)
}

// shoutrrrSender covers every channel with a URL builder.
type shoutrrrSender struct {
	builder URLBuilder
}

func (s shoutrrrSender) Send(ctx context.Context, d Delivery) error {
	u, err := s.builder.BuildURL(d.Endpoint.Config, d.Recipient)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- shoutrrrSend(u, d.Message.Text) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatar_url"`
}

type discordPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []DiscordEmbed `json:"embeds"`
}

// discordSender posts the rich embed to a Discord webhook.
type discordSender struct {
	client *http.Client
}

func (s discordSender) Send(ctx context.Context, d Delivery) error {
	var c DiscordConfig
	if err := decodeConfig(d.Endpoint.Config, &c); err != nil {
		return err
	}
	if c.WebhookURL == "" {
		return Skip("discord webhook not configured")
	}
	username := c.Username
	if username == "" {
		username = "Requestarr"
	}
	return postJSON(ctx, s.client, http.MethodPost, c.WebhookURL, nil, discordPayload{
		Username:  username,
		AvatarURL: c.AvatarURL,
		Embeds:    []DiscordEmbed{d.Message.Embed},
	})
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// webhookSender posts the structured payload to a generic receiver.
type webhookSender struct {
	client *http.Client
}

func (s webhookSender) Send(ctx context.Context, d Delivery) error {
	var c WebhookConfig
	if err := decodeConfig(d.Endpoint.Config, &c); err != nil {
		return err
	}
	if c.URL == "" {
		return Skip("webhook URL not configured")
	}
	target := c.URL
	if !strings.HasPrefix(target, "http") {
		target = httpsPrefix + target
	}
	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, s.client, method, target, c.Headers, d.Message.Webhook)
}

func postJSON(ctx context.Context, client *http.Client, method, target string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Requestarr/"+config.Version)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// defaultSenders wires every known channel.
func defaultSenders(client *http.Client) map[string]Sender {
	senders := map[string]Sender{
		ChannelDiscord: discordSender{client: client},
		ChannelWebhook: webhookSender{client: client},
	}
	for channel, b := range urlBuilders {
		senders[channel] = shoutrrrSender{builder: b}
	}
	return senders
}
