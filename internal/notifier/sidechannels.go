package notifier

import (
	"context"
	"net/http"

	"github.com/mescon/Requestarr/internal/domain"
)

// dmEvents get a direct Telegram message to a requester with a linked chat,
// regardless of the configured endpoints.
var dmEvents = map[domain.EventType]bool{
	domain.RequestAvailable:          true,
	domain.RequestDenied:             true,
	domain.RequestDownloading:        true,
	domain.RequestPartiallyAvailable: true,
	domain.RequestFailed:             true,
}

// PushSender delivers a browser push notification to one user.
type PushSender interface {
	Push(ctx context.Context, user *domain.User, msg *Message) error
}

// DirectMessenger sends a bot message to one user.
type DirectMessenger interface {
	DirectMessage(ctx context.Context, user *domain.User, msg *Message) error
}

type pushPayload struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url,omitempty"`
	Icon   string `json:"icon,omitempty"`
	Tag    string `json:"tag"`
}

// webPushRelay hands push notifications to an external relay that owns the
// browser subscriptions.
type webPushRelay struct {
	endpoint string
	client   *http.Client
}

func (r webPushRelay) Push(ctx context.Context, user *domain.User, msg *Message) error {
	if r.endpoint == "" {
		return Skip("web push relay not configured")
	}
	if user == nil || !user.PushEnabled {
		return Skip("user has no push subscription")
	}
	return postJSON(ctx, r.client, http.MethodPost, r.endpoint, nil, pushPayload{
		UserID: user.ID,
		Title:  msg.Embed.Title,
		Body:   msg.Headline,
		URL:    msg.URL,
		Icon:   msg.Data.ImagePath,
		Tag:    msg.Data.RequestID,
	})
}

// telegramDM messages the requester's linked chat through the bot token
// from config.
type telegramDM struct {
	token string
}

func (t telegramDM) DirectMessage(ctx context.Context, user *domain.User, msg *Message) error {
	if t.token == "" {
		return Skip("telegram bot not configured")
	}
	if user == nil || user.TelegramChatID == "" {
		return Skip("user has no linked telegram chat")
	}
	done := make(chan error, 1)
	go func() { done <- shoutrrrSend(telegramURL(t.token, user.TelegramChatID), msg.Text) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
