package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Requestarr/internal/domain"
)

// Severity drives the embed color of a lifecycle event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var severityColors = map[Severity]int{
	SeverityInfo:    0x3498DB,
	SeveritySuccess: 0x2ECC71,
	SeverityWarning: 0xF39C12,
	SeverityError:   0xE74C3C,
}

// EventSeverity classifies a lifecycle event.
func EventSeverity(et domain.EventType) Severity {
	switch et {
	case domain.RequestAvailable:
		return SeveritySuccess
	case domain.RequestPartiallyAvailable, domain.RequestAlreadyExists:
		return SeverityWarning
	case domain.RequestDenied, domain.RequestFailed, domain.RequestRemoved:
		return SeverityError
	default:
		return SeverityInfo
	}
}

type eventText struct {
	emoji  string
	status string // completes "<title> ..."
	label  string
}

var eventTexts = map[domain.EventType]eventText{
	domain.RequestPending:            {"🆕", "was requested", "Pending"},
	domain.RequestSubmitted:          {"📨", "was approved and sent for download", "Submitted"},
	domain.RequestDenied:             {"⛔", "was denied", "Denied"},
	domain.RequestFailed:             {"❌", "could not be processed", "Failed"},
	domain.RequestAlreadyExists:      {"📚", "is already in the library", "Already Available"},
	domain.RequestPartiallyAvailable: {"🧩", "is partially available", "Partially Available"},
	domain.RequestDownloading:        {"⬇️", "is downloading", "Downloading"},
	domain.RequestAvailable:          {"✅", "is now available", "Available"},
	domain.RequestRemoved:            {"🗑️", "was removed", "Removed"},
}

const overviewLimit = 300

// Message is every rendering of one lifecycle event, built once and shared
// by all endpoints.
type Message struct {
	EventType domain.EventType
	Data      domain.RequestEventData
	Severity  Severity
	Headline  string
	Text      string
	URL       string
	Embed     DiscordEmbed
	Webhook   WebhookPayload
}

type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// WebhookPayload is the stable JSON schema posted to generic webhook
// receivers.
type WebhookPayload struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Status    string          `json:"status"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	MediaType string          `json:"media_type"`
	TmdbID    int64           `json:"tmdb_id"`
	TvdbID    int64           `json:"tvdb_id,omitempty"`
	Season    int             `json:"season,omitempty"`
	Requester string          `json:"requester"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  WebhookMetadata `json:"metadata"`
	URL       string          `json:"url,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type WebhookMetadata struct {
	Year     int     `json:"year,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
	Overview string  `json:"overview,omitempty"`
	Image    string  `json:"image,omitempty"`
}

// Render builds the plain-text, embed and webhook renderings of an event.
// requester is the display name of the requesting user.
func Render(et domain.EventType, data domain.RequestEventData, requester, publicURL string, now time.Time) *Message {
	text, ok := eventTexts[et]
	if !ok {
		text = eventText{"📢", string(et), string(et)}
	}
	if requester == "" {
		requester = data.RequestedBy
	}

	msg := &Message{
		EventType: et,
		Data:      data,
		Severity:  EventSeverity(et),
		URL:       deepLink(publicURL, data.RequestID),
	}

	name := displayTitle(data)
	msg.Headline = fmt.Sprintf("%s %s %s", text.emoji, name, text.status)
	reason := data.Reason
	if et == domain.RequestFailed {
		reason = domain.PublicReason(domain.StatusFailed, reason)
	}
	status := msg.Headline
	if reason != "" && (et == domain.RequestDenied || et == domain.RequestFailed) {
		status += ": " + reason
	}

	var b strings.Builder
	b.WriteString(status)
	if meta := metadataLine(data); meta != "" {
		b.WriteString("\n" + meta)
	}
	if data.Overview != "" {
		b.WriteString("\n\n" + truncate(data.Overview, overviewLimit))
	}
	if data.ImagePath != "" {
		b.WriteString(fmt.Sprintf("\n\n![poster](%s)", data.ImagePath))
	}
	b.WriteString("\n\nRequested by " + requester)
	if msg.URL != "" {
		b.WriteString("\n" + msg.URL)
	}
	msg.Text = b.String()

	msg.Embed = DiscordEmbed{
		Title:       fmt.Sprintf("%s %s", text.emoji, name),
		Description: truncate(data.Overview, overviewLimit),
		URL:         msg.URL,
		Color:       severityColors[msg.Severity],
		Fields: []EmbedField{
			{Name: "Requested By", Value: requester, Inline: true},
			{Name: "Status", Value: text.label, Inline: true},
		},
		Footer:    &EmbedFooter{Text: "Requestarr"},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if data.Year != 0 {
		msg.Embed.Fields = append(msg.Embed.Fields, EmbedField{Name: "Year", Value: fmt.Sprint(data.Year), Inline: true})
	}
	if data.Rating != 0 {
		msg.Embed.Fields = append(msg.Embed.Fields, EmbedField{Name: "Rating", Value: fmt.Sprintf("%.1f/10", data.Rating), Inline: true})
	}
	if reason != "" {
		msg.Embed.Fields = append(msg.Embed.Fields, EmbedField{Name: "Reason", Value: reason})
	}
	if data.ImagePath != "" {
		msg.Embed.Thumbnail = &EmbedImage{URL: data.ImagePath}
	}

	msg.Webhook = WebhookPayload{
		Type:      domain.AggregateRequest,
		Event:     string(et),
		Status:    string(data.Status),
		Title:     name,
		Message:   status,
		RequestID: data.RequestID,
		MediaType: string(data.RequestType),
		TmdbID:    data.TmdbID,
		TvdbID:    data.TvdbID,
		Season:    data.Season,
		Requester: requester,
		Reason:    reason,
		Metadata: WebhookMetadata{
			Year:     data.Year,
			Rating:   data.Rating,
			Overview: data.Overview,
			Image:    data.ImagePath,
		},
		URL:       msg.URL,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	return msg
}

func displayTitle(d domain.RequestEventData) string {
	title := d.Title
	if title == "" {
		title = fmt.Sprintf("TMDB #%d", d.TmdbID)
	}
	if d.Year != 0 {
		title = fmt.Sprintf("%s (%d)", title, d.Year)
	}
	if d.RequestType == domain.RequestEpisode && d.Season != 0 {
		title = fmt.Sprintf("%s Season %d", title, d.Season)
	}
	return title
}

func metadataLine(d domain.RequestEventData) string {
	var parts []string
	if d.Year != 0 {
		parts = append(parts, fmt.Sprint(d.Year))
	}
	if d.Rating != 0 {
		parts = append(parts, fmt.Sprintf("⭐ %.1f", d.Rating))
	}
	if d.RequestType == domain.RequestEpisode {
		parts = append(parts, "TV")
	} else if d.RequestType == domain.RequestMovie {
		parts = append(parts, "Movie")
	}
	return strings.Join(parts, " · ")
}

func deepLink(publicURL, requestID string) string {
	if publicURL == "" || requestID == "" {
		return ""
	}
	return strings.TrimSuffix(publicURL, "/") + "/requests/" + requestID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
