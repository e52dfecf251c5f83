package integration

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mescon/Requestarr/internal/config"
)

const queuePageSize = 100

// QueueItem is one entry in a Radarr or Sonarr download queue.
type QueueItem struct {
	ID                    int64           `json:"id"`
	DownloadID            string          `json:"downloadId"`
	Title                 string          `json:"title"`
	Status                string          `json:"status"`                // queued, downloading, completed, failed, delay, ...
	TrackedDownloadState  string          `json:"trackedDownloadState"`  // downloading, importPending, imported, failedPending, failed
	TrackedDownloadStatus string          `json:"trackedDownloadStatus"` // ok, warning, error
	ErrorMessage          string          `json:"errorMessage"`
	StatusMessages        []StatusMessage `json:"statusMessages"`
	Protocol              string          `json:"protocol"`
	DownloadClient        string          `json:"downloadClient"`
	Size                  float64         `json:"size"`
	SizeLeft              float64         `json:"sizeleft"`
	TimeLeft              string          `json:"timeleft"`

	MovieID      int64         `json:"movieId,omitempty"`
	SeriesID     int64         `json:"seriesId,omitempty"`
	EpisodeID    int64         `json:"episodeId,omitempty"`
	SeasonNumber *int          `json:"seasonNumber,omitempty"`
	Episode      *QueueEpisode `json:"episode,omitempty"` // present with includeEpisode=true
}

// QueueEpisode is the episode embedded in a Sonarr queue record.
type QueueEpisode struct {
	ID            int64 `json:"id"`
	SeasonNumber  int   `json:"seasonNumber"`
	EpisodeNumber int   `json:"episodeNumber"`
}

// StatusMessage contains warning/error details from *arr.
type StatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

// QueueResponse is the paginated response from /api/v3/queue.
type QueueResponse struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []QueueItem `json:"records"`
}

// Failed reports whether the download ended in a terminal failure.
func (q QueueItem) Failed() bool {
	switch strings.ToLower(q.TrackedDownloadState) {
	case "failed", "failedpending":
		return true
	}
	return strings.EqualFold(q.Status, "failed")
}

// Active reports whether the entry is still in flight, i.e. neither
// completed nor failed.
func (q QueueItem) Active() bool {
	return !q.Failed() && !strings.EqualFold(q.Status, "completed")
}

// Progress returns the downloaded percentage.
func (q QueueItem) Progress() float64 {
	if q.Size <= 0 {
		return 0
	}
	return (q.Size - q.SizeLeft) / q.Size * 100
}

var episodeTitlePattern = regexp.MustCompile(`(?i)S(\d+)E(\d+)`)

// EpisodeRef returns the season and episode the entry downloads, taken from
// the structured episode when present and otherwise parsed from the release
// title.
func (q QueueItem) EpisodeRef() (season, episode int, ok bool) {
	if q.Episode != nil {
		return q.Episode.SeasonNumber, q.Episode.EpisodeNumber, true
	}
	m := episodeTitlePattern.FindStringSubmatch(q.Title)
	if m == nil {
		return 0, 0, false
	}
	season, _ = strconv.Atoi(m[1])
	episode, _ = strconv.Atoi(m[2])
	return season, episode, true
}

// LogRecord is one entry of a provider's /api/v3/log.
type LogRecord struct {
	ID        int64  `json:"id"`
	Time      string `json:"time"`
	Level     string `json:"level"`
	Logger    string `json:"logger"`
	Message   string `json:"message"`
	Exception string `json:"exception,omitempty"`
}

// LogResponse is the paginated response from /api/v3/log.
type LogResponse struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []LogRecord `json:"records"`
}

// SystemStatus is the subset of /api/v3/system/status used for health checks.
type SystemStatus struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}

// Image is an artwork reference on a movie or series.
type Image struct {
	CoverType string `json:"coverType"`
	URL       string `json:"url,omitempty"`
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// arrClient holds the API surface Radarr and Sonarr share.
type arrClient struct {
	*transport
	cfg          config.ProviderConfig
	queueOptions string
}

func newArrClient(name string, cfg config.ProviderConfig, limiter *RateLimiter, breakers *CircuitBreakerRegistry, queueOptions string) arrClient {
	baseURL := ""
	if cfg.Enabled() {
		baseURL = cfg.URL
	}
	return arrClient{
		transport:    newTransport(name, baseURL, limiter, breakers, apiKeyHeader(cfg.APIKey)),
		cfg:          cfg,
		queueOptions: queueOptions,
	}
}

// Name returns the provider name used for its circuit breaker.
func (c *arrClient) Name() string {
	return c.name
}

// Configured reports whether URL and API key are set.
func (c *arrClient) Configured() bool {
	return c.baseURL != ""
}

// ListQueue fetches one page of the download queue.
func (c *arrClient) ListQueue(ctx context.Context, page, pageSize int) (*QueueResponse, error) {
	endpoint := fmt.Sprintf("/api/v3/queue?page=%d&pageSize=%d%s", page, pageSize, c.queueOptions)
	var queue QueueResponse
	if err := c.do(ctx, "GET", endpoint, nil, &queue); err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return &queue, nil
}

// GetAllQueueItems walks every queue page.
func (c *arrClient) GetAllQueueItems(ctx context.Context) ([]QueueItem, error) {
	var all []QueueItem
	for page := 1; ; page++ {
		queue, err := c.ListQueue(ctx, page, queuePageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, queue.Records...)
		if len(queue.Records) == 0 || len(all) >= queue.TotalRecords {
			return all, nil
		}
	}
}

// RemoveFromQueue removes an entry from the download queue.
func (c *arrClient) RemoveFromQueue(ctx context.Context, queueID int64, removeFromClient, blocklist bool) error {
	endpoint := fmt.Sprintf("/api/v3/queue/%d?removeFromClient=%t&blocklist=%t", queueID, removeFromClient, blocklist)
	if err := c.do(ctx, "DELETE", endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}
	return nil
}

// ListLogs fetches one page of the provider's application log, newest first.
func (c *arrClient) ListLogs(ctx context.Context, page, pageSize int) (*LogResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("sortKey", "time")
	q.Set("sortDirection", "descending")

	var logs LogResponse
	if err := c.do(ctx, "GET", "/api/v3/log?"+q.Encode(), nil, &logs); err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	return &logs, nil
}

// SystemStatus checks the provider is reachable.
func (c *arrClient) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.do(ctx, "GET", "/api/v3/system/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
