// Package remote talks to the source and target channels over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"channel-relay/pkg/task"
)

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d for %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// Temporary reports whether retrying the same request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body)}
}

// FeedMonitor lists new uploads from a JSON feed endpoint.
type FeedMonitor struct {
	client  *http.Client
	feedURL string
}

func NewFeedMonitor(feedURL string, client *http.Client) *FeedMonitor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FeedMonitor{client: client, feedURL: feedURL}
}

type feedResponse struct {
	Items []task.Item `json:"items"`
}

// Poll implements pipeline.Monitor.
func (m *FeedMonitor) Poll(ctx context.Context, since time.Time) ([]task.Item, error) {
	u, err := url.Parse(m.feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}
	items := feed.Items[:0]
	for _, it := range feed.Items {
		if it.ExternalID == "" || it.SourceURL == "" {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
