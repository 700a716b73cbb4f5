package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// Event - payload of POST /notify
type Event struct {
	ID         string `json:"id"`
	PracticeID string `json:"practica_id"`
	Status     string `json:"status"`
}

// HTTPNotifier posts correction events to the notification service.
type HTTPNotifier struct {
	URL    string
	client *http.Client
}

// NewHTTPNotifier ...
func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify sends one event; any non-2xx answer is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}
