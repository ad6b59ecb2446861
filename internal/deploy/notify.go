package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sparkle/pkg/log"
)

// Event is the JSON document POSTed to notification webhooks. Delivery is
// fire-and-forget: failures are logged and never affect the deployment
// outcome.
type Event struct {
	App     string    `json:"app"`
	Version string    `json:"version,omitempty"`
	Outcome string    `json:"outcome"` // "deployed" or "failed"
	Message string    `json:"message,omitempty"`
	Device  string    `json:"device,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier posts deployment events to webhook URLs.
type Notifier struct {
	device string
	client *http.Client
}

// NewNotifier creates a notifier stamping events with the device name.
func NewNotifier(device string) *Notifier {
	return &Notifier{
		device: device,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Dispatch sends the event to every URL sequentially with a bounded
// timeout per request.
func (n *Notifier) Dispatch(ctx context.Context, urls []string, event Event) {
	if len(urls) == 0 {
		return
	}
	event.Device = n.device
	event.Time = time.Now().UTC()
	body, err := json.Marshal(event)
	if err != nil {
		log.Warn("Failed to encode notification", "error", err)
		return
	}

	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			log.Warn("Invalid notification URL", "url", url, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			log.Warn("Notification delivery failed", "url", url, "error", err)
			continue
		}
		resp.Body.Close()
		log.Debug("Notification delivered", "url", url, "status", resp.StatusCode)
	}
}
