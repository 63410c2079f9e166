// Package pushover implements the notifier plugin on the Pushover API.
package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

const (
	apiURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Notifier sends Pushover notifications.
type Notifier struct {
	UserKey  string
	AppToken string

	HTTPClient *http.Client
}

// New creates a Notifier with the given credentials.
func New(userKey, appToken string) *Notifier {
	return &Notifier{
		UserKey:    userKey,
		AppToken:   appToken,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether credentials are set.
func (n *Notifier) Configured() bool {
	return n.UserKey != "" && n.AppToken != ""
}

// apiResponse is the JSON response from the Pushover API.
type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Notify implements plugin.Notifier.
func (n *Notifier) Notify(ctx context.Context, msg plugin.Notification) error {
	if !n.Configured() {
		return fmt.Errorf("pushover not configured: set userKey and appToken under the pushover notifier")
	}

	title := msg.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	body := msg.Body
	if body == "" {
		body = title
	}
	if len(body) > MaxMessageLen {
		body = body[:MaxMessageLen]
	}

	form := url.Values{
		"token":    {n.AppToken},
		"user":     {n.UserKey},
		"title":    {title},
		"message":  {body},
		"priority": {fmt.Sprintf("%d", PriorityFor(msg.Priority))},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

// PriorityFor maps the orchestrator's priority bands onto Pushover's
// numeric priorities.
func PriorityFor(band string) int {
	switch band {
	case events.PriorityUrgent:
		return 1
	case events.PriorityAction:
		return 0
	case events.PriorityWarning:
		return -1
	default:
		return -2
	}
}
