// Package notify delivers engine events to people: Slack messages for
// escalation steps and swap reminders, plus outgoing webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/pagerbell/pagerbell/internal/database"
)

// webhookTimeout bounds a single outgoing webhook attempt; the task queue
// owns retries
const webhookTimeout = 10 * time.Second

// SlackDispatcher delivers escalation notifications through Slack and plain
// HTTP webhooks. Without a configured bot token it degrades to log-only
// delivery, so the engine runs end to end in development.
type SlackDispatcher struct {
	client     *slack.Client
	channel    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewSlackDispatcher creates a dispatcher. An empty token yields a
// log-only dispatcher.
func NewSlackDispatcher(token, channel string, log zerolog.Logger) *SlackDispatcher {
	d := &SlackDispatcher{
		channel:    channel,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        log,
	}
	if token != "" {
		d.client = slack.New(token)
	} else {
		log.Warn().Msg("no slack bot token configured, notifications are log-only")
	}
	return d
}

// DeliverToUser notifies one user about an alert group
func (d *SlackDispatcher) DeliverToUser(ctx context.Context, user *database.User, ag *database.AlertGroup, important bool, reason string) error {
	prefix := ""
	if important {
		prefix = ":rotating_light: "
	}
	text := fmt.Sprintf("%s@%s you are invited to check an alert group: *%s* (%s)", prefix, user.Username, ag.Title, reason)
	return d.post(ctx, d.channel, text)
}

// DeliverToGroup notifies every member of a notification group
func (d *SlackDispatcher) DeliverToGroup(ctx context.Context, group *database.NotificationGroup, ag *database.AlertGroup) error {
	mentions := ""
	for _, u := range group.Users {
		mentions += "@" + u.Username + " "
	}
	text := fmt.Sprintf("%sgroup *%s* is invited to check an alert group: *%s*", mentions, group.Name, ag.Title)
	return d.post(ctx, d.channel, text)
}

// DeliverToAll posts the final escalation announcement to the route's
// notification channel
func (d *SlackDispatcher) DeliverToAll(ctx context.Context, channel string, ag *database.AlertGroup) error {
	if channel == "" {
		channel = d.channel
	}
	text := fmt.Sprintf("<!channel> escalation exhausted for alert group *%s* [%s]", ag.Title, ag.IntegrationSlug)
	return d.post(ctx, channel, text)
}

// DeliverWebhook posts the alert group as JSON to a custom webhook URL
func (d *SlackDispatcher) DeliverWebhook(ctx context.Context, url string, ag *database.AlertGroup) error {
	payload, err := json.Marshal(ag)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook delivery failed: status %d", resp.StatusCode)
	}
	return nil
}

func (d *SlackDispatcher) post(ctx context.Context, channel, text string) error {
	if d.client == nil {
		d.log.Info().Str("channel", channel).Str("text", text).Msg("slack delivery (log-only)")
		return nil
	}
	_, _, err := d.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
