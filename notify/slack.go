package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/rules"
)

// Notifier tells the operators about things the bot cannot resolve on its own
type Notifier interface {
	// SendLoadProblems reports condition rows that could not be loaded. loadErr is
	// set when the whole forest was rejected.
	SendLoadProblems(ctx context.Context, subreddit string, report *rules.LoadReport, loadErr error) error
	SendAlert(ctx context.Context, subreddit string, entry *models.ActionLog) error
	SendReported(ctx context.Context, subreddit string, item *models.Item, threshold int) error
}

// Nop drops every notification; used when no webhook is configured
type Nop struct{}

func (Nop) SendLoadProblems(context.Context, string, *rules.LoadReport, error) error { return nil }
func (Nop) SendAlert(context.Context, string, *models.ActionLog) error               { return nil }
func (Nop) SendReported(context.Context, string, *models.Item, int) error            { return nil }

// SlackNotifier posts notifications to a Slack "incoming webhook"
type SlackNotifier struct {
	SlackWebhookURL string
	client          *http.Client
}

// NewSlackNotifier creates a notifier for the given webhook URL
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: webhookURL,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *SlackNotifier) SendLoadProblems(ctx context.Context, subreddit string, report *rules.LoadReport, loadErr error) error {
	msg := fmt.Sprintf("⚠️ Condition problems in /r/%s ⚠️\n", subreddit)
	if loadErr != nil {
		msg += fmt.Sprintf("Conditions rejected, previous rules stay active: `%s`\n", loadErr)
	}
	if report != nil {
		for _, err := range report.Excluded {
			msg += fmt.Sprintf("• `%s`\n", err)
		}
		if report.Unreachable > 0 {
			msg += fmt.Sprintf("%d sub-condition(s) unreachable below excluded rows\n", report.Unreachable)
		}
	}
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) SendAlert(ctx context.Context, subreddit string, entry *models.ActionLog) error {
	msg := fmt.Sprintf("🔔 /r/%s condition matched\n", subreddit)
	msg += alertBody(entry)
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) SendReported(ctx context.Context, subreddit string, item *models.Item, threshold int) error {
	msg := fmt.Sprintf("🚩 /r/%s %s reported %d times (threshold %d)\n", subreddit, item.Subject, item.NumReports, threshold)
	msg += fmt.Sprintf("<https://www.reddit.com%s|%s> by `%s`\n", item.Permalink, item.ID, item.Author.Name)
	return n.sendSlackMsg(ctx, msg)
}

// AlertBody formats an action log entry for a human reader; it is also used as
// the modmail text
func AlertBody(entry *models.ActionLog) string {
	return alertBody(entry)
}

func alertBody(entry *models.ActionLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "https://www.reddit.com%s\n", entry.Permalink)
	if entry.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", entry.Title)
	}
	fmt.Fprintf(&b, "Author: /u/%s\n", entry.User)
	if entry.Domain != "" {
		fmt.Fprintf(&b, "Domain: %s\n", entry.Domain)
	}
	if entry.MatchedCondition != nil {
		fmt.Fprintf(&b, "Condition: #%d\n", *entry.MatchedCondition)
	}
	return b.String()
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// sendSlackMsg sends a simple message to the webhook's channel
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
