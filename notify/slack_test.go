package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/rules"
)

func newWebhook(t *testing.T, reply string) (*SlackNotifier, *[]string) {
	t.Helper()
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body SlackWebhookBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body.Text)
		fmt.Fprint(w, reply)
	}))
	t.Cleanup(srv.Close)
	return NewSlackNotifier(srv.URL), &received
}

func TestSendLoadProblems(t *testing.T) {
	n, received := newWebhook(t, "ok")

	report := &rules.LoadReport{
		SubredditID: 1,
		Rows:        4,
		Loaded:      1,
		Excluded:    []error{&rules.PatternCompileError{ConditionID: 2, Pattern: "(", Err: fmt.Errorf("missing closing )")}},
		Unreachable: 2,
	}
	require.NoError(t, n.SendLoadProblems(context.Background(), "gaming", report, nil))
	require.NoError(t, n.SendLoadProblems(context.Background(), "aww", nil, rules.ErrConditionCycle))

	require.Len(t, *received, 2)
	assert.Contains(t, (*received)[0], "/r/gaming")
	assert.Contains(t, (*received)[0], "2 sub-condition(s) unreachable")
	assert.Contains(t, (*received)[1], "previous rules stay active")
}

func TestSendAlertAndReported(t *testing.T) {
	n, received := newWebhook(t, "ok")
	id := int64(7)

	entry := &models.ActionLog{
		Title:            "Free giveaway",
		User:             "alice",
		Domain:           "spam.ru",
		Permalink:        "/r/gaming/comments/a/free_giveaway/",
		Action:           models.ActionAlert,
		MatchedCondition: &id,
	}
	require.NoError(t, n.SendAlert(context.Background(), "gaming", entry))

	item := &models.Item{Subject: models.SubjectComment, ID: "t1_x", Permalink: "/r/gaming/comments/a/a/x", NumReports: 5, Author: models.AuthorStats{Name: "bob"}}
	require.NoError(t, n.SendReported(context.Background(), "gaming", item, 3))

	require.Len(t, *received, 2)
	assert.Contains(t, (*received)[0], "Condition: #7")
	assert.Contains(t, (*received)[0], "https://www.reddit.com/r/gaming/comments/a/free_giveaway/")
	assert.Contains(t, (*received)[1], "reported 5 times (threshold 3)")
}

func TestAlertBodyOmitsEmptyFields(t *testing.T) {
	body := AlertBody(&models.ActionLog{User: "carol", Permalink: "/r/gaming/comments/a/a/c"})
	assert.Equal(t, "https://www.reddit.com/r/gaming/comments/a/a/c\nAuthor: /u/carol\n", body)
}

func TestWebhookFailure(t *testing.T) {
	n, _ := newWebhook(t, "invalid_token")
	err := n.SendAlert(context.Background(), "gaming", &models.ActionLog{User: "x"})
	assert.Error(t, err)
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.SendAlert(context.Background(), "gaming", &models.ActionLog{}))
}
