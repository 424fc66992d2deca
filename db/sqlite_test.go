package db

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/rules"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	d, err := NewDatabase(filepath.Join(t.TempDir(), "modbot.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func createSubreddit(t *testing.T, d *Database, name string) *models.Subreddit {
	t.Helper()
	sr := &models.Subreddit{Name: name, Enabled: true, ReportThreshold: 3}
	require.NoError(t, d.CreateSubreddit(context.Background(), sr))
	require.NotZero(t, sr.ID)
	return sr
}

func TestSubredditCRUD(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	gaming := createSubreddit(t, d, "gaming")
	disabled := &models.Subreddit{Name: "aww", Enabled: false}
	require.NoError(t, d.CreateSubreddit(ctx, disabled))

	got, err := d.GetSubreddit(ctx, "GAMING")
	require.NoError(t, err)
	assert.Equal(t, gaming, got)

	_, err = d.GetSubreddit(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// names are unique regardless of case
	assert.Error(t, d.CreateSubreddit(ctx, &models.Subreddit{Name: "Gaming"}))

	enabled, err := d.ListSubreddits(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "gaming", enabled[0].Name)

	all, err := d.ListSubreddits(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWatermarksPersist(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	mark := time.Date(2024, 5, 1, 10, 30, 0, 123456789, time.UTC)
	sr.SetWatermark(models.QueueSubmission, mark)
	sr.SetWatermark(models.QueueComment, mark.Add(time.Minute))
	// an older time never moves the cursor backwards
	sr.SetWatermark(models.QueueSubmission, mark.Add(-time.Hour))
	require.NoError(t, d.UpdateSubreddit(ctx, sr))

	got, err := d.GetSubreddit(ctx, "gaming")
	require.NoError(t, err)
	assert.Equal(t, mark, got.Watermark(models.QueueSubmission))
	assert.Equal(t, mark.Add(time.Minute), got.Watermark(models.QueueComment))
	assert.True(t, got.Watermark(models.QueueSpam).IsZero())
	assert.Nil(t, got.LastSpam)
}

func TestConditionRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	saved, err := d.ReplaceConditions(ctx, sr.ID, []models.ConditionNode{
		{
			Condition: models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrDomain, Value: `.*\.ru`, Action: models.ActionRemove},
		},
		{
			Condition: models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrTitle, Value: `.*giveaway.*`},
			Children: []models.ConditionNode{
				{Condition: models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrUser, Value: `.*`, MinAccountAge: 30, Inverse: true, Action: models.ActionAlert}},
				{Condition: models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrUser, Value: `.*`, IsGold: true, MinLinkKarma: 1, MinCommentKarma: 2, MinCombinedKarma: 3, Action: models.ActionApprove}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, saved, 4)
	require.NotNil(t, saved[2].ParentID)
	assert.Equal(t, saved[1].ID, *saved[2].ParentID)

	loaded, err := d.ListConditions(ctx, sr.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(saved, loaded); diff != "" {
		t.Errorf("ListConditions mismatch (-want +got):\n%s", diff)
	}

	// the forest rebuilt from the database decides exactly like the one built from memory
	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := rules.NewEngine(log)

	fromMemory, _, err := rules.Build(sr.ID, saved, rules.Options{})
	require.NoError(t, err)
	fromDB, _, err := rules.Build(sr.ID, loaded, rules.Options{})
	require.NoError(t, err)

	corpus := []*models.Item{
		{Subject: models.SubjectSubmission, Domain: "spam.ru", Title: "x", Author: models.AuthorStats{Name: "a"}},
		{Subject: models.SubjectSubmission, Domain: "reddit.com", Title: "big giveaway", Author: models.AuthorStats{Name: "b", AccountAgeDays: 2}},
		{Subject: models.SubjectSubmission, Domain: "reddit.com", Title: "big giveaway", Author: models.AuthorStats{Name: "c", AccountAgeDays: 90, HasGold: true, LinkKarma: 5, CommentKarma: 5}},
		{Subject: models.SubjectSubmission, Domain: "reddit.com", Title: "big giveaway", Author: models.AuthorStats{Name: "d", AccountAgeDays: 90}},
		{Subject: models.SubjectComment, Body: "spam.ru", Author: models.AuthorStats{Name: "e"}},
	}
	want := []models.Action{models.ActionRemove, models.ActionAlert, models.ActionApprove, models.ActionNone, models.ActionNone}
	for i, item := range corpus {
		a := engine.Decide(sr, fromMemory, item)
		b := engine.Decide(sr, fromDB, item)
		assert.Equal(t, want[i], a.Action, "item %d", i)
		assert.Equal(t, a.Action, b.Action, "item %d", i)
		assert.Equal(t, a.MatchedConditionID, b.MatchedConditionID, "item %d", i)
	}
}

func TestReplaceConditionsIsScopedToSubreddit(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	gaming := createSubreddit(t, d, "gaming")
	aww := createSubreddit(t, d, "aww")

	keep := &models.Condition{SubredditID: aww.ID, Subject: models.SubjectComment, Attribute: models.AttrBody, Value: ".*"}
	require.NoError(t, d.CreateCondition(ctx, keep))

	_, err := d.ReplaceConditions(ctx, gaming.ID, []models.ConditionNode{
		{Condition: models.Condition{Subject: models.SubjectComment, Attribute: models.AttrBody, Value: "a"}},
	})
	require.NoError(t, err)
	_, err = d.ReplaceConditions(ctx, gaming.ID, nil)
	require.NoError(t, err)

	gamingRows, err := d.ListConditions(ctx, gaming.ID)
	require.NoError(t, err)
	assert.Empty(t, gamingRows)

	awwRows, err := d.ListConditions(ctx, aww.ID)
	require.NoError(t, err)
	require.Len(t, awwRows, 1)
	assert.Equal(t, keep.ID, awwRows[0].ID)
}

func TestRejectsUnknownAttribute(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	err := d.CreateCondition(ctx, &models.Condition{SubredditID: sr.ID, Subject: models.SubjectSubmission, Attribute: "flair", Value: ".*"})
	assert.Error(t, err)
}

func TestActionLog(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	c := &models.Condition{SubredditID: sr.ID, Subject: models.SubjectSubmission, Attribute: models.AttrDomain, Value: ".*", Action: models.ActionRemove}
	require.NoError(t, d.CreateCondition(ctx, c))

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	older := &models.ActionLog{
		SubredditID:      sr.ID,
		Title:            "old",
		User:             "someone",
		URL:              "http://spam.ru/",
		Domain:           "spam.ru",
		Permalink:        "/r/gaming/comments/1/old/",
		CreatedUTC:       base.Add(-time.Hour),
		ActionTime:       base,
		Action:           models.ActionRemove,
		MatchedCondition: &c.ID,
	}
	newer := &models.ActionLog{
		SubredditID: sr.ID,
		User:        "manual",
		Permalink:   "/r/gaming/comments/2/new/",
		CreatedUTC:  base,
		ActionTime:  base.Add(48 * time.Hour),
		Action:      models.ActionApprove,
	}
	require.NoError(t, d.RecordAction(ctx, older))
	require.NoError(t, d.RecordAction(ctx, newer))
	assert.NotZero(t, older.ID)

	seen, err := d.HasAction(ctx, older.Permalink, c.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = d.HasAction(ctx, newer.Permalink, c.ID)
	require.NoError(t, err)
	assert.False(t, seen)

	entries, err := d.ListActions(ctx, sr.ID, 10)
	require.NoError(t, err)
	if diff := cmp.Diff([]models.ActionLog{*newer, *older}, entries); diff != "" {
		t.Errorf("ListActions mismatch (-want +got):\n%s", diff)
	}

	all, err := d.ListActions(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRetiringConditionKeepsActionLog(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	c := &models.Condition{SubredditID: sr.ID, Subject: models.SubjectSubmission, Attribute: models.AttrDomain, Value: ".*", Action: models.ActionRemove}
	require.NoError(t, d.CreateCondition(ctx, c))
	entry := &models.ActionLog{
		SubredditID:      sr.ID,
		Permalink:        "/x",
		ActionTime:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Action:           models.ActionRemove,
		MatchedCondition: &c.ID,
	}
	require.NoError(t, d.RecordAction(ctx, entry))

	_, err := d.ReplaceConditions(ctx, sr.ID, nil)
	require.NoError(t, err)

	rows, err := d.ListConditions(ctx, sr.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	entries, err := d.ListActions(ctx, sr.ID, 10)
	require.NoError(t, err)
	if diff := cmp.Diff([]models.ActionLog{*entry}, entries); diff != "" {
		t.Errorf("action log changed (-want +got):\n%s", diff)
	}

	seen, err := d.HasAction(ctx, "/x", c.ID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestActionLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	entry := &models.ActionLog{SubredditID: sr.ID, Permalink: "/x", ActionTime: time.Now(), Action: models.ActionApprove}
	require.NoError(t, d.RecordAction(ctx, entry))

	_, err := d.db.ExecContext(ctx, `UPDATE action_log SET action = 'remove' WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")

	_, err = d.db.ExecContext(ctx, `DELETE FROM action_log WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")

	entries, err := d.ListActions(ctx, sr.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionApprove, entries[0].Action)
}

func TestReplaceConditionsKeepsUnchangedIDs(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	sr := createSubreddit(t, d, "gaming")

	domain := models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrDomain, Value: `.*\.ru`, Action: models.ActionRemove}
	title := models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrTitle, Value: `.*giveaway.*`}
	young := models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrUser, Value: `.*`, MinAccountAge: 30, Inverse: true, Action: models.ActionAlert}

	first, err := d.ReplaceConditions(ctx, sr.ID, []models.ConditionNode{
		{Condition: domain},
		{Condition: title, Children: []models.ConditionNode{{Condition: young}}},
	})
	require.NoError(t, err)
	require.Len(t, first, 3)

	// same trees again: nothing changes
	again, err := d.ReplaceConditions(ctx, sr.ID, []models.ConditionNode{
		{Condition: domain},
		{Condition: title, Children: []models.ConditionNode{{Condition: young}}},
	})
	require.NoError(t, err)
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("unchanged trees got new rows (-want +got):\n%s", diff)
	}

	// an edited child is a new rule; its parent and the appended root keep or get ids in order
	older := young
	older.MinAccountAge = 60
	url := models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrURL, Value: `.*bit\.ly.*`, Action: models.ActionRemove}
	edited, err := d.ReplaceConditions(ctx, sr.ID, []models.ConditionNode{
		{Condition: domain},
		{Condition: title, Children: []models.ConditionNode{{Condition: older}}},
		{Condition: url},
	})
	require.NoError(t, err)
	require.Len(t, edited, 4)
	assert.Equal(t, first[0].ID, edited[0].ID)
	assert.Equal(t, first[1].ID, edited[1].ID)
	assert.Greater(t, edited[2].ID, first[2].ID)
	assert.Equal(t, first[1].ID, *edited[2].ParentID)
	assert.Greater(t, edited[3].ID, edited[2].ID)

	loaded, err := d.ListConditions(ctx, sr.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	for _, row := range loaded {
		assert.NotEqual(t, first[2].ID, row.ID)
	}

	// a root inserted in front cannot keep the older ids behind it
	front := models.Condition{Subject: models.SubjectSubmission, Attribute: models.AttrTitle, Value: `\[meta\].*`, Action: models.ActionApprove}
	reordered, err := d.ReplaceConditions(ctx, sr.ID, []models.ConditionNode{
		{Condition: front},
		{Condition: domain},
	})
	require.NoError(t, err)
	require.Len(t, reordered, 2)
	assert.Less(t, reordered[0].ID, reordered[1].ID)
	assert.NotEqual(t, first[0].ID, reordered[1].ID)

	forest, _, err := rules.Build(sr.ID, reordered, rules.Options{})
	require.NoError(t, err)
	roots := forest.RootConditions()
	require.Len(t, roots, 2)
	assert.Equal(t, models.ActionApprove, roots[0].Action)
}
