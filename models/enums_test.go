package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeAppliesTo(t *testing.T) {
	tests := []struct {
		attr    Attribute
		subject Subject
		want    bool
	}{
		{AttrTitle, SubjectSubmission, true},
		{AttrMemeName, SubjectSubmission, true},
		{AttrUser, SubjectComment, true},
		{AttrBody, SubjectComment, true},
		{AttrTitle, SubjectComment, false},
		{AttrDomain, SubjectComment, false},
		{Attribute("flair"), SubjectSubmission, false},
		{AttrUser, Subject("post"), false},
	}

	for _, tc := range tests {
		t.Run(string(tc.subject)+"/"+string(tc.attr), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.attr.AppliesTo(tc.subject))
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"approve", "remove", "alert"} {
		a, err := ParseAction(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.String())
	}

	a, err := ParseAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, a)

	_, err = ParseAction("ban")
	assert.Error(t, err)
}

func TestActionSQL(t *testing.T) {
	v, err := ActionNone.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ActionAlert.Value()
	require.NoError(t, err)
	assert.Equal(t, "alert", v)

	var a Action
	require.NoError(t, a.Scan([]byte("remove")))
	assert.Equal(t, ActionRemove, a)
	require.NoError(t, a.Scan(nil))
	assert.Equal(t, ActionNone, a)
	assert.Error(t, a.Scan(42))
}

func TestSetWatermarkOnlyMovesForward(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var sr Subreddit

	assert.True(t, sr.Watermark(QueueSpam).IsZero())

	sr.SetWatermark(QueueSpam, base)
	sr.SetWatermark(QueueSpam, base.Add(-time.Hour))
	assert.Equal(t, base, sr.Watermark(QueueSpam))

	sr.SetWatermark(QueueSpam, base.Add(time.Minute))
	assert.Equal(t, base.Add(time.Minute), sr.Watermark(QueueSpam))
	assert.True(t, sr.Watermark(QueueComment).IsZero())
}
