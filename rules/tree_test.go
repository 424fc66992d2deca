package rules

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-modbot/models"
)

func cond(id int64, parent *int64, value string) models.Condition {
	return models.Condition{
		ID:          id,
		SubredditID: 1,
		ParentID:    parent,
		Subject:     models.SubjectSubmission,
		Attribute:   models.AttrTitle,
		Value:       value,
	}
}

func ids(conds []models.Condition) []int64 {
	out := make([]int64, 0, len(conds))
	for _, c := range conds {
		out = append(out, c.ID)
	}
	return out
}

func TestBuildOrdersByID(t *testing.T) {
	rows := []models.Condition{
		cond(7, ptr(3), ".*"),
		cond(5, nil, ".*"),
		cond(3, nil, ".*"),
		cond(4, ptr(3), ".*"),
		cond(9, ptr(4), ".*"),
	}

	f, report, err := Build(1, rows, Options{})
	require.NoError(t, err)
	assert.False(t, report.HasProblems())
	assert.Equal(t, 5, report.Loaded)
	assert.Equal(t, 5, f.Len())

	assert.Equal(t, []int64{3, 5}, ids(f.RootConditions()))
	assert.Equal(t, []int64{4, 7}, ids(f.Children(3)))
	assert.Equal(t, []int64{9}, ids(f.Children(4)))
	assert.Empty(t, f.Children(5))
	assert.Nil(t, f.Children(100))
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	rows := []models.Condition{cond(2, nil, ".*"), cond(1, nil, ".*")}
	_, _, err := Build(1, rows, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows[0].ID)
}

func TestBuildRejectsCycles(t *testing.T) {
	tests := []struct {
		name string
		rows []models.Condition
	}{
		{
			name: "self reference",
			rows: []models.Condition{cond(1, ptr(1), ".*")},
		},
		{
			name: "two node loop",
			rows: []models.Condition{cond(1, ptr(2), ".*"), cond(2, ptr(1), ".*")},
		},
		{
			name: "loop hanging below a valid root",
			rows: []models.Condition{
				cond(1, nil, ".*"),
				cond(2, ptr(4), ".*"),
				cond(3, ptr(2), ".*"),
				cond(4, ptr(3), ".*"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, report, err := Build(1, tc.rows, Options{})
			assert.ErrorIs(t, err, ErrConditionCycle)
			assert.Nil(t, f)
			assert.Nil(t, report)
		})
	}
}

func TestBuildRejectsOrphansAndForeignRows(t *testing.T) {
	_, _, err := Build(1, []models.Condition{cond(1, ptr(42), ".*")}, Options{})
	assert.ErrorIs(t, err, ErrOrphanCondition)

	foreign := cond(2, nil, ".*")
	foreign.SubredditID = 2
	_, _, err = Build(1, []models.Condition{cond(1, nil, ".*"), foreign}, Options{})
	assert.ErrorIs(t, err, ErrForeignCondition)

	_, _, err = Build(1, []models.Condition{cond(1, nil, ".*"), cond(1, nil, "x")}, Options{})
	assert.Error(t, err)
}

func TestBuildExcludesBadPatterns(t *testing.T) {
	rows := []models.Condition{
		cond(1, nil, ".*ok.*"),
		cond(2, nil, "(unclosed"),
		cond(3, ptr(2), ".*"),
		cond(4, ptr(3), ".*"),
		cond(5, ptr(1), "[z-a]"),
		cond(6, nil, "a)|(b"),
	}

	f, report, err := Build(1, rows, Options{})
	require.NoError(t, err)
	require.True(t, report.HasProblems())

	require.Len(t, report.Excluded, 3)
	var excluded []int64
	for _, e := range report.Excluded {
		var perr *PatternCompileError
		require.True(t, errors.As(e, &perr), "expected PatternCompileError, got %v", e)
		excluded = append(excluded, perr.ConditionID)
	}
	assert.Equal(t, []int64{2, 5, 6}, excluded)
	assert.Equal(t, 2, report.Unreachable)
	assert.Equal(t, 1, report.Loaded)

	assert.Equal(t, []int64{1}, ids(f.RootConditions()))
	assert.Empty(t, f.Children(1))
	assert.Nil(t, f.Children(3))
	assert.Equal(t, []int64{1}, ids(f.Rows()))
}

func TestBuildExcludesInvalidFields(t *testing.T) {
	bad := cond(2, nil, ".*")
	bad.Attribute = "flair"

	_, report, err := Build(1, []models.Condition{cond(1, nil, ".*"), bad}, Options{})
	require.NoError(t, err)
	require.Len(t, report.Excluded, 1)
	assert.ErrorIs(t, report.Excluded[0], ErrInvalidCondition)
}

func TestBuildNeedsAuthorStats(t *testing.T) {
	plain := cond(1, nil, ".*")
	f := buildForest(t, plain)
	assert.False(t, f.NeedsAuthorStats())

	gated := cond(2, ptr(1), ".*")
	gated.MinLinkKarma = 10
	f = buildForest(t, plain, gated)
	assert.True(t, f.NeedsAuthorStats())
}

func TestRowsRebuildToSameForest(t *testing.T) {
	rows := []models.Condition{
		cond(1, nil, ".*giveaway.*"),
		cond(2, ptr(1), ".*"),
		cond(3, nil, ".*"),
	}
	first := buildForest(t, rows...)
	second := buildForest(t, first.Rows()...)

	if diff := cmp.Diff(rows, second.Rows()); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ids(first.RootConditions()), ids(second.RootConditions()))
}
