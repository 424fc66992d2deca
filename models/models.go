package models

import (
	"time"
)

// Subreddit represents a monitored subreddit
type Subreddit struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"` // "gaming", not "/r/gaming"
	Enabled         bool       `json:"enabled"`
	LastSubmission  *time.Time `json:"last_submission,omitempty"`
	LastSpam        *time.Time `json:"last_spam,omitempty"`
	LastComment     *time.Time `json:"last_comment,omitempty"`
	ReportThreshold int        `json:"report_threshold"`
}

// Watermark returns the resume cursor for the given queue, or the zero time if unset
func (s *Subreddit) Watermark(queue Queue) time.Time {
	var mark *time.Time
	switch queue {
	case QueueSubmission:
		mark = s.LastSubmission
	case QueueSpam:
		mark = s.LastSpam
	case QueueComment:
		mark = s.LastComment
	}
	if mark == nil {
		return time.Time{}
	}
	return *mark
}

// SetWatermark moves the cursor for the given queue forward; it never moves backwards
func (s *Subreddit) SetWatermark(queue Queue, t time.Time) {
	if !t.After(s.Watermark(queue)) {
		return
	}
	t = t.UTC()
	switch queue {
	case QueueSubmission:
		s.LastSubmission = &t
	case QueueSpam:
		s.LastSpam = &t
	case QueueComment:
		s.LastComment = &t
	}
}

// Condition is one persisted rule row. Rows with a ParentID are sub-conditions
// and are only reachable through their parent.
type Condition struct {
	ID               int64     `json:"id"`
	SubredditID      int64     `json:"subreddit_id"`
	ParentID         *int64    `json:"parent_id,omitempty"`
	Subject          Subject   `json:"subject"`
	Attribute        Attribute `json:"attribute"`
	Value            string    `json:"value"`
	IsGold           bool      `json:"is_gold"`
	MinAccountAge    int       `json:"min_account_age"`
	MinLinkKarma     int       `json:"min_link_karma"`
	MinCommentKarma  int       `json:"min_comment_karma"`
	MinCombinedKarma int       `json:"min_combined_karma"`
	Inverse          bool      `json:"inverse"`
	Action           Action    `json:"action"`
}

// HasAuthorGates reports whether evaluating the condition needs the author's stats
func (c *Condition) HasAuthorGates() bool {
	return c.IsGold || c.MinAccountAge != 0 || c.MinLinkKarma != 0 ||
		c.MinCommentKarma != 0 || c.MinCombinedKarma != 0
}

// ConditionNode is a condition together with its sub-conditions, used when a
// whole tree is written at once
type ConditionNode struct {
	Condition
	Children []ConditionNode
}

// AuthorStats holds the reputation of an item's author
type AuthorStats struct {
	Name           string `json:"name"`
	HasGold        bool   `json:"has_gold"`
	AccountAgeDays int    `json:"account_age_days"`
	LinkKarma      int    `json:"link_karma"`
	CommentKarma   int    `json:"comment_karma"`
}

// CombinedKarma is link plus comment karma
func (a AuthorStats) CombinedKarma() int {
	return a.LinkKarma + a.CommentKarma
}

// Deleted is true when the author account no longer exists
func (a AuthorStats) Deleted() bool {
	return a.Name == "" || a.Name == "[deleted]"
}

// Item represents a submission or comment fetched from Reddit
type Item struct {
	Subject    Subject     `json:"subject"`
	ID         string      `json:"id"`   // fullname, e.g. t3_abc123
	Subreddit  string      `json:"subreddit"`
	Author     AuthorStats `json:"author"`
	Title      string      `json:"title,omitempty"`
	Domain     string      `json:"domain,omitempty"`
	URL        string      `json:"url,omitempty"`
	Body       string      `json:"body,omitempty"`
	MemeName   string      `json:"meme_name,omitempty"`
	LinkID     string      `json:"link_id,omitempty"` // parent submission of a comment
	CreatedUTC time.Time   `json:"created_utc"`
	Permalink  string      `json:"permalink"`
	ApprovedBy string      `json:"approved_by,omitempty"`
	NumReports int         `json:"num_reports"`
}

// ActionLog is an append-only record of an action the bot took
type ActionLog struct {
	ID               int64     `json:"id"`
	SubredditID      int64     `json:"subreddit_id"`
	Title            string    `json:"title,omitempty"`
	User             string    `json:"user"`
	URL              string    `json:"url,omitempty"`
	Domain           string    `json:"domain,omitempty"`
	Permalink        string    `json:"permalink"`
	CreatedUTC       time.Time `json:"created_utc"`
	ActionTime       time.Time `json:"action_time"`
	Action           Action    `json:"action"`
	MatchedCondition *int64    `json:"matched_condition,omitempty"`
}

// SubredditStats holds moderation counters for a single subreddit
type SubredditStats struct {
	ItemsChecked  int            `json:"items_checked"`
	ActionCounts  map[string]int `json:"action_counts"`
	LastAction    *ActionLog     `json:"last_action,omitempty"`
	LoadErrors    []string       `json:"load_errors,omitempty"`
	ConditionRows int            `json:"condition_rows"`
}

// Statistics holds counters about the bot's runs
type Statistics struct {
	ItemsChecked   int                       `json:"items_checked"`
	ActionsTaken   int                       `json:"actions_taken"`
	Runs           int                       `json:"runs"`
	StartTime      time.Time                 `json:"start_time"`
	LastUpdated    time.Time                 `json:"last_updated"`
	SubredditStats map[string]SubredditStats `json:"subreddit_stats"`
}
