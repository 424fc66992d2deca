package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-modbot/models"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Database provides methods for storing subreddits, conditions and the action log
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase opens the SQLite database and applies the schema
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases and write ordering sane
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

func (d *Database) migrate() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(d.log)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(d.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// CreateSubreddit inserts a subreddit and populates its ID
func (d *Database) CreateSubreddit(ctx context.Context, sr *models.Subreddit) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, err := d.db.ExecContext(ctx, `
	INSERT INTO subreddits (name, enabled, last_submission, last_spam, last_comment, report_threshold)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		sr.Name, sr.Enabled, formatTimePtr(sr.LastSubmission), formatTimePtr(sr.LastSpam),
		formatTimePtr(sr.LastComment), sr.ReportThreshold,
	)
	if err != nil {
		return fmt.Errorf("failed to save subreddit %s: %w", sr.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read subreddit id: %w", err)
	}
	sr.ID = id
	return nil
}

// GetSubreddit looks a subreddit up by name, case-insensitively
func (d *Database) GetSubreddit(ctx context.Context, name string) (*models.Subreddit, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	row := d.db.QueryRowContext(ctx, `
	SELECT id, name, enabled, last_submission, last_spam, last_comment, report_threshold
	FROM subreddits
	WHERE name = ?
	`, name)

	sr, err := scanSubreddit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subreddit %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subreddit %s: %w", name, err)
	}
	return sr, nil
}

// ListSubreddits returns subreddits ordered by id
func (d *Database) ListSubreddits(ctx context.Context, enabledOnly bool) ([]models.Subreddit, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT id, name, enabled, last_submission, last_spam, last_comment, report_threshold
	FROM subreddits
	`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subreddits: %w", err)
	}
	defer rows.Close()

	subreddits := make([]models.Subreddit, 0)
	for rows.Next() {
		sr, err := scanSubreddit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subreddit: %w", err)
		}
		subreddits = append(subreddits, *sr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return subreddits, nil
}

// UpdateSubreddit persists the enabled flag, threshold and watermarks
func (d *Database) UpdateSubreddit(ctx context.Context, sr *models.Subreddit) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.db.ExecContext(ctx, `
	UPDATE subreddits
	SET enabled = ?, last_submission = ?, last_spam = ?, last_comment = ?, report_threshold = ?
	WHERE id = ?
	`,
		sr.Enabled, formatTimePtr(sr.LastSubmission), formatTimePtr(sr.LastSpam),
		formatTimePtr(sr.LastComment), sr.ReportThreshold, sr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subreddit %s: %w", sr.Name, err)
	}
	return nil
}

// CreateCondition inserts a condition and populates its ID
func (d *Database) CreateCondition(ctx context.Context, c *models.Condition) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	id, err := insertCondition(ctx, d.db, c)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

// ReplaceConditions makes the live conditions of a subreddit match the given trees,
// in one transaction. A node identical to an existing row under the same parent keeps
// that row's id, so action log entries and duplicate checks keep pointing at it; other
// nodes are inserted and existing rows left over are retired. Kept rows never end up
// behind newly inserted siblings, so evaluation order follows the given order.
// The live rows are returned parents before children.
func (d *Database) ReplaceConditions(ctx context.Context, subredditID int64, roots []models.ConditionNode) ([]models.Condition, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := listConditions(ctx, tx, subredditID)
	if err != nil {
		return nil, err
	}
	// live rows by parent id, 0 for roots, each ordered by id
	byParent := make(map[int64][]models.Condition)
	for _, c := range existing {
		var parent int64
		if c.ParentID != nil {
			parent = *c.ParentID
		}
		byParent[parent] = append(byParent[parent], c)
	}

	kept := make(map[int64]bool)
	saved := make([]models.Condition, 0)
	var apply func(nodes []models.ConditionNode, parentID *int64, candidates []models.Condition) error
	apply = func(nodes []models.ConditionNode, parentID *int64, candidates []models.Condition) error {
		next := 0
		for _, n := range nodes {
			c := n.Condition
			c.SubredditID = subredditID
			c.ParentID = parentID

			match := -1
			for i := next; i < len(candidates); i++ {
				if sameRule(&candidates[i], &c) {
					match = i
					break
				}
			}

			var below []models.Condition
			if match >= 0 {
				c.ID = candidates[match].ID
				kept[c.ID] = true
				below = byParent[c.ID]
				next = match + 1
			} else {
				id, err := insertCondition(ctx, tx, &c)
				if err != nil {
					return err
				}
				c.ID = id
				// later siblings must not reuse an older id, it would sort them ahead of this one
				next = len(candidates)
			}
			saved = append(saved, c)

			id := c.ID
			if err := apply(n.Children, &id, below); err != nil {
				return err
			}
		}
		return nil
	}
	if err := apply(roots, nil, byParent[0]); err != nil {
		return nil, err
	}

	retired := formatTime(time.Now())
	for _, c := range existing {
		if kept[c.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conditions SET deleted_at = ? WHERE id = ?`, retired, c.ID); err != nil {
			return nil, fmt.Errorf("failed to retire condition %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

// sameRule compares everything but identity and position
func sameRule(a, b *models.Condition) bool {
	return a.Subject == b.Subject &&
		a.Attribute == b.Attribute &&
		a.Value == b.Value &&
		a.IsGold == b.IsGold &&
		a.MinAccountAge == b.MinAccountAge &&
		a.MinLinkKarma == b.MinLinkKarma &&
		a.MinCommentKarma == b.MinCommentKarma &&
		a.MinCombinedKarma == b.MinCombinedKarma &&
		a.Inverse == b.Inverse &&
		a.Action == b.Action
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCondition(ctx context.Context, ex execer, c *models.Condition) (int64, error) {
	res, err := ex.ExecContext(ctx, `
	INSERT INTO conditions (
		subreddit_id, parent_id, subject, attribute, value, is_gold,
		min_account_age, min_link_karma, min_comment_karma, min_combined_karma,
		inverse, action
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.SubredditID, c.ParentID, string(c.Subject), string(c.Attribute), c.Value, c.IsGold,
		c.MinAccountAge, c.MinLinkKarma, c.MinCommentKarma, c.MinCombinedKarma,
		c.Inverse, c.Action,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save condition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read condition id: %w", err)
	}
	return id, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListConditions returns the live conditions of a subreddit, roots and descendants,
// ordered by id. Retired rows are left out.
func (d *Database) ListConditions(ctx context.Context, subredditID int64) ([]models.Condition, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return listConditions(ctx, d.db, subredditID)
}

func listConditions(ctx context.Context, q querier, subredditID int64) ([]models.Condition, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT id, subreddit_id, parent_id, subject, attribute, value, is_gold,
		min_account_age, min_link_karma, min_comment_karma, min_combined_karma,
		inverse, action
	FROM conditions
	WHERE subreddit_id = ? AND deleted_at IS NULL
	ORDER BY id
	`, subredditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions for subreddit %d: %w", subredditID, err)
	}
	defer rows.Close()

	conditions := make([]models.Condition, 0)
	for rows.Next() {
		var c models.Condition
		var parentID sql.NullInt64
		var subject, attribute string

		err := rows.Scan(
			&c.ID, &c.SubredditID, &parentID, &subject, &attribute, &c.Value, &c.IsGold,
			&c.MinAccountAge, &c.MinLinkKarma, &c.MinCommentKarma, &c.MinCombinedKarma,
			&c.Inverse, &c.Action,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}

		c.Subject = models.Subject(subject)
		c.Attribute = models.Attribute(attribute)
		if parentID.Valid {
			p := parentID.Int64
			c.ParentID = &p
		}
		conditions = append(conditions, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return conditions, nil
}

// RecordAction appends an entry to the action log and populates its ID. The log is
// append-only; the schema rejects updates and deletes.
func (d *Database) RecordAction(ctx context.Context, entry *models.ActionLog) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, err := d.db.ExecContext(ctx, `
	INSERT INTO action_log (
		subreddit_id, title, user, url, domain, permalink,
		created_utc, action_time, action, matched_condition
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SubredditID, entry.Title, entry.User, entry.URL, entry.Domain, entry.Permalink,
		formatTime(entry.CreatedUTC), formatTime(entry.ActionTime), entry.Action, entry.MatchedCondition,
	)
	if err != nil {
		return fmt.Errorf("failed to save action log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read action log id: %w", err)
	}
	entry.ID = id
	return nil
}

// HasAction reports whether the given condition already acted on the permalink
func (d *Database) HasAction(ctx context.Context, permalink string, conditionID int64) (bool, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var exists bool
	err := d.db.QueryRowContext(ctx, `
	SELECT EXISTS (
		SELECT 1 FROM action_log WHERE permalink = ? AND matched_condition = ?
	)
	`, permalink, conditionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check action log: %w", err)
	}
	return exists, nil
}

// ListActions returns the most recent action log entries; subredditID 0 means all subreddits
func (d *Database) ListActions(ctx context.Context, subredditID int64, limit int) ([]models.ActionLog, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT id, subreddit_id, title, user, url, domain, permalink,
		created_utc, action_time, action, matched_condition
	FROM action_log
	`
	args := []any{}
	if subredditID != 0 {
		query += " WHERE subreddit_id = ?"
		args = append(args, subredditID)
	}
	query += " ORDER BY action_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query action log: %w", err)
	}
	defer rows.Close()

	entries := make([]models.ActionLog, 0, limit)
	for rows.Next() {
		var entry models.ActionLog
		var title, user, url, domain, permalink, createdUTC sql.NullString
		var actionTime string
		var matched sql.NullInt64

		err := rows.Scan(
			&entry.ID, &entry.SubredditID, &title, &user, &url, &domain, &permalink,
			&createdUTC, &actionTime, &entry.Action, &matched,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action log: %w", err)
		}

		entry.Title = title.String
		entry.User = user.String
		entry.URL = url.String
		entry.Domain = domain.String
		entry.Permalink = permalink.String
		if createdUTC.Valid {
			entry.CreatedUTC, _ = time.Parse(timeLayout, createdUTC.String)
		}
		entry.ActionTime, _ = time.Parse(timeLayout, actionTime)
		if matched.Valid {
			m := matched.Int64
			entry.MatchedCondition = &m
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubreddit(row rowScanner) (*models.Subreddit, error) {
	var sr models.Subreddit
	var lastSubmission, lastSpam, lastComment sql.NullString

	err := row.Scan(
		&sr.ID, &sr.Name, &sr.Enabled, &lastSubmission, &lastSpam, &lastComment, &sr.ReportThreshold,
	)
	if err != nil {
		return nil, err
	}

	sr.LastSubmission = parseTimePtr(lastSubmission)
	sr.LastSpam = parseTimePtr(lastSpam)
	sr.LastComment = parseTimePtr(lastComment)
	return &sr, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
