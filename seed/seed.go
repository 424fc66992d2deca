// Package seed imports subreddits and their condition trees from a YAML file.
//
//	subreddits:
//	  - name: gaming
//	    report_threshold: 3
//	    conditions:
//	      - subject: submission
//	        attribute: domain
//	        value: '.*\.ru'
//	        action: remove
//	      - subject: submission
//	        attribute: title
//	        value: '.*giveaway.*'
//	        conditions:
//	          - subject: submission
//	            attribute: user
//	            value: '.*'
//	            min_account_age: 30
//	            inverse: true
//	            action: alert
//
// A subreddit listed in the file ends up with exactly the listed conditions.
// Conditions that did not change keep their ids, so re-applying a file leaves
// the action log's links and duplicate checks intact.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/brettboylen/reddit-modbot/db"
	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/rules"
)

// File is the top-level document
type File struct {
	Subreddits []Subreddit `yaml:"subreddits"`
}

// Subreddit is one subreddit entry. Enabled defaults to true.
type Subreddit struct {
	Name            string      `yaml:"name"`
	Enabled         *bool       `yaml:"enabled"`
	ReportThreshold int         `yaml:"report_threshold"`
	Conditions      []Condition `yaml:"conditions"`
}

// Condition mirrors models.Condition with nested sub-conditions
type Condition struct {
	Subject          models.Subject   `yaml:"subject"`
	Attribute        models.Attribute `yaml:"attribute"`
	Value            string           `yaml:"value"`
	IsGold           bool             `yaml:"is_gold"`
	MinAccountAge    int              `yaml:"min_account_age"`
	MinLinkKarma     int              `yaml:"min_link_karma"`
	MinCommentKarma  int              `yaml:"min_comment_karma"`
	MinCombinedKarma int              `yaml:"min_combined_karma"`
	Inverse          bool             `yaml:"inverse"`
	Action           models.Action    `yaml:"action"`
	Conditions       []Condition      `yaml:"conditions"`
}

// Store is the subset of db.Database the importer writes through
type Store interface {
	GetSubreddit(ctx context.Context, name string) (*models.Subreddit, error)
	CreateSubreddit(ctx context.Context, sr *models.Subreddit) error
	UpdateSubreddit(ctx context.Context, sr *models.Subreddit) error
	ReplaceConditions(ctx context.Context, subredditID int64, roots []models.ConditionNode) ([]models.Condition, error)
}

// Load reads and parses a seed file
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a seed document, rejecting unknown keys
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return &file, nil
}

// Validate builds every subreddit's forest in memory. Unlike loading from the
// database, any excluded row fails the whole file.
func (f *File) Validate(opts rules.Options) error {
	var errs []error
	seen := make(map[string]bool, len(f.Subreddits))

	for _, sr := range f.Subreddits {
		name := strings.ToLower(sr.Name)
		if name == "" {
			errs = append(errs, errors.New("subreddit without a name"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("subreddit %s listed twice", sr.Name))
			continue
		}
		seen[name] = true

		if sr.ReportThreshold < 0 {
			errs = append(errs, fmt.Errorf("subreddit %s: report_threshold must not be negative", sr.Name))
		}

		rows := flatten(sr.Conditions)
		_, report, err := rules.Build(0, rows, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("subreddit %s: %w", sr.Name, err))
			continue
		}
		for _, rowErr := range report.Excluded {
			errs = append(errs, fmt.Errorf("subreddit %s: %w", sr.Name, rowErr))
		}
		// the matcher tolerates these as permanent non-matches, an import should not
		for _, row := range rows {
			if row.Subject.Valid() && row.Attribute.Valid() && !row.Attribute.AppliesTo(row.Subject) {
				errs = append(errs, fmt.Errorf("subreddit %s: condition %d: %w: %s on %s",
					sr.Name, row.ID, rules.ErrInvalidAttribute, row.Attribute, row.Subject))
			}
		}
	}
	return errors.Join(errs...)
}

// flatten assigns provisional ids in pre-order, the same order the database
// assigns them on insert, so evaluation order is identical before and after import
func flatten(conds []Condition) []models.Condition {
	var rows []models.Condition
	var walk func(conds []Condition, parent *int64)
	walk = func(conds []Condition, parent *int64) {
		for _, c := range conds {
			id := int64(len(rows) + 1)
			row := c.model()
			row.ID = id
			row.ParentID = parent
			rows = append(rows, row)
			walk(c.Conditions, &id)
		}
	}
	walk(conds, nil)
	return rows
}

func (c Condition) model() models.Condition {
	return models.Condition{
		Subject:          c.Subject,
		Attribute:        c.Attribute,
		Value:            c.Value,
		IsGold:           c.IsGold,
		MinAccountAge:    c.MinAccountAge,
		MinLinkKarma:     c.MinLinkKarma,
		MinCommentKarma:  c.MinCommentKarma,
		MinCombinedKarma: c.MinCombinedKarma,
		Inverse:          c.Inverse,
		Action:           c.Action,
	}
}

func nodes(conds []Condition) []models.ConditionNode {
	out := make([]models.ConditionNode, 0, len(conds))
	for _, c := range conds {
		out = append(out, models.ConditionNode{
			Condition: c.model(),
			Children:  nodes(c.Conditions),
		})
	}
	return out
}

// Apply validates the file and writes it to the store. Subreddits missing from
// the store are created; existing ones keep their watermarks.
func Apply(ctx context.Context, store Store, f *File, opts rules.Options, log *logrus.Logger) error {
	if err := f.Validate(opts); err != nil {
		return fmt.Errorf("invalid seed file: %w", err)
	}

	for _, entry := range f.Subreddits {
		enabled := entry.Enabled == nil || *entry.Enabled

		sr, err := store.GetSubreddit(ctx, entry.Name)
		switch {
		case errors.Is(err, db.ErrNotFound):
			sr = &models.Subreddit{Name: entry.Name, Enabled: enabled, ReportThreshold: entry.ReportThreshold}
			if err := store.CreateSubreddit(ctx, sr); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			sr.Enabled = enabled
			sr.ReportThreshold = entry.ReportThreshold
			if err := store.UpdateSubreddit(ctx, sr); err != nil {
				return err
			}
		}

		saved, err := store.ReplaceConditions(ctx, sr.ID, nodes(entry.Conditions))
		if err != nil {
			return fmt.Errorf("subreddit %s: %w", sr.Name, err)
		}

		log.WithFields(logrus.Fields{
			"subreddit":  sr.Name,
			"conditions": len(saved),
			"enabled":    sr.Enabled,
		}).Info("Seeded subreddit conditions")
	}
	return nil
}
