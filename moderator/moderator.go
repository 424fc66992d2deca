package moderator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/notify"
	"github.com/brettboylen/reddit-modbot/rules"
)

const modmailSubject = "Condition matched"

// queues are checked in this order on every cycle
var queues = []models.Queue{models.QueueSubmission, models.QueueSpam, models.QueueComment}

// RedditClient is the part of the Reddit API the moderator needs
type RedditClient interface {
	FetchItems(ctx context.Context, subreddit string, queue models.Queue, limit int) ([]models.Item, error)
	FetchAuthor(ctx context.Context, name string) (models.AuthorStats, error)
	Approve(ctx context.Context, fullname string) error
	Remove(ctx context.Context, fullname string, spam bool) error
	SendModmail(ctx context.Context, subreddit, subject, body string) error
}

// Store persists subreddits, conditions and the action log
type Store interface {
	ListSubreddits(ctx context.Context, enabledOnly bool) ([]models.Subreddit, error)
	UpdateSubreddit(ctx context.Context, sr *models.Subreddit) error
	ListConditions(ctx context.Context, subredditID int64) ([]models.Condition, error)
	RecordAction(ctx context.Context, entry *models.ActionLog) error
	HasAction(ctx context.Context, permalink string, conditionID int64) (bool, error)
}

// Options tune the polling loop
type Options struct {
	PollingInterval time.Duration
	Concurrency     int // subreddits checked in parallel
	ItemLimit       int // items per listing request
	AuthorCacheSize int
	AuthorCacheTTL  time.Duration
	DryRun          bool
	Rules           rules.Options
}

// Moderator polls every enabled subreddit's queues and applies its conditions
type Moderator struct {
	client   RedditClient
	store    Store
	notifier notify.Notifier
	registry *rules.Registry
	engine   *rules.Engine
	authors  *authorCache
	opts     Options
	log      *logrus.Logger

	// last load problem fingerprint per subreddit, so a broken row is reported once
	problems *xsync.MapOf[string, string]

	stats models.Statistics
	mutex sync.RWMutex
}

// NewModerator creates a moderator. The registry is shared with readers that
// want the forests currently in use.
func NewModerator(
	client RedditClient,
	store Store,
	notifier notify.Notifier,
	registry *rules.Registry,
	opts Options,
	log *logrus.Logger,
) *Moderator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Moderator{
		client:   client,
		store:    store,
		notifier: notifier,
		registry: registry,
		engine:   rules.NewEngine(log),
		authors:  newAuthorCache(client.FetchAuthor, opts.AuthorCacheSize, opts.AuthorCacheTTL),
		opts:     opts,
		log:      log,
		problems: xsync.NewMapOf[string, string](),
		stats: models.Statistics{
			StartTime:      time.Now(),
			LastUpdated:    time.Now(),
			SubredditStats: make(map[string]models.SubredditStats),
		},
	}
}

// Start runs a cycle immediately and then once per polling interval until ctx is done
func (m *Moderator) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollingInterval)
	defer ticker.Stop()

	m.log.WithFields(logrus.Fields{
		"polling_interval_sec": m.opts.PollingInterval.Seconds(),
		"concurrency":          m.opts.Concurrency,
		"dry_run":              m.opts.DryRun,
	}).Info("Moderator started")

	if err := m.RunOnce(ctx); err != nil {
		m.log.WithError(err).Error("Moderation cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.WithError(err).Error("Moderation cycle failed")
			}
		}
	}
}

// RunOnce checks every enabled subreddit once. Failures inside one subreddit are
// logged and never stop the others; only failing to list subreddits is returned.
func (m *Moderator) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	subreddits, err := m.store.ListSubreddits(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list subreddits: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	for i := range subreddits {
		sr := subreddits[i]
		g.Go(func() error {
			m.checkSubreddit(gctx, &sr)
			return nil
		})
	}
	_ = g.Wait()

	m.forgetDisabled(subreddits)

	m.mutex.Lock()
	m.stats.Runs++
	m.stats.LastUpdated = time.Now()
	m.mutex.Unlock()

	m.logStatistics(len(subreddits), time.Since(start))
	return nil
}

// forgetDisabled drops snapshots of subreddits that are no longer enabled
func (m *Moderator) forgetDisabled(enabled []models.Subreddit) {
	keep := make(map[string]bool, len(enabled))
	for _, sr := range enabled {
		keep[strings.ToLower(sr.Name)] = true
	}
	for _, name := range m.registry.Names() {
		if !keep[name] {
			m.registry.Delete(name)
			m.problems.Delete(name)
			m.log.WithField("subreddit", name).Info("Dropped conditions of disabled subreddit")
		}
	}
}

// checkSubreddit reloads the subreddit's forest and runs its queues
func (m *Moderator) checkSubreddit(ctx context.Context, sr *models.Subreddit) {
	log := m.log.WithField("subreddit", sr.Name)

	forest := m.loadForest(ctx, sr)
	if forest == nil {
		log.Warn("No usable conditions, skipping subreddit")
		return
	}

	before := *sr
	for _, queue := range queues {
		if ctx.Err() != nil {
			return
		}
		m.checkQueue(ctx, sr, forest, queue)
	}

	if !sameWatermarks(&before, sr) {
		if err := m.store.UpdateSubreddit(ctx, sr); err != nil {
			log.WithError(err).Error("Failed to save watermarks")
		}
	}
}

func sameWatermarks(a, b *models.Subreddit) bool {
	for _, q := range queues {
		if !a.Watermark(q).Equal(b.Watermark(q)) {
			return false
		}
	}
	return true
}

// loadForest rebuilds the subreddit's forest from the store and swaps it into
// the registry. When the rows cannot form a forest the previous snapshot stays
// in use and is returned.
func (m *Moderator) loadForest(ctx context.Context, sr *models.Subreddit) *rules.Forest {
	log := m.log.WithField("subreddit", sr.Name)

	previous, _ := m.registry.Get(sr.Name)

	rows, err := m.store.ListConditions(ctx, sr.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load conditions, keeping previous snapshot")
		return previous
	}

	forest, report, err := rules.Build(sr.ID, rows, m.opts.Rules)
	if err != nil {
		log.WithError(err).Error("Condition forest rejected, keeping previous snapshot")
		conditionProblems.WithLabelValues(sr.Name).Set(1)
		m.reportProblems(ctx, sr, nil, err)
		return previous
	}

	if report.HasProblems() {
		for _, rowErr := range report.Excluded {
			log.WithError(rowErr).Warn("Condition excluded")
		}
		if report.Unreachable > 0 {
			log.WithField("unreachable", report.Unreachable).Warn("Sub-conditions unreachable below excluded rows")
		}
		m.reportProblems(ctx, sr, report, nil)
	} else {
		m.problems.Delete(strings.ToLower(sr.Name))
	}
	conditionProblems.WithLabelValues(sr.Name).Set(float64(len(report.Excluded) + report.Unreachable))

	m.registry.Swap(sr.Name, forest)
	m.updateLoadStats(sr.Name, report, nil)

	log.WithFields(logrus.Fields{
		"rows":   report.Rows,
		"loaded": report.Loaded,
	}).Debug("Loaded condition forest")
	return forest
}

// reportProblems notifies the operators once per distinct set of problems
func (m *Moderator) reportProblems(ctx context.Context, sr *models.Subreddit, report *rules.LoadReport, loadErr error) {
	var msgs []string
	if loadErr != nil {
		msgs = append(msgs, loadErr.Error())
	}
	if report != nil {
		for _, err := range report.Excluded {
			msgs = append(msgs, err.Error())
		}
		msgs = append(msgs, fmt.Sprintf("unreachable=%d", report.Unreachable))
	}
	fingerprint := strings.Join(msgs, "\n")

	if loadErr != nil {
		m.updateLoadStats(sr.Name, nil, loadErr)
	}

	if old, loaded := m.problems.LoadAndStore(strings.ToLower(sr.Name), fingerprint); loaded && old == fingerprint {
		return
	}
	if err := m.notifier.SendLoadProblems(ctx, sr.Name, report, loadErr); err != nil {
		m.log.WithError(err).WithField("subreddit", sr.Name).Error("Failed to notify about condition problems")
	}
}

// checkQueue runs one listing through the engine. Items at or before the
// queue's watermark were handled by an earlier cycle.
func (m *Moderator) checkQueue(ctx context.Context, sr *models.Subreddit, forest *rules.Forest, queue models.Queue) {
	log := m.log.WithFields(logrus.Fields{
		"subreddit": sr.Name,
		"queue":     queue,
	})

	items, err := m.client.FetchItems(ctx, sr.Name, queue, m.opts.ItemLimit)
	if err != nil {
		fetchErrors.WithLabelValues(sr.Name, string(queue)).Inc()
		log.WithError(err).Error("Failed to fetch items")
		return
	}

	stop := sr.Watermark(queue)
	newest := stop
	checked := 0

	for i := range items {
		item := &items[i]
		if !item.CreatedUTC.After(stop) {
			continue
		}
		if item.CreatedUTC.After(newest) {
			newest = item.CreatedUTC
		}

		// a moderator already looked at it
		if queue == models.QueueSubmission && item.ApprovedBy != "" {
			continue
		}

		if sr.ReportThreshold > 0 && item.NumReports >= sr.ReportThreshold {
			if err := m.notifier.SendReported(ctx, sr.Name, item, sr.ReportThreshold); err != nil {
				log.WithError(err).Error("Failed to notify about reported item")
			}
		}

		if err := m.handleItem(ctx, sr, forest, item); err != nil {
			log.WithError(err).WithField("item", item.ID).Error("Failed to handle item")
		}
		checked++
	}

	sr.SetWatermark(queue, newest)
	itemsChecked.WithLabelValues(sr.Name, string(queue)).Add(float64(checked))
	m.countChecked(sr.Name, checked)

	log.WithFields(logrus.Fields{
		"fetched": len(items),
		"checked": checked,
	}).Debug("Checked queue")
}

// handleItem decides on one item and carries the action out
func (m *Moderator) handleItem(ctx context.Context, sr *models.Subreddit, forest *rules.Forest, item *models.Item) error {
	if forest.NeedsAuthorStats() && !item.Author.Deleted() {
		stats, err := m.authors.Get(ctx, item.Author.Name)
		if err != nil {
			// evaluating without stats would fail every gate and fire inverse conditions
			return fmt.Errorf("author stats for %s: %w", item.Author.Name, err)
		}
		item.Author = stats
	}

	decision := m.engine.Decide(sr, forest, item)
	if decision.Action == models.ActionNone {
		return nil
	}
	action := decision.Action.String()

	if decision.Action == models.ActionRemove || decision.Action == models.ActionAlert {
		done, err := m.store.HasAction(ctx, item.Permalink, *decision.MatchedConditionID)
		if err != nil {
			return fmt.Errorf("failed to check action log: %w", err)
		}
		if done {
			actionsSuppressed.WithLabelValues(sr.Name, action).Inc()
			return nil
		}
	}

	if err := m.perform(ctx, sr, item, decision); err != nil {
		actionErrors.WithLabelValues(sr.Name, action).Inc()
		return err
	}

	if err := m.store.RecordAction(ctx, decision.Log); err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	actionsTaken.WithLabelValues(sr.Name, action).Inc()
	m.countAction(sr.Name, decision.Log)

	m.log.WithFields(logrus.Fields{
		"subreddit": sr.Name,
		"action":    action,
		"item":      item.ID,
		"user":      item.Author.Name,
		"condition": *decision.MatchedConditionID,
		"dry_run":   m.opts.DryRun,
	}).Info("Action taken")
	return nil
}

func (m *Moderator) perform(ctx context.Context, sr *models.Subreddit, item *models.Item, decision rules.Decision) error {
	if m.opts.DryRun {
		return nil
	}

	switch decision.Action {
	case models.ActionApprove:
		return m.client.Approve(ctx, item.ID)
	case models.ActionRemove:
		return m.client.Remove(ctx, item.ID, false)
	case models.ActionAlert:
		if err := m.client.SendModmail(ctx, sr.Name, modmailSubject, notify.AlertBody(decision.Log)); err != nil {
			return err
		}
		// the modmail already went out, a failed slack post must not repeat it
		if err := m.notifier.SendAlert(ctx, sr.Name, decision.Log); err != nil {
			m.log.WithError(err).WithField("subreddit", sr.Name).Error("Failed to notify about alert")
		}
	}
	return nil
}

func (m *Moderator) subredditStats(name string) models.SubredditStats {
	key := strings.ToLower(name)
	s, ok := m.stats.SubredditStats[key]
	if !ok {
		s = models.SubredditStats{ActionCounts: make(map[string]int)}
	}
	return s
}

func (m *Moderator) countChecked(name string, n int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.subredditStats(name)
	s.ItemsChecked += n
	m.stats.SubredditStats[strings.ToLower(name)] = s
	m.stats.ItemsChecked += n
}

func (m *Moderator) countAction(name string, entry *models.ActionLog) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.subredditStats(name)
	s.ActionCounts[entry.Action.String()]++
	last := *entry
	s.LastAction = &last
	m.stats.SubredditStats[strings.ToLower(name)] = s
	m.stats.ActionsTaken++
}

func (m *Moderator) updateLoadStats(name string, report *rules.LoadReport, loadErr error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.subredditStats(name)
	s.LoadErrors = nil
	if loadErr != nil {
		s.LoadErrors = append(s.LoadErrors, loadErr.Error())
	}
	if report != nil {
		s.ConditionRows = report.Loaded
		for _, err := range report.Excluded {
			s.LoadErrors = append(s.LoadErrors, err.Error())
		}
	}
	m.stats.SubredditStats[strings.ToLower(name)] = s
}

// logStatistics logs a summary of the finished cycle
func (m *Moderator) logStatistics(subredditCount int, elapsed time.Duration) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.log.WithFields(logrus.Fields{
		"items_checked":  m.stats.ItemsChecked,
		"actions_taken":  m.stats.ActionsTaken,
		"runs":           m.stats.Runs,
		"subreddits":     subredditCount,
		"cached_authors": m.authors.Len(),
		"cycle_duration": elapsed.String(),
		"running_since":  time.Since(m.stats.StartTime).String(),
	}).Info("Moderation cycle finished")
}

// GetStatistics returns a copy of the current statistics
func (m *Moderator) GetStatistics() models.Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := m.stats
	out.SubredditStats = make(map[string]models.SubredditStats, len(m.stats.SubredditStats))
	for name, s := range m.stats.SubredditStats {
		counts := make(map[string]int, len(s.ActionCounts))
		for action, n := range s.ActionCounts {
			counts[action] = n
		}
		s.ActionCounts = counts
		s.LoadErrors = append([]string(nil), s.LoadErrors...)
		out.SubredditStats[name] = s
	}
	return out
}
