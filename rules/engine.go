package rules

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-modbot/models"
)

// Decision is the engine's verdict for one item
type Decision struct {
	Action             models.Action
	MatchedConditionID *int64
	// Log is the action log record to hand to the sink; nil when Action is ActionNone
	Log *models.ActionLog
}

// Engine runs items through a subreddit's condition forest.
// It holds no mutable state and may be called from many goroutines.
type Engine struct {
	log *logrus.Logger
	now func() time.Time
}

// NewEngine creates a decision engine
func NewEngine(log *logrus.Logger) *Engine {
	return &Engine{
		log: log,
		now: time.Now,
	}
}

// Decide evaluates the forest's root conditions in order; the first one that
// resolves to an action wins.
func (e *Engine) Decide(sub *models.Subreddit, forest *Forest, item *models.Item) Decision {
	if forest == nil {
		return Decision{}
	}

	for _, root := range forest.roots {
		res := forest.evaluate(root, item)
		if res.Action == models.ActionNone {
			continue
		}

		conditionID := res.ConditionID
		e.log.WithFields(logrus.Fields{
			"subreddit": sub.Name,
			"item":      item.ID,
			"action":    res.Action.String(),
			"condition": conditionID,
		}).Debug("Condition matched")

		return Decision{
			Action:             res.Action,
			MatchedConditionID: &conditionID,
			Log:                e.actionLog(sub, item, res.Action, &conditionID),
		}
	}

	e.log.WithFields(logrus.Fields{
		"subreddit": sub.Name,
		"item":      item.ID,
	}).Debug("No condition matched")
	return Decision{}
}

func (e *Engine) actionLog(sub *models.Subreddit, item *models.Item, action models.Action, conditionID *int64) *models.ActionLog {
	entry := &models.ActionLog{
		SubredditID:      sub.ID,
		User:             item.Author.Name,
		Permalink:        item.Permalink,
		CreatedUTC:       item.CreatedUTC.UTC(),
		ActionTime:       e.now().UTC(),
		Action:           action,
		MatchedCondition: conditionID,
	}
	if item.Subject == models.SubjectSubmission {
		entry.Title = item.Title
		entry.URL = item.URL
		entry.Domain = item.Domain
	}
	return entry
}
