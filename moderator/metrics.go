package moderator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "modbot_cycle_duration_sec",
	Help: "Duration of a full polling cycle over every enabled subreddit",
})

var itemsChecked = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_items_checked",
	Help: "Number of items run through the decision engine",
}, []string{"subreddit", "queue"})

var fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_fetch_errors",
	Help: "Number of failed listing fetches",
}, []string{"subreddit", "queue"})

var actionsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_actions_taken",
	Help: "Number of actions performed and logged",
}, []string{"subreddit", "action"})

var actionsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_actions_suppressed",
	Help: "Number of actions skipped because the action log already had them",
}, []string{"subreddit", "action"})

var actionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_action_errors",
	Help: "Number of actions which failed against the Reddit API",
}, []string{"subreddit", "action"})

var conditionProblems = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "modbot_condition_problems",
	Help: "Condition rows excluded from the current forest, or 1 if the forest was rejected",
}, []string{"subreddit"})

var authorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modbot_author_cache_hits",
	Help: "Number of author stats served from the cache",
})

var authorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modbot_author_cache_misses",
	Help: "Number of author stats fetched from Reddit",
})

var authorRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modbot_author_requests_coalesced",
	Help: "Number of author lookups that shared an in-flight request",
})
