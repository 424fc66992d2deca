package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-modbot/models"
)

const (
	defaultBaseURL = "https://oauth.reddit.com"
	defaultAuthURL = "https://www.reddit.com/api/v1/access_token"
	defaultLimit   = 100 // max number of items per listing request

	// reddit allocates requests per rolling 10-minute period (600 seconds)
	allocationPeriod = 600
)

var (
	// ErrRateLimited is returned when no request token became available in time
	ErrRateLimited = errors.New("reddit rate limit exhausted")
	// ErrUserNotFound is returned for deleted or suspended accounts
	ErrUserNotFound = errors.New("reddit user not found")
)

// TokenBucket implements a rate limiter using the token bucket algorithm
type TokenBucket struct {
	mutex       sync.Mutex
	capacity    int           // maximum tokens the bucket can hold
	tokens      float64       // current number of tokens
	fillRate    float64       // rate at which tokens are added (tokens per second)
	steadyRate  float64       // fill rate when the allocation is not under pressure
	lastRefill  time.Time     // time of last token refill
	waitTimeout time.Duration // max time to wait for a token
}

// NewTokenBucket creates a new token bucket rate limiter
func NewTokenBucket(capacity int, fillRate float64, waitTimeout time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:    capacity,
		tokens:      1, // start with just 1 token to avoid initial burst
		fillRate:    fillRate,
		steadyRate:  fillRate,
		lastRefill:  time.Now(),
		waitTimeout: waitTimeout,
	}
}

// Take attempts to take a token from the bucket without waiting
func (tb *TokenBucket) Take() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	newTokens := elapsed * tb.fillRate
	if newTokens > 0 {
		tb.tokens = tb.tokens + newTokens
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available, the context is done, or the next
// token is further away than waitTimeout
func (tb *TokenBucket) Wait(ctx context.Context) error {
	deadline := time.Now().Add(tb.waitTimeout)
	for {
		if tb.Take() {
			return nil
		}

		tb.mutex.Lock()
		timeToWait := time.Duration((1 - tb.tokens) / tb.fillRate * float64(time.Second))
		tb.mutex.Unlock()

		if timeToWait > time.Until(deadline) {
			return ErrRateLimited
		}

		timer := time.NewTimer(timeToWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// FillRate returns the current refill rate in tokens per second
func (tb *TokenBucket) FillRate() float64 {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	return tb.fillRate
}

// Update adapts the fill rate to what is left of the current allocation period.
// The rate never exceeds the steady rate; it only slows down when the period's
// budget would otherwise run out before the reset.
func (tb *TokenBucket) Update(used int, reset int, maxRequestsPerMinute int) {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	// X-Ratelimit-Remaining is unreliable (always 0), derive it from used instead
	allocation := maxRequestsPerMinute * 10
	remaining := allocation - used
	steady := float64(allocation) / allocationPeriod

	switch {
	case reset <= 0:
		tb.fillRate = steady * 0.95
	case remaining <= 0:
		// one request once the period resets
		tb.fillRate = 1 / float64(reset)
	default:
		rate := float64(remaining) / float64(reset)
		if rate > steady {
			rate = steady
		}
		tb.fillRate = rate * 0.95
	}
}

// Credentials identify the moderator account the bot acts as. Moderation
// endpoints need a user token, so the password grant is used.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

// RedditAPI is a Reddit API client scoped to what a moderation bot needs
type RedditAPI struct {
	creds               Credentials
	baseURL             string
	authURL             string
	httpClient          *http.Client
	accessToken         string
	tokenExpiry         time.Time
	mutex               sync.RWMutex
	log                 *logrus.Logger
	rateLimiter         *TokenBucket
	maxRequestsPerMin   int
	rateRemainingCached int
	rateResetCached     int
	rateUsedCached      int
	rateHeadersMutex    sync.RWMutex
}

// listing is the envelope of every Reddit listing endpoint
type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Before   string  `json:"before"`
		Children []thing `json:"children"`
	} `json:"data"`
}

// thing is a listing child: t3 for submissions, t1 for comments
type thing struct {
	Kind string `json:"kind"`
	Data struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Subreddit  string  `json:"subreddit"`
		Author     string  `json:"author"`
		Title      string  `json:"title"`
		Domain     string  `json:"domain"`
		URL        string  `json:"url"`
		SelfText   string  `json:"selftext"`
		Body       string  `json:"body"`
		LinkID     string  `json:"link_id"`
		Permalink  string  `json:"permalink"`
		CreatedUTC float64 `json:"created_utc"`
		ApprovedBy *string `json:"approved_by"`
		NumReports *int    `json:"num_reports"`
	} `json:"data"`
}

// NewRedditAPI creates a new Reddit API client
func NewRedditAPI(creds Credentials, maxRequestsPerMinute int, log *logrus.Logger) *RedditAPI {
	// default to 100 requests per minute (real Reddit limit)
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 100
	}

	standardRate := float64(maxRequestsPerMinute*10) / allocationPeriod
	targetRate := standardRate * 0.95

	// capacity 1: no burst
	rateLimiter := NewTokenBucket(1, targetRate, time.Minute)

	return &RedditAPI{
		creds:             creds,
		baseURL:           defaultBaseURL,
		authURL:           defaultAuthURL,
		httpClient:        newHTTPClient(log),
		log:               log,
		rateLimiter:       rateLimiter,
		maxRequestsPerMin: maxRequestsPerMinute,
		rateResetCached:   allocationPeriod,
	}
}

// SetEndpoints points the client at a different API and token host
func (r *RedditAPI) SetEndpoints(baseURL, authURL string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.baseURL = strings.TrimRight(baseURL, "/")
	r.authURL = authURL
	r.accessToken = ""
}

// GetRateLimitStatus returns the current rate limit status (remaining requests, reset time in seconds, and used requests)
func (r *RedditAPI) GetRateLimitStatus() (int, int, int) {
	r.rateHeadersMutex.RLock()
	defer r.rateHeadersMutex.RUnlock()
	return r.rateRemainingCached, r.rateResetCached, r.rateUsedCached
}

// authenticate fetches a user token unless the cached one is still valid
func (r *RedditAPI) authenticate(ctx context.Context) error {
	r.mutex.RLock()
	token := r.accessToken
	expiry := r.tokenExpiry
	authURL := r.authURL
	r.mutex.RUnlock()

	if token != "" && time.Now().Before(expiry) {
		return nil
	}

	r.log.WithField("username", r.creds.Username).Info("Authenticating with Reddit API")

	if err := r.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter during authentication: %w", err)
	}

	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("username", r.creds.Username)
	data.Set("password", r.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}

	req.SetBasicAuth(r.creds.ClientID, r.creds.ClientSecret)
	req.Header.Set("User-Agent", r.creds.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute auth request: %w", err)
	}
	defer resp.Body.Close()

	r.updateRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var authResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
		Error       string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	// bad credentials come back as 200 with an error field
	if authResp.Error != "" || authResp.AccessToken == "" {
		return fmt.Errorf("auth request rejected: %q", authResp.Error)
	}

	r.mutex.Lock()
	r.accessToken = authResp.AccessToken
	// refresh a minute early so in-flight requests never carry an expired token
	r.tokenExpiry = time.Now().Add(time.Duration(authResp.ExpiresIn)*time.Second - time.Minute)
	r.mutex.Unlock()

	r.log.Info("Successfully authenticated with Reddit API")
	return nil
}

// do performs an authenticated request and decodes the JSON response into out
// when out is not nil. A non-nil form makes the request a POST.
func (r *RedditAPI) do(ctx context.Context, path string, query url.Values, form url.Values, out interface{}) (int, error) {
	if err := r.authenticate(ctx); err != nil {
		return 0, err
	}

	if err := r.rateLimiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	r.mutex.RLock()
	token := r.accessToken
	endpoint := r.baseURL + path
	r.mutex.RUnlock()

	if query == nil {
		query = url.Values{}
	}
	query.Set("raw_json", "1")
	endpoint += "?" + query.Encode()

	method := http.MethodGet
	var body io.Reader
	if form != nil {
		method = http.MethodPost
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.creds.UserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	r.updateRateLimits(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		// token revoked or expired early, authenticate again on the next call
		r.mutex.Lock()
		r.accessToken = ""
		r.mutex.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		r.log.WithFields(logrus.Fields{
			"method":        method,
			"path":          path,
			"response_body": string(respBody),
			"status_code":   resp.StatusCode,
		}).Error("Reddit API error response")
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// queuePath maps a queue to its listing endpoint
func queuePath(subreddit string, queue models.Queue) (string, error) {
	switch queue {
	case models.QueueSubmission:
		return fmt.Sprintf("/r/%s/new", subreddit), nil
	case models.QueueSpam:
		return fmt.Sprintf("/r/%s/about/spam", subreddit), nil
	case models.QueueComment:
		return fmt.Sprintf("/r/%s/comments", subreddit), nil
	}
	return "", fmt.Errorf("unknown queue %q", queue)
}

// FetchItems fetches one page of a subreddit queue, newest first. Author
// reputation is not filled in; see FetchAuthor.
func (r *RedditAPI) FetchItems(ctx context.Context, subreddit string, queue models.Queue, limit int) ([]models.Item, error) {
	path, err := queuePath(subreddit, queue)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	var resp listing
	if _, err := r.do(ctx, path, query, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(resp.Data.Children))
	for _, child := range resp.Data.Children {
		item, ok := child.toItem()
		if !ok {
			r.log.WithFields(logrus.Fields{
				"subreddit": subreddit,
				"kind":      child.Kind,
			}).Debug("Skipping listing entry of unexpected kind")
			continue
		}
		items = append(items, item)
	}

	r.log.WithFields(logrus.Fields{
		"subreddit":  subreddit,
		"queue":      queue,
		"item_count": len(items),
	}).Debug("Fetched items from Reddit")

	return items, nil
}

func (t thing) toItem() (models.Item, bool) {
	d := t.Data
	item := models.Item{
		ID:         d.Name,
		Subreddit:  d.Subreddit,
		Author:     models.AuthorStats{Name: d.Author},
		CreatedUTC: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Permalink:  d.Permalink,
	}
	if d.ApprovedBy != nil {
		item.ApprovedBy = *d.ApprovedBy
	}
	if d.NumReports != nil {
		item.NumReports = *d.NumReports
	}

	switch t.Kind {
	case "t3":
		item.Subject = models.SubjectSubmission
		item.Title = d.Title
		item.Domain = d.Domain
		item.URL = d.URL
		item.Body = d.SelfText
	case "t1":
		item.Subject = models.SubjectComment
		item.Body = d.Body
		item.LinkID = d.LinkID
		if item.Permalink == "" {
			item.Permalink = CommentPermalink(d.Subreddit, d.LinkID, d.ID)
		}
	default:
		return models.Item{}, false
	}
	return item, true
}

// CommentPermalink builds a comment permalink from the parent submission's
// fullname and the comment id. The slug segment is ignored by Reddit.
func CommentPermalink(subreddit, linkID, commentID string) string {
	return fmt.Sprintf("/r/%s/comments/%s/a/%s", subreddit, strings.TrimPrefix(linkID, "t3_"), commentID)
}

// FetchAuthor fetches an account's reputation
func (r *RedditAPI) FetchAuthor(ctx context.Context, name string) (models.AuthorStats, error) {
	var resp struct {
		Kind string `json:"kind"`
		Data struct {
			Name         string  `json:"name"`
			CreatedUTC   float64 `json:"created_utc"`
			LinkKarma    int     `json:"link_karma"`
			CommentKarma int     `json:"comment_karma"`
			IsGold       bool    `json:"is_gold"`
			IsSuspended  bool    `json:"is_suspended"`
		} `json:"data"`
	}

	status, err := r.do(ctx, fmt.Sprintf("/user/%s/about", url.PathEscape(name)), nil, nil, &resp)
	if status == http.StatusNotFound {
		return models.AuthorStats{}, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	if err != nil {
		return models.AuthorStats{}, err
	}
	// suspended accounts only expose their name
	if resp.Data.IsSuspended {
		return models.AuthorStats{}, fmt.Errorf("%w: %s is suspended", ErrUserNotFound, name)
	}

	created := time.Unix(int64(resp.Data.CreatedUTC), 0)
	return models.AuthorStats{
		Name:           resp.Data.Name,
		HasGold:        resp.Data.IsGold,
		AccountAgeDays: int(time.Since(created).Hours() / 24),
		LinkKarma:      resp.Data.LinkKarma,
		CommentKarma:   resp.Data.CommentKarma,
	}, nil
}

// Approve approves a submission or comment by fullname
func (r *RedditAPI) Approve(ctx context.Context, fullname string) error {
	form := url.Values{}
	form.Set("id", fullname)
	if _, err := r.do(ctx, "/api/approve", nil, form, nil); err != nil {
		return fmt.Errorf("approve %s: %w", fullname, err)
	}
	return nil
}

// Remove removes a submission or comment by fullname, optionally training the
// spam filter
func (r *RedditAPI) Remove(ctx context.Context, fullname string, spam bool) error {
	form := url.Values{}
	form.Set("id", fullname)
	form.Set("spam", strconv.FormatBool(spam))
	if _, err := r.do(ctx, "/api/remove", nil, form, nil); err != nil {
		return fmt.Errorf("remove %s: %w", fullname, err)
	}
	return nil
}

// SendModmail sends a message to a subreddit's moderators
func (r *RedditAPI) SendModmail(ctx context.Context, subreddit, subject, body string) error {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("to", "/r/"+subreddit)
	form.Set("subject", subject)
	form.Set("text", body)

	var resp struct {
		JSON struct {
			Errors [][]interface{} `json:"errors"`
		} `json:"json"`
	}
	// a 5xx from compose may still have delivered the message
	if _, err := r.do(withoutRetries(ctx), "/api/compose", nil, form, &resp); err != nil {
		return fmt.Errorf("modmail to /r/%s: %w", subreddit, err)
	}
	if len(resp.JSON.Errors) > 0 {
		return fmt.Errorf("modmail to /r/%s rejected: %v", subreddit, resp.JSON.Errors)
	}
	return nil
}

// updateRateLimits feeds Reddit's rate limit headers back into the token bucket
func (r *RedditAPI) updateRateLimits(resp *http.Response) {
	// X-Ratelimit-Used: Approximate number of requests used in this period
	// X-Ratelimit-Remaining: Approximate number of requests left to use (bugged - always 0)
	// X-Ratelimit-Reset: Approximate number of seconds to end of period (counts down from ~600 seconds)
	used := getHeaderAsInt(resp.Header, "X-Ratelimit-Used")
	remaining := getHeaderAsInt(resp.Header, "X-Ratelimit-Remaining")
	reset := getHeaderAsInt(resp.Header, "X-Ratelimit-Reset")

	// skip if we didn't get valid headers for some reason
	if reset == 0 && used == 0 {
		return
	}

	r.rateHeadersMutex.Lock()
	r.rateRemainingCached = remaining
	r.rateResetCached = reset
	r.rateUsedCached = used
	r.rateHeadersMutex.Unlock()

	r.rateLimiter.Update(used, reset, r.maxRequestsPerMin)

	r.log.WithFields(logrus.Fields{
		"used":          used,
		"reset_sec":     reset,
		"new_fill_rate": r.rateLimiter.FillRate(),
		"usage_pct":     float64(used) / float64(r.maxRequestsPerMin*10) * 100,
	}).Debug("Updated rate limiter based on Reddit headers")
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	// reset and remaining are sometimes sent as floats
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return int(f)
	}
	return 0
}
