package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/reddit-modbot/db"
	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/rules"
)

const (
	defaultActionLimit = 50
	maxActionLimit     = 500
)

type statsSource interface {
	GetStatistics() models.Statistics
}

type actionStore interface {
	GetSubreddit(ctx context.Context, name string) (*models.Subreddit, error)
	ListActions(ctx context.Context, subredditID int64, limit int) ([]models.ActionLog, error)
}

// server exposes the bot's state over a read-only JSON API
type server struct {
	moderator statsSource
	registry  *rules.Registry
	store     actionStore
	log       *logrus.Logger
}

func (s *server) echo(maxRequestsPerMinute int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0
	rateLimit := rate.Limit(requestsPerSecond * 0.95)

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			// health checks and scrapes must not eat the API budget
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/api/stats", s.getStats)
	e.GET("/api/stats/:subreddit", s.getSubredditStats)
	e.GET("/api/subreddits/:subreddit/conditions", s.getConditions)
	e.GET("/api/actions", s.getActions)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

func (s *server) getStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.moderator.GetStatistics())
}

func (s *server) getSubredditStats(c echo.Context) error {
	subreddit := c.Param("subreddit")
	stats := s.moderator.GetStatistics()

	subredditStats, exists := stats.SubredditStats[strings.ToLower(subreddit)]
	if !exists {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("No statistics available for subreddit %s", subreddit),
		})
	}
	return c.JSON(http.StatusOK, subredditStats)
}

// getConditions returns the rows of the forest currently in use, which may
// differ from the database while a broken edit is being rejected
func (s *server) getConditions(c echo.Context) error {
	subreddit := c.Param("subreddit")
	forest, ok := s.registry.Get(subreddit)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("No conditions loaded for subreddit %s", subreddit),
		})
	}
	return c.JSON(http.StatusOK, forest.Rows())
}

func (s *server) getActions(c echo.Context) error {
	limit := defaultActionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxActionLimit)
	}

	var subredditID int64
	if name := c.QueryParam("subreddit"); name != "" {
		sr, err := s.store.GetSubreddit(c.Request().Context(), name)
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("Unknown subreddit %s", name),
			})
		}
		if err != nil {
			s.log.WithError(err).Error("Failed to look up subreddit")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		subredditID = sr.ID
	}

	entries, err := s.store.ListActions(c.Request().Context(), subredditID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list actions")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if entries == nil {
		entries = []models.ActionLog{}
	}
	return c.JSON(http.StatusOK, entries)
}
