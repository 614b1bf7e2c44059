package askbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiPathQuestion        = "/questions/:id"
	apiPathUsers           = "/users"
	apiPathUserQuestions   = "/users/:id/questions"
	apiPathUserStats       = "/users/:id/stats"
	apiDefaultPageSize     = 25
	apiRequestQueryTimeout = 30 * time.Second
)

const xRequestIDHeader = "X-Request-ID"

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves health checks, prometheus metrics and read-only access to
// questions and user stats.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine and HTTP server for the API. Nothing
// listens until [API.Serve] is called.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger("api", config.LogLevel),
	}
	apiHandlers := &APIHandlers{b: b}
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(metricsHandler()))

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(bearerAuthMiddleware(config.Token))

	protected.GET(apiPathQuestion, apiHandlers.getQuestion)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.GET(apiPathUserQuestions, apiHandlers.getUserQuestions)
	protected.GET(apiPathUserStats, apiHandlers.getUserStats)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the API's route handlers
type APIHandlers struct {
	b *Bot
}

// healthCheck reports whether the gateway is connected, along with the
// number of asks in progress and answers still accepting button clicks
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Version:        Version,
		AsksInProgress: h.b.asksInProgress.Load(),
	}
	if !h.b.startedAt.IsZero() {
		resp.Uptime = time.Since(h.b.startedAt).Round(time.Second).String()
	}
	if h.b.discord != nil {
		resp.DiscordGatewayConnected = h.b.discord.connected.Load()
	}
	if h.b.collector != nil {
		resp.ActiveAskSessions = h.b.collector.Len()
	}
	c.JSON(http.StatusOK, resp)
}

// getQuestion returns a single [Question] by ID
func (h *APIHandlers) getQuestion(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c, apiRequestQueryTimeout)
	defer cancel()

	var q Question
	err := h.b.db.WithContext(ctx).Where("id = ?", c.Param("id")).Take(&q).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "question not found"})
			return
		}
		logger.ErrorContext(ctx, "error getting question", tint.Err(err))
		ginReplyError(c, "error getting question")
		return
	}
	c.JSON(http.StatusOK, q)
}

// getUsers returns a page of users, optionally with their stats
func (h *APIHandlers) getUsers(c *gin.Context) {
	var query GetUsersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if query.Order == "" {
		query.Order = Ascending
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultPageSize
	}

	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c, apiRequestQueryTimeout)
	defer cancel()

	var users []User
	err := h.b.db.WithContext(ctx).
		Limit(query.Limit).
		Offset(query.Offset).
		Order(fmt.Sprintf("%s %s", columnUserID, query.Order)).
		Find(&users).Error
	if err != nil {
		logger.ErrorContext(ctx, "error getting users", tint.Err(err))
		ginReplyError(c, "error getting users")
		return
	}

	if !query.IncludeStats {
		c.JSON(http.StatusOK, users)
		return
	}

	usersWithStats := make([]userWithStats, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for ind, u := range users {
		g.Go(
			func() error {
				stats, e := u.getStats(gctx, h.b.db)
				if e != nil {
					return e
				}
				usersWithStats[ind] = userWithStats{User: u, UserStats: stats}
				return nil
			},
		)
	}
	if e := g.Wait(); e != nil {
		logger.ErrorContext(ctx, "error getting user stats", tint.Err(e))
		ginReplyError(c, "error getting user stats")
		return
	}
	c.JSON(http.StatusOK, usersWithStats)
}

// getUserQuestions returns a user's questions, newest first. With
// `favorites=true`, only favorited questions are returned.
func (h *APIHandlers) getUserQuestions(c *gin.Context) {
	var query userQuestionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultPageSize
	}

	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c, apiRequestQueryTimeout)
	defer cancel()

	questions, err := h.b.questions.ListByUser(ctx, c.Param("id"), query.Favorites, query.Limit)
	if err != nil {
		logger.ErrorContext(ctx, "error listing questions", tint.Err(err))
		ginReplyError(c, "error listing questions")
		return
	}
	if questions == nil {
		questions = []Question{}
	}
	c.JSON(http.StatusOK, questions)
}

// getUserStats returns the [UserStats] for a single user
func (h *APIHandlers) getUserStats(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c, apiRequestQueryTimeout)
	defer cancel()

	u, err := findUser(ctx, h.b.db, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
			return
		}
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		ginReplyError(c, "error getting user")
		return
	}

	stats, err := u.getStats(ctx, h.b.db)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user stats", tint.Err(err))
		ginReplyError(c, "error getting user stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetUsersQuery represents the query parameters for fetching User records.
type GetUsersQuery struct {
	Pagination
	IncludeStats bool `form:"include_stats" json:"include_stats"`
}

type userQuestionsQuery struct {
	Favorites bool `form:"favorites"`
	Limit     int  `form:"limit" binding:"omitempty,min=1,max=100"`
}

// Sort is the order results are returned in, either asc or desc
type Sort string

type userWithStats struct {
	User
	UserStats UserStats `json:"stats"`
}

type healthCheckResponse struct {
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	AsksInProgress          int64  `json:"asks_in_progress"`
	ActiveAskSessions       int    `json:"active_ask_sessions"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// bearerAuthMiddleware rejects requests without an `Authorization: Bearer`
// header matching token
func bearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			ginContextLogger(c).WarnContext(c, "unauthorized api request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, set
// in the gin context and the response headers under X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestLogger := requestLogger(c, slog.Default())
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func requestLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	return logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
}

// ginLoggingMiddleware sets a request-scoped logger derived from logger,
// and logs each request once it finishes
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqLogger := requestLogger(c, logger)
		c.Set(string(loggerContextKey), reqLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			reqLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		reqLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError aborts with HTTP 500 and the given error message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
