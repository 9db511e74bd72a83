package chatbot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	apiPrefix                = "/api"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiPathLoggedIn          = "/logged_in"
	apiHealthCheck           = "/healthz"
	apiPathMemories          = "/memories"
	apiPathMemory            = "/memory/:id"
	apiPathWorldBook         = "/world_book"
	apiPathWorldBookEntry    = "/world_book/:id"
	apiPathUsage             = "/usage"
	apiPathQuota             = "/quota/:user_id"
	apiPathQuit              = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

type httpError struct {
	Error string `json:"error"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required" log:"[redacted]"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	StartedAt               time.Time `json:"started_at"`
	Version                 string    `json:"version"`
}

// API provides the backend management server: knowledge CRUD, usage
// stats and quota inspection, behind cookie-session auth.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	handlers   *APIHandlers
	store      CookieStore

	loginRequestLimiter *rate.Limiter

	requestMetricsMu sync.Mutex
	requestMetrics   map[string]int
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	b      *ChatBot
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(b *ChatBot) *APIHandlers {
	logger := b.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if b.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(b.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{b: b, logger: logger, store: store}
}

func newAPI(b *ChatBot, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(b)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	api.logger = apiHandlers.logger
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathMemories, apiHandlers.getMemories)
	protected.POST(apiPathMemories, apiHandlers.createMemory)
	protected.PATCH(apiPathMemory, apiHandlers.updateMemory)
	protected.DELETE(apiPathMemory, apiHandlers.deleteMemory)
	protected.GET(apiPathWorldBook, apiHandlers.getWorldBookEntries)
	protected.POST(apiPathWorldBook, apiHandlers.createWorldBookEntry)
	protected.PATCH(apiPathWorldBookEntry, apiHandlers.updateWorldBookEntry)
	protected.DELETE(apiPathWorldBookEntry, apiHandlers.deleteWorldBookEntry)
	protected.GET(apiPathUsage, apiHandlers.getUsageStats)
	protected.GET(apiPathQuota, apiHandlers.getQuotaStatus)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.Info("api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// botState loads (or creates) the singleton row holding the admin
// credentials.
func botState(ctx context.Context, db *gorm.DB) (BotState, error) {
	var state BotState
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := db.WithContext(ctx).FirstOrCreate(&state, BotState{ID: 1}).Error
	if err != nil {
		return state, storageErr("loading bot state", err)
	}
	return state, nil
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.b.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := botState(c.Request.Context(), h.b.db)
	if err != nil {
		logger.Error("error loading bot state", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.b.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.b.config.API.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil || session == nil {
		c.JSON(http.StatusOK, gin.H{"message": "logged out"})
		return
	}
	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	_ = session.Save(c.Request, c.Writer)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil || session == nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	username, _ := session.Values[sessionVarField].(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			StartedAt:               h.b.startedAt,
			Version:                 Version,
		},
	)
}

func (h *APIHandlers) getMemories(c *gin.Context) {
	notes, err := h.b.knowledge.ListMemories(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing memories", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, notes)
}

type memoryPayload struct {
	Content   string `json:"content" binding:"required"`
	Timestamp string `json:"timestamp"`
}

func (h *APIHandlers) createMemory(c *gin.Context) {
	var payload memoryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	username, _ := sessionUsername(h.store, c)
	id, created, err := h.b.knowledge.AddMemory(
		c.Request.Context(),
		payload.Content,
		payload.Timestamp,
		"",
		username,
		"api",
	)
	if err != nil {
		ginContextLogger(c).Error("error creating memory", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !created {
		c.JSON(http.StatusConflict, httpError{Error: "memory already exists"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *APIHandlers) updateMemory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var payload memoryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	updated, err := h.b.knowledge.UpdateMemory(c.Request.Context(), id, payload.Content)
	if err != nil {
		ginContextLogger(c).Error("error updating memory", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !updated {
		c.JSON(http.StatusNotFound, httpError{Error: "memory not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *APIHandlers) deleteMemory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	deleted, err := h.b.knowledge.DeleteMemory(c.Request.Context(), id)
	if err != nil {
		ginContextLogger(c).Error("error deleting memory", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "memory not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandlers) getWorldBookEntries(c *gin.Context) {
	entries, err := h.b.knowledge.ListWorldBookEntries(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing world book entries", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type worldBookPayload struct {
	Keywords     string `json:"keywords" binding:"required"`
	Content      string `json:"content" binding:"required"`
	Enabled      *bool  `json:"enabled"`
	LinkedUserID string `json:"linked_user_id"`
}

func (h *APIHandlers) createWorldBookEntry(c *gin.Context) {
	var payload worldBookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	id, err := h.b.knowledge.AddWorldBookEntry(
		c.Request.Context(),
		payload.Keywords,
		payload.Content,
		payload.LinkedUserID,
	)
	if err != nil {
		ginContextLogger(c).Error("error creating world book entry", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *APIHandlers) updateWorldBookEntry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var payload worldBookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	updated, err := h.b.knowledge.UpdateWorldBookEntry(
		c.Request.Context(),
		id,
		payload.Keywords,
		payload.Content,
		enabled,
		payload.LinkedUserID,
	)
	if err != nil {
		ginContextLogger(c).Error("error updating world book entry", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !updated {
		c.JSON(http.StatusNotFound, httpError{Error: "world book entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *APIHandlers) deleteWorldBookEntry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	deleted, err := h.b.knowledge.DeleteWorldBookEntry(c.Request.Context(), id)
	if err != nil {
		ginContextLogger(c).Error("error deleting world book entry", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "world book entry not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandlers) getUsageStats(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid hours parameter"})
			return
		}
		hours = parsed
	}
	stats, err := h.b.usage.Stats(
		c.Request.Context(),
		c.Query("user_id"),
		time.Now().Add(-time.Duration(hours)*time.Hour),
	)
	if err != nil {
		ginContextLogger(c).Error("error loading usage stats", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getQuotaStatus(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "user_id required"})
		return
	}
	c.JSON(http.StatusOK, h.b.quota.GetOrInit(userID))
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("quit requested via api")
	c.JSON(http.StatusOK, gin.H{"message": "stopping"})
	h.b.Stop()
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func sessionUsername(store CookieStore, c *gin.Context) (string, error) {
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		username, err := sessionUsername(a.store, c)
		if err != nil || username == "" {
			a.logger.Warn("unauthorized request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, exposed as the X-Request-ID header.
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
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
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
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path and duration.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware tracks per-route request counts.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

func generateRandomHexString(n int) (string, error) {
	data := make([]byte, n/2)
	if _, err := rand.Read(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}
