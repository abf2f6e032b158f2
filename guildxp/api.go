package guildxp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix  = "/debug"
	apiPrefix    = "/api"
	apiPathLogin = "/login"

	apiPathLogout   = "/logout"
	apiHealthCheck  = "/healthz"
	apiPathLoggedIn = "/logged_in"

	apiPathLeaderboard   = "/leaderboard"
	apiPathRank          = "/rank/:user_id"
	apiPathStats         = "/stats"
	apiPathDecayRun      = "/decay/run"
	apiPathDecayRuns     = "/decay/runs"
	apiPathGuildSettings = "/guilds/:guild_id/settings"
	apiPathBanUser       = "/users/:user_id/ban"
	apiPathWatchList     = "/watchlist"
	apiPathWatchUser     = "/watchlist/:user_id"

	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the admin HTTP server: login-gated endpoints for leaderboard
// inspection, manual XP edits, decay triggering, watch-list and ban
// management, and guild settings.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(xp *GuildXP, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              setupLogger.With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(xp)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, err := apiTLSConfig(config)
	if err != nil {
		return nil, err
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
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
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(xp))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathLeaderboard, apiHandlers.getLeaderboard)
	protected.GET(apiPathRank, apiHandlers.getRank)
	protected.GET(apiPathStats, apiHandlers.getStats)
	protected.POST(apiPathDecayRun, apiHandlers.triggerDecay)
	protected.GET(apiPathDecayRuns, apiHandlers.getDecayRuns)
	protected.GET(apiPathGuildSettings, apiHandlers.getGuildSettings)
	protected.PATCH(apiPathGuildSettings, apiHandlers.updateGuildSettings)
	protected.POST(apiPathBanUser, apiHandlers.setBanned)
	protected.GET(apiPathWatchList, apiHandlers.getWatchList)
	protected.POST(apiPathWatchList, apiHandlers.addWatchedUser)
	protected.DELETE(apiPathWatchUser, apiHandlers.removeWatchedUser)
	protected.POST(apiPathRegisterCommands, apiHandlers.registerCommands)

	return api, nil
}

// apiTLSConfig loads the configured cert pair, or falls back to an
// in-memory self-signed certificate when none is configured.
func apiTLSConfig(config *APIConfig) (*tls.Config, error) {
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		return cfg, nil
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("error generating self-signed cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   config.SSL.TLSMinVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		a.listener = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
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
	xp     *GuildXP
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler group and its session store. When no
// API secret is configured, a random one is generated, so sessions won't
// survive a restart.
func NewAPIHandlers(xp *GuildXP) *APIHandlers {
	logger := xp.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := xp.config.API.Secret; {
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
	if xp.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(xp.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{xp: xp, logger: logger, store: store}
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	GatewayConnected bool  `json:"gateway_connected"`
	AwardsEnabled    bool  `json:"awards_enabled"`
	CachedScopes     int   `json:"cached_scopes"`
	Uptime           int64 `json:"uptime_seconds"`
}

// loginHandler validates the admin credentials from the request body and
// starts a session. Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.xp.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := h.xp.config.API
	if cfg.AdminUsername == "" || cfg.AdminPasswordHash == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != cfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(cfg.AdminPasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if cfg.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err == nil && session != nil {
		session.Options.MaxAge = -1
		_ = session.Save(c.Request, c.Writer)
	}
	ginReplyMessage(c, "logged out")
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
			GatewayConnected: h.xp.discord.connected.Load(),
			AwardsEnabled:    h.xp.awardEngine.Enabled(),
			CachedScopes:     h.xp.xpCache.Scopes(),
			Uptime:           int64(time.Since(h.xp.startedAt).Seconds()),
		},
	)
}

// requestScope resolves the `guild_id` query parameter into a Scope,
// defaulting to the global leaderboard.
func requestScope(c *gin.Context) Scope {
	if guildID := c.Query("guild_id"); guildID != "" {
		return GuildScope(guildID)
	}
	return GlobalScope()
}

type leaderboardEntry struct {
	Rank   int64  `json:"rank"`
	UserID string `json:"user_id"`
	XP     int64  `json:"xp"`
	Level  int64  `json:"level"`
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	scope := requestScope(c)
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	scheme := SchemeGlobal
	if !scope.IsGlobal() {
		scheme = h.xp.guildSettings.Get(
			c.Request.Context(), scope.GuildID(),
		).Scheme()
	}

	records, err := h.xp.xpStore.GetTop(c.Request.Context(), scope, limit, nil)
	if err != nil {
		ginContextLogger(c).Error("error loading leaderboard", tint.Err(err))
		ginReplyError(c, "error loading leaderboard")
		return
	}
	entries := make([]leaderboardEntry, 0, len(records))
	for n, record := range records {
		entries = append(
			entries, leaderboardEntry{
				Rank:   int64(n + 1),
				UserID: record.UserID,
				XP:     record.XP,
				Level:  CalcLevel(record.XP, scheme).Level,
			},
		)
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.String(), "entries": entries})
}

func (h *APIHandlers) getRank(c *gin.Context) {
	scope := requestScope(c)
	userID := c.Param("user_id")

	rank, found, err := h.xp.xpStore.GetRank(c.Request.Context(), scope, userID, nil)
	if err != nil {
		ginContextLogger(c).Error("error getting rank", tint.Err(err))
		ginReplyError(c, "error getting rank")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, httpError{Error: "user has no xp in scope"})
		return
	}
	scheme := SchemeGlobal
	if !scope.IsGlobal() {
		scheme = h.xp.guildSettings.Get(
			c.Request.Context(), scope.GuildID(),
		).Scheme()
	}
	info := CalcLevel(rank.XP, scheme)
	c.JSON(
		http.StatusOK, gin.H{
			"scope":   scope.String(),
			"user_id": userID,
			"rank":    rank.Rank,
			"xp":      rank.XP,
			"level":   info.Level,
		},
	)
}

func (h *APIHandlers) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	total, err := h.xp.xpStore.TotalGlobalXP(ctx)
	if err != nil {
		ginContextLogger(c).Error("error getting stats", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}
	count, err := h.xp.xpStore.Count(ctx, GlobalScope())
	if err != nil {
		ginContextLogger(c).Error("error getting stats", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"total_global_xp":     total,
			"global_participants": count,
			"cached_scopes":       h.xp.xpCache.Scopes(),
			"awards_enabled":      h.xp.awardEngine.Enabled(),
		},
	)
}

// triggerDecay starts a decay run out of schedule. Returns 409 when a run
// is already in progress.
func (h *APIHandlers) triggerDecay(c *gin.Context) {
	run, err := h.xp.decay.Run(c.Request.Context())
	switch {
	case errors.Is(err, ErrDecayRunning):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		ginContextLogger(c).Error("decay run failed", tint.Err(err))
		ginReplyError(c, "decay run failed")
	default:
		c.JSON(http.StatusOK, run)
	}
}

func (h *APIHandlers) getDecayRuns(c *gin.Context) {
	var runs []DecayRun
	err := h.xp.writeDB.DB().WithContext(c.Request.Context()).Order(
		"started_at DESC",
	).Limit(50).Find(&runs).Error
	if err != nil {
		ginContextLogger(c).Error("error listing decay runs", tint.Err(err))
		ginReplyError(c, "error listing decay runs")
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	settings := h.xp.guildSettings.Get(c.Request.Context(), c.Param("guild_id"))
	c.JSON(http.StatusOK, settings)
}

// guildSettingsPatch uses pointer fields so PATCH can distinguish "not
// sent" from zero values.
type guildSettingsPatch struct {
	EnableXP             *bool     `json:"enable_xp"`
	XPType               *XPScheme `json:"xp_type"`
	XPRate               *float64  `json:"xp_rate"`
	NoXPChannels         *[]string `json:"noxp_channels"`
	NoXPRoles            *[]string `json:"noxp_roles"`
	LevelUpChannel       *string   `json:"levelup_channel"`
	LevelUpMessage       *string   `json:"levelup_message"`
	LevelUpSilent        *bool     `json:"levelup_silent"`
	RankInDM             *bool     `json:"rank_in_dm"`
	RoleRewardsMaxNumber *int      `json:"role_rewards_max_number"`
	XPDecay              *int64    `json:"xp_decay"`
}

func (h *APIHandlers) updateGuildSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("guild_id")

	var patch guildSettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	settings := h.xp.guildSettings.Get(ctx, guildID)
	if patch.EnableXP != nil {
		settings.EnableXP = *patch.EnableXP
	}
	if patch.XPType != nil {
		settings.XPType = *patch.XPType
	}
	if patch.XPRate != nil {
		settings.XPRate = *patch.XPRate
	}
	if patch.NoXPChannels != nil {
		settings.NoXPChannels = StringList(*patch.NoXPChannels)
	}
	if patch.NoXPRoles != nil {
		settings.NoXPRoles = StringList(*patch.NoXPRoles)
	}
	if patch.LevelUpChannel != nil {
		settings.LevelUpChannel = *patch.LevelUpChannel
	}
	if patch.LevelUpMessage != nil {
		settings.LevelUpMessage = *patch.LevelUpMessage
	}
	if patch.LevelUpSilent != nil {
		settings.LevelUpSilent = *patch.LevelUpSilent
	}
	if patch.RankInDM != nil {
		settings.RankInDM = *patch.RankInDM
	}
	if patch.RoleRewardsMaxNumber != nil {
		settings.RoleRewardsMaxNumber = *patch.RoleRewardsMaxNumber
	}
	if patch.XPDecay != nil {
		settings.XPDecay = *patch.XPDecay
	}

	if err := structValidator.Struct(settings); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.xp.guildSettings.Save(ctx, settings); err != nil {
		logger.Error("error saving guild settings", tint.Err(err))
		ginReplyError(c, "error saving guild settings")
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	h.xp.dbNotifier.GuildSettingsUpdated(notifyCtx, guildID)
	cancel()

	c.JSON(http.StatusOK, settings)
}

type banPayload struct {
	GuildID string `json:"guild_id"`
	Banned  *bool  `json:"banned" binding:"required"`
}

// setBanned soft-excludes (or reinstates) a user's row in a scope. Banned
// rows stay in storage but vanish from rankings.
func (h *APIHandlers) setBanned(c *gin.Context) {
	userID := c.Param("user_id")
	var payload banPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	scope := GlobalScope()
	if payload.GuildID != "" {
		scope = GuildScope(payload.GuildID)
	}
	ctx := c.Request.Context()
	if err := h.xp.xpStore.SetBanned(ctx, scope, userID, *payload.Banned); err != nil {
		ginContextLogger(c).Error("error setting ban flag", tint.Err(err))
		ginReplyError(c, "error setting ban flag")
		return
	}
	h.xp.xpCache.InvalidateScope(scope)
	notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	h.xp.dbNotifier.XPCacheInvalidated(notifyCtx, scope)
	cancel()
	ginReplyMessage(c, "updated")
}

func (h *APIHandlers) getWatchList(c *gin.Context) {
	var watched []WatchedUser
	err := h.xp.writeDB.DB().WithContext(c.Request.Context()).Find(&watched).Error
	if err != nil {
		ginContextLogger(c).Error("error listing watch-list", tint.Err(err))
		ginReplyError(c, "error listing watch-list")
		return
	}
	c.JSON(http.StatusOK, watched)
}

type watchPayload struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason"`
}

func (h *APIHandlers) addWatchedUser(c *gin.Context) {
	var payload watchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	watched := &WatchedUser{UserID: payload.UserID, Reason: payload.Reason}
	if _, err := h.xp.writeDB.Create(ctx, watched); err != nil {
		ginContextLogger(c).Error("error adding watched user", tint.Err(err))
		ginReplyError(c, "error adding watched user")
		return
	}
	if err := h.xp.awardEngine.ReloadWatchList(ctx); err != nil {
		ginContextLogger(c).Error("error reloading watch-list", tint.Err(err))
	}
	c.JSON(http.StatusCreated, watched)
}

func (h *APIHandlers) removeWatchedUser(c *gin.Context) {
	ctx := c.Request.Context()
	rowsAffected, err := h.xp.writeDB.Delete(
		&WatchedUser{}, "user_id = ?", c.Param("user_id"),
	)
	if err != nil {
		ginContextLogger(c).Error("error removing watched user", tint.Err(err))
		ginReplyError(c, "error removing watched user")
		return
	}
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "not watched"})
		return
	}
	if err = h.xp.awardEngine.ReloadWatchList(ctx); err != nil {
		ginContextLogger(c).Error("error reloading watch-list", tint.Err(err))
	}
	ginReplyMessage(c, "removed")
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	registered, err := h.xp.discord.registerCommands(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusOK, registered)
}

func authMiddleware(xp *GuildXP) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		session, err := xp.api.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
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
// request, echoed back in the X-Request-ID header.
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
// or, if it doesn't exist, creates a logger with request details included
// and caches it in the context.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path and duration
// after it completes.
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

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[fmt.Sprintf(
			"%s %s", c.Request.Method, c.Request.URL.Path,
		)]++
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates an in-memory self-signed TLS
// certificate, valid from the current time for 1 year.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"guildxp"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader, &template, &template, &priv.PublicKey, priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
	}, nil
}
