package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/auth"
	"github.com/MarcoPoloResearchLab/spatial/internal/chat"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/occupancy"
	"github.com/MarcoPoloResearchLab/spatial/internal/presence"
	"github.com/MarcoPoloResearchLab/spatial/internal/raid"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/MarcoPoloResearchLab/spatial/internal/relics"
	"github.com/MarcoPoloResearchLab/spatial/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "spatial_session_claims"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingRealtime         = errors.New("realtime dependency required")
	errMissingProfiles         = errors.New("profile service dependency required")
	errMissingOccupancy        = errors.New("occupancy tracker dependency required")
	errMissingRaids            = errors.New("raid store dependency required")
	errMissingChat             = errors.New("chat service dependency required")
	errMissingRelics           = errors.New("relic service dependency required")
	errInvalidAuthorization    = errors.New("session token missing or invalid")
)

// SessionValidator authenticates requests carrying a session token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
	CookieName() string
}

// TokenIssuer signs session tokens for guests.
type TokenIssuer interface {
	IssueSessionToken(ctx context.Context, claims auth.GuestClaims) (string, int64, error)
}

// RealtimeChannel is the pub/sub collaborator shared by every participant session.
type RealtimeChannel interface {
	Subscribe(ctx context.Context, topic string, opts realtime.SubscribeOptions) (*realtime.Subscription, error)
}

// Settings tunes per-participant components.
type Settings struct {
	PresenceChannel  string
	CursorInterval   time.Duration
	PresenceStale    time.Duration
	RaidThreshold    int
	RaidRewardXP     int
	ChatHistoryLimit int
}

type Dependencies struct {
	Sessions   SessionValidator
	Tokens     TokenIssuer
	Realtime   RealtimeChannel
	Profiles   *users.Service
	Occupancy  *occupancy.Tracker
	Raids      *raid.Store
	Chat       *chat.Service
	Relics     *relics.Service
	IDProvider ids.Provider
	Settings   Settings
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Occupancy == nil {
		return nil, errMissingOccupancy
	}
	if deps.Raids == nil {
		return nil, errMissingRaids
	}
	if deps.Chat == nil {
		return nil, errMissingChat
	}
	if deps.Relics == nil {
		return nil, errMissingRelics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	settings := deps.Settings
	if strings.TrimSpace(settings.PresenceChannel) == "" {
		settings.PresenceChannel = defaultPresenceChannel
	}

	presenceAdapter, err := presence.NewAdapter(presence.AdapterConfig{
		Channel:    deps.Realtime,
		StaleAfter: settings.PresenceStale,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		realtime:  deps.Realtime,
		presence:  presenceAdapter,
		profiles:  deps.Profiles,
		occupancy: deps.Occupancy,
		raids:     deps.Raids,
		chat:      deps.Chat,
		relics:    deps.Relics,
		ids:       idProvider,
		live:      newLiveSessions(),
		settings:  settings,
		logger:    logger,
	}

	router.POST("/auth/guest", handler.handleGuestAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profile", handler.handleGetProfile)
	protected.PATCH("/profile", handler.handleUpdateProfile)
	protected.GET("/progress", handler.handleProgress)
	protected.GET("/tavern/messages", handler.handleTavernHistory)
	protected.POST("/tavern/messages", handler.handleTavernSend)
	protected.GET("/tavern/stream", handler.handleTavernStream)
	protected.GET("/nodes/:nodeID/occupants", handler.handleNodeOccupants)
	protected.GET("/nodes/:nodeID/raid", handler.handleNodeRaid)
	protected.GET("/relics", handler.handleRelicCatalog)
	protected.GET("/inventory", handler.handleInventory)
	protected.POST("/inventory", handler.handleAcquireRelic)
	protected.POST("/inventory/:relicID/equip", handler.handleEquipRelic)
	protected.DELETE("/inventory/equipped", handler.handleUnequipRelic)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	tokens    TokenIssuer
	realtime  RealtimeChannel
	presence  *presence.Adapter
	profiles  *users.Service
	occupancy *occupancy.Tracker
	raids     *raid.Store
	chat      *chat.Service
	relics    *relics.Service
	ids       ids.Provider
	live      *liveSessions
	settings  Settings
	logger    *zap.Logger
}

type guestAuthRequestPayload struct {
	Username string `json:"username"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleGuestAuth(c *gin.Context) {
	var request guestAuthRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	userID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to allocate guest id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	username := strings.TrimSpace(request.Username)
	if username == "" {
		username = users.GuestUsername(userID)
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.GuestClaims{UserID: userID, Username: username})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if _, err := h.profiles.EnsureProfile(c.Request.Context(), auth.SessionClaims{UserID: userID, Username: username}); err != nil {
		h.writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		return auth.SessionClaims{}, false
	}
	return claims, true
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.EnsureProfile(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var update users.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.profiles.EnsureProfile(c.Request.Context(), claims); err != nil {
		h.writeError(c, err)
		return
	}
	profile, err := h.profiles.UpdateProfile(c.Request.Context(), claims.UserID, update)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	total, err := h.raids.TotalXP(c.Request.Context(), claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID, "xp": total})
}

type tavernSendPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleTavernHistory(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	messages, err := h.chat.History(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleTavernSend(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request tavernSendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chat.Send(c.Request.Context(), claims.UserID, request.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleNodeOccupants(c *gin.Context) {
	snapshot, err := h.occupancy.Occupants(c.Request.Context(), c.Param("nodeID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleNodeRaid(c *gin.Context) {
	nodeID := c.Param("nodeID")
	session, found, err := h.raids.ActiveSession(c.Request.Context(), nodeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "session": session})
}

type acquireRelicPayload struct {
	RelicID string `json:"relic_id"`
}

func (h *httpHandler) handleRelicCatalog(c *gin.Context) {
	catalog, err := h.relics.Catalog(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relics": catalog})
}

func (h *httpHandler) handleInventory(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	items, err := h.relics.Inventory(c.Request.Context(), claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	loadout, err := h.relics.Loadout(c.Request.Context(), claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "loadout": loadout})
}

func (h *httpHandler) handleAcquireRelic(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request acquireRelicPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := h.relics.Acquire(c.Request.Context(), claims.UserID, request.RelicID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *httpHandler) handleEquipRelic(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	loadout, err := h.relics.Equip(c.Request.Context(), claims.UserID, c.Param("relicID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loadout)
}

func (h *httpHandler) handleUnequipRelic(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.relics.Unequip(c.Request.Context(), claims.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	loadout, err := h.relics.Loadout(c.Request.Context(), claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loadout)
}

// errorStatus maps a service error onto an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	code := apperr.CodeOf(err)
	switch {
	case errors.Is(err, apperr.ErrNotAuthenticated), errors.Is(err, users.ErrInvalidIdentity):
		return http.StatusUnauthorized, codeOr(code, "not_authenticated")
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, users.ErrInvalidProfile):
		return http.StatusBadRequest, codeOr(code, "invalid_request")
	case errors.Is(err, relics.ErrRelicNotFound):
		return http.StatusNotFound, "relic_not_found"
	case errors.Is(err, relics.ErrRelicNotOwned):
		return http.StatusNotFound, "relic_not_owned"
	case errors.Is(err, relics.ErrRelicAlreadyOwned):
		return http.StatusConflict, "relic_already_owned"
	case errors.Is(err, raid.ErrRaidNotActive):
		return http.StatusConflict, "raid_not_active"
	case errors.Is(err, raid.ErrSessionClosed):
		return http.StatusConflict, "raid_session_closed"
	default:
		return http.StatusInternalServerError, codeOr(code, "internal_error")
	}
}

func codeOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
