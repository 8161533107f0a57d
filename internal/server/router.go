package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/auth"
	"github.com/MarcoPoloResearchLab/eventboard/internal/events"
	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

const (
	claimsContextKey = "eventboard_session_claims"
	headerAPIKey     = "apikey"
	filterEqPrefix   = "eq."
)

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingEventsService = errors.New("events service dependency required")
)

type TokenIssuer interface {
	Issue(userID, email string) (auth.IssuedToken, error)
}

type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	TokenIssuer      TokenIssuer
	SessionValidator SessionValidator
	UsersService     *users.Service
	EventsService    *events.Service
	APIKey           string
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler serves the auth and table REST contract consumed by the
// gateway client.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.SessionValidator == nil {
		return nil, errMissingValidator
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.EventsService == nil {
		return nil, errMissingEventsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.TokenIssuer,
		validator: deps.SessionValidator,
		users:     deps.UsersService,
		events:    deps.EventsService,
		apiKey:    strings.TrimSpace(deps.APIKey),
		logger:    logger,
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/")
	api.Use(handler.requireAPIKey)
	api.Use(handler.identifyRequest)

	api.POST("/auth/v1/signup", handler.handleSignUp)
	api.POST("/auth/v1/token", handler.handleToken)
	api.POST("/auth/v1/logout", handler.requireSession, handler.handleLogout)
	api.GET("/auth/v1/user", handler.requireSession, handler.handleUser)

	api.GET("/rest/v1/profiles", handler.handleListProfiles)
	api.POST("/rest/v1/profiles", handler.handleInsertProfile)
	api.GET("/rest/v1/event_registrations", handler.handleListRegistrations)
	api.POST("/rest/v1/event_registrations", handler.requireSession, handler.handleRegister)
	api.DELETE("/rest/v1/event_registrations", handler.requireSession, handler.handleUnregister)
	api.GET("/rest/v1/events", handler.handleListEvents)
	api.POST("/rest/v1/events", handler.requireSession, handler.requireStaff, handler.handleCreateEvent)
	api.PATCH("/rest/v1/events", handler.requireSession, handler.requireStaff, handler.handleUpdateEvent)
	api.DELETE("/rest/v1/events", handler.requireSession, handler.requireStaff, handler.handleDeleteEvent)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept", headerAPIKey},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenIssuer
	validator SessionValidator
	users     *users.Service
	events    *events.Service
	apiKey    string
	logger    *zap.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}

func (h *httpHandler) requireAPIKey(c *gin.Context) {
	if h.apiKey == "" {
		c.Next()
		return
	}
	if c.GetHeader(headerAPIKey) != h.apiKey {
		abortWithError(c, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}
	c.Next()
}

// identifyRequest attaches session claims when a valid bearer token is
// present. Requests without one continue anonymously.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.Next()
		return
	}
	token, ok := auth.BearerToken(header)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Invalid authorization header")
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Invalid or expired session")
		return
	}
	active, err := h.users.SessionActive(c.Request.Context(), claims.ID)
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "session_lookup_failed", "Session lookup failed")
		return
	}
	if !active {
		h.logger.Info("revoked session presented", zap.String("user_id", claims.UserID))
		abortWithError(c, http.StatusUnauthorized, "session_revoked", "Session has been revoked")
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireSession(c *gin.Context) {
	if _, ok := sessionClaims(c); !ok {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	c.Next()
}

func (h *httpHandler) requireStaff(c *gin.Context) {
	claims, _ := sessionClaims(c)
	profile, err := h.users.Profile(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("staff lookup failed", zap.String("user_id", claims.UserID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "profile_lookup_failed", "Profile lookup failed")
		return
	}
	if profile == nil || !profile.IsStaff {
		abortWithError(c, http.StatusForbidden, "forbidden", "Staff access required")
		return
	}
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

// eqFilter reads a column=eq.value query filter. Absent filters report
// ok=false; malformed ones abort the request.
func eqFilter(c *gin.Context, column string) (value string, present bool, ok bool) {
	raw, exists := c.GetQuery(column)
	if !exists {
		return "", false, true
	}
	if !strings.HasPrefix(raw, filterEqPrefix) {
		abortWithError(c, http.StatusBadRequest, "invalid_filter", "Only eq filters are supported for "+column)
		return "", true, false
	}
	return strings.TrimPrefix(raw, filterEqPrefix), true, true
}
