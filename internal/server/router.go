package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/discussions"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/users"
)

const principalContextKey = "classroom_principal"

var (
	errMissingVerifier             = errors.New("session verifier dependency required")
	errMissingDiscussionService    = errors.New("discussion service dependency required")
	errMissingNotificationsService = errors.New("notification service dependency required")
	errMissingUserService          = errors.New("user service dependency required")
	errMissingGateway              = errors.New("websocket gateway dependency required")
	errInvalidAuthorization        = errors.New("authorization header missing or invalid")
)

// SessionVerifier resolves a bearer token into the principal it names.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Verifier       SessionVerifier
	Discussions    *discussions.Service
	Notifications  *notifications.Service
	Users          *users.Service
	Gateway        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the websocket endpoint and the REST operations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Discussions == nil {
		return nil, errMissingDiscussionService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotificationsService
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		discussions:   deps.Discussions,
		notifications: deps.Notifications,
		users:         deps.Users,
		logger:        logging.OrNop(deps.Logger),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapH(deps.Gateway))

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/me", handler.handleMe)
	api.GET("/users/:userId", handler.handleGetUser)
	handler.registerDiscussionRoutes(api)
	handler.registerNotificationRoutes(api)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	verifier      SessionVerifier
	discussions   *discussions.Service
	notifications *notifications.Service
	users         *users.Service
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, principalFrom(c))
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	identity, err := h.users.Lookup(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			err = apperr.Validation("user id is required")
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}

// writeError renders err as {"error": code, "message": detail}. Infrastructure failures also
// carry the operation code of the failing service call.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	payload := gin.H{"error": apperr.Code(err), "message": err.Error()}
	var serviceErr *apperr.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		payload["message"] = "internal error"
	}
	c.AbortWithStatusJSON(status, payload)
}

func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.writeError(c, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}
