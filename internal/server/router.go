package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"github.com/TidewaterLabs/concord/backend/internal/engine"
	"github.com/TidewaterLabs/concord/backend/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "concord_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDirectory     = errors.New("actor directory dependency required")
	errMissingSessions      = errors.New("session registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager validates access tokens presented by sync clients.
type BackendTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	TokenManager BackendTokenManager
	Directory    *engine.Directory
	Sessions     *sessions.Registry
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving the sync sockets and the
// presence read API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway, err := NewGateway(GatewayConfig{
		Directory: deps.Directory,
		Sessions:  deps.Sessions,
		Clock:     deps.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		sessions: deps.Sessions,
		gateway:  gateway,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync", handler.handleSyncSocket)
	protected.GET("/documents/:id/ws", handler.handleDocumentSocket)
	protected.GET("/documents/:id/active", handler.handleActiveSessions)

	return router, nil
}

type httpHandler struct {
	tokens   BackendTokenManager
	sessions *sessions.Registry
	gateway  *Gateway
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSyncSocket(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.gateway.HandleSync(c.Writer, c.Request, userID)
}

func (h *httpHandler) handleDocumentSocket(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	h.gateway.HandleDocumentSync(c.Writer, c.Request, userID, documentID)
}

type activeSessionPayload struct {
	UserID          string `json:"user_id"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

func (h *httpHandler) handleActiveSessions(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	active, err := h.sessions.ListActive(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to list active sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]activeSessionPayload, 0, len(active))
	for _, session := range active {
		payload = append(payload, activeSessionPayload{
			UserID:          session.UserID,
			JoinedAtSeconds: session.JoinedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payload})
}

func (h *httpHandler) requestUserID(c *gin.Context) (documents.UserID, bool) {
	userID, err := documents.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// authorizeRequest accepts a bearer header or, for socket endpoints where
// browsers cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
