// Package httpapi mounts the sync server's HTTP surface on a gin router:
// the WebSocket endpoint, health and metrics endpoints, and the admin
// endpoints guarded by an admin-role JWT.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/auth"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

const claimsKey = "docsync_claims"

// Config wires the router to its collaborators.
type Config struct {
	Server   *docsync.Server
	Verifier *auth.Verifier

	// WebSocket serves /ws. Nil leaves the route unmounted.
	WebSocket http.Handler

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// FileName is the store file inside a location directory.
	FileName string

	Logger *logging.Logger
}

// NewRouter returns a gin engine serving the configured endpoints.
func NewRouter(config Config) (*gin.Engine, error) {
	if config.Server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}
	if config.Verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if config.FileName == "" {
		config.FileName = "app-data.db"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	logger := config.Logger.WithComponent(logging.Component("httpapi"))

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{config: config, logger: logger}
	r.GET("/healthz", h.health)
	if config.WebSocket != nil {
		r.GET("/ws", gin.WrapH(config.WebSocket))
	}
	if config.Metrics != nil {
		r.GET(config.MetricsPath, gin.WrapH(config.Metrics))
	}

	admin := r.Group("/admin", AdminAuth(config.Verifier))
	admin.POST("/shrink", h.shrink)
	admin.GET("/docs", h.listDocs)

	return r, nil
}

// AdminAuth requires an "Authorization: Bearer <token>" header carrying a
// valid admin token.
func AdminAuth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := verifier.Authorize(token, auth.RoleAdmin, "")
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrForbidden) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

type handlers struct {
	config Config
	logger *logging.Logger
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.config.Server.Connections(),
		"documents":   h.config.Server.Documents(),
	})
}

// ShrinkRequest is the body of POST /admin/shrink.
type ShrinkRequest struct {
	Location string `json:"location" binding:"required"`
	// DocID limits compaction to one document.
	DocID string `json:"docId"`
	// Vacuum defaults to true.
	Vacuum *bool `json:"vacuum"`
}

func (h *handlers) storePath(location string) string {
	return filepath.Join(location, h.config.FileName)
}

func (h *handlers) shrink(c *gin.Context) {
	var req ShrinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vacuum := req.Vacuum == nil || *req.Vacuum

	res, err := h.config.Server.Shrink(c.Request.Context(), h.storePath(req.Location), req.DocID, vacuum)
	if err != nil {
		h.fail(c, err, "shrink failed", req.Location)
		return
	}
	h.logger.Info("store shrunk",
		slog.String("location", req.Location),
		slog.Int64("before_size", res.BeforeSize),
		slog.Int64("after_size", res.AfterSize),
	)
	c.JSON(http.StatusOK, res)
}

func (h *handlers) listDocs(c *gin.Context) {
	location := c.Query("location")
	if location == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location is required"})
		return
	}
	ids, err := h.config.Server.DocIDs(c.Request.Context(), h.storePath(location))
	if err != nil {
		h.fail(c, err, "listing documents failed", location)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docIds": ids})
}

func (h *handlers) fail(c *gin.Context, err error, msg, location string) {
	switch {
	case errors.Is(err, storage.ErrStoreNotFound), errors.Is(err, storage.ErrDocNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, docsync.ErrServerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.LogError(c.Request.Context(), err, msg, slog.String("location", location))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
