package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/neominik/write-collab/internal/auth"
	"github.com/neominik/write-collab/internal/collab"
	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/metrics"
	"github.com/neominik/write-collab/internal/replica"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "write_admin_subject"
	maxUpdateBytes         = 8 << 20
)

var (
	errMissingManager       = errors.New("session manager dependency required")
	errMissingCatalog       = errors.New("document catalog dependency required")
	errMissingAuthenticator = errors.New("admin authenticator dependency required")
)

// DocumentCatalog is the read and create surface the HTTP layer needs from the store.
type DocumentCatalog interface {
	CreateDocument(ctx context.Context, title documents.Title) (documents.Document, error)
	ListDocuments(ctx context.Context) ([]documents.Document, error)
	ListVersions(ctx context.Context, documentID documents.DocumentID) ([]documents.Version, error)
	GetVersion(ctx context.Context, documentID documents.DocumentID, versionID documents.VersionID) (documents.Version, error)
}

// AdminAuthenticator validates the bearer credential on admin requests.
type AdminAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

type Dependencies struct {
	Manager        *collab.Manager
	Catalog        DocumentCatalog
	Authenticator  AdminAuthenticator
	Metrics        *metrics.Registry
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		manager:       deps.Manager,
		catalog:       deps.Catalog,
		authenticator: deps.Authenticator,
		metrics:       deps.Metrics,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.POST("/documents", handler.handleCreateDocument)
	router.GET("/documents/:id", handler.handleGetDocument)
	router.GET("/documents/:id/replica", handler.handleGetReplica)
	router.POST("/documents/:id/updates", handler.handleApplyUpdate)
	router.GET("/documents/:id/sync", handler.handleSync)
	router.GET("/documents/:id/events", handler.handleEvents)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/documents", handler.handleListDocuments)
	admin.GET("/documents/:id/versions", handler.handleListVersions)
	admin.GET("/documents/:id/versions/:versionId", handler.handleGetVersion)
	admin.POST("/documents/:id/versions/:versionId/restore", handler.handleRestoreVersion)
	admin.PUT("/documents/:id/title", handler.handleSetTitle)
	admin.DELETE("/documents/:id", handler.handleDeleteDocument)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	manager       *collab.Manager
	catalog       DocumentCatalog
	authenticator AdminAuthenticator
	metrics       *metrics.Registry
	logger        *zap.Logger
}

type documentPayload struct {
	DocumentID      string `json:"document_id"`
	Title           string `json:"title"`
	Text            string `json:"text"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

type documentSummaryPayload struct {
	DocumentID      string `json:"document_id"`
	Title           string `json:"title"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

type versionPayload struct {
	VersionID       string `json:"version_id"`
	Reason          string `json:"reason"`
	Text            string `json:"text"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

func newVersionPayload(version documents.Version) versionPayload {
	return versionPayload{
		VersionID:       version.VersionID,
		Reason:          string(version.Reason),
		Text:            version.Text,
		CreatedAtMillis: version.CreatedAtMillis,
	}
}

type restorePayload struct {
	Document     documentPayload `json:"document"`
	RestoredFrom string          `json:"restored_from_version_id"`
	Captured     string          `json:"captured_version_id"`
}

type titleRequestPayload struct {
	Title string `json:"title"`
}

func newDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocumentID:      document.DocumentID,
		Title:           document.Title,
		Text:            document.MaterializedText,
		CreatedAtMillis: document.CreatedAtMillis,
		UpdatedAtMillis: document.UpdatedAtMillis,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "live_sessions": h.manager.LiveSessions()})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request titleRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	title, err := documents.NewTitle(request.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	document, err := h.catalog.CreateDocument(c.Request.Context(), title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentPayload(document))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	document, err := h.manager.CurrentText(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document))
}

func (h *httpHandler) handleGetReplica(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	session, err := h.manager.Acquire(ctx, documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	snapshot := session.Snapshot()
	h.release(ctx, documentID)
	c.Data(http.StatusOK, "application/octet-stream", snapshot)
}

func (h *httpHandler) handleApplyUpdate(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	update, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpdateBytes+1))
	if err != nil || len(update) == 0 || len(update) > maxUpdateBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}
	ctx := c.Request.Context()
	session, err := h.manager.Acquire(ctx, documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	changed, applyErr := session.ApplyUpdate(ctx, update)
	h.release(ctx, documentID)
	if applyErr != nil {
		h.writeError(c, applyErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	listed, err := h.catalog.ListDocuments(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]documentSummaryPayload, 0, len(listed))
	for _, document := range listed {
		response = append(response, documentSummaryPayload{
			DocumentID:      document.DocumentID,
			Title:           document.Title,
			CreatedAtMillis: document.CreatedAtMillis,
			UpdatedAtMillis: document.UpdatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": response})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	listed, err := h.catalog.ListVersions(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]versionPayload, 0, len(listed))
	for _, version := range listed {
		response = append(response, newVersionPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": response})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	versionID, err := documents.NewVersionID(c.Param("versionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	version, err := h.catalog.GetVersion(c.Request.Context(), documentID, versionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newVersionPayload(version))
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	versionID, err := documents.NewVersionID(c.Param("versionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.manager.RestoreVersion(c.Request.Context(), documentID, versionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("admin restore",
		zap.String("document_id", documentID.String()),
		zap.String("version_id", versionID.String()),
		zap.String("admin", c.GetString(adminSubjectContextKey)))
	c.JSON(http.StatusOK, restorePayload{
		Document:     newDocumentPayload(result.Document),
		RestoredFrom: result.RestoredFrom.VersionID,
		Captured:     result.Captured.VersionID,
	})
}

func (h *httpHandler) handleSetTitle(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request titleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	document, err := h.manager.SetTitle(c.Request.Context(), documentID, request.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	if err := h.manager.DeleteDocument(c.Request.Context(), documentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("admin token expired", zap.String("path", c.FullPath()))
		} else {
			h.logger.Warn("admin token validation failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) documentIDParam(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return "", false
	}
	return documentID, true
}

// release drops a reference taken for a single request. The request context may already
// be cancelled, and the last release still has to flush.
func (h *httpHandler) release(ctx context.Context, documentID documents.DocumentID) {
	if err := h.manager.Release(context.WithoutCancel(ctx), documentID); err != nil {
		h.logger.Warn("failed to release session",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, label := classifyError(err)
	body := gin.H{"error": label}
	var serviceErr *documents.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, documents.ErrVersionNotFound):
		return http.StatusNotFound, "version_not_found"
	case errors.Is(err, documents.ErrInvalidTitle):
		return http.StatusBadRequest, "invalid_title"
	case errors.Is(err, documents.ErrInvalidDocumentID), errors.Is(err, documents.ErrInvalidVersionID):
		return http.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, replica.ErrInvalidUpdate):
		return http.StatusBadRequest, "invalid_update"
	case errors.Is(err, collab.ErrDocumentBusy):
		return http.StatusConflict, "document_busy"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
