package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trace-landscape/backend/internal/graph"
	"trace-landscape/backend/internal/landmark"
	"trace-landscape/backend/internal/landscape"
	"trace-landscape/backend/internal/services"
	"trace-landscape/backend/internal/trace"
	apperrors "trace-landscape/backend/pkg/errors"
)

const (
	userIDHeader = "X-User-ID"
	userIDKey    = "user_id"
)

// dateLayouts are accepted for request dates, most precise first
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

type handler struct {
	sm     *services.ServiceManager
	logger *zap.Logger
}

type advanceRequest struct {
	Date string `json:"date" binding:"required"`
}

type lensRequest struct {
	Title         string `json:"title"`
	TargetTraceID string `json:"target_trace_id"`
	Autoplay      bool   `json:"autoplay"`
}

type journalRequest struct {
	Title string `json:"title" binding:"required"`
}

type traceRequest struct {
	Content   string `json:"content" binding:"required"`
	JournalID string `json:"journal_id" binding:"required"`
	Date      string `json:"date"`
}

func newRouter(sm *services.ServiceManager, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userIDHeader)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &handler{sm: sm, logger: log.Named("http")}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(sm.Metrics.Handler()))

	api := router.Group("/api")
	api.Use(requireUser())
	{
		api.POST("/analyses", h.advanceAnalysis)
		api.GET("/analyses/:id", h.getAnalysis)
		api.DELETE("/analyses/:id", h.deleteAnalysis)
		api.GET("/analyses/:id/landmarks", h.listLandmarks)
		api.GET("/analyses/:id/elements", h.listElements)
		api.GET("/analyses/:id/ancestors", h.listAncestors)
		api.POST("/analyses/:id/fork", h.forkLens)
		api.POST("/analyses/:id/process", h.processAnalysis)

		api.GET("/lenses", h.listLenses)
		api.POST("/lenses", h.createLens)
		api.GET("/lenses/:id", h.getLens)
		api.DELETE("/lenses/:id", h.deleteLens)

		api.POST("/journals", h.createJournal)
		api.POST("/traces", h.createTrace)
	}

	return router
}

// requireUser rejects requests without a user header
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    apperrors.ErrorTypeInput,
				"status":  http.StatusUnauthorized,
				"message": "missing " + userIDHeader + " header",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// ============================================================================
// Analyses
// ============================================================================

func (h *handler) advanceAnalysis(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}

	lens, err := h.sm.Landscape.AdvanceAnalysis(c.Request.Context(), c.GetString(userIDKey), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, lens)
}

func (h *handler) getAnalysis(c *gin.Context) {
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handler) deleteAnalysis(c *gin.Context) {
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	deleted, err := h.sm.Landscape.DeleteLeafAndCleanup(c.Request.Context(), a.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if !deleted {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"deleted": deleted})
}

func (h *handler) listLandmarks(c *gin.Context) {
	filter, err := landmark.ParseFilter(c.Query("filter"))
	if err != nil {
		h.fail(c, err)
		return
	}
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	landmarks, err := h.sm.Landscape.Landmarks(c.Request.Context(), a.ID, filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"landmarks": landmarks})
}

func (h *handler) listElements(c *gin.Context) {
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	elements, err := h.sm.Landscape.Elements(c.Request.Context(), a.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"elements": elements})
}

func (h *handler) listAncestors(c *gin.Context) {
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	ancestors, err := h.sm.Landscape.Ancestors(c.Request.Context(), a.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ancestors": ancestors})
}

func (h *handler) forkLens(c *gin.Context) {
	lens, err := h.sm.Landscape.ForkLens(c.Request.Context(), c.GetString(userIDKey), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, lens)
}

// processAnalysis re-runs the pipeline for a Draft analysis in the background
func (h *handler) processAnalysis(c *gin.Context) {
	a, ok := h.ownedAnalysis(c)
	if !ok {
		return
	}
	if a.State == graph.StateFinished {
		h.fail(c, apperrors.NewInvariantViolation("analysis state", "analysis "+a.ID+" is already finished"))
		return
	}
	h.sm.Processor.ProcessDetached(a.ID)
	c.JSON(http.StatusAccepted, a)
}

// ============================================================================
// Lenses
// ============================================================================

func (h *handler) listLenses(c *gin.Context) {
	lenses, err := h.sm.Landscape.Lenses(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lenses": lenses})
}

func (h *handler) createLens(c *gin.Context) {
	var req lensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}

	lens, err := h.sm.Landscape.CreateLens(c.Request.Context(), c.GetString(userIDKey), landscape.LensOptions{
		Title:         req.Title,
		TargetTraceID: req.TargetTraceID,
		Autoplay:      req.Autoplay,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if lens.TargetTraceID != "" {
		h.sm.Landscape.RunDetached(lens.ID)
	}
	c.JSON(http.StatusCreated, lens)
}

func (h *handler) getLens(c *gin.Context) {
	lens, ok := h.ownedLens(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, lens)
}

func (h *handler) deleteLens(c *gin.Context) {
	lens, ok := h.ownedLens(c)
	if !ok {
		return
	}
	deleted, err := h.sm.Landscape.DeleteLensAndLandscapes(c.Request.Context(), lens.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ============================================================================
// Journals and traces
// ============================================================================

func (h *handler) createJournal(c *gin.Context) {
	var req journalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	journal, err := h.sm.Traces.CreateJournal(c.Request.Context(), c.GetString(userIDKey), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, journal)
}

func (h *handler) createTrace(c *gin.Context) {
	var req traceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := parseDate(req.Date)
		if err != nil {
			h.fail(c, err)
			return
		}
		date = parsed
	}

	t, err := h.sm.Landscape.IngestTrace(c.Request.Context(), trace.NewTrace{
		UserID:    c.GetString(userIDKey),
		JournalID: req.JournalID,
		Content:   req.Content,
		Date:      date,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// ============================================================================
// Helpers
// ============================================================================

// ownedAnalysis loads the :id analysis and answers 404 when it belongs to another user
func (h *handler) ownedAnalysis(c *gin.Context) (*landscape.Analysis, bool) {
	id := c.Param("id")
	a, err := h.sm.Landscape.FindAnalysis(c.Request.Context(), id)
	if err == nil && a.UserID != c.GetString(userIDKey) {
		err = apperrors.NewNotFound(id)
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return a, true
}

func (h *handler) ownedLens(c *gin.Context) (*landscape.Lens, bool) {
	id := c.Param("id")
	lens, err := h.sm.Landscape.FindLens(c.Request.Context(), id)
	if err == nil && lens.UserID != c.GetString(userIDKey) {
		err = apperrors.NewNotFound(id)
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return lens, true
}

// fail renders err with the status its category maps to
func (h *handler) fail(c *gin.Context, err error) {
	status := apperrors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{
		"kind":    apperrors.TypeOf(err),
		"status":  status,
		"message": err.Error(),
	})
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.NewInvalidInput("date", "expected RFC3339 or YYYY-MM-DD")
}
