package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"velomarket/server/internal/database"
	"velomarket/server/internal/fmv"
	"velomarket/server/internal/hunting"
	"velomarket/server/internal/models"
	"velomarket/server/internal/scheduler"
)

// FMVLookup serves cached fair-market-value estimates.
type FMVLookup interface {
	Lookup(ctx context.Context, brand, model string, year *int) (fmv.Estimate, error)
}

// Listings is the read side of the catalog.
type Listings interface {
	List(ctx context.Context, activeOnly bool, limit int) ([]models.CatalogListing, error)
	Get(ctx context.Context, id uint) (*models.CatalogListing, error)
}

type RefillTasks interface {
	List(ctx context.Context, status models.RefillStatus, limit int) ([]models.RefillTask, error)
	UpdateStatus(ctx context.Context, id string, status models.RefillStatus) error
}

type RefillRequester interface {
	Request(ctx context.Context, brand, model string, tier int) (models.RefillTask, error)
}

// Verifier runs the re-verification loop.
type Verifier interface {
	Plan() hunting.Plan
	VerifyListing(ctx context.Context, listing *models.CatalogListing) (scheduler.Outcome, error)
}

type Normalizer interface {
	Normalize(ad models.RawAd) models.Observation
}

type Notifier interface {
	Enabled() bool
	SendMessage(ctx context.Context, message string) error
}

// Dependencies are the engine components the API exposes. Refill and
// Notifier may be nil.
type Dependencies struct {
	FMV        FMVLookup
	Listings   Listings
	Refills    RefillTasks
	Refill     RefillRequester
	Verifier   Verifier
	Normalizer Normalizer
	Notifier   Notifier
}

type Handler struct {
	deps   Dependencies
	logger *logrus.Logger
}

type NormalizeRequest struct {
	Title      string            `json:"title" binding:"required"`
	Platform   models.Platform   `json:"platform"`
	Brand      string            `json:"brand"`
	Model      string            `json:"model"`
	Year       *int              `json:"year"`
	FrameSize  string            `json:"frame_size"`
	Category   string            `json:"category"`
	Attributes map[string]string `json:"attributes"`
	Price      decimal.Decimal   `json:"price"`
}

type RefillRequest struct {
	Brand string `json:"brand" binding:"required"`
	Model string `json:"model" binding:"required"`
	Tier  int    `json:"tier"`
}

type StatusRequest struct {
	Status models.RefillStatus `json:"status" binding:"required"`
}

func NewHandler(deps Dependencies, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Handler{deps: deps, logger: logger}
}

// GetFMV returns the estimate for a brand, model and optional year.
func (h *Handler) GetFMV(c *gin.Context) {
	brand := strings.TrimSpace(c.Query("brand"))
	model := strings.TrimSpace(c.Query("model"))
	if brand == "" || model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "brand and model are required"})
		return
	}

	var year *int
	if raw := c.Query("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
			return
		}
		year = &y
	}

	est, err := h.deps.FMV.Lookup(c.Request.Context(), brand, model, year)
	if errors.Is(err, fmv.ErrInsufficientSample) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "insufficient_sample",
			"brand": brand,
			"model": model,
		})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to compute fair market value")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute fair market value"})
		return
	}

	response := gin.H{"estimate": est}
	if raw := c.Query("price"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid price"})
			return
		}
		response["comparison"] = fmv.Compare(price, est.Estimate)
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) GetHuntingMode(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Verifier.Plan())
}

func (h *Handler) GetListings(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"
	limit := queryLimit(c, 100)

	listings, err := h.deps.Listings.List(c.Request.Context(), activeOnly, limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get listings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listings"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

// VerifyListing re-checks one listing right away.
func (h *Handler) VerifyListing(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing id"})
		return
	}

	listing, err := h.deps.Listings.Get(c.Request.Context(), uint(id))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get listing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listing"})
		return
	}
	if !listing.Active {
		c.JSON(http.StatusConflict, gin.H{"error": "Listing is no longer active"})
		return
	}

	outcome, err := h.deps.Verifier.VerifyListing(c.Request.Context(), listing)
	if errors.Is(err, scheduler.ErrListingBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"outcome": outcome, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (h *Handler) GetRefillTasks(c *gin.Context) {
	status := models.RefillStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	tasks, err := h.deps.Refills.List(c.Request.Context(), status, queryLimit(c, 100))
	if err != nil {
		h.logger.WithError(err).Error("Failed to get refill tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get refill tasks"})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// UpdateRefillTaskStatus lets the search collaborator report progress.
func (h *Handler) UpdateRefillTaskStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	id := c.Param("id")
	err := h.deps.Refills.UpdateStatus(c.Request.Context(), id, req.Status)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Refill task not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("task_id", id).Error("Failed to update refill task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update refill task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// CreateRefillTask queues a manual restocking request.
func (h *Handler) CreateRefillTask(c *gin.Context) {
	var req RefillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse refill request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}
	if req.Tier == 0 {
		req.Tier = models.TierStandard
	}
	if req.Tier < models.TierPremium || req.Tier > models.TierBudget {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Tier must be between 1 and 3"})
		return
	}

	task, err := h.deps.Refill.Request(c.Request.Context(), req.Brand, req.Model, req.Tier)
	if err != nil {
		h.logger.WithError(err).Error("Failed to queue refill task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue refill task"})
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// Normalize runs the normalizer on a title without storing anything.
func (h *Handler) Normalize(c *gin.Context) {
	var req NormalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	obs := h.deps.Normalizer.Normalize(models.RawAd{
		Platform:   req.Platform,
		Title:      req.Title,
		Brand:      req.Brand,
		Model:      req.Model,
		Year:       req.Year,
		FrameSize:  req.FrameSize,
		Category:   req.Category,
		Attributes: req.Attributes,
		Price:      req.Price,
	})
	unresolved := obs.Unresolved()
	if unresolved == nil {
		unresolved = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"observation": obs,
		"unresolved":  unresolved,
	})
}

// TestTelegram sends a test message with the configured bot
func (h *Handler) TestTelegram(c *gin.Context) {
	if h.deps.Notifier == nil || !h.deps.Notifier.Enabled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Telegram is not configured or is disabled"})
		return
	}

	testMessage := "🔔 Test notification from VeloMarket\n\nIf you see this message, your Telegram configuration is working correctly!"
	if err := h.deps.Notifier.SendMessage(c.Request.Context(), testMessage); err != nil {
		h.logger.WithError(err).Error("Failed to send test notification")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent successfully"})
}

func queryLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(fallback)))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
