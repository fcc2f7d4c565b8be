package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"velomarket/server/internal/models"
)

// Bounties is the bounty store.
type Bounties interface {
	Create(ctx context.Context, bounty *models.Bounty) error
	List(ctx context.Context) ([]models.Bounty, error)
}

type BountyHandler struct {
	store  Bounties
	logger *logrus.Logger
}

type BountyRequest struct {
	Category string          `json:"category" binding:"required"`
	MaxPrice decimal.Decimal `json:"max_price"`
	Note     string          `json:"note"`
}

func NewBountyHandler(store Bounties, logger *logrus.Logger) *BountyHandler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &BountyHandler{store: store, logger: logger}
}

// SetupBountyRoutes adds the bounty routes to the router
func SetupBountyRoutes(router *gin.Engine, store Bounties, logger *logrus.Logger) {
	handler := NewBountyHandler(store, logger)

	router.GET("/api/bounties", handler.ListBounties)
	router.POST("/api/bounties", handler.CreateBounty)
}

// ListBounties returns all bounties, open and fulfilled
func (h *BountyHandler) ListBounties(c *gin.Context) {
	bounties, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list bounties")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bounties)
}

// CreateBounty registers a buyer request
func (h *BountyHandler) CreateBounty(c *gin.Context) {
	var req BountyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" || !req.MaxPrice.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category and a positive max_price are required"})
		return
	}

	bounty := models.Bounty{
		Category: category,
		MaxPrice: req.MaxPrice.Round(2),
		Note:     strings.TrimSpace(req.Note),
	}
	if err := h.store.Create(c.Request.Context(), &bounty); err != nil {
		h.logger.WithError(err).Error("Failed to create bounty")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, bounty)
}
