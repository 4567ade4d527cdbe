package api

import (
	"errors"
	"net/http"
	"time"

	"pantry/internal/fanout"
	"pantry/internal/ledger"
	"pantry/internal/models"
	"pantry/internal/monitoring"
	"pantry/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InventoryAPI represents the HTTP surface of the pantry ledger
type InventoryAPI struct {
	Router  *gin.Engine
	Ledger  *ledger.Ledger
	Feed    fanout.Subscriber
	log     *zap.Logger
	monitor *monitoring.Monitor
}

// NewInventoryAPI creates a new inventory API instance
func NewInventoryAPI(l *ledger.Ledger, feed fanout.Subscriber, log *zap.Logger, monitor *monitoring.Monitor) *InventoryAPI {
	if log == nil {
		log = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	api := &InventoryAPI{
		Router:  router,
		Ledger:  l,
		Feed:    feed,
		log:     log.Named("api"),
		monitor: monitor,
	}

	api.setupRoutes()
	return api
}

// setupRoutes configures all API endpoints
func (a *InventoryAPI) setupRoutes() {
	// Health check
	a.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := a.Router.Group("/api/v1")
	{
		// Products
		v1.GET("/households/:household/products", a.ListProducts)
		v1.POST("/households/:household/products", a.CreateProduct)
		v1.GET("/households/:household/stream", a.Stream)
		v1.GET("/products/:id", a.GetProduct)
		v1.PATCH("/products/:id", a.UpdateProduct)
		v1.DELETE("/products/:id", a.DeleteProduct)

		// Stock
		v1.POST("/products/:id/delta", a.ApplyDelta)
		v1.POST("/products/:id/reconcile", a.Reconcile)

		// Batches
		v1.GET("/products/:id/batches", a.ListBatches)
		v1.POST("/products/:id/batches", a.AddBatch)
		v1.PATCH("/products/:id/batches/:batch", a.UpdateBatch)
		v1.DELETE("/products/:id/batches/:batch", a.DeleteBatch)
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// writeError maps ledger and store errors to HTTP status codes.
func (a *InventoryAPI) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrRetriesExhausted):
		status = http.StatusConflict
	default:
		a.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createProductRequest struct {
	ledger.ProductFields
	Quantity  float64    `json:"quantity"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type deltaRequest struct {
	Delta *float64 `json:"delta" binding:"required"`
}

type deltaResponse struct {
	Applied bool            `json:"applied"`
	Product *models.Product `json:"product"`
}

type addBatchRequest struct {
	Quantity  float64    `json:"quantity"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Product handlers

func (a *InventoryAPI) ListProducts(c *gin.Context) {
	products, err := a.Ledger.Products(c.Request.Context(), c.Param("household"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (a *InventoryAPI) CreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := a.Ledger.CreateProduct(c.Request.Context(), c.Param("household"), req.ProductFields,
		ledger.InitialBatch{Quantity: req.Quantity, ExpiresAt: req.ExpiresAt})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (a *InventoryAPI) GetProduct(c *gin.Context) {
	product, err := a.Ledger.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (a *InventoryAPI) UpdateProduct(c *gin.Context) {
	var patch ledger.ProductPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := a.Ledger.UpdateProduct(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (a *InventoryAPI) DeleteProduct(c *gin.Context) {
	if err := a.Ledger.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stock handlers

// ApplyDelta adds or consumes stock. Insufficient stock is not an error: the
// response carries applied=false and the unchanged product.
func (a *InventoryAPI) ApplyDelta(c *gin.Context) {
	var req deltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	applied, product, err := a.Ledger.ApplyQuantityDelta(c.Request.Context(), c.Param("id"), *req.Delta)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deltaResponse{Applied: applied, Product: product})
}

func (a *InventoryAPI) Reconcile(c *gin.Context) {
	changed, err := a.Ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// Batch handlers

func (a *InventoryAPI) ListBatches(c *gin.Context) {
	batches, err := a.Ledger.Batches(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

func (a *InventoryAPI) AddBatch(c *gin.Context) {
	var req addBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := a.Ledger.AddBatch(c.Request.Context(), c.Param("id"), req.Quantity, req.ExpiresAt)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (a *InventoryAPI) UpdateBatch(c *gin.Context) {
	var fields ledger.BatchFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := a.Ledger.UpdateBatch(c.Request.Context(), c.Param("id"), c.Param("batch"), fields)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (a *InventoryAPI) DeleteBatch(c *gin.Context) {
	if err := a.Ledger.DeleteBatch(c.Request.Context(), c.Param("id"), c.Param("batch")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
