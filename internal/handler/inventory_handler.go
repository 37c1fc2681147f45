package handler

import (
	"github.com/gin-gonic/gin"

	"fulfillment/internal/service/inventory"
	"fulfillment/pkg/utils"
)

// SetStockRequest overwrites the stock of a product
type SetStockRequest struct {
	Stock *int `json:"stock" binding:"required"`
}

// InventoryHandler inventory handler
type InventoryHandler struct {
	inventoryService inventory.InventoryService
}

// NewInventoryHandler creates an inventory handler
func NewInventoryHandler(inventoryService inventory.InventoryService) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
	}
}

// Register mounts the inventory routes on rg
func (h *InventoryHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/stocks", h.ListStocks)
	rg.GET("/stocks/:product_id", h.GetStock)
	rg.PUT("/stocks/:product_id", h.SetStock)
	rg.GET("/reservations/:order_id", h.ListReservations)
}

// ListStocks lists stock of ?product_ids=1,2,3
func (h *InventoryHandler) ListStocks(c *gin.Context) {
	ids, err := utils.ParseIDList(c.Query("product_ids"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	stocks, err := h.inventoryService.ListStocks(c.Request.Context(), ids)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"list": stocks, "total": len(stocks)})
}

// GetStock gets stock of a product
func (h *InventoryHandler) GetStock(c *gin.Context) {
	productID, err := utils.ParseID(c.Param("product_id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	stock, err := h.inventoryService.GetStock(c.Request.Context(), productID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, stock)
}

// SetStock overwrites stock of a product
func (h *InventoryHandler) SetStock(c *gin.Context) {
	productID, err := utils.ParseID(c.Param("product_id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	var req SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindingError(err))
		return
	}

	stock, err := h.inventoryService.SetStock(c.Request.Context(), productID, *req.Stock)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, stock)
}

// ListReservations lists reservations of an order
func (h *InventoryHandler) ListReservations(c *gin.Context) {
	orderID, err := utils.ParseID(c.Param("order_id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	reservations, err := h.inventoryService.ListReservations(c.Request.Context(), orderID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, reservations)
}
