package handler

import (
	"github.com/gin-gonic/gin"

	"fulfillment/internal/middleware"
	"fulfillment/internal/service/order"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// OrderHandler order handler
type OrderHandler struct {
	orderService order.OrderService
}

// NewOrderHandler creates an order handler
func NewOrderHandler(orderService order.OrderService) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
	}
}

// Register mounts the order routes on rg
func (h *OrderHandler) Register(rg *gin.RouterGroup) {
	orders := rg.Group("/orders")
	orders.POST("", h.PlaceOrder)
	orders.GET("/:id", h.GetOrder)
	orders.GET("/:id/status", h.GetStatus)
}

// PlaceOrder places an order for the authenticated user
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	var req order.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindingError(err))
		return
	}

	// An authenticated caller can only order for itself
	if userID, ok := middleware.GetUserID(c); ok {
		if req.UserID != 0 && req.UserID != userID {
			utils.AppErrorResponse(c, utils.NewError(utils.CodeForbidden, "cannot place an order for another user"))
			return
		}
		req.UserID = userID
	}

	created, err := h.orderService.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		log.WithContext(c.Request.Context()).WithError(err).WithField("user_id", req.UserID).Warn("Place order failed")
		utils.AppErrorResponse(c, err)
		return
	}

	utils.CreatedResponse(c, created)
}

// GetOrder gets an order by id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, err := utils.ParseID(c.Param("id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	found, err := h.orderService.GetOrder(c.Request.Context(), id)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, found)
}

// GetStatus gets only the status of an order
func (h *OrderHandler) GetStatus(c *gin.Context) {
	id, err := utils.ParseID(c.Param("id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	status, err := h.orderService.GetStatus(c.Request.Context(), id)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"id": id, "status": status})
}
