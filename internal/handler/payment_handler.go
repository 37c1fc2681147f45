package handler

import (
	"github.com/gin-gonic/gin"

	"fulfillment/internal/middleware"
	"fulfillment/internal/service/payment"
	"fulfillment/pkg/utils"
)

// PaymentHandler payment handler
type PaymentHandler struct {
	paymentService payment.PaymentService
}

// NewPaymentHandler creates a payment handler
func NewPaymentHandler(paymentService payment.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// Register mounts the payment routes on rg
func (h *PaymentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/payments", h.ProcessPayment)
	rg.GET("/payments/:order_id", h.GetPayment)
}

// ProcessPayment charges an order. A declined charge is still a processed
// payment and is returned with status failed.
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	var req payment.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindingError(err))
		return
	}

	if userID, ok := middleware.GetUserID(c); ok {
		if req.UserID != 0 && req.UserID != userID {
			utils.AppErrorResponse(c, utils.NewError(utils.CodeForbidden, "cannot pay for another user's order"))
			return
		}
		req.UserID = userID
	}

	result, err := h.paymentService.ProcessPayment(c.Request.Context(), &req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GetPayment gets the payment of an order
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	orderID, err := utils.ParseID(c.Param("order_id"))
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	p, err := h.paymentService.GetPayment(c.Request.Context(), orderID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, p)
}
