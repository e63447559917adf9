package handler

import (
	"context"
	"errors"
	"strconv"

	"storepay/internal/channel"
	"storepay/internal/infrastructure/gateway/phonepe"
	"storepay/internal/service"
	"storepay/pkg/logger"
	"storepay/pkg/money"
	"storepay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SignatureVerifier 校验托管收银台回传的签名
type SignatureVerifier interface {
	VerifyPaymentSignature(orderID, paymentID, signature string) error
}

// CallbackVerifier 校验并解码跳转网关的 S2S 回调
type CallbackVerifier interface {
	VerifyCallback(response, xVerify string) (*phonepe.CallbackPayload, error)
}

// Handler 统一处理器
type Handler struct {
	orderService *service.OrderService
	razorpay     SignatureVerifier
	phonepe      CallbackVerifier
	log          zerolog.Logger
}

type HandlerOption func(*Handler)

func WithRazorpay(v SignatureVerifier) HandlerOption {
	return func(h *Handler) { h.razorpay = v }
}

func WithPhonePe(v CallbackVerifier) HandlerOption {
	return func(h *Handler) { h.phonepe = v }
}

// NewHandler 创建处理器实例；未配置的网关回调返回渠道不可用
func NewHandler(orderService *service.OrderService, opts ...HandlerOption) *Handler {
	h := &Handler{
		orderService: orderService,
		log:          logger.Component("Handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// bindJSON 解析并校验请求体，失败时已写入响应
func bindJSON[T interface{ Validate() error }](c *gin.Context, req *T) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return false
	}
	if err := (*req).Validate(); err != nil {
		response.ParamError(c, err.Error())
		return false
	}
	return true
}

// writeCtx 写操作不随客户端断开而中止
func writeCtx(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// ============================================================
// 订单相关接口
// ============================================================

// CreateOrder 创建订单
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orderService.CreateOrder(writeCtx(c), &service.CreateOrderRequest{
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		Amount:      req.Amount,
		UserAgent:   c.Request.UserAgent(),
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, toOrderView(order, h.orderService.Countdown(order)))
}

// GetOrder 查询订单
// GET /api/v1/orders/:order_id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, toOrderView(order, h.orderService.Countdown(order)))
}

// GetCountdown 轮询剩余支付时间
// GET /api/v1/orders/:order_id/countdown
func (h *Handler) GetCountdown(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"order_id":  order.OrderID,
		"status":    order.Status,
		"countdown": h.orderService.Countdown(order),
	})
}

// InitiatePayment 选择渠道发起支付
// POST /api/v1/orders/:order_id/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	orderID := c.Param("order_id")
	action, err := h.orderService.InitiatePayment(writeCtx(c), orderID, req.Channel, channel.Context{
		Platform: req.Platform,
		App:      req.App,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id": orderID,
		"action":   action,
	})
}

// ListChannels 已启用的支付渠道
// GET /api/v1/channels
func (h *Handler) ListChannels(c *gin.Context) {
	response.Success(c, gin.H{"channels": h.orderService.Channels()})
}

// ============================================================
// 支付核验接口
// ============================================================

// VerifyPayment 用户提交 UTR
// POST /api/v1/payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.orderService.SubmitVerification(writeCtx(c), req.OrderID, req.UTR, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeVerification(c, result)
}

// RazorpayCallback 托管收银台支付成功回传
// POST /api/v1/payments/callback/razorpay
func (h *Handler) RazorpayCallback(c *gin.Context) {
	if h.razorpay == nil {
		h.writeError(c, channel.ErrChannelUnavailable)
		return
	}

	var req RazorpayCallbackRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	if err := h.razorpay.VerifyPaymentSignature(req.OrderID, req.PaymentID, req.Signature); err != nil {
		h.log.Warn().Str("razorpay_order_id", req.OrderID).Msg("Razorpay 签名校验失败")
		response.BusinessError(c, response.CodeSignatureInvalid, "invalid payment signature")
		return
	}

	result, err := h.orderService.CompleteFromGateway(writeCtx(c), &service.GatewayCompletion{
		ProviderSessionID: req.OrderID,
		TransactionID:     req.PaymentID,
		Channel:           channel.IDHostedWidget,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeVerification(c, result)
}

// PhonePeCallback 跳转网关 S2S 回调
// POST /api/v1/payments/callback/phonepe
func (h *Handler) PhonePeCallback(c *gin.Context) {
	if h.phonepe == nil {
		h.writeError(c, channel.ErrChannelUnavailable)
		return
	}

	var req PhonePeCallbackRequest
	if !bindJSON(c, &req) {
		return
	}

	payload, err := h.phonepe.VerifyCallback(req.Response, c.GetHeader("X-VERIFY"))
	if err != nil {
		h.log.Warn().Err(err).Msg("PhonePe 回调校验失败")
		response.BusinessError(c, response.CodeSignatureInvalid, "invalid callback checksum")
		return
	}

	// 未成功的回调只记录，订单保持待核验直到过期
	if !payload.Succeeded() {
		h.log.Info().
			Str("order_id", payload.Data.MerchantTransactionID).
			Str("code", payload.Code).
			Msg("PhonePe 支付未成功")
		response.Success(c, gin.H{"order_id": payload.Data.MerchantTransactionID, "acknowledged": true})
		return
	}

	completion := &service.GatewayCompletion{
		OrderID:       payload.Data.MerchantTransactionID,
		TransactionID: payload.Data.TransactionID,
		Channel:       channel.IDRedirectGateway,
	}
	if payload.Data.Amount > 0 {
		completion.Amount = decimal.NewNullDecimal(money.FromPaise(payload.Data.Amount))
	}

	result, err := h.orderService.CompleteFromGateway(writeCtx(c), completion)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeVerification(c, result)
}

func (h *Handler) writeVerification(c *gin.Context, result *service.VerificationResult) {
	data := gin.H{
		"success":  !result.Verdict.IsRejected(),
		"verdict":  result.Verdict,
		"reason":   result.Verdict.Reason,
		"status":   result.Order.Status,
		"message":  result.Message,
		"replayed": result.Replayed,
		"order":    toOrderView(result.Order, h.orderService.Countdown(result.Order)),
	}
	if !result.Verdict.IsRejected() {
		response.Success(c, data)
		return
	}

	code := response.CodeVerifyRejected
	switch result.Verdict.Reason {
	case service.ReasonInvalidReferenceFormat:
		code = response.CodeInvalidReference
	case service.ReasonReferenceAlreadyUsed:
		code = response.CodeReferenceUsed
	case service.ReasonAmountMismatch:
		code = response.CodeAmountMismatch
	}
	response.ErrorWithData(c, code, result.Message, data)
}

// ============================================================
// 人工审核接口
// ============================================================

// ListPendingReviews 待人工确认的网关订单
// GET /api/v1/admin/pending-reviews?limit=50
func (h *Handler) ListPendingReviews(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		response.ParamError(c, "limit must be between 1 and 500")
		return
	}

	orders, err := h.orderService.ListPendingReviews(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o, h.orderService.Countdown(o)))
	}
	response.Success(c, gin.H{"orders": views, "total": len(views)})
}

// ListAttempts 订单的核验记录
// GET /api/v1/admin/orders/:order_id/attempts
func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.orderService.ListAttempts(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]AttemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, toAttemptView(a))
	}
	response.Success(c, gin.H{"attempts": views})
}

// ApproveReview POST /api/v1/admin/orders/:order_id/approve
func (h *Handler) ApproveReview(c *gin.Context) {
	h.adjudicate(c, true)
}

// RejectReview POST /api/v1/admin/orders/:order_id/reject
func (h *Handler) RejectReview(c *gin.Context) {
	h.adjudicate(c, false)
}

func (h *Handler) adjudicate(c *gin.Context, approve bool) {
	order, err := h.orderService.Adjudicate(writeCtx(c), c.Param("order_id"), approve)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, toOrderView(order, h.orderService.Countdown(order)))
}

// ============================================================
// 错误映射
// ============================================================

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, "amount must be positive with at most two decimal places")
	case errors.Is(err, service.ErrMissingReference):
		response.ParamError(c, "transaction reference is required")
	case errors.Is(err, service.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, "order not found")
	case errors.Is(err, service.ErrOrderExpired):
		response.BusinessError(c, response.CodeOrderExpired, "Your order has expired. Please place a new order.")
	case errors.Is(err, service.ErrInvalidState):
		response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
	case errors.Is(err, service.ErrOrderBusy):
		response.BusinessError(c, response.CodeOrderBusy, "order is being processed, please retry")
	case errors.Is(err, service.ErrAmountExhausted):
		response.BusinessError(c, response.CodeAmountExhausted, "too many pending orders at this price, please retry shortly")
	case errors.Is(err, service.ErrSessionMismatch):
		response.BusinessError(c, response.CodeSessionMismatch, "provider session does not match order")
	case errors.Is(err, service.ErrStoreUnavailable):
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("存储或锁服务不可用")
		response.BusinessError(c, response.CodeChannelUnavailable, "We couldn't reach the payment system. Please try again in a moment.")
	case errors.Is(err, channel.ErrChannelTimeout):
		response.BusinessError(c, response.CodeChannelTimeout, "We couldn't reach the payment system in time. Please try again.")
	case errors.Is(err, channel.ErrChannelUnavailable):
		response.BusinessError(c, response.CodeChannelUnavailable, "We couldn't reach the payment system. Please try again or choose another payment method.")
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("请求处理失败")
		response.ServerError(c, "internal server error")
	}
}
