package handler

import (
	"storepay/internal/config"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	if cfg.Server.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(cfg.Server.AllowOrigins))

	api := r.Group("/api/v1")
	{
		api.GET("/channels", h.ListChannels)

		// 订单相关
		orders := api.Group("/orders")
		{
			orders.POST("", h.CreateOrder)
			orders.GET("/:order_id", h.GetOrder)
			orders.GET("/:order_id/countdown", h.GetCountdown)
			orders.POST("/:order_id/initiate", h.InitiatePayment)
		}

		// 支付核验
		payments := api.Group("/payments")
		{
			payments.POST("/verify", h.VerifyPayment)
			payments.POST("/callback/razorpay", h.RazorpayCallback)
			payments.POST("/callback/phonepe", h.PhonePeCallback)
		}

		// 人工审核
		admin := api.Group("/admin")
		{
			admin.GET("/pending-reviews", h.ListPendingReviews)
			admin.GET("/orders/:order_id/attempts", h.ListAttempts)
			admin.POST("/orders/:order_id/approve", h.ApproveReview)
			admin.POST("/orders/:order_id/reject", h.RejectReview)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
