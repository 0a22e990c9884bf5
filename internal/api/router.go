package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig holds the HTTP layer settings.
type RouterConfig struct {
	GinMode        string
	AllowedOrigins []string
	Auth           AuthConfig
	Logger         zerolog.Logger
}

// SetupRouter configures the Gin router with all routes and middleware.
func SetupRouter(handler *Handler, cfg RouterConfig) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware(cfg.Logger))
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware())
	router.Use(CORSMiddleware(cfg.AllowedOrigins))

	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := AuthMiddleware(cfg.Auth)

	checkout := router.Group("/checkout")
	{
		checkout.GET("/course/:courseId", handler.GetCourseOffer)
		checkout.GET("/session-status", handler.SessionStatus)
		checkout.POST("/process", auth, handler.ProcessCheckout)
		checkout.POST("/create-checkout-session", auth, handler.CreateCheckoutSession)
	}

	affiliates := router.Group("/affiliate", auth)
	{
		affiliates.POST("/register", handler.RegisterAffiliate)
		affiliates.GET("/link/:courseId", handler.AffiliateLink)
		affiliates.POST("/deactivate", handler.DeactivateAffiliate)
	}

	// Called by Mercado Pago; authenticated by the x-signature header instead of a user token.
	router.POST("/webhooks/mercadopago", handler.MercadoPagoWebhook)

	return router
}
