package handler

import (
	"context"
	"net/http"
	"time"

	"memorial-orders/internal/service"
	"memorial-orders/internal/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Reconciler is the scheduler surface exposed to operators.
type Reconciler interface {
	TriggerNow() (worker.RunReport, error)
	LastReport() (worker.RunReport, bool)
	Running() bool
	NextRun() time.Time
}

type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type RouterConfig struct {
	Orders     service.OrderService
	Reconciler Reconciler
	Health     HealthChecker
	Log        *zap.Logger
	// AllowOrigins feeds the CORS middleware; empty allows any origin.
	AllowOrigins []string
}

type handler struct {
	orders     service.OrderService
	reconciler Reconciler
	health     HealthChecker
	validate   *validatorv10.Validate
	log        *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	h := &handler{
		orders:     cfg.Orders,
		reconciler: cfg.Reconciler,
		health:     cfg.Health,
		validate:   validatorv10.New(),
		log:        cfg.Log.Named("http"),
	}

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log), cors.New(corsCfg))

	r.GET("/health", h.getHealth)

	orders := r.Group("/orders")
	orders.POST("", h.createOrder)
	orders.GET("/:id", h.getOrder)
	orders.POST("/:id/pay", h.payOrder)
	orders.POST("/:id/cancel", h.cancelOrder)

	admin := r.Group("/admin/reconcile")
	admin.POST("", h.triggerReconcile)
	admin.GET("/last", h.lastReconcile)

	return r
}

func (h *handler) getHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	stats := h.health.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
