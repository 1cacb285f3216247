package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/handler"
	"github.com/jengzang/urbanos-routing/internal/middleware"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/prediction"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/service"
)

// Deps is what the HTTP layer is built from
type Deps struct {
	Config  *config.Config
	DB      *sql.DB
	Network *network.Manager
	Clock   func() time.Time
}

// SetupRouter 设置路由
func SetupRouter(d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "message": "Routing API is running"}
		if err := d.DB.PingContext(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded", "message": "database unavailable"}
		}
		if d.Network != nil {
			body["network_stale"] = d.Network.Stale(d.Clock())
		}
		c.JSON(status, body)
	})

	// 仓储与服务
	telemetryRepo := repository.NewTelemetryRepository(d.DB)
	routeRepo := repository.NewRouteRepository(d.DB)
	placeRepo := repository.NewPlaceRepository(d.DB)
	predictionRepo := repository.NewPredictionRepository(d.DB)
	trajectoryRepo := repository.NewTrajectoryRepository(d.DB)
	scheduleRepo := repository.NewScheduleRepository(d.DB)
	patternRepo := repository.NewPatternRepository(d.DB)
	taskRepo := repository.NewAnalysisTaskRepository(d.DB)

	telemetryHandler := handler.NewTelemetryHandler(service.NewTelemetryService(telemetryRepo, d.Config.Ingest))
	predictionHandler := handler.NewPredictionHandler(prediction.NewAdapter(predictionRepo), d.Clock)
	clientHandler := handler.NewClientHandler(
		service.NewQueryService(routeRepo, placeRepo, predictionRepo, trajectoryRepo, scheduleRepo, patternRepo), d.Clock)
	taskHandler := handler.NewAnalysisTaskHandler(service.NewAnalysisTaskService(taskRepo))

	limiter := middleware.NewRateLimiter(d.Config.API.RatePerSecond, d.Config.API.Burst, d.Config.API.IdleTTL)

	// API 路由组
	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(limiter))
	{
		// 写入接口需要认证
		write := api.Group("")
		write.Use(middleware.JWTAuth(d.Config.JWTSecret))
		{
			write.POST("/telemetry", telemetryHandler.Ingest)
			write.POST("/predictions", predictionHandler.Ingest)
		}

		// 客户端查询接口
		clients := api.Group("/clients/:id")
		{
			clients.GET("/routes", clientHandler.GetRoutes)
			clients.GET("/mapf-routes", clientHandler.GetMAPFRoutes)
			clients.GET("/reroutes", clientHandler.GetReroutes)
			clients.GET("/current-route", clientHandler.GetCurrentRoute)
			clients.GET("/pois", clientHandler.GetPOIs)
			clients.GET("/hotspots", clientHandler.GetHotspots)
			clients.GET("/patterns", clientHandler.GetPatterns)
			clients.GET("/departure-matches", clientHandler.GetDepartureMatches)
			clients.GET("/predictions", clientHandler.GetPredictions)
			clients.GET("/trajectories", clientHandler.GetTrajectories)
			clients.GET("/schedule", clientHandler.GetSchedule)
		}

		// 批处理任务
		tasks := api.Group("/tasks")
		{
			tasks.GET("", taskHandler.ListTasks)
			tasks.GET("/:id", taskHandler.GetTask)
		}

		// 公交网络
		if d.Network != nil {
			networkHandler := handler.NewNetworkHandler(d.Network, d.Clock)
			api.GET("/network/status", networkHandler.GetStatus)
		}
	}

	return r
}
