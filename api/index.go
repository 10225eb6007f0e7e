package api

import (
	"fmt"
	"net/http"
	"time"

	"call-signal-backend/pkg/config"
	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/handlers"
	customMiddleware "call-signal-backend/pkg/middleware"
	"call-signal-backend/pkg/utils"
	"call-signal-backend/pkg/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter 创建完整的API路由器
// 采用"单体路由模式"，将所有端点集中在一个Chi路由器中管理
func NewRouter(cfg *config.Config, db database.DatabaseInterface, newSource ws.SourceFactory) *chi.Mux {
	router := chi.NewRouter()

	// 设置全局中间件
	setupMiddleware(router, cfg)

	// 设置路由
	setupRoutes(router, cfg, db, newSource)

	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config) {
	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.Logger(cfg))
	router.Use(customMiddleware.Recovery(cfg))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, cfg *config.Config, db database.DatabaseInterface, newSource ws.SourceFactory) {
	// 创建处理器
	authHandler := handlers.NewAuthHandler(cfg, db)
	callsHandler := handlers.NewCallsHandler(cfg, db)
	wsHandler := ws.NewHandler(cfg, db, newSource)

	// 健康检查端点
	router.Get("/", authHandler.HealthCheck)

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			stats := database.GetConnectionStats()
			utils.WriteSuccessResponse(w, stats)
		})
	}

	// API路由组
	router.Route("/api", func(r chi.Router) {
		// WebSocket端点：长连接，不能套用超时/压缩中间件
		// 认证在握手时通过?token=或Authorization头完成
		r.Get("/ws", wsHandler.ServeHTTP)

		// REST路由组
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(25 * time.Second))
			r.Use(middleware.Compress(5))
			r.Use(customMiddleware.ContentTypeJSON)
			r.Use(customMiddleware.MaxBodySize(1 << 20)) // 1MB

			// 公开路由（不需要认证）
			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
				r.Post("/refresh", authHandler.RefreshToken)
				r.Post("/logout", authHandler.Logout)
			})

			// 需要认证的路由
			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.AuthMiddleware(cfg))

				// 通话请求路由
				r.Route("/calls", func(r chi.Router) {
					r.Post("/", callsHandler.InitiateCall)       // 发起呼叫
					r.Get("/pending", callsHandler.ListPending)  // 未决来电列表
					r.Get("/{id}", callsHandler.GetCall)         // 查询单个呼叫
					r.Post("/{id}/accept", callsHandler.AcceptCall)
					r.Post("/{id}/decline", callsHandler.DeclineCall)
					r.Post("/{id}/cancel", callsHandler.CancelCall)
				})
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
