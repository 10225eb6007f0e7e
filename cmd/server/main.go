package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signal-backend/api"
	"call-signal-backend/pkg/config"
	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/realtime"
	"call-signal-backend/pkg/ws"

	"github.com/lib/pq"
)

func main() {
	// 加载并验证配置
	cfg := config.GetCached()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	// 获取数据库连接（连接池管理）
	db := database.GetDatabase(database.DatabaseConfig{
		UseLocalDB:  cfg.UseLocalDB,
		PostgresDSN: cfg.PostgresDSN,
		Debug:       cfg.Debug,
	})
	defer db.Close()

	// 每个WebSocket连接打开一个独立的事件源
	newSource := buildSourceFactory(cfg, db)

	// 后台清扫器：把数据库里超时未接的呼叫标记为timeout
	sweeper := realtime.NewSweeper(db, cfg.SweepInterval())
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(cfg, db, newSource)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket连接不能设置写超时
		IdleTimeout:  120 * time.Second,
	}

	// 优雅关闭
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		fmt.Printf("🚀 call-signal-backend listening on :%s (env: %s)\n", cfg.Port, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	fmt.Printf("🛑 Received %s, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Printf("⚠️ Graceful shutdown failed: %v\n", err)
	}
	fmt.Println("✅ Server stopped")
}

// buildSourceFactory 根据数据库实现选择事件源
// Postgres模式使用LISTEN/NOTIFY；内存模式订阅进程内总线
func buildSourceFactory(cfg *config.Config, db database.DatabaseInterface) ws.SourceFactory {
	if mem, ok := db.(*database.MemoryDatabase); ok {
		return func() (realtime.EventSource, error) {
			return mem.Bus().Subscribe(), nil
		}
	}

	dsn := cfg.PostgresDSN
	return func() (realtime.EventSource, error) {
		listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				fmt.Printf("⚠️ Listener event %d: %v\n", ev, err)
			}
		})
		return listener, nil
	}
}
