package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-chat/internal/config"
	"agent-chat/internal/handler"
	"agent-chat/internal/model"
	"agent-chat/internal/service"
	"agent-chat/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	// 初始化后端
	backend, err := service.NewBackend(cfg)
	if err != nil {
		logger.Fatalf("Failed to init backend: %v", err)
	}

	// 初始化服务
	events := service.NewEmitter()
	nav := service.NewNavigator(events)
	agent := service.NewAgentClient(cfg.Agent.URL, cfg.Agent.Timeout)
	chatService := service.NewChatService(backend, agent, events, service.ChatOptions{UserID: cfg.Agent.UserID})
	authService := service.NewAuthService(backend, nav, events)

	// 界面切换：进入聊天加载当前会话，回到登录释放订阅
	nav.OnEnter(model.ScreenChat, chatService.Start)
	nav.OnEnter(model.ScreenAuth, func(context.Context) error {
		chatService.Stop()
		return nil
	})

	var responder *service.Responder
	if cfg.Responder.Enabled {
		responder = service.NewResponderFromConfig(backend, cfg.Responder)
	}

	// 创建路由
	router := setupRouter(cfg, handler.NewAuthHandler(authService), handler.NewChatHandler(chatService, nav), responder)

	// 请求的根 context，关闭时先取消，让事件流等长连接退出
	rootCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	// 创建HTTP服务器
	server := newHTTPServer(cfg, router, rootCtx)

	// 启动服务器
	go func() {
		logger.Infof("服务器启动在端口 %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	cancelRequests()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	if err := chatService.Close(); err != nil {
		logger.Errorf("聊天服务关闭失败: %v", err)
	}
	if responder != nil {
		responder.Close()
	}
	if err := backend.Close(); err != nil {
		logger.Errorf("后端关闭失败: %v", err)
	}
	logger.Info("服务器已关闭")
}

// newHTTPServer 所有请求的 context 派生自 base
func newHTTPServer(cfg *config.Config, handler http.Handler, base context.Context) *http.Server {
	return &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		BaseContext: func(net.Listener) context.Context {
			return base
		},
	}
}

func setupRouter(cfg *config.Config, authHandler *handler.AuthHandler, chatHandler *handler.ChatHandler, responder *service.Responder) *gin.Engine {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS配置
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	// API路由
	api := router.Group("/api")
	authHandler.Register(api)
	chatHandler.Register(api)
	if responder != nil {
		handler.NewAgentHandler(responder).Register(api)
	}

	return router
}
