// Package api 提供部署操作的 HTTP JSON 接口。
// 所有响应使用统一信封 {"success": bool, "data": ..., "message": ...}。
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deploy"
	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/logging"
)

// SettingsLoader 每次部署开始时读取当前配置
type SettingsLoader func() (*config.Settings, error)

// Server HTTP 接口
type Server struct {
	app      *fiber.App
	orch     *deploy.Orchestrator
	tester   *deploy.ConnectionTester
	logs     *logging.Reader
	settings SettingsLoader
	logger   *zap.Logger
}

// Options 创建 Server 所需的组件
type Options struct {
	Orchestrator *deploy.Orchestrator
	Tester       *deploy.ConnectionTester
	Logs         *logging.Reader
	Settings     SettingsLoader
	Logger       *zap.Logger
}

// New 创建 Server 并注册路由
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:     opts.Orchestrator,
		tester:   opts.Tester,
		logs:     opts.Logs,
		settings: opts.Settings,
		logger:   logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "sftpdeploy",
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)
	s.RegisterRoutes(s.app.Group("/api"))
	return s
}

// App 返回底层 fiber.App（测试用）
func (s *Server) App() *fiber.App {
	return s.app
}

// RegisterRoutes 注册所有路由
func (s *Server) RegisterRoutes(router fiber.Router) {
	deployments := router.Group("/deployments")
	deployments.Post("/", s.startDeployment)
	deployments.Get("/:id", s.getDeployment)
	deployments.Post("/:id/confirm", s.confirmDeployment)
	deployments.Post("/:id/cancel", s.cancelDeployment)

	router.Post("/connection/test", s.testConnection)

	router.Get("/logs", s.getLogs)
	router.Delete("/logs", s.clearLogs)
}

// Listen 阻塞监听 addr，直到 Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown 停止接受新请求并等待进行中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("HTTP request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("latency", time.Since(start)))
	return err
}

// ok 成功响应
func ok(c *fiber.Ctx, data interface{}, message string) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"data":    data,
		"message": message,
	})
}

// fail 失败响应
func fail(c *fiber.Ctx, code int, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"data":    nil,
		"message": message,
	})
}

// httpStatus 错误码到 HTTP 状态码的映射
func httpStatus(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch deployerr.CodeOf(err) {
	case deployerr.CodeNotFound:
		return fiber.StatusNotFound
	case deployerr.CodeState:
		return fiber.StatusConflict
	case deployerr.CodeInvalidConfig:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := httpStatus(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return fail(c, code, err.Error())
}
