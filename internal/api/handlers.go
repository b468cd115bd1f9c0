package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/logging"
)

func (s *Server) startDeployment(c *fiber.Ctx) error {
	settings, err := s.settings()
	if err != nil {
		if errors.Is(err, config.ErrSettingsNotFound) {
			return deployerr.New(deployerr.CodeInvalidConfig, "load settings", err)
		}
		return err
	}
	id, err := s.orch.Start(c.UserContext(), settings)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"deployment_id": id}, "Deployment started")
}

func (s *Server) getDeployment(c *fiber.Ctx) error {
	rec, err := s.orch.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		if deployerr.Has(err, deployerr.CodeNotFound) {
			return fail(c, fiber.StatusNotFound, "Deployment not found")
		}
		return err
	}
	return ok(c, rec, rec.Message)
}

func (s *Server) confirmDeployment(c *fiber.Ctx) error {
	err := s.orch.Confirm(c.UserContext(), c.Params("id"))
	switch {
	case deployerr.Has(err, deployerr.CodeNotFound):
		return fail(c, fiber.StatusNotFound, "Deployment not found")
	case deployerr.Has(err, deployerr.CodeState):
		return fail(c, fiber.StatusConflict, "Invalid deployment status")
	case err != nil:
		return err
	}
	return ok(c, nil, "Continuing deployment with overwrite.")
}

func (s *Server) cancelDeployment(c *fiber.Ctx) error {
	if err := s.orch.Cancel(c.UserContext(), c.Params("id")); err != nil {
		if deployerr.Has(err, deployerr.CodeNotFound) {
			return fail(c, fiber.StatusNotFound, "Deployment not found")
		}
		return err
	}
	return ok(c, nil, "Cancellation requested")
}

// connectionTestRequest 连接测试参数。password 为空且主机、端口、用户名与配置一致时使用已保存的密码
type connectionTestRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) testConnection(c *fiber.Ctx) error {
	var req connectionTestRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	settings, err := s.settings()
	if err != nil && !errors.Is(err, config.ErrSettingsNotFound) {
		return err
	}
	if settings == nil {
		settings = config.DefaultSettings()
	}

	stored := settings.SFTP
	sftp := stored
	sftp.Host = req.Host
	sftp.Username = req.Username
	if req.Port > 0 {
		sftp.Port = req.Port
	}
	sftp.Password = req.Password
	// 已保存的密码只发给已保存的主机和用户，避免被请求方引向其他服务器
	if req.Password == "" && sftp.Host == stored.Host && sftp.Port == stored.Port && sftp.Username == stored.Username {
		sftp.Password = stored.Password
	}

	result := s.tester.Test(c.UserContext(), sftp)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": result.Success,
		"data":    result,
		"message": result.Message,
	})
}

func (s *Server) getLogs(c *fiber.Ctx) error {
	count := logging.DefaultTailCount
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "count must be a positive integer")
		}
		count = n
	}
	lines, err := s.logs.Tail(count)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"lines": lines}, "")
}

func (s *Server) clearLogs(c *fiber.Ctx) error {
	if err := s.logs.Clear(); err != nil {
		return err
	}
	s.logger.Info("Log file has been cleared")
	return ok(c, nil, "Log file has been cleared")
}
