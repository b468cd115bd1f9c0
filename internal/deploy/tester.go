package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/transport"
)

const (
	MsgConnectionOK       = "Connection successful!"
	MsgConnectionFailed   = "Connection failed: "
	MsgConnectionRequired = "Host, username and password are required."
)

// ConnectionTesterAPI 连接测试依赖（transport.Selector）
type ConnectionTesterAPI interface {
	TestConnection(ctx context.Context, cfg transport.Config) (*transport.TestResult, error)
}

// TestResult 连接测试结果，直接返回给操作者
type TestResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Backend transport.Backend `json:"backend,omitempty"`
	Latency time.Duration     `json:"latency_ns,omitempty"`
}

// ConnectionTester 在不部署的情况下验证连接参数：连接 → 认证 → 确认后端可用 → 断开
type ConnectionTester struct {
	Transports ConnectionTesterAPI
	Logger     *zap.Logger
}

// Test 同步执行连接测试。缺少主机、用户名或密码时不发起网络连接。
func (c *ConnectionTester) Test(ctx context.Context, s config.SFTPSettings) TestResult {
	if s.Host == "" || s.Username == "" || s.Password == "" {
		return TestResult{Message: MsgConnectionRequired}
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := c.Transports.TestConnection(ctx, transport.FromSettings(s))
	if err != nil {
		logger.Warn("Connection test failed", zap.Object("sftp", s), zap.Error(err))
		return TestResult{Message: MsgConnectionFailed + err.Error()}
	}
	logger.Info("Connection test succeeded", zap.Object("sftp", s), zap.String("backend", string(res.Backend)))
	return TestResult{
		Success: true,
		Message: MsgConnectionOK,
		Backend: res.Backend,
		Latency: res.Latency,
	}
}
