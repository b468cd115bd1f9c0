package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
)

// ProbeFunc 探测目标主机支持的后端
type ProbeFunc func(ctx context.Context, cfg Config) (Backend, error)

// Selector 为目标主机选择后端。配置指定 sftp/shell 时直接使用；
// auto 时对每个 host:port 探测一次 SFTP 子系统并缓存结果。
type Selector struct {
	Logger *zap.Logger
	Probe  ProbeFunc // 默认 Probe，测试可替换

	mu    sync.Mutex
	cache map[string]Backend
}

// NewSelector 创建后端选择器
func NewSelector(logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		Logger: logger,
		Probe:  Probe,
		cache:  make(map[string]Backend),
	}
}

// For 返回未连接的 Transport，调用方负责 Connect/Disconnect
func (s *Selector) For(ctx context.Context, cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	backend := cfg.Backend
	if backend == BackendAuto {
		var err error
		if backend, err = s.resolve(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return New(backend, s.Logger)
}

// New 按后端类型创建 Transport
func New(backend Backend, logger *zap.Logger) (Transport, error) {
	switch backend {
	case BackendSFTP:
		return NewSFTP(logger), nil
	case BackendShell:
		return NewShell(logger), nil
	default:
		return nil, deployerr.Newf(deployerr.CodeInvalidConfig, "unknown transport backend %q", backend)
	}
}

func (s *Selector) resolve(ctx context.Context, cfg Config) (Backend, error) {
	key := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[string]Backend)
	}
	if b, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	probe := s.Probe
	if probe == nil {
		probe = Probe
	}
	backend, err := probe(ctx, cfg)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = backend
	s.mu.Unlock()
	s.Logger.Info("Selected transport backend", zap.String("target", key), zap.String("backend", string(backend)))
	return backend, nil
}

// Forget 清除某个主机的探测结果（如服务器配置变化后）
func (s *Selector) Forget(host string, port int) {
	if port <= 0 {
		port = DefaultPort
	}
	s.mu.Lock()
	delete(s.cache, net.JoinHostPort(host, strconv.Itoa(port)))
	s.mu.Unlock()
}

// Probe 连接并认证后请求 SFTP 子系统：成功为 sftp，被拒绝为 shell。
// 连接或认证失败时返回错误，不缓存。
func Probe(ctx context.Context, cfg Config) (Backend, error) {
	client, err := dial(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return BackendShell, nil
	}
	sc.Close()
	return BackendSFTP, nil
}

// TestResult 连接测试结果
type TestResult struct {
	Backend Backend
	Latency time.Duration
}

type verifier interface {
	verify(ctx context.Context) error
}

// TestConnection 连接、认证、确认后端可用后断开
func (s *Selector) TestConnection(ctx context.Context, cfg Config) (*TestResult, error) {
	start := time.Now()
	t, err := s.For(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx, cfg); err != nil {
		return nil, err
	}
	defer t.Disconnect()

	if v, ok := t.(verifier); ok {
		if err := v.verify(ctx); err != nil {
			return nil, err
		}
	}
	return &TestResult{Backend: t.Backend(), Latency: time.Since(start)}, nil
}
