// Package transport 提供远程服务器上的文件操作：检查目录、上传、解压、删除。
//
// 两种后端实现同一个 Transport 接口：
//   - sftp：SSH + SFTP 子系统（github.com/pkg/sftp）
//   - shell：只使用 SSH 命令通道，服务器禁用 SFTP 子系统时的回退方案
//
// 使用哪种后端由 Selector 在首次连接某个主机时探测决定，调用方不需要区分。
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/hwuu/sftpdeploy/internal/config"
)

// Backend 后端类型
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendSFTP  Backend = "sftp"
	BackendShell Backend = "shell"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
)

// Config 连接参数
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Timeout    time.Duration // 建立 TCP 连接和 SSH 握手的总超时
	Backend    Backend       // auto / sftp / shell
	KnownHosts string        // known_hosts 文件路径，为空时不校验主机密钥
}

// FromSettings 由配置文档构造连接参数
func FromSettings(s config.SFTPSettings) Config {
	return Config{
		Host:       s.Host,
		Port:       s.Port,
		Username:   s.Username,
		Password:   s.Password,
		Timeout:    s.TimeoutDuration(),
		Backend:    Backend(s.Backend),
		KnownHosts: s.KnownHosts,
	}
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	return c
}

// Transport 远程文件操作。一个实例对应一次部署或一次连接测试，不在多个部署间共享。
type Transport interface {
	// Connect 建立会话并完成认证；已连接时直接返回
	Connect(ctx context.Context, cfg Config) error
	// CheckRemoteDir 检查远程目录：不存在则创建并返回 false；存在时返回目录是否非空
	CheckRemoteDir(ctx context.Context, path string) (bool, error)
	// UploadFile 上传本地文件到 remoteDir，文件名不变，返回远程完整路径
	UploadFile(ctx context.Context, localPath, remoteDir string) (string, error)
	// ExtractArchive 在远程执行 unzip，将 remoteArchive 解压到 extractTo（覆盖同名文件）
	ExtractArchive(ctx context.Context, remoteArchive, extractTo string) error
	// DeleteFile 删除远程文件
	DeleteFile(ctx context.Context, remotePath string) error
	// Disconnect 关闭会话，可重复调用
	Disconnect() error
	Backend() Backend
}

// JoinRemote 拼接远程路径：去掉 dir 末尾的 /，再以单个 / 连接文件名
func JoinRemote(dir, name string) string {
	trimmed := strings.TrimRight(dir, "/")
	if trimmed == "" && strings.HasPrefix(dir, "/") {
		return "/" + name
	}
	return trimmed + "/" + name
}

// shellQuote 按 POSIX 规则用单引号包裹参数，内部的 ' 替换为 '\''
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// extractCommand 创建目标目录后解压，-o 覆盖已有文件，-q 不输出文件列表
func extractCommand(archive, dest string) string {
	return "mkdir -p " + shellQuote(dest) + " && unzip -o -q " + shellQuote(archive) + " -d " + shellQuote(dest)
}
