package transport

// ssh.go 建立 SSH 连接并在远程执行命令，两种后端共用。

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
)

// hostKeyCallback 配置了 known_hosts 时校验主机密钥，否则接受任意密钥
func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, deployerr.New(deployerr.CodeInvalidConfig, "load known_hosts", err)
	}
	return cb, nil
}

// dial 建立 TCP 连接并完成 SSH 握手和密码认证，超时覆盖两个阶段
func dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Host == "" || cfg.Username == "" {
		return nil, deployerr.Newf(deployerr.CodeInvalidConfig, "host and username are required")
	}

	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	clientConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
		},
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, deployerr.New(deployerr.CodeConnection, "connect to "+addr, err)
	}

	// 握手阶段没有 context，用连接截止时间限制
	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshakeError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return deployerr.New(deployerr.CodeAuth, "verify host key of "+addr, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return deployerr.New(deployerr.CodeAuth, "authenticate to "+addr, err)
	}
	return deployerr.New(deployerr.CodeConnection, "ssh handshake with "+addr, err)
}

// sshConn 两种后端共用的 SSH 会话
type sshConn struct {
	client *ssh.Client
	logger *zap.Logger
}

func (c *sshConn) connected() bool {
	return c.client != nil
}

func (c *sshConn) open(ctx context.Context, cfg Config) error {
	if c.client != nil {
		return nil
	}
	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *sshConn) close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *sshConn) requireClient(op string) error {
	if c.client == nil {
		return deployerr.Newf(deployerr.CodeConnection, "%s: not connected", op)
	}
	return nil
}

// exec 在远程执行命令，返回 stdout 和退出码。stdin 可为 nil。
// 命令以非零退出码结束时 err 为 nil，由调用方判断。
func (c *sshConn) exec(ctx context.Context, cmd string, stdin io.Reader) (string, string, int, error) {
	if err := c.requireClient("run command"); err != nil {
		return "", "", 0, err
	}
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", 0, deployerr.New(deployerr.CodeConnection, "open ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	c.logger.Debug("Running remote command", zap.String("command", cmd))

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return "", "", 0, deployerr.New(deployerr.CodeCancelled, "run remote command", ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), 0, deployerr.New(deployerr.CodeIO, "run remote command", err)
	}
}

// run 执行命令，非零退出码转为 RemoteCommandError，错误信息包含 stderr
func (c *sshConn) run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	stdout, stderr, code, err := c.exec(ctx, cmd, stdin)
	if err != nil {
		return stdout, err
	}
	if code != 0 {
		return stdout, commandError(cmd, code, stderr)
	}
	return stdout, nil
}

func commandError(cmd string, code int, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "no output"
	}
	if code == 127 {
		msg = "command not found on remote server: " + msg
	}
	return deployerr.New(deployerr.CodeRemoteCommand, fmt.Sprintf("remote command %q exited with status %d", cmd, code), errors.New(msg))
}
