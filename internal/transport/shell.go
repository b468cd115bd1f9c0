package transport

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
)

// ShellTransport 只使用 SSH 命令通道：test/mkdir/ls 检查目录，cat 接收上传内容，rm 删除
type ShellTransport struct {
	sshConn
}

var _ Transport = (*ShellTransport)(nil)

// NewShell 创建 shell 后端
func NewShell(logger *zap.Logger) *ShellTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellTransport{sshConn: sshConn{logger: logger.With(zap.String("backend", string(BackendShell)))}}
}

func (t *ShellTransport) Backend() Backend { return BackendShell }

func (t *ShellTransport) Connect(ctx context.Context, cfg Config) error {
	if t.connected() {
		return nil
	}
	if err := t.open(ctx, cfg); err != nil {
		return err
	}
	t.logger.Info("Connected", zap.String("host", cfg.Host), zap.Int("port", cfg.withDefaults().Port))
	return nil
}

func (t *ShellTransport) CheckRemoteDir(ctx context.Context, path string) (bool, error) {
	_, stderr, code, err := t.exec(ctx, "test -d "+shellQuote(path), nil)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
	case 1:
		t.logger.Info("Creating remote directory", zap.String("path", path))
		if _, err := t.run(ctx, "mkdir -p "+shellQuote(path), nil); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, commandError("test -d", code, stderr)
	}

	out, err := t.run(ctx, "ls -A "+shellQuote(path), nil)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" && name != "." && name != ".." {
			return true, nil
		}
	}
	return false, nil
}

func (t *ShellTransport) UploadFile(ctx context.Context, localPath, remoteDir string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", deployerr.New(deployerr.CodeIO, "open "+localPath, err)
	}
	defer src.Close()

	remotePath := JoinRemote(remoteDir, filepath.Base(localPath))
	if _, err := t.run(ctx, "cat > "+shellQuote(remotePath), &ctxReader{ctx: ctx, r: src}); err != nil {
		return "", err
	}
	t.logger.Info("Uploaded file", zap.String("remote_path", remotePath))
	return remotePath, nil
}

func (t *ShellTransport) ExtractArchive(ctx context.Context, remoteArchive, extractTo string) error {
	if _, err := t.run(ctx, extractCommand(remoteArchive, extractTo), nil); err != nil {
		return err
	}
	t.logger.Info("Extracted archive", zap.String("archive", remoteArchive), zap.String("dest", extractTo))
	return nil
}

func (t *ShellTransport) DeleteFile(ctx context.Context, remotePath string) error {
	_, err := t.run(ctx, "rm -f "+shellQuote(remotePath), nil)
	return err
}

func (t *ShellTransport) Disconnect() error {
	return t.close()
}

func (t *ShellTransport) verify(ctx context.Context) error {
	_, err := t.run(ctx, "true", nil)
	return err
}
