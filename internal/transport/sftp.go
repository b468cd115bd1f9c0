package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
)

// SFTPTransport 通过 SFTP 子系统操作文件，解压仍走 SSH 命令通道
type SFTPTransport struct {
	sshConn
	sftp *sftp.Client
}

var _ Transport = (*SFTPTransport)(nil)

// NewSFTP 创建 SFTP 后端
func NewSFTP(logger *zap.Logger) *SFTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SFTPTransport{sshConn: sshConn{logger: logger.With(zap.String("backend", string(BackendSFTP)))}}
}

func (t *SFTPTransport) Backend() Backend { return BackendSFTP }

func (t *SFTPTransport) Connect(ctx context.Context, cfg Config) error {
	if t.sftp != nil {
		return nil
	}
	if err := t.open(ctx, cfg); err != nil {
		return err
	}
	client, err := sftp.NewClient(t.client)
	if err != nil {
		_ = t.close()
		return deployerr.New(deployerr.CodeSubsystem, "start sftp subsystem", err)
	}
	t.sftp = client
	t.logger.Info("Connected", zap.String("host", cfg.Host), zap.Int("port", cfg.withDefaults().Port))
	return nil
}

func (t *SFTPTransport) requireSFTP(op string) error {
	if t.sftp == nil {
		return deployerr.Newf(deployerr.CodeConnection, "%s: not connected", op)
	}
	return nil
}

func (t *SFTPTransport) CheckRemoteDir(ctx context.Context, path string) (bool, error) {
	if err := t.requireSFTP("check remote directory"); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, deployerr.New(deployerr.CodeCancelled, "check remote directory", err)
	}

	info, err := t.sftp.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, deployerr.New(deployerr.CodeIO, "stat "+path, err)
		}
		t.logger.Info("Creating remote directory", zap.String("path", path))
		if err := t.sftp.MkdirAll(path); err != nil {
			return false, deployerr.New(deployerr.CodeIO, "create remote directory "+path, err)
		}
		return false, nil
	}
	if !info.IsDir() {
		return false, deployerr.Newf(deployerr.CodeIO, "remote path %s exists and is not a directory", path)
	}

	entries, err := t.sftp.ReadDir(path)
	if err != nil {
		return false, deployerr.New(deployerr.CodeIO, "list "+path, err)
	}
	for _, e := range entries {
		if name := e.Name(); name != "." && name != ".." {
			return true, nil
		}
	}
	return false, nil
}

func (t *SFTPTransport) UploadFile(ctx context.Context, localPath, remoteDir string) (string, error) {
	if err := t.requireSFTP("upload"); err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", deployerr.New(deployerr.CodeIO, "open "+localPath, err)
	}
	defer src.Close()

	remotePath := JoinRemote(remoteDir, filepath.Base(localPath))
	dst, err := t.sftp.Create(remotePath)
	if err != nil {
		return "", deployerr.New(deployerr.CodeIO, "create remote file "+remotePath, err)
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	closeErr := dst.Close()
	if err != nil {
		if ctx.Err() != nil {
			return "", deployerr.New(deployerr.CodeCancelled, "upload "+remotePath, ctx.Err())
		}
		return "", deployerr.New(deployerr.CodeIO, "write remote file "+remotePath, err)
	}
	if closeErr != nil {
		return "", deployerr.New(deployerr.CodeIO, "close remote file "+remotePath, closeErr)
	}
	t.logger.Info("Uploaded file", zap.String("remote_path", remotePath), zap.Int64("bytes", n))
	return remotePath, nil
}

func (t *SFTPTransport) ExtractArchive(ctx context.Context, remoteArchive, extractTo string) error {
	if err := t.requireSFTP("extract"); err != nil {
		return err
	}
	if _, err := t.run(ctx, extractCommand(remoteArchive, extractTo), nil); err != nil {
		return err
	}
	t.logger.Info("Extracted archive", zap.String("archive", remoteArchive), zap.String("dest", extractTo))
	return nil
}

func (t *SFTPTransport) DeleteFile(ctx context.Context, remotePath string) error {
	if err := t.requireSFTP("delete"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return deployerr.New(deployerr.CodeCancelled, "delete "+remotePath, err)
	}
	if err := t.sftp.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return deployerr.New(deployerr.CodeIO, "delete "+remotePath, err)
	}
	return nil
}

func (t *SFTPTransport) Disconnect() error {
	var errs []error
	if t.sftp != nil {
		if err := t.sftp.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
		t.sftp = nil
	}
	if err := t.close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// verify 连接测试时确认 SFTP 子系统可用
func (t *SFTPTransport) verify(ctx context.Context) error {
	if err := t.requireSFTP("verify"); err != nil {
		return err
	}
	if _, err := t.sftp.Getwd(); err != nil {
		return deployerr.New(deployerr.CodeSubsystem, "sftp getwd", err)
	}
	return nil
}

// ctxReader 在每次读取前检查 context，用于中断大文件上传
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
