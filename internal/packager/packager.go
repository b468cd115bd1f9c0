// Package packager 将本地目录打包为单个 zip 文件，供上传到远程服务器后解压。
package packager

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
)

// Package 一次部署生成的 zip 包，归属于单次部署，结束时删除
type Package struct {
	Path  string
	Files int
	Size  int64
}

// Remove 删除本地 zip 包（尽力而为，文件不存在不算错误）
func (p *Package) Remove() error {
	if p == nil || p.Path == "" {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Packager 打包器
type Packager struct {
	ScratchDir string   // zip 包输出目录，位于源目录内时不打包
	Exclude    []string // 额外跳过的目录（如状态目录，其中有密钥和配置）
	Logger     *zap.Logger
	Now        func() time.Time // 测试用，默认 time.Now
}

// New 创建打包器
func New(scratchDir string, logger *zap.Logger) *Packager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Packager{ScratchDir: scratchDir, Logger: logger, Now: time.Now}
}

// PackageName 生成 deploy_<时间戳>_<随机后缀>.zip，同一秒内的并发部署也不会冲突
func (p *Packager) PackageName() string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("deploy_%s_%s.zip", now().Format("20060102150405"), suffix)
}

// CreatePackage 递归打包 sourceDir 下的所有普通文件，条目名为相对 sourceDir 的路径。
// 目录本身不写入条目（解压时自动创建）；指向文件的符号链接按目标文件内容打包，
// 指向目录的符号链接跳过。
func (p *Packager) CreatePackage(ctx context.Context, sourceDir string) (*Package, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Creating ZIP from directory", zap.String("source", sourceDir))

	root := filepath.Clean(sourceDir)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, deployerr.Newf(deployerr.CodeNotFound, "source directory does not exist: %s", sourceDir)
		}
		return nil, deployerr.New(deployerr.CodeIO, "stat source directory", err)
	}
	if !info.IsDir() {
		return nil, deployerr.Newf(deployerr.CodeNotFound, "source path is not a directory: %s", sourceDir)
	}

	if err := os.MkdirAll(p.ScratchDir, 0700); err != nil {
		return nil, deployerr.New(deployerr.CodeArchive, "create scratch directory", err)
	}

	pkg := &Package{Path: filepath.Join(p.ScratchDir, p.PackageName())}
	out, err := os.OpenFile(pkg.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, deployerr.New(deployerr.CodeArchive, "create ZIP file", err)
	}

	skip := &skipSet{}
	for _, dir := range append([]string{p.ScratchDir}, p.Exclude...) {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			skip.dirs = append(skip.dirs, st)
		}
	}
	if st, err := out.Stat(); err == nil {
		skip.archive = st
	}

	files, err := writeArchive(ctx, out, root, skip)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = deployerr.New(deployerr.CodeArchive, "close ZIP file", closeErr)
	}
	if err != nil {
		// 写了一半的包没有用，直接删除
		_ = pkg.Remove()
		logger.Error("Failed to create ZIP file", zap.Error(err))
		return nil, err
	}

	if st, err := os.Stat(pkg.Path); err == nil {
		pkg.Size = st.Size()
	}
	pkg.Files = files
	logger.Info("ZIP file created",
		zap.Int("files", files),
		zap.Int64("bytes", pkg.Size),
		zap.String("path", pkg.Path))
	return pkg, nil
}

// skipSet 打包时跳过的目录和正在写入的 zip 包本身
type skipSet struct {
	dirs    []os.FileInfo
	archive os.FileInfo
}

func (s *skipSet) dir(info os.FileInfo) bool {
	for _, d := range s.dirs {
		if os.SameFile(d, info) {
			return true
		}
	}
	return false
}

func (s *skipSet) file(info os.FileInfo) bool {
	return s.archive != nil && os.SameFile(s.archive, info)
}

func writeArchive(ctx context.Context, w io.Writer, root string, skip *skipSet) (int, error) {
	zw := zip.NewWriter(w)
	count := 0

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return deployerr.New(deployerr.CodeArchive, "walk "+path, err)
		}
		if err := ctx.Err(); err != nil {
			return deployerr.New(deployerr.CodeCancelled, "create package", err)
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if info, err := d.Info(); err == nil && skip.dir(info) {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := os.Stat(path) // 跟随符号链接
		if err != nil {
			return deployerr.New(deployerr.CodeArchive, "stat "+path, err)
		}
		if info.IsDir() || !info.Mode().IsRegular() || skip.file(info) {
			return nil
		}

		name, err := entryName(root, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, name, info); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		return 0, walkErr
	}
	if err := zw.Close(); err != nil {
		return 0, deployerr.New(deployerr.CodeArchive, "finalize ZIP file", err)
	}
	return count, nil
}

// entryName 去掉 root 前缀和紧随的一个分隔符，统一使用 / 作为条目分隔符
func entryName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", deployerr.Newf(deployerr.CodeArchive, "file %s is outside source directory %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return deployerr.New(deployerr.CodeArchive, "zip header "+name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return deployerr.New(deployerr.CodeArchive, "add "+name, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return deployerr.New(deployerr.CodeIO, "open "+path, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return deployerr.New(deployerr.CodeArchive, "write "+name, err)
	}
	return nil
}
