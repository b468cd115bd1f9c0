package deploy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/packager"
	"github.com/hwuu/sftpdeploy/internal/status"
	"github.com/hwuu/sftpdeploy/internal/transport"
)

// advance 从 from 开始执行状态转换，直到完成、出错、取消或进入等待确认。
// from 只能是 PhaseStarted（新部署）或 PhaseUploading（确认后恢复）。
func (o *Orchestrator) advance(ctx context.Context, r *run, from Phase) {
	var (
		pkg       *packager.Package
		tr        transport.Transport
		suspended bool
	)
	done := r.current()
	defer func() {
		o.release(r, pkg, tr)
		r.finish(done)
		if !suspended {
			o.runs.CompareAndDelete(r.id, r)
		}
	}()

	s := r.settings
	if s.TestMode {
		o.finish(ctx, r, MsgTestMode)
		return
	}
	if err := s.Validate(); err != nil {
		o.stop(ctx, r, deployerr.New(deployerr.CodeInvalidConfig, "validate settings", err))
		return
	}

	cfg := transport.FromSettings(s.SFTP)
	remoteDir := s.SFTP.RemotePath
	var err error

	if from == PhaseStarted {
		if err = o.checkpoint(ctx, r, PhasePackaging, ProgressPackaging, "Creating ZIP file"); err != nil {
			o.stop(ctx, r, err)
			return
		}
		if pkg, err = o.createPackage(ctx, r); err != nil {
			o.stop(ctx, r, err)
			return
		}

		if err = o.checkpoint(ctx, r, PhaseConnecting, ProgressConnecting, "Connecting to SFTP server"); err != nil {
			o.stop(ctx, r, err)
			return
		}
		if tr, err = o.connect(ctx, r, cfg); err != nil {
			o.stop(ctx, r, err)
			return
		}

		if err = o.checkpoint(ctx, r, PhaseInspecting, ProgressInspecting, "Checking remote directory"); err != nil {
			o.stop(ctx, r, err)
			return
		}
		nonEmpty, err := tr.CheckRemoteDir(ctx, remoteDir)
		if err != nil {
			o.stop(ctx, r, err)
			return
		}
		if nonEmpty {
			// 挂起期间不持有连接和本地包，确认后重新获取
			o.release(r, pkg, tr)
			pkg, tr = nil, nil
			suspended = o.suspend(ctx, r, done)
			return
		}
	} else {
		if pkg, err = o.createPackage(ctx, r); err != nil {
			o.stop(ctx, r, err)
			return
		}
		if tr, err = o.connect(ctx, r, cfg); err != nil {
			o.stop(ctx, r, err)
			return
		}
	}

	if err = o.checkpoint(ctx, r, PhaseUploading, ProgressUploading, "Uploading ZIP file"); err != nil {
		o.stop(ctx, r, err)
		return
	}
	remoteArchive, err := tr.UploadFile(ctx, pkg.Path, remoteDir)
	if err != nil {
		o.stop(ctx, r, err)
		return
	}
	o.note(ctx, r, "ZIP file uploaded to: "+remoteArchive)

	if err = o.checkpoint(ctx, r, PhaseExtracting, ProgressExtracting, "Extracting ZIP file on remote server"); err != nil {
		o.stop(ctx, r, err)
		return
	}
	if err = tr.ExtractArchive(ctx, remoteArchive, remoteDir); err != nil {
		o.stop(ctx, r, err)
		return
	}
	o.note(ctx, r, "ZIP file extracted on remote server")

	if err = o.checkpoint(ctx, r, PhaseCleaningUp, ProgressCleaningUp, "Cleaning up"); err != nil {
		o.stop(ctx, r, err)
		return
	}
	if err = tr.DeleteFile(ctx, remoteArchive); err != nil {
		o.stop(ctx, r, err)
		return
	}
	if err = pkg.Remove(); err != nil {
		o.logger().Warn("Failed to remove local package", zap.String("path", pkg.Path), zap.Error(err))
	}
	pkg = nil
	o.note(ctx, r, "Cleanup completed")

	o.finish(ctx, r, MsgComplete)
}

func (o *Orchestrator) createPackage(ctx context.Context, r *run) (*packager.Package, error) {
	pkg, err := o.Packager.CreatePackage(ctx, r.settings.Local.SourcePath)
	if err != nil {
		return nil, err
	}
	o.note(ctx, r, fmt.Sprintf("ZIP file created: %s (%d files)", pkg.Path, pkg.Files))
	return pkg, nil
}

func (o *Orchestrator) connect(ctx context.Context, r *run, cfg transport.Config) (transport.Transport, error) {
	tr, err := o.Transports.For(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx, cfg); err != nil {
		_ = tr.Disconnect()
		return nil, err
	}
	line := fmt.Sprintf("Connected to %s (backend: %s)", cfg.Host, tr.Backend())
	if _, err := o.Store.Update(ctx, r.id, status.Patch{Backend: string(tr.Backend()), Log: []string{o.logLine(line)}}); err != nil {
		o.logger().Warn("Failed to update deployment status", zap.String("deployment_id", r.id), zap.Error(err))
	}
	o.logger().Info(line, zap.String("deployment_id", r.id))
	return tr, nil
}

// release 断开连接、删除本地包，任何退出路径都会执行
func (o *Orchestrator) release(r *run, pkg *packager.Package, tr transport.Transport) {
	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			o.logger().Warn("Failed to disconnect", zap.String("deployment_id", r.id), zap.Error(err))
		}
	}
	if pkg != nil {
		if err := pkg.Remove(); err != nil {
			o.logger().Warn("Failed to remove local package", zap.String("path", pkg.Path), zap.Error(err))
		}
	}
}

// checkpoint 检查取消标记后推进到下一个步骤
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, phase Phase, progress int, msg string) error {
	if r.cancelled.Load() {
		return errCancelled
	}
	_, err := o.Store.Update(ctx, r.id, status.Patch{
		Status:   status.StatusInProgress,
		Phase:    string(phase),
		Progress: status.Int(progress),
		Message:  status.String(msg),
		Log:      []string{o.logLine(msg)},
	})
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	o.logger().Info(msg, zap.String("deployment_id", r.id), zap.Int("progress", progress))
	return nil
}

// note 追加一行日志，不改变进度
func (o *Orchestrator) note(ctx context.Context, r *run, msg string) {
	if _, err := o.Store.Update(ctx, r.id, status.Patch{Log: []string{o.logLine(msg)}}); err != nil {
		o.logger().Warn("Failed to update deployment status", zap.String("deployment_id", r.id), zap.Error(err))
	}
	o.logger().Info(msg, zap.String("deployment_id", r.id))
}

// suspend 进入等待确认，返回是否成功挂起。
// 状态写入后立即关闭 done，调用方一旦读到 needs_confirmation 即可确认。
func (o *Orchestrator) suspend(ctx context.Context, r *run, done chan struct{}) bool {
	if r.cancelled.Load() {
		o.stop(ctx, r, errCancelled)
		return false
	}
	r.mu.Lock()
	_, err := o.Store.Update(ctx, r.id, status.Patch{
		Status:   status.StatusNeedsConfirmation,
		Phase:    string(PhaseNeedsConfirmation),
		Progress: status.Int(ProgressNeedsConfirmation),
		Message:  status.String(MsgNeedsConfirmation),
		Log:      []string{o.logLine(MsgNeedsConfirmation)},
	})
	if err == nil {
		closeDone(done)
	}
	r.mu.Unlock()
	if err != nil {
		o.stop(ctx, r, err)
		return false
	}
	o.logger().Info("Waiting for overwrite confirmation", zap.String("deployment_id", r.id))
	return true
}

func (o *Orchestrator) finish(ctx context.Context, r *run, msg string) {
	_, err := o.Store.Update(ctx, r.id, status.Patch{
		Status:   status.StatusComplete,
		Phase:    string(PhaseComplete),
		Progress: status.Int(ProgressComplete),
		Message:  status.String(msg),
		Log:      []string{o.logLine(msg)},
	})
	if err != nil {
		o.stop(ctx, r, err)
		return
	}
	o.logger().Info(msg, zap.String("deployment_id", r.id))
}

// stop 以错误或取消结束部署，进度保持在最后一个检查点
func (o *Orchestrator) stop(ctx context.Context, r *run, cause error) {
	logger := o.logger().With(zap.String("deployment_id", r.id))
	if errors.Is(cause, status.ErrTerminal) || errors.Is(cause, status.ErrNotFound) {
		// 记录已被取消或已过期，没有可更新的状态
		logger.Warn("Deployment status no longer writable", zap.Error(cause))
		return
	}

	phase, msg := PhaseError, MsgFailedPrefix+cause.Error()
	if errors.Is(cause, errCancelled) || deployerr.Has(cause, deployerr.CodeCancelled) {
		phase, msg = PhaseCancelled, MsgCancelled
		logger.Info(msg)
	} else {
		logger.Error("Deployment failed",
			zap.String("code", string(deployerr.CodeOf(cause))),
			zap.Error(cause))
	}

	if _, err := o.Store.Update(ctx, r.id, status.Patch{
		Status:  status.StatusError,
		Phase:   string(phase),
		Message: status.String(msg),
		Log:     []string{o.logLine(msg)},
	}); err != nil {
		logger.Warn("Failed to record deployment failure", zap.Error(err))
	}
}
