package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/packager"
	"github.com/hwuu/sftpdeploy/internal/status"
	"github.com/hwuu/sftpdeploy/internal/transport"
)

// Phase 状态机内部步骤
type Phase string

const (
	PhaseStarted           Phase = "started"
	PhasePackaging         Phase = "packaging"
	PhaseConnecting        Phase = "connecting"
	PhaseInspecting        Phase = "inspecting"
	PhaseNeedsConfirmation Phase = "needs_confirmation"
	PhaseUploading         Phase = "uploading"
	PhaseExtracting        Phase = "extracting"
	PhaseCleaningUp        Phase = "cleaning_up"
	PhaseComplete          Phase = "complete"
	PhaseError             Phase = "error"
	PhaseCancelled         Phase = "cancelled"
)

// 各步骤对应的进度
const (
	ProgressPackaging         = 10
	ProgressConnecting        = 25
	ProgressInspecting        = 40
	ProgressNeedsConfirmation = 45
	ProgressUploading         = 50
	ProgressExtracting        = 70
	ProgressCleaningUp        = 85
	ProgressComplete          = 100
)

const (
	MsgStarting          = "Starting deployment"
	MsgNeedsConfirmation = "Remote directory contains files. Confirmation required."
	MsgConfirmed         = "Overwrite confirmed"
	MsgComplete          = "Deployment completed successfully"
	MsgTestMode          = "Test mode: deployment simulated, no files were transferred"
	MsgCancelled         = "Deployment cancelled"
	MsgFailedPrefix      = "Deployment failed: "
)

// LogTimeFormat 状态日志行的时间格式
const LogTimeFormat = "2006-01-02 15:04:05"

// Packager 打包本地目录
type Packager interface {
	CreatePackage(ctx context.Context, sourceDir string) (*packager.Package, error)
}

// TransportFactory 为目标主机创建 Transport（transport.Selector）
type TransportFactory interface {
	For(ctx context.Context, cfg transport.Config) (transport.Transport, error)
}

// errCancelled 检查点发现取消标记
var errCancelled = errors.New("deployment cancelled")

// run 一次部署的进程内状态。部署挂起等待确认时仍保留，用于恢复。
type run struct {
	id        string
	settings  *config.Settings
	cancelled atomic.Bool

	mu   sync.Mutex
	done chan struct{} // 当前 worker 退出时关闭
}

// current 返回当前 worker 的 done
func (r *run) current() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// finish 关闭 worker 自己的 done；确认后新装的 done 不受影响
func (r *run) finish(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	closeDone(done)
}

func closeDone(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}

func (r *run) wait() {
	r.mu.Lock()
	ch := r.done
	r.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (r *run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Orchestrator 部署状态机：打包 → 连接 → 检查远程目录 → (确认) → 上传 → 解压 → 清理。
// 每次部署在独立的 goroutine 中执行，所有状态写入 Store，调用方轮询 Store 获取进度。
type Orchestrator struct {
	Store      status.Store
	Packager   Packager
	Transports TransportFactory
	Logger     *zap.Logger
	Now        func() time.Time // 测试用，默认 time.Now

	runs sync.Map // id -> *run
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store status.Store, p Packager, transports TransportFactory, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		Store:      store,
		Packager:   p,
		Transports: transports,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// logLine 生成 "YYYY-MM-DD hh:mm:ss - message" 格式的日志行
func (o *Orchestrator) logLine(msg string) string {
	return o.now().Format(LogTimeFormat) + " - " + msg
}

// NewDeploymentID 生成部署 ID
func NewDeploymentID() string {
	return "deploy_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start 创建状态记录并在后台执行部署，立即返回部署 ID
func (o *Orchestrator) Start(ctx context.Context, settings *config.Settings) (string, error) {
	r, err := o.create(ctx, settings)
	if err != nil {
		return "", err
	}
	go o.advance(context.WithoutCancel(ctx), r, PhaseStarted)
	return r.id, nil
}

// StartSync 与 Start 相同，但在当前 goroutine 执行，直到完成、出错或等待确认
func (o *Orchestrator) StartSync(ctx context.Context, settings *config.Settings) (string, error) {
	r, err := o.create(ctx, settings)
	if err != nil {
		return "", err
	}
	o.advance(ctx, r, PhaseStarted)
	return r.id, nil
}

func (o *Orchestrator) create(ctx context.Context, settings *config.Settings) (*run, error) {
	if settings == nil {
		return nil, deployerr.Newf(deployerr.CodeInvalidConfig, "settings are required")
	}
	o.prune(ctx)

	r := &run{
		id:       NewDeploymentID(),
		settings: settings.Clone(),
		done:     make(chan struct{}),
	}
	rec := &status.Record{
		ID:       r.id,
		Status:   status.StatusStarted,
		Phase:    string(PhaseStarted),
		Progress: 0,
		Message:  MsgStarting,
		Log:      []string{o.logLine(MsgStarting)},
	}
	if err := o.Store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create deployment status: %w", err)
	}
	o.runs.Store(r.id, r)
	o.logger().Info("Starting deployment", zap.String("deployment_id", r.id))
	return r, nil
}

// prune 丢弃记录已过期的挂起部署
func (o *Orchestrator) prune(ctx context.Context) {
	o.runs.Range(func(key, value any) bool {
		r := value.(*run)
		if r.active() {
			return true
		}
		if _, err := o.Store.Get(ctx, r.id); errors.Is(err, status.ErrNotFound) {
			o.runs.CompareAndDelete(key, r)
		}
		return true
	})
}

// Confirm 确认覆盖非空的远程目录，在后台从上传步骤继续。
// 部署不处于 needs_confirmation 时返回 STATE_ERROR，且不修改状态。
func (o *Orchestrator) Confirm(ctx context.Context, id string) error {
	r, err := o.confirm(ctx, id)
	if err != nil {
		return err
	}
	go o.advance(context.WithoutCancel(ctx), r, PhaseUploading)
	return nil
}

// ConfirmSync 与 Confirm 相同，但在当前 goroutine 执行到结束
func (o *Orchestrator) ConfirmSync(ctx context.Context, id string) error {
	r, err := o.confirm(ctx, id)
	if err != nil {
		return err
	}
	o.advance(ctx, r, PhaseUploading)
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, id string) (*run, error) {
	v, ok := o.runs.Load(id)
	if !ok {
		if _, err := o.Status(ctx, id); err != nil {
			return nil, err
		}
		return nil, deployerr.Newf(deployerr.CodeState, "invalid deployment status")
	}
	r := v.(*run)

	// 在比较并交换之前占住 worker，避免 Wait 在恢复前返回。
	// 挂起时状态写入与关闭 done 在同一把锁内完成，看到 needs_confirmation 时 done 必已关闭。
	r.mu.Lock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			r.mu.Unlock()
			return nil, deployerr.Newf(deployerr.CodeState, "invalid deployment status")
		}
	}
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	_, err := o.Store.Update(ctx, id, status.Patch{
		Expect:  status.StatusNeedsConfirmation,
		Status:  status.StatusInProgress,
		Phase:   string(PhaseUploading),
		Message: status.String(MsgConfirmed),
		Log:     []string{o.logLine(MsgConfirmed)},
	})
	if err != nil {
		r.finish(done)
		return nil, o.mapStoreError(id, err)
	}
	o.logger().Info("Overwrite confirmed", zap.String("deployment_id", id))
	return r, nil
}

func (o *Orchestrator) mapStoreError(id string, err error) error {
	switch {
	case errors.Is(err, status.ErrNotFound):
		o.runs.Delete(id)
		return deployerr.New(deployerr.CodeNotFound, "deployment "+id, status.ErrNotFound)
	case errors.Is(err, status.ErrUnexpectedStatus), errors.Is(err, status.ErrTerminal):
		return deployerr.Newf(deployerr.CodeState, "invalid deployment status")
	}
	return err
}

// Status 读取部署状态快照，不等待进行中的步骤
func (o *Orchestrator) Status(ctx context.Context, id string) (*status.Record, error) {
	rec, err := o.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, deployerr.New(deployerr.CodeNotFound, "deployment "+id, status.ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// Cancel 请求取消部署。等待确认的部署立即取消；
// 执行中的部署在下一个检查点停止，不中断进行中的传输。
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	rec, err := o.Status(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return deployerr.Newf(deployerr.CodeState, "deployment already finished")
	}

	if rec.Status == status.StatusNeedsConfirmation {
		_, err := o.Store.Update(ctx, id, status.Patch{
			Expect:  status.StatusNeedsConfirmation,
			Status:  status.StatusError,
			Phase:   string(PhaseCancelled),
			Message: status.String(MsgCancelled),
			Log:     []string{o.logLine(MsgCancelled)},
		})
		if err == nil {
			o.runs.Delete(id)
			o.logger().Info("Deployment cancelled", zap.String("deployment_id", id))
			return nil
		}
		if !errors.Is(err, status.ErrUnexpectedStatus) {
			return o.mapStoreError(id, err)
		}
		// 与 Confirm 竞争失败，部署已恢复执行，按执行中处理
	}

	v, ok := o.runs.Load(id)
	if !ok {
		return deployerr.Newf(deployerr.CodeState, "deployment is not running in this process")
	}
	v.(*run).cancelled.Store(true)
	if _, err := o.Store.Update(ctx, id, status.Patch{Log: []string{o.logLine("Cancellation requested")}}); err != nil &&
		!errors.Is(err, status.ErrTerminal) {
		return o.mapStoreError(id, err)
	}
	o.logger().Info("Cancellation requested", zap.String("deployment_id", id))
	return nil
}

// Wait 阻塞直到部署当前的 worker 退出（完成、出错、取消或进入等待确认）
func (o *Orchestrator) Wait(id string) {
	if v, ok := o.runs.Load(id); ok {
		v.(*run).wait()
	}
}
