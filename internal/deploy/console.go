package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deployerr"
	"github.com/hwuu/sftpdeploy/internal/status"
)

// DefaultPollInterval 轮询部署状态的间隔
const DefaultPollInterval = 2 * time.Second

// ErrDeploymentFailed 部署以 error 状态结束
var ErrDeploymentFailed = errors.New("deployment failed")

// Console 在终端中执行一次部署：启动后轮询状态并打印进度，远程目录非空时询问是否覆盖
type Console struct {
	Orchestrator *Orchestrator
	Prompter     *config.Prompter
	Output       io.Writer
	PollInterval time.Duration
	AssumeYes    bool // 不询问，直接覆盖
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.Output, format, args...)
}

// Run 执行部署直到结束。ctx 取消时请求取消部署并等待其在检查点停止。
func (c *Console) Run(ctx context.Context, settings *config.Settings) (*status.Record, error) {
	o := c.Orchestrator
	id, err := o.Start(ctx, settings)
	if err != nil {
		return nil, err
	}
	c.printf("部署 ID: %s\n", id)

	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printed := 0
	cancelling := false
	for {
		rec, err := o.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		printed = c.printLog(rec, printed)

		switch rec.Status {
		case status.StatusComplete:
			c.printf("\n✓ 部署完成\n")
			return rec, nil
		case status.StatusError:
			c.printf("\n✗ %s\n", rec.Message)
			return rec, fmt.Errorf("%w: %s", ErrDeploymentFailed, rec.Message)
		case status.StatusNeedsConfirmation:
			if cancelling {
				if err := o.Cancel(context.WithoutCancel(ctx), id); err == nil {
					continue
				}
				break
			}
			ok, err := c.confirm(settings.SFTP.RemotePath)
			if err != nil {
				return rec, err
			}
			if ok {
				err = o.Confirm(context.WithoutCancel(ctx), id)
			} else {
				err = o.Cancel(context.WithoutCancel(ctx), id)
			}
			if err == nil {
				continue
			}
			if !deployerr.Has(err, deployerr.CodeState) {
				return rec, err
			}
			// 状态已被其他调用方改变，等下一次轮询再处理
		}

		interrupted := ctx.Done()
		if cancelling {
			interrupted = nil
		}
		select {
		case <-interrupted:
			cancelling = true
			c.printf("\n正在取消部署，等待当前步骤结束...\n")
			_ = o.Cancel(context.WithoutCancel(ctx), id)
			o.Wait(id)
		case <-ticker.C:
		}
	}
}

// printLog 打印新增的日志行，返回已打印的行数
func (c *Console) printLog(rec *status.Record, printed int) int {
	for _, line := range rec.Log[min(printed, len(rec.Log)):] {
		c.printf("  [%3d%%] %s\n", rec.Progress, line)
	}
	return len(rec.Log)
}

func (c *Console) confirm(remotePath string) (bool, error) {
	if c.AssumeYes {
		c.printf("  远程目录非空，--yes 已指定，继续覆盖\n")
		return true, nil
	}
	if c.Prompter == nil {
		return false, nil
	}
	c.printf("\n远程目录 %s 中已有文件，继续部署将覆盖同名文件。\n", remotePath)
	return c.Prompter.PromptConfirm("是否继续?", false)
}
