// Package status 保存部署状态记录。每条记录在最后一次更新后保留 TTL（默认 1 小时），
// 过期后视为不存在。进行中的部署与状态查询并发访问同一条记录，实现必须保证按 key 原子。
package status

import (
	"context"
	"errors"
	"time"
)

// Status 对外可见的部署状态
type Status string

const (
	StatusStarted           Status = "started"
	StatusInProgress        Status = "in_progress"
	StatusNeedsConfirmation Status = "needs_confirmation"
	StatusComplete          Status = "complete"
	StatusError             Status = "error"
)

// Terminal 是否为终态（complete/error），终态记录不再接受任何修改
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// DefaultTTL 记录保留时长
const DefaultTTL = time.Hour

var (
	ErrNotFound         = errors.New("deployment not found or expired")
	ErrExists           = errors.New("deployment already exists")
	ErrTerminal         = errors.New("deployment already finished")
	ErrUnexpectedStatus = errors.New("unexpected deployment status")
)

// Record 一次部署的状态快照
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Phase     string    `json:"phase"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Backend   string    `json:"backend,omitempty"`
	Log       []string  `json:"log"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 深拷贝，调用方拿到的记录与存储内部互不影响
func (r *Record) Clone() *Record {
	c := *r
	c.Log = append([]string(nil), r.Log...)
	if c.Log == nil {
		c.Log = []string{}
	}
	return &c
}

// Patch 一次增量更新，只合并非零字段。Log 追加到已有日志之后。
// Expect 非空时为比较并交换：当前状态不等于 Expect 则返回 ErrUnexpectedStatus 且不做任何修改。
type Patch struct {
	Expect   Status
	Status   Status
	Phase    string
	Progress *int
	Message  *string
	Backend  string
	Log      []string
}

// Store 状态存储
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
}

// Int 便于构造 Patch.Progress
func Int(v int) *int { return &v }

// String 便于构造 Patch.Message
func String(v string) *string { return &v }

// apply 在记录上合并 patch；进度只增不减并限制在 0..100
func (r *Record) apply(p Patch, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	if p.Expect != "" && r.Status != p.Expect {
		return ErrUnexpectedStatus
	}
	if p.Status != "" {
		r.Status = p.Status
	}
	if p.Phase != "" {
		r.Phase = p.Phase
	}
	if p.Progress != nil {
		if v := clampProgress(*p.Progress); v > r.Progress {
			r.Progress = v
		}
	}
	if p.Message != nil {
		r.Message = *p.Message
	}
	if p.Backend != "" {
		r.Backend = p.Backend
	}
	r.Log = append(r.Log, p.Log...)
	r.UpdatedAt = now
	return nil
}

func clampProgress(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
