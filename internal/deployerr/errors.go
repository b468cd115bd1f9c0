// Package deployerr 定义部署流程中各组件共用的错误码。
// 错误码为字符串，便于日志排查和 API 序列化。
package deployerr

import (
	"errors"
	"fmt"
)

// Code 错误分类
type Code string

const (
	CodeConnection    Code = "CONNECTION_ERROR"     // 主机/端口不可达
	CodeAuth          Code = "AUTH_ERROR"           // 用户名或密码错误
	CodeSubsystem     Code = "SUBSYSTEM_ERROR"      // SFTP 子系统初始化失败
	CodeIO            Code = "IO_ERROR"             // 本地或远程文件读写失败
	CodeArchive       Code = "ARCHIVE_ERROR"        // 打包失败
	CodeNotFound      Code = "NOT_FOUND"            // 源目录或部署记录不存在
	CodeState         Code = "STATE_ERROR"          // 当前部署状态不允许该操作
	CodeRemoteCommand Code = "REMOTE_COMMAND_ERROR" // 远程命令执行失败（如缺少 unzip）
	CodeCancelled     Code = "CANCELLED"            // 部署被取消
	CodeInvalidConfig Code = "INVALID_CONFIG"       // 配置缺失或非法
	CodeUnknown       Code = "UNKNOWN"
)

// Error 带错误码的错误，Op 记录出错的操作名
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, &deployerr.Error{Code: ...}) 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Err == nil
}

// New 创建带错误码的错误
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf 以格式化消息作为底层错误创建带错误码的错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf 返回错误链上第一个错误码，没有时返回 CodeUnknown
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Has 判断错误链上是否包含指定错误码
func Has(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
