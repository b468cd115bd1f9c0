// Package logging 构建写入 deployer.log 的 zap 日志器，并提供日志查看/清空功能。
// 每行格式：[2006-01-02 15:04:05] [level] message {fields}
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hwuu/sftpdeploy/internal/config"
)

// LogFileName 日志文件名，内部日志目录和自定义目录使用同一文件名
const LogFileName = "deployer.log"

const timeLayout = "2006-01-02 15:04:05"

// Options 日志器配置
type Options struct {
	Enabled    bool
	Level      string    // debug / info / warning / error
	LogDir     string    // 内部日志目录（<状态目录>/logs）
	CustomPath string    // 额外写入的目录，不存在或不可写时忽略
	Console    io.Writer // 非空时同时输出到该 writer（如 stderr）
}

// OptionsFromSettings 由配置文档生成日志器配置
func OptionsFromSettings(s config.LoggingSettings, logDir string) Options {
	return Options{
		Enabled:    s.Enabled,
		Level:      s.LogLevel,
		LogDir:     logDir,
		CustomPath: s.CustomPath,
	}
}

// ParseLevel 解析日志级别，warning 与 warn 等价，空串为 info
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + t.Format(timeLayout) + "]")
		},
		EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			name := l.String()
			if l == zapcore.WarnLevel {
				name = "warning"
			}
			enc.AppendString("[" + name + "]")
		},
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

// New 创建日志器。返回的 close 函数关闭打开的日志文件。
// 日志关闭时返回 zap.NewNop()。
func New(opts Options) (*zap.Logger, func() error, error) {
	noop := func() error { return nil }
	if !opts.Enabled {
		return zap.NewNop(), noop, nil
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, noop, err
	}

	var (
		cores []zapcore.Core
		files []*os.File
	)
	encoder := zapcore.NewConsoleEncoder(encoderConfig())

	if opts.LogDir != "" {
		f, err := openLogFile(opts.LogDir)
		if err != nil {
			return nil, noop, err
		}
		files = append(files, f)
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(f), level))
	}

	// 自定义目录只在已存在且可写时使用，失败不影响主日志
	if dir := strings.TrimRight(opts.CustomPath, "/"); dir != "" && isWritableDir(dir) {
		if f, err := openLogFile(dir); err == nil {
			files = append(files, f)
			cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(f), level))
		}
	}

	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(opts.Console), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), noop, nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		_ = logger.Sync()
		var firstErr error
		for _, f := range files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return logger, closeFn, nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func isWritableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, ".sftpdeploy-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
