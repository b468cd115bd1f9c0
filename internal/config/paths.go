// Package config 管理 sftpdeploy 的配置文档、状态目录和用户交互。
// 配置文档（settings.json）在每次部署开始时读取，其中的密码字段加密存储。
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	StateDirName     = ".sftpdeploy"   // 状态目录，位于用户 home 下
	SettingsFileName = "settings.json" // 配置文档文件名
	SecretFileName   = "secret.key"    // 密码加密用的进程级密钥
	LogDirName       = "logs"          // 日志目录
	TempDirName      = "temp"          // 打包临时目录
)

// StateDirEnv 覆盖默认状态目录的环境变量
const StateDirEnv = "SFTPDEPLOY_HOME"

// GetStateDir 返回状态目录路径（默认 ~/.sftpdeploy/，可由 SFTPDEPLOY_HOME 覆盖）
func GetStateDir() (string, error) {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, StateDirName), nil
}

// Paths 状态目录下各文件的位置
type Paths struct {
	StateDir string
}

// NewPaths 以指定目录为状态目录；dir 为空时使用默认目录
func NewPaths(dir string) (Paths, error) {
	if dir == "" {
		var err error
		dir, err = GetStateDir()
		if err != nil {
			return Paths{}, err
		}
	}
	return Paths{StateDir: dir}, nil
}

func (p Paths) SettingsFile() string { return filepath.Join(p.StateDir, SettingsFileName) }
func (p Paths) SecretFile() string   { return filepath.Join(p.StateDir, SecretFileName) }
func (p Paths) LogDir() string       { return filepath.Join(p.StateDir, LogDirName) }
func (p Paths) TempDir() string      { return filepath.Join(p.StateDir, TempDirName) }

// Ensure 确保状态目录存在（权限 0700，仅当前用户可访问）
func (p Paths) Ensure() error {
	if err := os.MkdirAll(p.StateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}
