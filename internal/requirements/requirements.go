// Package requirements 检查运行环境：状态目录、日志目录、打包目录是否可写，配置是否完整。
package requirements

import (
	"os"
	"path/filepath"

	"github.com/hwuu/sftpdeploy/internal/config"
)

// Item 一项检查
type Item struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Critical bool   `json:"critical"`
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
}

// Report 检查结果
type Report struct {
	Items      []Item   `json:"items"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
	Notes      []string `json:"notes"`
	Configured bool     `json:"configured"`
}

// HasCriticalErrors 是否存在必须修复的问题
func (r *Report) HasCriticalErrors() bool {
	return len(r.Errors) > 0
}

// NoteRemoteUnzip 远程服务器上的 unzip 无法在本地检查
const NoteRemoteUnzip = "The remote server must provide the unzip command; it is only verified during deployment."

// Check 检查各目录（不存在时尝试创建）和配置完整性
func Check(paths config.Paths, settings *config.Settings) *Report {
	scratch := paths.TempDir()
	if settings != nil && settings.Local.ScratchDir != "" {
		scratch = settings.Local.ScratchDir
	}

	dirs := []struct {
		name     string
		path     string
		critical bool
		message  string
	}{
		{"state_dir", paths.StateDir, true, "The settings directory must be writable."},
		{"logs_dir", paths.LogDir(), true, "The logs directory must be writable."},
		{"temp_dir", scratch, false, "The temp directory must be writable for optimal performance."},
	}

	report := &Report{Errors: []string{}, Warnings: []string{}, Notes: []string{NoteRemoteUnzip}}
	for _, d := range dirs {
		item := Item{Name: d.name, Path: d.path, Critical: d.critical}
		if err := ensureWritable(d.path); err != nil {
			item.Message = d.message + " (Path: " + d.path + ")"
			if d.critical {
				report.Errors = append(report.Errors, item.Message)
			} else {
				report.Warnings = append(report.Warnings, item.Message)
			}
		} else {
			item.OK = true
		}
		report.Items = append(report.Items, item)
	}

	if settings != nil {
		report.Configured = settings.IsConfigured()
		if settings.Logging.CustomPath != "" {
			if !isWritableDir(settings.Logging.CustomPath) {
				report.Warnings = append(report.Warnings,
					"The custom log directory is not writable; only the internal log file will be used. (Path: "+settings.Logging.CustomPath+")")
			}
		}
	}
	if !report.Configured {
		report.Warnings = append(report.Warnings,
			"Deployment settings are incomplete: host, username, password, remote path and source path are required.")
	}
	return report
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func isWritableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(filepath.Clean(dir), ".write-test-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
