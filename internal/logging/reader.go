package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTailCount 日志查看默认返回的行数
const DefaultTailCount = 100

// Reader 读取/清空 deployer.log
type Reader struct {
	LogDir     string
	CustomPath string
}

// Tail 返回最近 count 行日志，最新的在前。日志文件不存在时返回空列表。
func (r Reader) Tail(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultTailCount
	}

	f, err := os.Open(filepath.Join(r.LogDir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	// 环形缓冲只保留最后 count 行
	ring := make([]string, 0, count)
	start := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) < count {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % count
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := make([]string, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		lines = append(lines, ring[(start+i)%len(ring)])
	}
	return lines, nil
}

// Clear 清空内部日志文件以及自定义目录下的日志文件（若存在且可写）
func (r Reader) Clear() error {
	path := filepath.Join(r.LogDir, LogFileName)
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear log file: %w", err)
	}

	if dir := strings.TrimRight(r.CustomPath, "/"); dir != "" {
		custom := filepath.Join(dir, LogFileName)
		if _, err := os.Stat(custom); err == nil {
			_ = os.Truncate(custom, 0)
		}
	}
	return nil
}
