package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/logging"
	"github.com/hwuu/sftpdeploy/internal/requirements"
)

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var (
		count int
		clearLog bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "查看或清空部署日志（最新的在前）",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}
			reader := e.logReader(settings)
			out := cmd.OutOrStdout()

			if clearLog {
				if err := reader.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(out, "日志已清空")
				return nil
			}

			lines, err := reader.Tail(count)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				fmt.Fprintln(out, "暂无日志")
				return nil
			}
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", logging.DefaultTailCount, "显示的行数")
	cmd.Flags().BoolVar(&clearLog, "clear", false, "清空日志文件")
	return cmd
}

// errRequirements 存在必须修复的环境问题
var errRequirements = errors.New("requirements check failed")

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "检查运行环境和配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}

			report := requirements.Check(e.paths, settings)
			out := cmd.OutOrStdout()
			for _, item := range report.Items {
				mark := "✓"
				if !item.OK {
					mark = "✗"
				}
				fmt.Fprintf(out, "%s %-10s %s\n", mark, item.Name, item.Path)
			}
			for _, msg := range report.Errors {
				fmt.Fprintf(out, "错误: %s\n", msg)
			}
			for _, msg := range report.Warnings {
				fmt.Fprintf(out, "警告: %s\n", msg)
			}
			for _, msg := range report.Notes {
				fmt.Fprintf(out, "提示: %s\n", msg)
			}
			if report.HasCriticalErrors() {
				return errRequirements
			}
			return nil
		},
	}
}
