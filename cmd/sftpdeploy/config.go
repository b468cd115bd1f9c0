package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hwuu/sftpdeploy/internal/config"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "管理部署配置",
	}
	cmd.AddCommand(newConfigInitCmd(opts))
	cmd.AddCommand(newConfigShowCmd(opts))
	cmd.AddCommand(newConfigSetPasswordCmd(opts))
	return cmd
}

// promptSettings 交互式填写部署配置，直接回车保留当前值；密码留空表示不修改
func promptSettings(p *config.Prompter, s *config.Settings) error {
	var err error
	if s.SFTP.Host, err = p.PromptWithDefault("SFTP 主机", s.SFTP.Host); err != nil {
		return err
	}
	if s.SFTP.Port, err = p.PromptIntWithDefault("SFTP 端口", s.SFTP.Port); err != nil {
		return err
	}
	if s.SFTP.Username, err = p.PromptWithDefault("用户名", s.SFTP.Username); err != nil {
		return err
	}
	password, err := p.PromptPassword("密码（留空保持不变）: ")
	if err != nil {
		return err
	}
	if password != "" {
		s.SFTP.Password = password
	}
	if s.SFTP.RemotePath, err = p.PromptWithDefault("远程目录", s.SFTP.RemotePath); err != nil {
		return err
	}
	if s.Local.SourcePath, err = p.PromptWithDefault("本地源目录", s.Local.SourcePath); err != nil {
		return err
	}

	backends := []string{"auto", "sftp", "shell"}
	idx, err := p.PromptSelect("传输后端:", backends)
	if err != nil {
		return err
	}
	s.SFTP.Backend = backends[idx]
	return nil
}

func newConfigInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "交互式创建或修改配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}

			p := config.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			if err := promptSettings(p, settings); err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			if err := e.saveSettings(settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n配置已保存到 %s\n", e.settingsPath)
			return nil
		},
	}
}

func newConfigShowCmd(opts *globalOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "显示当前配置（密码已隐藏）",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "yaml":
				data, err = yaml.Marshal(settings.Redacted())
			case "json":
				data, err = json.MarshalIndent(settings.Redacted(), "", "  ")
				data = append(data, '\n')
			default:
				return fmt.Errorf("unknown format: %s", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "输出格式：yaml 或 json")
	return cmd
}

func newConfigSetPasswordCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-password",
		Short: "修改 SFTP 密码",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := e.loadSettings()
			if err != nil {
				return err
			}

			p := config.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			password, err := p.PromptPassword("新密码（留空保持不变）: ")
			if err != nil {
				return err
			}
			if password == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "密码未修改")
				return nil
			}
			settings.SFTP.Password = password
			if err := e.saveSettings(settings); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "密码已更新")
			return nil
		},
	}
}
