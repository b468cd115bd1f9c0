package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/logging"
	"github.com/hwuu/sftpdeploy/internal/status"
)

// 构建时通过 ldflags 注入
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalOptions 所有子命令共用的参数
type globalOptions struct {
	configPath string
	stateDir   string
}

// env 一次命令执行所需的路径和密钥
type env struct {
	paths        config.Paths
	settingsPath string
	cipher       *config.Cipher
}

func (o *globalOptions) env() (*env, error) {
	paths, err := config.NewPaths(o.stateDir)
	if err != nil {
		return nil, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	cipher, err := config.LoadCipher(paths.SecretFile())
	if err != nil {
		return nil, err
	}
	settingsPath := o.configPath
	if settingsPath == "" {
		settingsPath = paths.SettingsFile()
	}
	return &env{paths: paths, settingsPath: settingsPath, cipher: cipher}, nil
}

// loadSettings 读取配置文档；配置文件不存在时给出初始化提示
func (e *env) loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(e.settingsPath, e.cipher)
	if errors.Is(err, config.ErrSettingsNotFound) {
		return nil, fmt.Errorf("配置文件 %s 不存在，请先运行 sftpdeploy config init", e.settingsPath)
	}
	return settings, err
}

func (e *env) saveSettings(settings *config.Settings) error {
	return config.SaveSettings(e.settingsPath, settings, e.cipher)
}

func (e *env) newLogger(settings *config.Settings) (*zap.Logger, func() error, error) {
	return logging.New(logging.OptionsFromSettings(settings.Logging, e.paths.LogDir()))
}

func (e *env) logReader(settings *config.Settings) *logging.Reader {
	return &logging.Reader{LogDir: e.paths.LogDir(), CustomPath: settings.Logging.CustomPath}
}

func (e *env) scratchDir(settings *config.Settings) string {
	if settings.Local.ScratchDir != "" {
		return settings.Local.ScratchDir
	}
	return e.paths.TempDir()
}

// storeCloser 状态存储，进程退出时关闭
type storeCloser interface {
	status.Store
	Close() error
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "sftpdeploy",
		Short:         "打包本地目录并通过 SFTP/SSH 部署到远程服务器",
		Long:          "sftpdeploy：将本地目录打包为 ZIP，上传到远程服务器并解压，支持覆盖确认、取消和状态查询。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径（默认 <状态目录>/settings.json，.yaml 后缀使用 YAML）")
	rootCmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "状态目录（默认 ~/.sftpdeploy，可由 "+config.StateDirEnv+" 覆盖）")

	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newTestConnectionCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newLogsCmd(opts))
	rootCmd.AddCommand(newCheckCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sftpdeploy %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			fmt.Fprintf(out, "  go:     %s\n", runtime.Version())
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		stop()
		os.Exit(1)
	}
}
