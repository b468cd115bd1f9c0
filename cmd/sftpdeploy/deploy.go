package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hwuu/sftpdeploy/internal/api"
	"github.com/hwuu/sftpdeploy/internal/config"
	"github.com/hwuu/sftpdeploy/internal/deploy"
	"github.com/hwuu/sftpdeploy/internal/packager"
	"github.com/hwuu/sftpdeploy/internal/status"
	"github.com/hwuu/sftpdeploy/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// newStore 按配置创建状态存储：memory（默认）或 redis
func newStore(ctx context.Context, s config.StatusSettings) (storeCloser, error) {
	if s.Backend != "redis" {
		return status.NewMemoryStore(s.TTLDuration()), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
	})
	store := status.NewRedisStore(client, s.TTLDuration())
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", s.Redis.Addr, err)
	}
	return store, nil
}

// services 一次命令执行中共享的部署组件
type services struct {
	store    storeCloser
	selector *transport.Selector
	orch     *deploy.Orchestrator
	logger   *zap.Logger
	closeLog func() error
}

func (e *env) newServices(ctx context.Context, settings *config.Settings) (*services, error) {
	logger, closeLog, err := e.newLogger(settings)
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, settings.Status)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	selector := transport.NewSelector(logger.Named("transport"))
	pkgr := packager.New(e.scratchDir(settings), logger.Named("packager"))
	pkgr.Exclude = []string{e.paths.StateDir}
	orch := deploy.NewOrchestrator(store, pkgr, selector, logger.Named("deploy"))
	return &services{store: store, selector: selector, orch: orch, logger: logger, closeLog: closeLog}, nil
}

func (s *services) Close() {
	_ = s.store.Close()
	_ = s.closeLog()
}

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "打包并部署本地目录到远程服务器",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := e.loadSettings()
			if err != nil {
				return err
			}
			svc, err := e.newServices(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer svc.Close()

			console := &deploy.Console{
				Orchestrator: svc.orch,
				Prompter:     config.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
				Output:       cmd.OutOrStdout(),
				AssumeYes:    assumeYes,
			}
			_, err = console.Run(cmd.Context(), settings)
			return err
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "远程目录非空时不询问，直接覆盖")
	return cmd
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP JSON 接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}
			svc, err := e.newServices(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer svc.Close()

			if listen == "" {
				listen = settings.Server.Listen
			}
			srv := api.New(api.Options{
				Orchestrator: svc.orch,
				Tester:       &deploy.ConnectionTester{Transports: svc.selector, Logger: svc.logger.Named("tester")},
				Logs:         e.logReader(settings),
				Settings: func() (*config.Settings, error) {
					return config.LoadSettings(e.settingsPath, e.cipher)
				},
				Logger: svc.logger.Named("api"),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Listen(listen) }()
			fmt.Fprintf(cmd.OutOrStdout(), "HTTP 接口已启动: http://%s/api\n", listen)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			fmt.Fprintln(cmd.OutOrStdout(), "正在关闭 HTTP 接口...")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "监听地址（默认使用配置中的 server.listen）")
	return cmd
}

func newTestConnectionCmd(opts *globalOptions) *cobra.Command {
	var (
		host     string
		port     int
		username string
	)
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "测试远程服务器连接（不部署）",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			settings, err := config.LoadSettingsOrDefault(e.settingsPath, e.cipher)
			if err != nil {
				return err
			}
			logger, closeLog, err := e.newLogger(settings)
			if err != nil {
				return err
			}
			defer closeLog()

			sftp := settings.SFTP
			if host != "" {
				sftp.Host = host
			}
			if port > 0 {
				sftp.Port = port
			}
			if username != "" {
				sftp.Username = username
			}

			tester := &deploy.ConnectionTester{
				Transports: transport.NewSelector(logger.Named("transport")),
				Logger:     logger.Named("tester"),
			}
			res := tester.Test(cmd.Context(), sftp)
			out := cmd.OutOrStdout()
			if !res.Success {
				fmt.Fprintf(out, "✗ %s\n", res.Message)
				return errors.New("connection test failed")
			}
			fmt.Fprintf(out, "✓ %s\n", res.Message)
			fmt.Fprintf(out, "  后端: %s\n", res.Backend)
			fmt.Fprintf(out, "  耗时: %s\n", res.Latency.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "覆盖配置中的主机")
	cmd.Flags().IntVar(&port, "port", 0, "覆盖配置中的端口")
	cmd.Flags().StringVar(&username, "username", "", "覆盖配置中的用户名")
	return cmd
}
