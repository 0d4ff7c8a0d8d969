package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fragcache/fragcache/internal/cluster"
	"github.com/fragcache/fragcache/internal/config"
	"github.com/fragcache/fragcache/internal/content"
	"github.com/fragcache/fragcache/internal/logging"
	"github.com/fragcache/fragcache/internal/server"
	"github.com/fragcache/fragcache/internal/server/routes"
	"github.com/fragcache/fragcache/internal/version"
)

// configEnv 指定配置文件路径的环境变量，--config 优先。
const configEnv = "FRAGCACHE_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	helpOnly    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.helpOnly {
		return 0
	}
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["base_url"] = cfg.Global.BaseURL
		fields["cluster_hosts"] = cfg.ClusterHosts()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“集群通道 → 内容服务 → Fiber server”顺序启动，ctx 结束后依次关闭。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	var channel cluster.Channel
	if cfg.Cluster.Enabled {
		httpChannel, err := cluster.NewHTTPChannel(cluster.HTTPOptions{
			Peers:     cfg.ClusterHosts(),
			BindPort:  cfg.Cluster.BindPort,
			Heartbeat: cfg.Cluster.Heartbeat.DurationValue(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("构建集群通道失败: %w", err)
		}
		channel = httpChannel
	}

	svc, err := content.NewService(content.Options{
		BaseURL:        cfg.Global.BaseURL,
		AppName:        cfg.Global.AppName,
		TTL:            cfg.Global.RefreshInterval.DurationValue(),
		MaxEntries:     cfg.Global.MaxElements,
		HTTPTimeout:    cfg.Global.HTTPTimeout(),
		VolatileParams: cfg.Global.VolatileParams,
		Channel:        channel,
		Logger:         logger,
	})
	if err != nil {
		if channel != nil {
			_ = channel.Close()
		}
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			logger.WithError(cerr).WithFields(logrus.Fields{"action": "shutdown"}).Warn("cluster channel close failed")
		}
	}()

	fields := logging.BaseFields("startup", configPath)
	fields["base_url"] = svc.BaseURL()
	fields["group"] = svc.Group()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["ttl"] = svc.TTL().String()
	fields["cluster_hosts"] = cfg.ClusterHosts()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Service:    svc,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, svc, logger)

	return server.Serve(ctx, app, cfg.Global.ListenPort, logger)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
		executed   bool
	)

	cmd := &cobra.Command{
		Use:           "fragcache",
		Short:         "带集群刷新广播的内容片段缓存服务",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			executed = true
			return nil
		},
	}
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(io.Discard)

	flags := cmd.Flags()
	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	flags.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	opts.helpOnly = !executed

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}
