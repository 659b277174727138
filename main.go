package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
		fields["version"] = cfg.Agent.Version
		fields["assets"] = len(cfg.Agent.Assets)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 开启 WatchConfig 时改由 viper 监听配置文件，版本变化经 reloads 交给宿主重新注册。
	reloads := make(chan *config.Config, 1)
	if cfg.Global.WatchConfig {
		cfg, err = config.Watch(opts.configPath, configReloadHandler(logger, opts.configPath, reloads))
		if err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	// CLI 启动遵循“配置 → 缓存存储 → 指标 → 网络 → 宿主运行时 → Fiber server”顺序，
	// 保证所有请求共享同一个存储与激活中的 agent。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	recorder, err := metrics.New()
	if err != nil {
		fmt.Fprintf(stdErr, "初始化指标失败: %v\n", err)
		return 1
	}

	fetcher := network.NewFetcher(network.NewClient(cfg), logger)
	rt, err := host.New(host.Options{
		Storage: storage,
		Network: fetcher,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化宿主运行时失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Agent.Origin
	fields["version"] = cfg.Agent.Version
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["listen_port"] = cfg.Global.ListenPort
	fields["build"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 首次安装失败（如源站不可达）不阻止启动：请求直接透传，下次配置变更时重试。
	if err := rt.Register(ctx, cfg.Agent); err != nil {
		logger.WithFields(logging.LifecycleFields("register", cfg.Agent.Version)).
			WithError(err).Error("initial_register_failed")
	}
	go applyReloads(ctx, rt, reloads, logger)

	if err := startHTTPServer(ctx, cfg, rt, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("pending_cache_writes_abandoned")
	}
	_ = recorder.Shutdown(shutdownCtx)
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// configReloadHandler 只保留最新一次有效配置；无效配置记录后忽略，继续使用当前版本。
func configReloadHandler(logger *logrus.Logger, path string, reloads chan *config.Config) func(*config.Config, error) {
	return func(next *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("config_reload_rejected")
			return
		}
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	}
}

func applyReloads(ctx context.Context, rt *host.Runtime, reloads <-chan *config.Config, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-reloads:
			if err := rt.Register(ctx, next.Agent); err != nil {
				logger.WithFields(logging.LifecycleFields("register", next.Agent.Version)).
					WithError(err).Error("reload_register_failed")
			}
		}
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *host.Runtime, recorder *metrics.Recorder, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Dispatcher: rt,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, rt, recorder, logger)

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
