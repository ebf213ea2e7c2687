package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/config"
	"github.com/partyplay/songcache/internal/content"
	"github.com/partyplay/songcache/internal/logging"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/server"
	"github.com/partyplay/songcache/internal/server/routes"
	"github.com/partyplay/songcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

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
		fields["backends"] = len(cfg.Backends)
		fields["credentials"] = config.CredentialModes(cfg.Backends)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 进程级 context：收到退出信号后取消，用于中断下载的重试等待并关闭 HTTP 服务。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewObserver("songcache", reg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化指标失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → BackendRegistry（缓存目录、上游客户端、协调器）→ Fiber server，
	// 保证所有请求共享同一份缓存与 pending 表。
	registry, err := server.NewBackendRegistry(cfg, server.RegistryOptions{
		Logger:      logger,
		Metrics:     observer,
		BaseContext: ctx,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Backend 注册表失败: %v\n", err)
		return 1
	}
	registry.AuthenticateAll(ctx, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["backends"] = len(cfg.Backends)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["credentials"] = config.CredentialModes(cfg.Backends)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, registry, reg, observer, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("songcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SONGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SONGCACHE_CONFIG")
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

func buildApp(registry *server.BackendRegistry, gatherer prometheus.Gatherer, observer *metrics.Observer, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Content:  content.NewServer(logger, observer),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterBackendRoutes(app, registry)
	routes.RegisterPrepareRoutes(app, registry, logger)
	routes.RegisterSearchRoutes(app, registry, logger)
	routes.RegisterMetricsRoute(app, gatherer)
	return app, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.BackendRegistry,
	gatherer prometheus.Gatherer,
	observer *metrics.Observer,
	logger *logrus.Logger,
) error {
	app, err := buildApp(registry, gatherer, observer, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return nil
}

// printVersion 输出注入的版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
