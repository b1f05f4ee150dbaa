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
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/photomate/imagecache/internal/cache"
	"github.com/photomate/imagecache/internal/config"
	"github.com/photomate/imagecache/internal/logging"
	"github.com/photomate/imagecache/internal/metrics"
	"github.com/photomate/imagecache/internal/proxy"
	"github.com/photomate/imagecache/internal/server"
	"github.com/photomate/imagecache/internal/server/routes"
	"github.com/photomate/imagecache/internal/version"
	"github.com/photomate/imagecache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

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
		fields["scopes"] = config.ScopeNames(cfg.Scopes)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 缓存存储 → worker 激活 → Scope 注册表 → Fiber server。
	storage, closeStorage, err := buildStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("shutdown", opts.configPath)).Warn("缓存存储关闭失败")
		}
	}()

	recorder := metrics.NewRecorder()
	w, err := buildWorker(ctx, cfg, storage, recorder, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片缓存失败: %v\n", err)
		return 1
	}

	registry, err := server.NewScopeRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Scope 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = config.ScopeNames(cfg.Scopes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["cache_name"] = w.CacheName()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(w.Transport(), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Worker:   w,
		Registry: registry,
		Metrics:  recorder.Handler(),
		Logger:   logger,
	})

	if err := serve(ctx, app, w, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imagecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGECACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMAGECACHE_CONFIG")
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

// buildStorage 按 StorageBackend 创建缓存存储，返回的 close 函数在退出时调用。
func buildStorage(ctx context.Context, cfg *config.Config) (cache.Storage, func() error, error) {
	noop := func() error { return nil }
	g := cfg.Global

	switch g.StorageBackend {
	case config.BackendMemory:
		return cache.NewMemoryStorage(), noop, nil
	case config.BackendRedis:
		storage, err := cache.NewRedisStorage(ctx, cache.RedisOptions{
			Addr:      g.RedisAddr,
			Password:  g.RedisPassword,
			DB:        g.RedisDB,
			KeyPrefix: g.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil
	default:
		storage, err := cache.NewDiskStorage(g.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return storage, noop, nil
	}
}

// buildWorker 创建 worker 并完成 install/activate，返回时已接管请求。
func buildWorker(ctx context.Context, cfg *config.Config, storage cache.Storage, observer worker.Observer, logger *logrus.Logger) (*worker.Worker, error) {
	filter, err := worker.NewFilter(cfg.Global.AllowList)
	if err != nil {
		return nil, err
	}
	w, err := worker.New(worker.Options{
		Storage:     storage,
		CacheName:   cfg.Global.CacheVersion,
		Filter:      filter,
		Next:        server.NewUpstreamTransport(cfg),
		Logger:      logger,
		Observer:    observer,
		InflightTTL: cfg.Global.InflightTTL.DurationValue(),
	})
	if err != nil {
		return nil, err
	}
	if err := w.Install(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// serve 启动 Fiber 并在收到 SIGINT/SIGTERM 后优雅退出，同时等待后台刷新完成。
func serve(ctx context.Context, app *fiber.App, w *worker.Worker, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("Fiber 服务停止")
		err := app.ShutdownWithContext(shutdownCtx)
		if closeErr := w.Close(shutdownCtx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
