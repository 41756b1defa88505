package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/alerthub/alerthub/internal/alerts"
	"github.com/alerthub/alerthub/internal/cache"
	"github.com/alerthub/alerthub/internal/config"
	"github.com/alerthub/alerthub/internal/logging"
	"github.com/alerthub/alerthub/internal/pubsub"
	"github.com/alerthub/alerthub/internal/server"
	"github.com/alerthub/alerthub/internal/server/routes"
	"github.com/alerthub/alerthub/internal/version"
	"github.com/alerthub/alerthub/internal/websub"
)

const shutdownTimeout = 15 * time.Second

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
		fields["topics"] = config.TopicNames(cfg.Topics)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_check_passed")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg, logger, ctx.Done())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["hub_url"] = svc.hub.HubURL()
	fields["topics"] = config.TopicNames(cfg.Topics)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	if err := svc.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// services 持有一次进程生命周期内的全部组件。
// 启动顺序为“配置 → 主题目录 → Broker → Hub → 缓存 → Dispatcher → Fiber”，
// 所有请求共享同一组实例。
type services struct {
	logger *logrus.Logger
	broker *pubsub.Broker
	hub    *websub.Hub
	cache  *cache.Proxy
	app    *fiber.App
}

func buildServices(cfg *config.Config, logger *logrus.Logger, shutdown <-chan struct{}) (*services, error) {
	g := cfg.Global

	catalog := pubsub.DefaultCatalog()
	for _, topic := range cfg.Topics {
		if _, exists := catalog.Resolve(topic.Name); exists {
			continue
		}
		if err := catalog.Register(pubsub.Topic{Name: topic.Name, Description: topic.Description}); err != nil {
			return nil, fmt.Errorf("register topic %s: %w", topic.Name, err)
		}
	}

	broker := pubsub.New(pubsub.Options{
		MaxHistory: g.HistorySize,
		Logger:     logger,
		Catalog:    catalog,
	})

	proxy := cache.New(cache.Options{
		Capacity:   g.CacheCapacity,
		DefaultTTL: g.CacheTTL.DurationValue(),
		Logger:     logger,
	})

	hubURL := g.HubURL
	if hubURL == "" {
		hubURL = fmt.Sprintf("http://localhost:%d/websub/hub", g.ListenPort)
	}
	hub := websub.NewHub(websub.Options{
		Client:              server.NewUpstreamClient(cfg),
		Logger:              logger,
		HubURL:              hubURL,
		DefaultLease:        g.DefaultLease.DurationValue(),
		MaxLease:            g.MaxLease.DurationValue(),
		VerifyTimeout:       g.VerifyTimeout.DurationValue(),
		DeliveryTimeout:     g.DeliveryTimeout.DurationValue(),
		DeliveryConcurrency: g.DeliveryConcurrency,
		AutoRegisterPrefix:  pubsub.NamespacePrefix,
		OnChange: func(string) {
			proxy.Invalidate(routes.TopicsCacheKey)
		},
	})
	hub.RegisterDefaultTopics()
	for _, topic := range cfg.Topics {
		if topic.WebSub {
			hub.RegisterTopic(topic.Name, map[string]any{"description": topic.Description})
		}
	}
	hub.Start()

	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	routes.Register(app, routes.Deps{
		Broker:       broker,
		Hub:          hub,
		Cache:        proxy,
		Dispatcher:   alerts.NewDispatcher(broker, hub, proxy, logger),
		Logger:       logger,
		ReadTTL:      g.ProxyCacheTTL.DurationValue(),
		Heartbeat:    g.StreamHeartbeat.DurationValue(),
		StreamBuffer: g.StreamBuffer,
		Shutdown:     shutdown,
	})

	return &services{logger: logger, broker: broker, hub: hub, cache: proxy, app: app}, nil
}

// serve 阻塞直到 ctx 结束或监听失败，随后依次关闭 HTTP 服务与 hub 的后台任务。
// 直播流通过同一个 ctx 得知关闭，Shutdown 才不会被长连接拖住。
func (s *services) serve(ctx context.Context, port int) error {
	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("http_server_starting")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	var err error
	select {
	case err = <-listenErr:
		// 监听失败时服务从未就绪，只需回收 hub。
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, s.hub.Close(shutdownCtx))
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Combine(
			s.app.ShutdownWithContext(shutdownCtx),
			s.hub.Close(shutdownCtx),
		)
		if lerr := <-listenErr; lerr != nil {
			err = multierr.Append(err, lerr)
		}
	}

	s.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Info("http_server_stopped")
	return err
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("alert-hub", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 ALERT_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&showVer, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ALERT_HUB_CONFIG")
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
