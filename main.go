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

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/lifecycle"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/version"
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
		fields["origin"] = cfg.Shell.Origin
		fields["version_token"] = cfg.Shell.VersionToken
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 预缓存清单 → lifecycle host → Fiber server，
	// 所有请求共享同一个 host 与存储实例。
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Shell.Origin
	fields["scope"] = cfg.Shell.Scope
	fields["listen_port"] = cfg.Global.ListenPort
	fields["precache_entries"] = rt.manifest.Len()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	rt.start(ctx, cfg.Shell.VersionToken)
	if err := config.Watch(opts.configPath, cfg, rt.onVersionChange(ctx), func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("watch_config", opts.configPath)).Warn("配置重载失败")
	}); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("watch_config", opts.configPath)).Warn("配置监听未启动")
	}

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *shellRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := rt.newApp(cfg)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		// SSE 连接不会自行结束，先断开页面再关闭服务。
		rt.hub.CloseAll()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return err
	}
	return nil
}

// registerOutcome 记录一次 worker 注册结果；安装失败时继续以直连模式或旧 worker 服务。
func registerOutcome(logger *logrus.Logger, token string, err error) {
	fields := logrus.Fields{"action": "register", "version_token": token}
	if err != nil {
		if errors.Is(err, lifecycle.ErrInstallFailed) {
			logger.WithError(err).WithFields(fields).Warn("worker 安装失败，保留当前 worker")
			return
		}
		logger.WithError(err).WithFields(fields).Error("worker 注册失败")
		return
	}
	logger.WithFields(fields).Info("worker 注册完成")
}
