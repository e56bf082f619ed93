package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-relay-client/internal/config"
	"github.com/taoyao-code/iot-relay-client/internal/logging"
	"github.com/taoyao-code/iot-relay-client/internal/metrics"
	"github.com/taoyao-code/iot-relay-client/internal/simulator"
	"github.com/taoyao-code/iot-relay-client/internal/simulator/store"
)

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	metricsHandler := metrics.Handler(reg)

	// 4) 剧本：未配置路径时使用内置剧本
	var fixtures *simulator.Fixtures
	if cfg.Simulator.FixturesPath != "" {
		fixtures, err = simulator.LoadFixtures(cfg.Simulator.FixturesPath)
		if err != nil {
			log.Fatal("load fixtures failed", zap.Error(err))
		}
		log.Info("fixtures loaded", zap.String("path", cfg.Simulator.FixturesPath))
	}

	// 5) 最近值存储：按配置选择 Redis 或内存
	var lvs store.LastValueStore
	if cfg.Simulator.Redis.Enabled {
		lvs, err = store.NewRedis(cfg.Simulator.Redis)
		if err != nil {
			log.Fatal("redis store init failed", zap.Error(err))
		}
		log.Info("redis last-value store ready", zap.String("addr", cfg.Simulator.Redis.Addr))
	}

	// 6) 模拟器与设备驱动
	sim := simulator.New(cfg.Simulator, fixtures, lvs, log)
	defer func() { _ = sim.Close() }()

	emitCtx, cancelEmit := context.WithCancel(context.Background())
	defer cancelEmit()
	simulator.NewEmitter(sim, log).Run(emitCtx)

	srv := &http.Server{
		Addr:         cfg.Simulator.Addr,
		Handler:      sim.Router(cfg.Metrics.Path, metricsHandler),
		ReadTimeout:  cfg.Simulator.ReadTimeout,
		WriteTimeout: cfg.Simulator.WriteTimeout,
	}
	go func() {
		log.Info("relay simulator started", zap.String("addr", cfg.Simulator.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("simulator server error", zap.Error(err))
		}
	}()

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
