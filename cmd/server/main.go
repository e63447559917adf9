package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storepay/internal/channel"
	"storepay/internal/config"
	"storepay/internal/handler"
	"storepay/internal/infrastructure/cache"
	"storepay/internal/infrastructure/database"
	"storepay/internal/infrastructure/gateway/phonepe"
	"storepay/internal/infrastructure/gateway/razorpay"
	"storepay/internal/infrastructure/lock"
	"storepay/internal/infrastructure/mq"
	"storepay/internal/job"
	"storepay/internal/repository"
	"storepay/internal/service"
	"storepay/pkg/idgen"
	"storepay/pkg/logger"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	config.GlobalConfig = cfg

	logger.Init(cfg.Server.Env, cfg.Log.Level)

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化存储
	store, db := openStore(cfg)
	if db != nil {
		defer database.Close(db)
	}

	// 订单锁：启用 Redis 时跨实例互斥，否则进程内互斥
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Redis 初始化失败")
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, cfg.Business.LockTTL())
	}

	// 事件投递
	var publisher mq.Publisher = mq.LogPublisher{}
	if cfg.Kafka.Enabled {
		kafka, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka 初始化失败")
		}
		publisher = kafka
	}
	defer publisher.Close()

	// 支付渠道
	var handlerOpts []handler.HandlerOption
	var strategies []channel.Strategy
	timeout := cfg.Channels.InitiateTimeout()
	if cfg.Channels.UPI.Enabled {
		strategies = append(strategies, channel.NewDirectLinkStrategy(cfg.Channels.UPI, cfg.Business.Currency))
	}
	if rc := cfg.Channels.Razorpay; rc.Enabled {
		client := razorpay.NewClient(rc.KeyID, rc.KeySecret)
		strategies = append(strategies, channel.NewHostedWidgetStrategy(
			channel.NewRazorpayWidget(client, cfg.Business.Currency, rc.ScriptURL), timeout))
		handlerOpts = append(handlerOpts, handler.WithRazorpay(client))
	}
	if pc := cfg.Channels.PhonePe; pc.Enabled {
		client := phonepe.NewClient(pc, timeout)
		strategies = append(strategies, channel.NewRedirectStrategy(channel.NewPhonePeRedirect(client), timeout))
		handlerOpts = append(handlerOpts, handler.WithPhonePe(client))
	}
	registry := channel.NewRegistry(strategies...)
	log.Info().Strs("channels", registry.IDs()).Msg("支付渠道已加载")

	orderService := service.NewOrderService(store, registry, locker, cfg)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store, publisher, cfg.Business.MaxRetryCount)
	go outboxSender.Start(ctx)

	expiryJob := job.NewOrderExpiryJob(orderService, cfg.Business.ExpiryScanInterval(), cfg.Business.ExpiryBatchSize)
	go expiryJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(orderService, handlerOpts...), cfg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("服务启动失败")
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("服务关闭异常")
	}

	log.Info().Msg("服务已关闭")
}

// openStore memory 驱动不需要数据库连接，返回的 *gorm.DB 为 nil
func openStore(cfg *config.Config) (repository.Store, *gorm.DB) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("使用内存存储，重启后数据丢失")
		return repository.NewMemoryStore(), nil
	}

	db, err := database.Open(&cfg.Database, repository.Models()...)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("数据库初始化失败")
	}
	return repository.NewGormStore(db), db
}
