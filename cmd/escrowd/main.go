package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/antigaming"
	"EgoMarket/internal/api"
	"EgoMarket/internal/auth"
	"EgoMarket/internal/config"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/ledger/rpc"
	"EgoMarket/internal/notify"
	"EgoMarket/internal/observability/alerting"
	"EgoMarket/internal/observability/metrics"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/storage/mysql"
	"EgoMarket/internal/storage/postgres"
	redisstore "EgoMarket/internal/storage/redis"
	"EgoMarket/internal/task"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// main 是 EgoMarket 托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

// closers 按注册的逆序释放资源。
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func closeQuietly(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.String("resource", name), slog.Any("error", err))
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logr := logger.Named("escrowd")

	var cleanup closers
	defer func() { cleanup.run() }()

	clk := clock.New()

	// 存储：任务与代理共享同一个 MySQL 连接池。
	taskStore, agentStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}

	eventLog, err := openEventLog(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	bus := events.NewBus(eventLog, clk)
	metrics.Subscribe(bus)

	sinks, err := openSinks(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(clk, cfg.Notify.Buffer, sinks...)

	chain, err := openLedger(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout(
		alerting.LogNotifier{},
		&alerting.OperatorNotifier{Notifier: dispatcher, Recipient: cfg.Notify.OperatorRecipient},
	)

	activity, err := openActivityStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	rep := reputation.NewService(agentStore,
		reputation.WithClock(clk),
		reputation.WithPolicy(cfg.ReputationPolicy()),
		reputation.WithEventBus(bus),
	)
	detector := antigaming.NewDetector(activity, rep,
		antigaming.WithConfig(cfg.DetectorConfig()),
		antigaming.WithClock(clk),
		antigaming.WithEventBus(bus),
		antigaming.WithNotifier(dispatcher),
	)
	tasks := task.NewService(taskStore,
		task.WithClock(clk),
		task.WithEventBus(bus),
		task.WithNotifier(dispatcher),
		task.WithPolicy(task.Policy{AgentMayDispute: cfg.Escrow.AgentMayDispute}),
	)
	tasks.SetAcceptanceGate(detector)
	cleanup.add(closeQuietly("task service", tasks))

	orch := escrow.NewOrchestrator(chain,
		escrow.WithConfig(cfg.EscrowSettings()),
		escrow.WithOrchestratorClock(clk),
		escrow.WithAlertDispatcher(alerts),
	)

	serviceWallet, err := openServiceWallet(cfg, chain)
	if err != nil {
		return err
	}
	var (
		mints     *escrow.MintScheduler
		custodial signing.Gateway
	)
	if serviceWallet != nil {
		custodial = signing.NewDirectGateway(serviceWallet)
		mints = escrow.NewMintScheduler(escrow.NewLedgerMinter(orch, custodial), agentStore,
			escrow.WithMintClock(clk),
			escrow.WithMintEventBus(bus),
			escrow.WithMintTiming(orch.Config().SettleDelay, orch.Config().MintBackoff),
		)
		detector.OnSuspend(mints.CancelAgent)
		cleanup.add(mints.Close)
		logr.Info("服务钱包已就绪", slog.String("address", serviceWallet.Address()))
	} else {
		logr.Warn("未配置服务钱包，信誉代币铸造与托管钱包均不可用", slog.String("env", cfg.Mint.ServiceKeyEnv))
	}

	reconciler := escrow.NewReconciler(orch, tasks, bus)
	cleanup.add(reconciler.Close)
	resumeReconciliation(ctx, tasks, reconciler)

	authSvc, err := auth.NewService(cfg.AuthServiceConfig())
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	inbox := api.NewSigningInbox(clk)
	remote := signing.NewRemoteGateway(chain, inbox,
		signing.WithClock(clk),
		signing.WithPollInterval(orch.Config().PollInterval),
		signing.WithSignWindow(cfg.SignWindow()),
	)

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Tasks: tasks,
		Settlement: escrow.NewSettlement(escrow.SettlementDeps{
			Tasks:        tasks,
			Orchestrator: orch,
			Reputation:   rep,
			Detector:     detector,
			Mints:        mints,
			Reconciler:   reconciler,
			Bus:          bus,
			Clock:        clk,
		}),
		Reputation: rep,
		Events:     eventLog,
		Auth:       authSvc,
		Remote:     remote,
		Inbox:      inbox,
		Custodial:  custodial,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })
	logr.Info("escrowd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("auth", string(authSvc.Mode())),
	)
	return group.Wait()
}

func openStores(ctx context.Context, cfg *config.Config) (task.Store, agent.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return task.NewMemoryStore(), agent.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		// 连接池由 task service 关闭，AgentStore 不再单独关闭。
		return mysql.NewTaskStore(db), mysql.NewAgentStore(db), nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openEventLog(ctx context.Context, cfg *config.Config, cleanup *closers) (events.Log, error) {
	switch cfg.EventLog.Driver {
	case "memory":
		return events.NewMemoryLog(), nil
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:      cfg.EventLog.Postgres.DSN,
			MaxConns: cfg.EventLog.Postgres.MaxConns,
			MinConns: cfg.EventLog.Postgres.MinConns,
		})
		if err != nil {
			return nil, err
		}
		eventLog := postgres.NewEventLog(pool)
		cleanup.add(eventLog.Close)
		if err := eventLog.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return eventLog, nil
	default:
		return nil, fmt.Errorf("未知的事件日志驱动: %s", cfg.EventLog.Driver)
	}
}

func openSinks(ctx context.Context, cfg *config.Config, cleanup *closers) ([]notify.Sink, error) {
	sinks := make([]notify.Sink, 0, len(cfg.Notify.Sinks))
	for _, name := range cfg.Notify.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.LogSink{})
		case "redis":
			sink, err := notify.NewRedisSink(ctx, notify.RedisConfig{
				Address:  cfg.Notify.Redis.Address,
				Password: cfg.Notify.Redis.Password,
				DB:       cfg.Notify.Redis.DB,
				Prefix:   cfg.Notify.Redis.Prefix,
			})
			if err != nil {
				return nil, err
			}
			cleanup.add(closeQuietly("redis sink", sink))
			sinks = append(sinks, sink)
		case "rabbitmq":
			sink, err := notify.NewRabbitMQSink(notify.RabbitMQConfig{
				URL:      cfg.Notify.RabbitMQ.URL,
				Exchange: cfg.Notify.RabbitMQ.Exchange,
				Queue:    cfg.Notify.RabbitMQ.Queue,
				Durable:  cfg.Notify.RabbitMQ.Durable,
			})
			if err != nil {
				return nil, err
			}
			cleanup.add(closeQuietly("rabbitmq sink", sink))
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("未知的通知渠道: %s", name)
		}
	}
	return sinks, nil
}

func openLedger(ctx context.Context, cfg *config.Config, cleanup *closers) (ledger.Client, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		chain := ledger.NewMemoryLedger(ledger.WithAutoMine(true))
		for _, addr := range cfg.Ledger.Faucet {
			chain.Faucet(addr, cfg.Ledger.FaucetCoins*ledger.NanoPerCoin)
		}
		return chain, nil
	case "rpc":
		registry, err := rpc.NewRegistry(ctx, cfg.Ledger.NodeConfig, cfg.Ledger.DefaultNode, cfg.Ledger.RPCURL)
		if err != nil {
			return nil, err
		}
		cleanup.add(registry.Close)
		logger.Named("escrowd").Info("账本节点已连接",
			slog.String("default", cfg.Ledger.DefaultNode),
			slog.String("nodes", strings.Join(registry.Nodes(), ",")))
		return registry.Default(), nil
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func openActivityStore(ctx context.Context, cfg *config.Config, cleanup *closers) (antigaming.ActivityStore, error) {
	switch cfg.AntiGaming.Store {
	case "memory":
		return antigaming.NewMemoryActivityStore(), nil
	case "redis":
		store, err := redisstore.NewActivityStore(ctx, redisstore.Config{
			Address:   cfg.AntiGaming.Redis.Address,
			Password:  cfg.AntiGaming.Redis.Password,
			DB:        cfg.AntiGaming.Redis.DB,
			Prefix:    cfg.AntiGaming.Redis.Prefix,
			Retention: cfg.ActivityRetention(),
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(closeQuietly("redis activity store", store))
		return store, nil
	default:
		return nil, fmt.Errorf("未知的活动存储: %s", cfg.AntiGaming.Store)
	}
}

// openServiceWallet 读取服务钱包私钥。内存账本下未配置时生成临时钱包并预置余额。
func openServiceWallet(cfg *config.Config, chain ledger.Client) (*signing.KeySigner, error) {
	raw := strings.TrimSpace(os.Getenv(cfg.Mint.ServiceKeyEnv))
	if raw != "" {
		return signing.KeySignerFromHex(raw)
	}
	mem, ok := chain.(*ledger.MemoryLedger)
	if !ok {
		return nil, nil
	}
	wallet, err := signing.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	mem.Faucet(wallet.Address(), 1000*ledger.NanoPerCoin)
	return wallet, nil
}

// resumeReconciliation 重新跟踪重启前已广播但未读回托管 box 的注资交易。
func resumeReconciliation(ctx context.Context, tasks *task.Service, reconciler *escrow.Reconciler) {
	pending, err := tasks.List(ctx, task.WithStatuses(task.StatusOpen), task.WithLimit(100))
	if err != nil {
		logger.Named("escrowd").Warn("加载待对账任务失败", slog.Any("error", err))
		return
	}
	for _, t := range pending {
		if t.EscrowTxID != "" && t.EscrowRef == "" {
			reconciler.Watch(t.ID, t.EscrowTxID, task.Actor{ID: t.Creator})
		}
	}
}
