package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-script-trader/internal/backtest"
	"futures-script-trader/internal/charts"
	"futures-script-trader/internal/execution"
	"futures-script-trader/internal/feed"
	"futures-script-trader/internal/gateway"
	"futures-script-trader/internal/model"
	"futures-script-trader/internal/risk"
	"futures-script-trader/internal/script"
	"futures-script-trader/internal/service"
	"futures-script-trader/internal/store"
	"futures-script-trader/pkg/ta"

	"go.uber.org/zap"
)

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	// 密钥只在这里加载一次，注入网关后不再出现在任何存储里
	creds := service.LoadCredentials()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		service.Logger.Fatal("Store open failed", zap.Error(err))
	}
	defer st.Close()

	historyFloor, err := time.Parse("2006-01-02", cfg.Gateway.HistoryFloor)
	if err != nil {
		service.Logger.Fatal("Invalid Gateway.HistoryFloor", zap.Error(err))
	}
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Exchange.RESTURL,
		APIKey:        creds.APIKey,
		APISecret:     creds.APISecret,
		MaxInFlight:   cfg.Gateway.MaxInFlight,
		MinRequestGap: cfg.Gateway.MinRequestGap,
		BatchSize:     cfg.Gateway.BatchSize,
		MaxAttempts:   cfg.Gateway.MaxAttempts,
		RecvWindow:    cfg.Gateway.RecvWindow,
		HistoryFloor:  historyFloor,
	}, st, service.Logger)
	if err != nil {
		service.Logger.Fatal("Gateway init failed", zap.Error(err))
	}

	if err := gw.SyncTime(ctx); err != nil {
		service.Logger.Fatal("Exchange time sync failed", zap.Error(err))
	}
	if err := gw.RefreshConstraints(ctx); err != nil {
		service.Logger.Fatal("Symbol constraint refresh failed", zap.Error(err))
	}

	engine := ta.NewEngine(ta.DefaultWorkers)
	defer engine.Close()
	sandbox := script.NewSandbox(engine, service.Logger)
	fd := feed.NewManager(cfg.Exchange.WSURL, cfg.Feed.ReconnectDelay, gw, st, service.Logger)
	defer fd.Close()

	if cfg.Charts.Listen != "" {
		chartSrv := charts.NewServer(cfg.Charts.Listen, st, service.Logger)
		go func() {
			if err := chartSrv.Start(); err != nil {
				service.Logger.Error("Charts server failed", zap.Error(err))
			}
		}()
		defer chartSrv.Shutdown(context.Background())
	}

	go maintenanceLoop(ctx, st, gw, cfg)

	// 每个交易实例一条隔离的业务流水线
	for instanceName, instanceCfg := range cfg.Instances {
		service.Logger.Info(fmt.Sprintf("Instance: %s, Symbol: %s, Mode: %s",
			instanceName, instanceCfg.Symbol, instanceCfg.Mode))

		go func(name string, instance service.InstanceConfig) {
			logger := service.Logger.With(zap.String("Instance", name), zap.String("Symbol", instance.Symbol))

			src, err := os.ReadFile(instance.ScriptFile)
			if err != nil {
				logger.Error("Strategy script load failed", zap.Error(err))
				return
			}
			def, err := script.ParseDefinition(name, string(src), instance.Symbol, instance.Timeframe)
			if err != nil {
				logger.Error("Strategy script parse failed", zap.Error(err))
				return
			}

			resolver := risk.NewResolver(instance.Risk.MaintenanceMarginRate)
			switch instance.Mode {
			case "backtest":
				runBacktest(ctx, logger, st, gw, sandbox, resolver, def, instance)
			default:
				runLive(ctx, logger, st, gw, fd, sandbox, resolver, def, instance)
			}
		}(instanceName, instanceCfg)
	}

	<-ctx.Done()
	service.Logger.Info("Shutting down")
}

// runLive 驱动一个实盘实例：补历史 -> 订阅推流 -> 逐根收盘 K 线求值。
func runLive(ctx context.Context, logger *zap.Logger, st *store.Store, gw *gateway.Client,
	fd *feed.Manager, sandbox *script.Sandbox, resolver *risk.Resolver,
	def *script.Definition, instance service.InstanceConfig) {

	windowSize := instance.WindowSize
	if windowSize <= 0 {
		windowSize = 200
	}

	// 先把窗口需要的历史补进存储
	intervalMs := service.IntervalMs(def.Timeframe)
	backfillStart := service.AlignOpenTime(gw.ServerNow()-int64(windowSize+5)*intervalMs, def.Timeframe)
	hist, err := gw.FetchCandles(ctx, def.Symbol, def.Timeframe, backfillStart, 0)
	if err != nil {
		logger.Error("History backfill failed", zap.Error(err))
		return
	}
	for _, c := range hist {
		if err := st.AppendOrUpdate(def.Symbol, def.Timeframe, c); err != nil {
			logger.Error("History write failed", zap.Error(err))
			return
		}
	}

	updates, err := fd.Subscribe(def.Symbol, def.Timeframe)
	if err != nil {
		logger.Error("Feed subscription failed", zap.Error(err))
		return
	}
	logger.Info("Live pipeline started", zap.String("timeframe", def.Timeframe))

	executor := execution.NewLiveExecutor(gw, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-updates:
			if !ok {
				logger.Error("Feed stream closed, pipeline stopped")
				return
			}
			// 只有收盘 K 线驱动决策
			if !candle.IsFinal {
				continue
			}
			evaluateAndTrade(ctx, logger, st, gw, sandbox, resolver, executor, def, windowSize, candle)
		}
	}
}

// evaluateAndTrade 执行一轮 评估 -> 风控 -> 执行。
// 单次策略错误和风控拒绝都只记日志，不中断流水线。
func evaluateAndTrade(ctx context.Context, logger *zap.Logger, st *store.Store, gw *gateway.Client,
	sandbox *script.Sandbox, resolver *risk.Resolver, executor execution.Executor,
	def *script.Definition, windowSize int, latest model.Candle) {

	window, err := st.ReadRange(def.Symbol, def.Timeframe, 0, latest.OpenTime)
	if err != nil {
		logger.Error("Window read failed", zap.Error(err))
		return
	}
	finals := window[:0:0]
	for _, c := range window {
		if c.IsFinal {
			finals = append(finals, c)
		}
	}
	if len(finals) < windowSize {
		logger.Debug("Not enough history yet", zap.Int("have", len(finals)), zap.Int("need", windowSize))
		return
	}
	finals = finals[len(finals)-windowSize:]

	account, err := executor.Account(ctx)
	if err != nil {
		logger.Error("Account state fetch failed", zap.Error(err))
		return
	}

	decision, err := sandbox.Evaluate(ctx, def, finals, account.AvailableBalance)
	if err != nil {
		var serr *model.StrategyError
		if errors.As(err, &serr) {
			logger.Warn("Strategy error, skipping this candle", zap.Error(serr))
			return
		}
		logger.Error("Evaluation failed", zap.Error(err))
		return
	}
	if !decision.ChosenAction.IsOpen() {
		return
	}
	logger.Info("!!! NEW TRADING SIGNAL !!!", zap.String("action", decision.ChosenAction.String()))

	constraints, err := gw.FetchConstraints(ctx, def.Symbol)
	if err != nil {
		logger.Error("Constraint fetch failed", zap.Error(err))
		return
	}
	instr, err := resolver.Resolve(decision, constraints, account, latest.Close)
	if err != nil {
		if errors.Is(err, model.ErrRejected) {
			logger.Warn("Order rejected by risk resolver", zap.Error(err))
			return
		}
		logger.Error("Risk resolution failed", zap.Error(err))
		return
	}
	if err := executor.Execute(ctx, instr); err != nil {
		logger.Error("Order execution failed", zap.Error(err))
		return
	}
	logger.Info("Order executed", zap.String("instruction", instr.String()))
}

// runBacktest 补足历史后跑一轮回测并输出报告。
func runBacktest(ctx context.Context, logger *zap.Logger, st *store.Store, gw *gateway.Client,
	sandbox *script.Sandbox, resolver *risk.Resolver, def *script.Definition, instance service.InstanceConfig) {

	end := gw.ServerNow()
	start := end - 365*24*int64(time.Hour/time.Millisecond)
	hist, err := gw.FetchCandles(ctx, def.Symbol, def.Timeframe, start, end)
	if err != nil {
		logger.Error("Backtest history fetch failed", zap.Error(err))
		return
	}
	for _, c := range hist {
		if err := st.AppendOrUpdate(def.Symbol, def.Timeframe, c); err != nil {
			logger.Error("Backtest history write failed", zap.Error(err))
			return
		}
	}

	constraints, err := gw.FetchConstraints(ctx, def.Symbol)
	if err != nil {
		logger.Error("Constraint fetch failed", zap.Error(err))
		return
	}

	initial := instance.Risk.InitialBalance
	if initial <= 0 {
		initial = 10000
	}
	paper := execution.NewPaperExecutor(initial, logger)
	runner := backtest.NewRunner(st, sandbox, resolver, instance.WindowSize, constraints, logger)
	report, err := runner.Run(ctx, def, start, end, paper)
	if err != nil {
		logger.Error("Backtest failed", zap.Error(err))
		return
	}
	logger.Info("Backtest report", zap.String("summary", report.String()))
}

// maintenanceLoop 每天整理一次存储并刷新交易所约束。
// 纯维护任务，失败只记日志，不影响交易主路径。
func maintenanceLoop(ctx context.Context, st *store.Store, gw *gateway.Client, cfg *service.Config) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, instance := range cfg.Instances {
				if err := st.Trim(instance.Symbol, instance.Timeframe, cfg.Store.MaxHistory); err != nil {
					service.Logger.Warn("Store trim failed", zap.Error(err))
				}
			}
			if err := st.Vacuum(); err != nil {
				service.Logger.Warn("Store vacuum failed", zap.Error(err))
			}
			if err := gw.RefreshConstraints(ctx); err != nil {
				service.Logger.Warn("Constraint refresh failed", zap.Error(err))
			}
			service.Logger.Info("Daily maintenance completed")
		}
	}
}
