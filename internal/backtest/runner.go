// internal/backtest/runner.go
// 回测器：在存储里的历史 K 线上滑动窗口，重放策略求值和风控，
// 成交走模拟执行器，没有任何实盘副作用。
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-script-trader/internal/execution"
	"futures-script-trader/internal/model"
	"futures-script-trader/internal/risk"
	"futures-script-trader/internal/script"
	"futures-script-trader/internal/service"
	"futures-script-trader/internal/store"

	"go.uber.org/zap"
)

// Runner 驱动一次完整回测。
type Runner struct {
	st       *store.Store
	sandbox  *script.Sandbox
	resolver *risk.Resolver
	logger   *zap.Logger

	WindowSize  int
	Constraints model.SymbolConstraints
}

// Report 是回测结果汇总。
type Report struct {
	Symbol         string
	Timeframe      string
	Evaluations    int
	StrategyErrors int
	Rejections     int
	InitialBalance float64
	FinalBalance   float64
	Trades         []model.TradeRecord
}

// WinRate 返回盈利笔数占已平仓笔数的比例，无成交时为 0。
func (r Report) WinRate() float64 {
	if len(r.Trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range r.Trades {
		if t.RealizedPnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(r.Trades))
}

func (r Report) String() string {
	return fmt.Sprintf("BACKTEST [%s %s] evaluations=%d trades=%d win_rate=%.1f%% balance %.2f -> %.2f (errors=%d rejections=%d)",
		r.Symbol, r.Timeframe, r.Evaluations, len(r.Trades), r.WinRate()*100,
		r.InitialBalance, r.FinalBalance, r.StrategyErrors, r.Rejections)
}

// NewRunner 创建回测器。windowSize 是每次求值可见的 K 线数。
func NewRunner(st *store.Store, sandbox *script.Sandbox, resolver *risk.Resolver, windowSize int, constraints model.SymbolConstraints, logger *zap.Logger) *Runner {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &Runner{
		st:          st,
		sandbox:     sandbox,
		resolver:    resolver,
		logger:      logger.With(zap.String("component", "backtest")),
		WindowSize:  windowSize,
		Constraints: constraints,
	}
}

// Run 在 [start, end] 的历史数据上回测一个策略定义。
// 脚本单次出错不中断回测，只计数后继续下一个窗口。
func (r *Runner) Run(ctx context.Context, def *script.Definition, start, end int64, paper *execution.PaperExecutor) (Report, error) {
	report := Report{
		Symbol:         def.Symbol,
		Timeframe:      def.Timeframe,
		InitialBalance: paper.Balance(),
	}

	candles, err := r.st.ReadRange(def.Symbol, def.Timeframe, start, end)
	if err != nil {
		return report, err
	}
	// 回测只认已收盘 K 线
	finals := candles[:0:0]
	for _, c := range candles {
		if c.IsFinal {
			finals = append(finals, c)
		}
	}
	if len(finals) < r.WindowSize+1 {
		return report, fmt.Errorf("need more than %d final candles, have %d: %w",
			r.WindowSize, len(finals), model.ErrConfiguration)
	}
	// 有缺口的历史会让窗口跨越不存在的时间段，直接拒绝
	intervalMs := service.IntervalMs(def.Timeframe)
	for i := 1; i < len(finals); i++ {
		if finals[i].OpenTime != finals[i-1].OpenTime+intervalMs {
			return report, fmt.Errorf("gap in %s %s history between %d and %d: %w",
				def.Symbol, def.Timeframe, finals[i-1].OpenTime, finals[i].OpenTime,
				model.ErrStoreInconsistency)
		}
	}

	currentCandle := finals[r.WindowSize-1]
	paper.SetClock(func() time.Time { return currentCandle.OpenAt() })

	for i := r.WindowSize; i <= len(finals); i++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		window := finals[i-r.WindowSize : i]
		currentCandle = window[len(window)-1]

		// 先用新 K 线驱动在途持仓的止损止盈
		paper.Mark(currentCandle)
		if paper.HasOpenPosition() {
			continue
		}

		account, _ := paper.Account(ctx)
		decision, err := r.sandbox.Evaluate(ctx, def, window, account.AvailableBalance)
		report.Evaluations++
		if err != nil {
			var serr *model.StrategyError
			if errors.As(err, &serr) {
				report.StrategyErrors++
				continue
			}
			return report, err
		}
		if !decision.ChosenAction.IsOpen() {
			continue
		}

		instr, err := r.resolver.Resolve(decision, r.Constraints, account, currentCandle.Close)
		if err != nil {
			if errors.Is(err, model.ErrRejected) {
				report.Rejections++
				continue
			}
			return report, err
		}
		if err := paper.Execute(ctx, instr); err != nil {
			return report, err
		}
	}

	// 收尾按最后一根收盘价强平
	last := finals[len(finals)-1]
	paper.CloseAll(last.Close, last.OpenAt())

	report.FinalBalance = paper.Balance()
	report.Trades = paper.Trades()
	r.logger.Info("Backtest finished", zap.String("report", report.String()))
	return report, nil
}
