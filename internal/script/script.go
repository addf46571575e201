// internal/script/script.go
// 策略定义的加载与沙箱求值。
// 脚本头部声明 timeframe/coin，正文是赋值语句，
// 约定必须产出布尔 condition_true，可选 action_if_true / action_if_false。
package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"
	"futures-script-trader/pkg/ta"

	"go.uber.org/zap"
)

var (
	timeframeHeader = regexp.MustCompile(`^\s*timeframe\s*=\s*"(.*)"\s*$`)
	coinHeader      = regexp.MustCompile(`^\s*coin\s*=\s*"(.*)"\s*$`)
	symbolPattern   = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)
)

// Definition 是一份解析完毕、可以反复求值的策略定义。
type Definition struct {
	Name      string
	Symbol    string
	Timeframe string

	stmts []assignStmt
}

// ParseDefinition 解析策略脚本。头部行在任何正文语句之前出现，
// 第一个非头部行之后不再识别头部。
func ParseDefinition(name, src, defaultSymbol, defaultTimeframe string) (*Definition, error) {
	def := &Definition{
		Name:      name,
		Symbol:    defaultSymbol,
		Timeframe: defaultTimeframe,
	}

	lines := strings.Split(src, "\n")
	headerDone := false
	var body []string
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if !headerDone {
			if m := timeframeHeader.FindStringSubmatch(stripped); m != nil {
				def.Timeframe = strings.TrimSpace(m[1])
				continue
			}
			if m := coinHeader.FindStringSubmatch(stripped); m != nil {
				def.Symbol = strings.TrimSpace(m[1])
				continue
			}
			if stripped != "" && !strings.HasPrefix(stripped, "#") {
				headerDone = true
			}
		}
		body = append(body, line)
	}

	if !service.IsValidInterval(def.Timeframe) {
		return nil, fmt.Errorf("strategy %s: invalid timeframe %q: %w", name, def.Timeframe, model.ErrConfiguration)
	}
	if !symbolPattern.MatchString(def.Symbol) {
		return nil, fmt.Errorf("strategy %s: invalid symbol %q: %w", name, def.Symbol, model.ErrConfiguration)
	}

	stmts, err := parseStatements(strings.Join(body, "\n"))
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	def.stmts = stmts
	return def, nil
}

// Sandbox 在受限环境里求值策略定义。
// 并发求值安全，每次求值一个独立 goroutine，互不影响。
type Sandbox struct {
	engine *ta.Engine
	logger *zap.Logger
}

// NewSandbox 创建沙箱，指标计算经 engine 分发。
func NewSandbox(engine *ta.Engine, logger *zap.Logger) *Sandbox {
	return &Sandbox{engine: engine, logger: logger.With(zap.String("component", "sandbox"))}
}

type evalResult struct {
	decision model.TradeDecision
	err      error
}

// Evaluate 对一个 K 线窗口求值策略，返回交易决策。
// 窗口会被拷贝成不可变快照，求值期间外部追加 K 线不会被脚本观察到。
// 脚本内部的任何错误或 panic 都被收敛为 *model.StrategyError，
// 只终止本次求值，不影响宿主和其他并发求值。
func (s *Sandbox) Evaluate(ctx context.Context, def *Definition, window []model.Candle, availableBalance float64) (model.TradeDecision, error) {
	if len(window) == 0 {
		return model.TradeDecision{}, &model.StrategyError{
			Strategy: def.Name,
			Err:      fmt.Errorf("empty candle window"),
		}
	}
	windowEnd := window[len(window)-1].OpenTime

	snapshot := make([]model.Candle, len(window))
	copy(snapshot, window)

	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		decision, err := s.run(ctx, def, snapshot, availableBalance)
		ch <- evalResult{decision: decision, err: err}
	}()

	var res evalResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.TradeDecision{}, ctx.Err()
	}

	if res.err != nil {
		serr := &model.StrategyError{Strategy: def.Name, WindowEnd: windowEnd, Err: res.err}
		s.logger.Warn("Strategy evaluation failed",
			zap.String("strategy", def.Name), zap.Int64("window_end", windowEnd), zap.Error(res.err))
		return model.TradeDecision{}, serr
	}

	result := "false"
	if res.decision.ConditionResult {
		result = "true"
	}
	service.MtxEvaluations.WithLabelValues(def.Name, result).Inc()
	return res.decision, nil
}

func (s *Sandbox) run(ctx context.Context, def *Definition, window []model.Candle, availableBalance float64) (model.TradeDecision, error) {
	e := newEnv(ctx, s.engine, window, availableBalance)

	for _, stmt := range def.stmts {
		v, err := e.eval(stmt.expr)
		if err != nil {
			return model.TradeDecision{}, fmt.Errorf("line %d: %w", stmt.line, err)
		}
		e.vars[stmt.name] = v
	}

	cond, ok := e.vars["condition_true"]
	if !ok {
		return model.TradeDecision{}, fmt.Errorf("script must assign a boolean condition_true")
	}
	if cond.kind != boolVal {
		return model.TradeDecision{}, fmt.Errorf("condition_true must be a boolean, got %s", cond.kindName())
	}

	chosen := "action_if_false"
	if cond.b {
		chosen = "action_if_true"
	}
	actionStr := string(model.ActionDoNothing)
	if v, ok := e.vars[chosen]; ok {
		if v.kind != stringVal {
			return model.TradeDecision{}, fmt.Errorf("%s must be a string, got %s", chosen, v.kindName())
		}
		actionStr = v.str
	}

	action, err := ParseAction(actionStr)
	if err != nil {
		return model.TradeDecision{}, err
	}

	return model.TradeDecision{
		Symbol:          def.Symbol,
		Timeframe:       def.Timeframe,
		ConditionResult: cond.b,
		ChosenAction:    action,
	}, nil
}
