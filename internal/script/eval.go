// internal/script/eval.go
// 表达式求值。能力表是脚本能触碰的全部边界：
// 预置变量 + 白名单函数，解释器本身不含任何进程/文件/网络原语，
// 名字不在表里即报错。
package script

import (
	"context"
	"fmt"
	"math"

	"futures-script-trader/internal/model"
	"futures-script-trader/pkg/ta"
)

type valueKind int

const (
	numberVal valueKind = iota
	boolVal
	stringVal
	seriesVal
)

// value 是脚本运行时的统一值类型。
type value struct {
	kind   valueKind
	num    float64
	b      bool
	str    string
	series []float64
}

func numValue(v float64) value    { return value{kind: numberVal, num: v} }
func boolValue(v bool) value      { return value{kind: boolVal, b: v} }
func strValue(v string) value     { return value{kind: stringVal, str: v} }
func seriesValue(s []float64) value { return value{kind: seriesVal, series: s} }

func (v value) kindName() string {
	switch v.kind {
	case numberVal:
		return "number"
	case boolVal:
		return "bool"
	case stringVal:
		return "string"
	default:
		return "series"
	}
}

type builtinFunc func(args []value) (value, error)

// env 是单次求值的执行环境，求值结束即丢弃。
type env struct {
	ctx    context.Context
	engine *ta.Engine
	window []model.Candle

	closes  []float64
	highs   []float64
	lows    []float64
	volumes []float64

	vars  map[string]value
	funcs map[string]builtinFunc
}

func newEnv(ctx context.Context, engine *ta.Engine, window []model.Candle, availableBalance float64) *env {
	e := &env{
		ctx:     ctx,
		engine:  engine,
		window:  window,
		closes:  ta.Closes(window),
		highs:   ta.Highs(window),
		lows:    ta.Lows(window),
		volumes: ta.Volumes(window),
		vars:    make(map[string]value, 16),
	}

	last := window[len(window)-1]
	previousClose := math.NaN()
	if len(window) > 1 {
		previousClose = window[len(window)-2].Close
	}
	e.vars["lastclose"] = numValue(last.Close)
	e.vars["open"] = numValue(last.Open)
	e.vars["high"] = numValue(last.High)
	e.vars["low"] = numValue(last.Low)
	e.vars["volume"] = numValue(last.Volume)
	e.vars["previousclose"] = numValue(previousClose)
	e.vars["averagevolume"] = numValue(ta.AverageVolume(e.volumes, 20))
	e.vars["available_balance"] = numValue(availableBalance)

	e.funcs = map[string]builtinFunc{
		"sma":         e.seriesIndicator("sma", func(p int) []float64 { return ta.SMA(e.closes, p) }),
		"ema":         e.seriesIndicator("ema", func(p int) []float64 { return ta.EMA(e.closes, p) }),
		"dema":        e.seriesIndicator("dema", func(p int) []float64 { return ta.DEMA(e.closes, p) }),
		"rsi":         e.seriesIndicator("rsi", func(p int) []float64 { return ta.RSI(e.closes, p) }),
		"atr":         e.seriesIndicator("atr", func(p int) []float64 { return ta.ATR(e.highs, e.lows, e.closes, p) }),
		"macd_line":   e.noArgIndicator(func() []float64 { line, _ := ta.MACD(e.closes); return line }),
		"macd_signal": e.noArgIndicator(func() []float64 { _, signal := ta.MACD(e.closes); return signal }),
		"obv":         e.noArgIndicator(func() []float64 { return ta.OBV(e.closes, e.volumes) }),
		"stoch_k":     e.noArgIndicator(func() []float64 { k, _ := ta.Stochastic(e.highs, e.lows, e.closes); return k }),
		"stoch_d":     e.noArgIndicator(func() []float64 { _, d := ta.Stochastic(e.highs, e.lows, e.closes); return d }),

		"zigzag_count":     e.zigzagCount,
		"has_divergence":   e.hasDivergence,
		"divergence_count": e.divergenceCount,

		"last":       fnLast,
		"prev":       fnPrev,
		"abs":        fnAbs,
		"min":        fnMinMax("min", math.Min),
		"max":        fnMinMax("max", math.Max),
		"nan":        func([]value) (value, error) { return numValue(math.NaN()), nil },
		"crossover":  fnCross(true),
		"crossunder": fnCross(false),
	}
	return e
}

// offload 把指标计算送上工作池并挂起等待。
func (e *env) offload(compute func()) error {
	return e.engine.Do(e.ctx, compute)
}

func (e *env) seriesIndicator(name string, compute func(period int) []float64) builtinFunc {
	return func(args []value) (value, error) {
		if len(args) != 1 || args[0].kind != numberVal {
			return value{}, fmt.Errorf("%s expects one numeric period argument", name)
		}
		period := int(args[0].num)
		if period <= 0 || period > len(e.window) {
			return value{}, fmt.Errorf("%s: period %d out of range for window of %d candles", name, period, len(e.window))
		}
		var out []float64
		if err := e.offload(func() { out = compute(period) }); err != nil {
			return value{}, err
		}
		return seriesValue(out), nil
	}
}

func (e *env) noArgIndicator(compute func() []float64) builtinFunc {
	return func(args []value) (value, error) {
		if len(args) != 0 {
			return value{}, fmt.Errorf("indicator takes no arguments")
		}
		var out []float64
		if err := e.offload(func() { out = compute() }); err != nil {
			return value{}, err
		}
		return seriesValue(out), nil
	}
}

func (e *env) zigzagCount(args []value) (value, error) {
	if len(args) != 0 {
		return value{}, fmt.Errorf("zigzag_count takes no arguments")
	}
	var n int
	if err := e.offload(func() { n = len(ta.ZigZag(e.closes, 0)) }); err != nil {
		return value{}, err
	}
	return numValue(float64(n)), nil
}

func (e *env) divergences(kind string, left, right int) ([]model.Divergence, error) {
	switch model.DivergenceKind(kind) {
	case model.DivergenceBullish, model.DivergenceBearish,
		model.DivergenceHiddenBullish, model.DivergenceHiddenBearish:
	default:
		return nil, fmt.Errorf("unknown divergence kind %q", kind)
	}
	if left < 0 || right < 0 {
		return nil, fmt.Errorf("divergence windows must be non-negative")
	}
	var found []model.Divergence
	err := e.offload(func() {
		osc := ta.RSI(e.closes, 14)
		swings := ta.ZigZag(e.closes, 0)
		for _, d := range ta.DetectDivergences(osc, swings, e.window, left, right) {
			if string(d.Kind) == kind {
				found = append(found, d)
			}
		}
	})
	return found, err
}

func (e *env) hasDivergence(args []value) (value, error) {
	kind, left, right, err := divergenceArgs("has_divergence", args)
	if err != nil {
		return value{}, err
	}
	found, err := e.divergences(kind, left, right)
	if err != nil {
		return value{}, err
	}
	return boolValue(len(found) > 0), nil
}

func (e *env) divergenceCount(args []value) (value, error) {
	kind, left, right, err := divergenceArgs("divergence_count", args)
	if err != nil {
		return value{}, err
	}
	found, err := e.divergences(kind, left, right)
	if err != nil {
		return value{}, err
	}
	return numValue(float64(len(found))), nil
}

func divergenceArgs(name string, args []value) (kind string, left, right int, err error) {
	if len(args) != 3 || args[0].kind != stringVal || args[1].kind != numberVal || args[2].kind != numberVal {
		return "", 0, 0, fmt.Errorf("%s expects (kind, left_window, right_window)", name)
	}
	return args[0].str, int(args[1].num), int(args[2].num), nil
}

func fnLast(args []value) (value, error) {
	if len(args) != 1 || args[0].kind != seriesVal {
		return value{}, fmt.Errorf("last expects one series argument")
	}
	return numValue(seriesAt(args[0].series, -1)), nil
}

func fnPrev(args []value) (value, error) {
	if len(args) != 1 || args[0].kind != seriesVal {
		return value{}, fmt.Errorf("prev expects one series argument")
	}
	return numValue(seriesAt(args[0].series, -2)), nil
}

func fnAbs(args []value) (value, error) {
	if len(args) != 1 || args[0].kind != numberVal {
		return value{}, fmt.Errorf("abs expects one number argument")
	}
	return numValue(math.Abs(args[0].num)), nil
}

func fnMinMax(name string, pick func(a, b float64) float64) builtinFunc {
	return func(args []value) (value, error) {
		if len(args) < 2 {
			return value{}, fmt.Errorf("%s expects at least two number arguments", name)
		}
		acc := math.NaN()
		for i, a := range args {
			if a.kind != numberVal {
				return value{}, fmt.Errorf("%s expects number arguments", name)
			}
			if i == 0 {
				acc = a.num
			} else {
				acc = pick(acc, a.num)
			}
		}
		return numValue(acc), nil
	}
}

// fnCross 构造 crossover/crossunder。
// 第二个参数可以是序列也可以是常数阈值。
func fnCross(over bool) builtinFunc {
	return func(args []value) (value, error) {
		if len(args) != 2 || args[0].kind != seriesVal {
			return value{}, fmt.Errorf("cross functions expect (series, series_or_number)")
		}
		aLast := seriesAt(args[0].series, -1)
		aPrev := seriesAt(args[0].series, -2)
		var bLast, bPrev float64
		switch args[1].kind {
		case seriesVal:
			bLast = seriesAt(args[1].series, -1)
			bPrev = seriesAt(args[1].series, -2)
		case numberVal:
			bLast, bPrev = args[1].num, args[1].num
		default:
			return value{}, fmt.Errorf("cross functions expect (series, series_or_number)")
		}
		if over {
			return boolValue(aLast > bLast && aPrev <= bPrev), nil
		}
		return boolValue(aLast < bLast && aPrev >= bPrev), nil
	}
}

// seriesAt 支持负索引取值，越界或 NaN 区间返回 NaN。
func seriesAt(s []float64, idx int) float64 {
	if idx < 0 {
		idx += len(s)
	}
	if idx < 0 || idx >= len(s) {
		return math.NaN()
	}
	return s[idx]
}

// eval 递归求值表达式。
func (e *env) eval(x expr) (value, error) {
	switch n := x.(type) {
	case numberLit:
		return numValue(n.value), nil
	case stringLit:
		return strValue(n.value), nil
	case boolLit:
		return boolValue(n.value), nil

	case identExpr:
		if v, ok := e.vars[n.name]; ok {
			return v, nil
		}
		return value{}, fmt.Errorf("unknown name %q", n.name)

	case unaryExpr:
		v, err := e.eval(n.x)
		if err != nil {
			return value{}, err
		}
		if n.op == "not" {
			if v.kind != boolVal {
				return value{}, fmt.Errorf("not applied to %s", v.kindName())
			}
			return boolValue(!v.b), nil
		}
		if v.kind != numberVal {
			return value{}, fmt.Errorf("unary minus applied to %s", v.kindName())
		}
		return numValue(-v.num), nil

	case indexExpr:
		base, err := e.eval(n.x)
		if err != nil {
			return value{}, err
		}
		if base.kind != seriesVal {
			return value{}, fmt.Errorf("cannot index %s", base.kindName())
		}
		idx, err := e.eval(n.idx)
		if err != nil {
			return value{}, err
		}
		if idx.kind != numberVal {
			return value{}, fmt.Errorf("series index must be a number")
		}
		return numValue(seriesAt(base.series, int(idx.num))), nil

	case callExpr:
		fn, ok := e.funcs[n.name]
		if !ok {
			return value{}, fmt.Errorf("unknown function %q", n.name)
		}
		args := make([]value, len(n.args))
		for i, a := range n.args {
			v, err := e.eval(a)
			if err != nil {
				return value{}, err
			}
			args[i] = v
		}
		return fn(args)

	case binaryExpr:
		return e.evalBinary(n)
	}
	return value{}, fmt.Errorf("unsupported expression")
}

func (e *env) evalBinary(n binaryExpr) (value, error) {
	// and/or 短路求值
	if n.op == "and" || n.op == "or" {
		l, err := e.eval(n.l)
		if err != nil {
			return value{}, err
		}
		if l.kind != boolVal {
			return value{}, fmt.Errorf("%s applied to %s", n.op, l.kindName())
		}
		if n.op == "and" && !l.b {
			return boolValue(false), nil
		}
		if n.op == "or" && l.b {
			return boolValue(true), nil
		}
		r, err := e.eval(n.r)
		if err != nil {
			return value{}, err
		}
		if r.kind != boolVal {
			return value{}, fmt.Errorf("%s applied to %s", n.op, r.kindName())
		}
		return boolValue(r.b), nil
	}

	l, err := e.eval(n.l)
	if err != nil {
		return value{}, err
	}
	r, err := e.eval(n.r)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case "==", "!=":
		eq, err := valuesEqual(l, r)
		if err != nil {
			return value{}, err
		}
		if n.op == "!=" {
			eq = !eq
		}
		return boolValue(eq), nil

	case "<", "<=", ">", ">=":
		if l.kind != numberVal || r.kind != numberVal {
			return value{}, fmt.Errorf("comparison %s needs numbers, got %s and %s", n.op, l.kindName(), r.kindName())
		}
		// NaN 参与的比较一律为 false
		var res bool
		switch n.op {
		case "<":
			res = l.num < r.num
		case "<=":
			res = l.num <= r.num
		case ">":
			res = l.num > r.num
		case ">=":
			res = l.num >= r.num
		}
		return boolValue(res), nil

	case "+", "-", "*", "/", "%":
		if l.kind != numberVal || r.kind != numberVal {
			return value{}, fmt.Errorf("arithmetic %s needs numbers, got %s and %s", n.op, l.kindName(), r.kindName())
		}
		switch n.op {
		case "+":
			return numValue(l.num + r.num), nil
		case "-":
			return numValue(l.num - r.num), nil
		case "*":
			return numValue(l.num * r.num), nil
		case "/":
			return numValue(l.num / r.num), nil
		default:
			return numValue(math.Mod(l.num, r.num)), nil
		}
	}
	return value{}, fmt.Errorf("unsupported operator %q", n.op)
}

func valuesEqual(l, r value) (bool, error) {
	if l.kind != r.kind {
		return false, fmt.Errorf("cannot compare %s with %s", l.kindName(), r.kindName())
	}
	switch l.kind {
	case numberVal:
		return l.num == r.num, nil
	case boolVal:
		return l.b == r.b, nil
	case stringVal:
		return l.str == r.str, nil
	}
	return false, fmt.Errorf("series values cannot be compared for equality")
}
