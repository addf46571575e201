// internal/script/action.go
// 动作表达式解析：donothing / long(...) / short(...)。
// 语法: long(<risk>%risk@<lev>x,sl=<pct>%,rr=<ratio>)
package script

import (
	"fmt"
	"regexp"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"
)

var actionPattern = regexp.MustCompile(
	`^(long|short)\((\d+\.?\d*)%risk@(\d+\.?\d*)x,sl=(\d+\.?\d*)%,rr=(\d+\.?\d*)\)$`)

// ParseAction 把动作字符串解析为结构化 Action。
// 格式或取值非法时返回错误，调用方包装成 StrategyError，
// 绝不静默降级为 donothing。
func ParseAction(s string) (model.Action, error) {
	if s == string(model.ActionDoNothing) {
		return model.Action{Kind: model.ActionDoNothing}, nil
	}

	m := actionPattern.FindStringSubmatch(s)
	if m == nil {
		return model.Action{}, fmt.Errorf("malformed action expression %q", s)
	}

	risk, err := service.StringToFloat(m[2])
	if err != nil {
		return model.Action{}, fmt.Errorf("bad risk in action %q: %w", s, err)
	}
	lev, err := service.StringToFloat(m[3])
	if err != nil {
		return model.Action{}, fmt.Errorf("bad leverage in action %q: %w", s, err)
	}
	sl, err := service.StringToFloat(m[4])
	if err != nil {
		return model.Action{}, fmt.Errorf("bad stop loss in action %q: %w", s, err)
	}
	rr, err := service.StringToFloat(m[5])
	if err != nil {
		return model.Action{}, fmt.Errorf("bad reward ratio in action %q: %w", s, err)
	}

	if risk <= 0 || risk > 100 {
		return model.Action{}, fmt.Errorf("risk percent %g out of range (0, 100] in %q", risk, s)
	}
	if lev < 1 {
		return model.Action{}, fmt.Errorf("leverage %g below 1 in %q", lev, s)
	}
	if sl <= 0 || sl >= 100 {
		return model.Action{}, fmt.Errorf("stop loss percent %g out of range (0, 100) in %q", sl, s)
	}
	if rr <= 0 {
		return model.Action{}, fmt.Errorf("reward ratio %g must be positive in %q", rr, s)
	}

	kind := model.ActionOpenLong
	if m[1] == "short" {
		kind = model.ActionOpenShort
	}
	return model.Action{
		Kind:        kind,
		RiskPct:     risk,
		Leverage:    lev,
		StopLossPct: sl,
		RewardRatio: rr,
	}, nil
}
