package model

import (
	"errors"
	"fmt"
	"time"
)

// 错误分类：
//   - ErrConfiguration: 配置/调用方错误 (签名材料缺失、时间戳早于数据下限等)，致命，绝不重试
//   - ErrRateLimited:   交易所限频 (HTTP 429)，退避重试耗尽后才暴露给调用方
//   - ErrUnavailable:   瞬时网络故障，小次数重试耗尽后暴露
//   - ErrRejected:      风控层拒绝生成订单，非致命
//   - ErrStoreInconsistency: K 线存储出现缺口或乱序写入
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrRateLimited        = errors.New("rate limited by exchange")
	ErrUnavailable        = errors.New("exchange unavailable")
	ErrRejected           = errors.New("order rejected")
	ErrStoreInconsistency = errors.New("candle store inconsistency")
)

// ErrBelowMinimum 是 ErrRejected 的特化：收敛后的数量低于交易所最小值。
var ErrBelowMinimum = fmt.Errorf("quantity below exchange minimum: %w", ErrRejected)

// StrategyError 包装一次脚本评估内部的失败。
// 携带策略标识和窗口末端时间戳，方便不复现也能定位；
// 它只终止当前这一次评估，绝不影响其他并发评估或宿主进程。
type StrategyError struct {
	Strategy  string
	WindowEnd int64 // 评估窗口最后一根 K 线的 OpenTime (毫秒)
	Err       error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %q failed at window end %s: %v",
		e.Strategy, time.UnixMilli(e.WindowEnd).UTC().Format(time.RFC3339), e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
