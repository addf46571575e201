// internal/feed/manager.go
// 行情推流管理器：每个 symbol/interval 一条 websocket 订阅。
// 状态机: Disconnected -> Connecting -> Streaming -> Disconnected (出错)
//         -> (固定延迟) -> Connecting -> ...，只有显式退订进入 Closed。
// 对消费者承诺：
//   - 内部重连对消费者透明，拿到的 channel 是一条连续的逻辑流
//   - 已收盘 K 线的 OpenTime 严格单调递增，乱序/重复直接丢弃
//   - 断线期间漏掉的区间先通过网关补齐，再恢复实时推送
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"futures-script-trader/internal/gateway"
	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"
	"futures-script-trader/internal/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State 是单条订阅的连接状态。
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateStreaming    State = "STREAMING"
	StateClosed       State = "CLOSED"
)

// Dialer 抽象 websocket 拨号，测试时注入假实现。
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Manager 管理全部行情订阅。
type Manager struct {
	wsURL          string
	reconnectDelay time.Duration
	gw             *gateway.Client
	st             *store.Store
	logger         *zap.Logger
	dial           Dialer

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	symbol     string
	interval   string
	intervalMs int64
	out        chan model.Candle
	cancel     context.CancelFunc
	logger     *zap.Logger

	// 仅由该订阅的 run goroutine 访问
	state     State
	lastFinal int64 // 最后一根已提交收盘 K 线的 OpenTime，0 表示还没有
}

// NewManager 构建推流管理器。
func NewManager(wsURL string, reconnectDelay time.Duration, gw *gateway.Client, st *store.Store, logger *zap.Logger) *Manager {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Manager{
		wsURL:          wsURL,
		reconnectDelay: reconnectDelay,
		gw:             gw,
		st:             st,
		logger:         logger.With(zap.String("component", "feed")),
		dial:           defaultDialer,
		subs:           map[string]*subscription{},
	}
}

// SetDialer 覆盖拨号实现 (测试用)。必须在 Subscribe 之前调用。
func (m *Manager) SetDialer(d Dialer) { m.dial = d }

func subKey(symbol, interval string) string { return symbol + "|" + interval }

// Subscribe 开始一条推流订阅，返回惰性无限的 K 线更新流。
// 重连由管理器内部处理，消费者不需要重新订阅。
func (m *Manager) Subscribe(symbol, interval string) (<-chan model.Candle, error) {
	intervalMs := service.IntervalMs(interval)
	if intervalMs == 0 {
		return nil, fmt.Errorf("invalid interval %q: %w", interval, model.ErrConfiguration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey(symbol, interval)
	if _, ok := m.subs[key]; ok {
		return nil, fmt.Errorf("already subscribed to %s %s: %w", symbol, interval, model.ErrConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		symbol:     symbol,
		interval:   interval,
		intervalMs: intervalMs,
		out:        make(chan model.Candle, 256),
		cancel:     cancel,
		logger:     m.logger.With(zap.String("symbol", symbol), zap.String("interval", interval)),
		state:      StateDisconnected,
	}

	// 从存储接上上次的进度，保证重启后单调性不回退
	if last, err := m.st.LastFinal(symbol, interval); err == nil && last != nil {
		sub.lastFinal = last.OpenTime
	}

	m.subs[key] = sub
	go m.run(ctx, sub)
	return sub.out, nil
}

// Unsubscribe 终止订阅并关闭其输出 channel (终态 Closed)。
func (m *Manager) Unsubscribe(symbol, interval string) {
	m.mu.Lock()
	sub, ok := m.subs[subKey(symbol, interval)]
	if ok {
		delete(m.subs, subKey(symbol, interval))
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close 终止全部订阅。
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = map[string]*subscription{}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

func (s *subscription) setState(next State) {
	if s.state != next {
		s.logger.Debug("Feed state transition",
			zap.String("from", string(s.state)), zap.String("to", string(next)))
		s.state = next
	}
}

// run 是订阅的主循环：连接 -> 补缺口 -> 读流 -> 掉线 -> 固定延迟重连。
// 退避延迟只阻塞本订阅的 goroutine。
func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer close(sub.out)
	defer sub.setState(StateClosed)

	streamURL := fmt.Sprintf("%s/ws/%s@kline_%s",
		strings.TrimRight(m.wsURL, "/"), strings.ToLower(sub.symbol), sub.interval)

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			// 固定重连延迟，哪怕上次是瞬间失败也不能跳过
			sub.setState(StateDisconnected)
			service.MtxFeedReconnects.WithLabelValues(sub.symbol, sub.interval).Inc()
			if sleepCtx(ctx, m.reconnectDelay) != nil {
				return
			}
		}
		first = false

		sub.setState(StateConnecting)
		conn, err := m.dial(ctx, streamURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.logger.Error("Feed dial failed, will retry",
				zap.Duration("delay", m.reconnectDelay), zap.Error(err))
			continue
		}

		// 恢复实时推送前先把断线期间的缺口补上，保证存储连续
		if err := m.reconcile(ctx, sub, 0); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			sub.logger.Error("Gap reconciliation failed, feed stopped for this stream", zap.Error(err))
			// 只对本 symbol/interval 致命，其他订阅不受影响
			return
		}

		sub.setState(StateStreaming)
		m.readLoop(ctx, conn, sub)
		conn.Close()
	}
}

// wsKlineEvent 是交易所 kline 推送的报文结构。
type wsKlineEvent struct {
	Event string `json:"e"`
	K     struct {
		Start    int64  `json:"t"`
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Final    bool   `json:"x"`
	} `json:"k"`
}

// readLoop 持续读取推送并处理，出错即返回交给 run 重连。
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, sub *subscription) {
	// ctx 取消时踢掉阻塞中的 Read，让挂起的订阅迅速释放
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				sub.logger.Warn("Feed read error, reconnecting", zap.Error(err))
			}
			return
		}

		var evt wsKlineEvent
		if err := json.Unmarshal(message, &evt); err != nil || evt.Event != "kline" {
			continue
		}

		candle, err := parseEventCandle(evt)
		if err != nil {
			sub.logger.Warn("Invalid kline payload dropped", zap.Error(err))
			continue
		}

		if !candle.IsFinal {
			m.handlePartial(sub, candle)
			continue
		}
		if err := m.handleFinal(ctx, sub, candle); err != nil {
			if ctx.Err() == nil {
				sub.logger.Error("Final candle commit failed, feed stopped for this stream", zap.Error(err))
			}
			sub.cancel()
			return
		}
	}
}

func parseEventCandle(evt wsKlineEvent) (model.Candle, error) {
	open, err1 := service.StringToFloat(evt.K.Open)
	high, err2 := service.StringToFloat(evt.K.High)
	low, err3 := service.StringToFloat(evt.K.Low)
	closeP, err4 := service.StringToFloat(evt.K.Close)
	volume, err5 := service.StringToFloat(evt.K.Volume)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return model.Candle{}, err
		}
	}
	if high < low {
		return model.Candle{}, fmt.Errorf("kline high %g below low %g", high, low)
	}
	return model.Candle{
		OpenTime: evt.K.Start,
		Open:     open, High: high, Low: low, Close: closeP, Volume: volume,
		IsFinal: evt.K.Final,
	}, nil
}

// handlePartial 用最新快照覆盖当前未收盘 K 线。
// 针对已提交周期的迟到快照直接丢弃 (已收盘 K 线不可变)。
func (m *Manager) handlePartial(sub *subscription, candle model.Candle) {
	if candle.OpenTime <= sub.lastFinal {
		return
	}
	if err := m.st.AppendOrUpdate(sub.symbol, sub.interval, candle); err != nil {
		sub.logger.Warn("Partial update write failed", zap.Error(err))
		return
	}
	// 未收盘快照允许在消费者跟不上时丢弃
	select {
	case sub.out <- candle:
	default:
	}
}

// handleFinal 提交一根收盘 K 线。
// 单调性保证：OpenTime <= lastFinal 的收盘推送丢弃不转发；
// 出现跳空先通过网关补齐中间区间。
func (m *Manager) handleFinal(ctx context.Context, sub *subscription, candle model.Candle) error {
	if candle.OpenTime <= sub.lastFinal {
		service.MtxFeedDroppedFinals.WithLabelValues(sub.symbol, sub.interval).Inc()
		sub.logger.Warn("Out-of-order final candle dropped",
			zap.Int64("open_time", candle.OpenTime), zap.Int64("last_final", sub.lastFinal))
		return nil
	}

	if sub.lastFinal > 0 && candle.OpenTime > sub.lastFinal+sub.intervalMs {
		// 存储出现缺口：先补齐 (lastFinal, candle.OpenTime) 再提交当前
		if err := m.reconcile(ctx, sub, candle.OpenTime-1); err != nil {
			return fmt.Errorf("reconcile gap before %d: %w", candle.OpenTime, err)
		}
	}

	if err := m.st.AppendOrUpdate(sub.symbol, sub.interval, candle); err != nil {
		return err
	}
	sub.lastFinal = candle.OpenTime

	// 收盘 K 线是策略的驱动事件，不允许静默丢弃
	select {
	case sub.out <- candle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcile 通过网关补齐 (lastFinal, until] 缺失的收盘 K 线并转发给消费者。
// until=0 表示补到当前时间。没有历史进度时无事可做。
func (m *Manager) reconcile(ctx context.Context, sub *subscription, until int64) error {
	if sub.lastFinal == 0 {
		return nil
	}
	start := sub.lastFinal + sub.intervalMs
	if until == 0 {
		until = m.gw.ServerNow()
	}
	if start > until {
		return nil
	}

	candles, err := m.gw.FetchCandles(ctx, sub.symbol, sub.interval, start, until)
	if err != nil {
		return err
	}
	committed := 0
	for _, c := range candles {
		if !c.IsFinal || c.OpenTime <= sub.lastFinal {
			continue
		}
		if err := m.st.AppendOrUpdate(sub.symbol, sub.interval, c); err != nil {
			return err
		}
		sub.lastFinal = c.OpenTime
		committed++
		select {
		case sub.out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if committed > 0 {
		sub.logger.Info("Gap reconciled via gateway backfill", zap.Int("candles", committed))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
