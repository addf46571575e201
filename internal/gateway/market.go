// internal/gateway/market.go
// 行情侧端点：历史 K 线分页拉取、合约约束、账户状态。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"

	"go.uber.org/zap"
)

func unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode exchange response: %w", err)
	}
	return nil
}

// FetchCandles 按固定批次 (默认 1000) 顺序分页拉取 [start, end] 的 K 线，
// 保序拼接返回。start 早于历史数据下限属于调用方 bug，分发前即拒绝。
// 重试耗尽时返回显式错误，绝不悄悄截断序列。
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, start, end int64) ([]model.Candle, error) {
	intervalMs := service.IntervalMs(interval)
	if intervalMs == 0 {
		return nil, fmt.Errorf("invalid interval %q: %w", interval, model.ErrConfiguration)
	}
	floor := c.cfg.HistoryFloor.UnixMilli()
	if start < floor {
		return nil, fmt.Errorf("start %d below history floor %s: %w",
			start, c.cfg.HistoryFloor.Format("2006-01-02"), model.ErrConfiguration)
	}
	if end == 0 {
		end = c.ServerNow()
	}
	if start > end {
		return nil, fmt.Errorf("start %d after end %d: %w", start, end, model.ErrConfiguration)
	}

	var out []model.Candle
	cursor := start
	now := c.ServerNow()

	for cursor <= end {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("limit", strconv.Itoa(c.cfg.BatchSize))
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))

		body, err := c.request(ctx, "GET", "/fapi/v1/klines", params, false)
		if err != nil {
			return nil, err
		}

		var rows [][]json.RawMessage
		if err := unmarshal(body, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			candle, err := parseKlineRow(row)
			if err != nil {
				return nil, err
			}
			// 去重：跳过与上一页重叠的行，保证严格递增
			if len(out) > 0 && candle.OpenTime <= out[len(out)-1].OpenTime {
				continue
			}
			// 周期尚未结束的最后一行是未收盘 K 线
			candle.IsFinal = candle.OpenTime+intervalMs <= now
			out = append(out, candle)
		}

		if len(rows) < c.cfg.BatchSize {
			break
		}
		cursor = out[len(out)-1].OpenTime + intervalMs
	}

	return out, nil
}

// parseKlineRow 解析交易所的 K 线数组行:
// [openTime, open, high, low, close, volume, closeTime, ...]
func parseKlineRow(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return model.Candle{}, fmt.Errorf("kline open time: %w", err)
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return model.Candle{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		f, err := service.StringToFloat(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals[i-1] = f
	}
	return model.Candle{
		OpenTime: openTime,
		Open:     vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
	}, nil
}

// exchangeInfo 响应里我们关心的部分。
type exchangeInfoResp struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		ContractType      string `json:"contractType"`
		QuoteAsset        string `json:"quoteAsset"`
		QuantityPrecision int    `json:"quantityPrecision"`
		PricePrecision    int    `json:"pricePrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			StepSize    string `json:"stepSize"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// RefreshConstraints 全量刷新 USDT 永续合约的下单约束并写入缓存。
// MaxLeverage 留待按符号的懒加载补全 (见 FetchConstraints)。
func (c *Client) RefreshConstraints(ctx context.Context) error {
	body, err := c.request(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return err
	}
	var info exchangeInfoResp
	if err := unmarshal(body, &info); err != nil {
		return err
	}

	var list []model.SymbolConstraints
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" {
			continue
		}
		sc := model.SymbolConstraints{
			Symbol:            s.Symbol,
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				sc.MinQty, _ = service.StringToFloat(f.MinQty)
				sc.StepSize, _ = service.StringToFloat(f.StepSize)
			case "MIN_NOTIONAL":
				notional := f.Notional
				if notional == "" {
					notional = f.MinNotional
				}
				sc.MinNotional, _ = service.StringToFloat(notional)
			}
		}
		if sc.MinQty == 0 || sc.StepSize == 0 {
			continue
		}
		list = append(list, sc)
	}

	now := time.Now().Unix()
	if err := c.st.SaveConstraints(list, now); err != nil {
		return err
	}

	c.mu.Lock()
	for _, sc := range list {
		// 保留已懒加载到的 MaxLeverage
		if old, ok := c.constraints[sc.Symbol]; ok && old.MaxLeverage > 0 {
			sc.MaxLeverage = old.MaxLeverage
		}
		c.constraints[sc.Symbol] = sc
	}
	c.constraintsAge = now
	c.mu.Unlock()

	c.logger.Info("Symbol constraints refreshed", zap.Int("symbols", len(list)))
	return nil
}

// FetchConstraints 返回某合约的约束。
// 优先级：内存缓存 -> 存储缓存 (未过期) -> 全量刷新。
// MaxLeverage 单独从杠杆分层端点懒加载一次。
func (c *Client) FetchConstraints(ctx context.Context, symbol string) (model.SymbolConstraints, error) {
	c.mu.RLock()
	sc, ok := c.constraints[symbol]
	age := c.constraintsAge
	c.mu.RUnlock()

	now := time.Now().Unix()
	if !ok || now-age > constraintRefreshThreshold {
		// 先试存储缓存，避免每次冷启动都打 exchangeInfo
		cached, updatedAt, err := c.st.Constraints(symbol)
		if err == nil && cached != nil && now-updatedAt <= constraintRefreshThreshold {
			c.mu.Lock()
			c.constraints[symbol] = *cached
			if c.constraintsAge == 0 {
				c.constraintsAge = updatedAt
			}
			c.mu.Unlock()
			sc, ok = *cached, true
		} else {
			if err := c.RefreshConstraints(ctx); err != nil {
				return model.SymbolConstraints{}, err
			}
			c.mu.RLock()
			sc, ok = c.constraints[symbol]
			c.mu.RUnlock()
		}
	}
	if !ok {
		return model.SymbolConstraints{}, fmt.Errorf("unknown symbol %q: %w", symbol, model.ErrConfiguration)
	}

	if sc.MaxLeverage == 0 {
		lev, err := c.fetchMaxLeverage(ctx, symbol)
		if err != nil {
			return model.SymbolConstraints{}, err
		}
		sc.MaxLeverage = lev
		c.mu.Lock()
		c.constraints[symbol] = sc
		c.mu.Unlock()
		_ = c.st.SaveConstraints([]model.SymbolConstraints{sc}, now)
	}
	return sc, nil
}

// fetchMaxLeverage 取杠杆分层里的最高档。
func (c *Client) fetchMaxLeverage(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.request(ctx, "GET", "/fapi/v1/leverageBracket", params, true)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		Brackets []struct {
			InitialLeverage float64 `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 || len(resp[0].Brackets) == 0 {
		return 0, fmt.Errorf("empty leverage bracket for %s", symbol)
	}
	return resp[0].Brackets[0].InitialLeverage, nil
}

// FetchAccountState 返回 USDT 本位账户的资金快照。
func (c *Client) FetchAccountState(ctx context.Context) (model.AccountState, error) {
	body, err := c.request(ctx, "GET", "/fapi/v2/account", nil, true)
	if err != nil {
		return model.AccountState{}, err
	}
	var resp struct {
		Assets []struct {
			Asset            string `json:"asset"`
			AvailableBalance string `json:"availableBalance"`
			MarginBalance    string `json:"marginBalance"`
		} `json:"assets"`
	}
	if err := unmarshal(body, &resp); err != nil {
		return model.AccountState{}, err
	}
	for _, a := range resp.Assets {
		if a.Asset != "USDT" {
			continue
		}
		avail, _ := service.StringToFloat(a.AvailableBalance)
		margin, _ := service.StringToFloat(a.MarginBalance)
		return model.AccountState{AvailableBalance: avail, TotalMarginBalance: margin}, nil
	}
	c.logger.Warn("No USDT asset in account response, treating balance as zero")
	return model.AccountState{}, nil
}
