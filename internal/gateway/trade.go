// internal/gateway/trade.go
// 交易侧端点，供执行器调用。订单的形状由执行器决定，
// 网关只负责签名、限频和重试语义。
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"futures-script-trader/internal/service"
)

// PlaceOrder 下单，返回交易所分配的订单号。
func (c *Client) PlaceOrder(ctx context.Context, params url.Values) (int64, error) {
	body, err := c.request(ctx, "POST", "/fapi/v1/order", params, true)
	if err != nil {
		return 0, err
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.OrderID, nil
}

// SetLeverage 设置合约杠杆，开仓前调用。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.request(ctx, "POST", "/fapi/v1/leverage", params, true)
	return err
}

// SetMarginType 切换逐仓/全仓。交易所对"无需切换"返回业务错误 -4046，
// 这里把它当成功处理。
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	_, err := c.request(ctx, "POST", "/fapi/v1/marginType", params, true)
	if err != nil && strings.Contains(err.Error(), "-4046") {
		return nil
	}
	return err
}

// CancelAllOpenOrders 撤掉某合约的全部挂单。
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.request(ctx, "DELETE", "/fapi/v1/allOpenOrders", params, true)
	return err
}

// PositionRisk 是持仓查询端点返回的条目。
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	UnrealizedProfit float64
	PositionSide     string
}

// FetchPositions 返回全部非零持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]PositionRisk, error) {
	body, err := c.request(ctx, "GET", "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		PositionSide     string `json:"positionSide"`
	}
	if err := unmarshal(body, &raw); err != nil {
		return nil, err
	}
	var out []PositionRisk
	for _, r := range raw {
		amt, err := service.StringToFloat(r.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("position amount for %s: %w", r.Symbol, err)
		}
		if amt == 0 {
			continue
		}
		entry, _ := service.StringToFloat(r.EntryPrice)
		upl, _ := service.StringToFloat(r.UnRealizedProfit)
		out = append(out, PositionRisk{
			Symbol:           r.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entry,
			UnrealizedProfit: upl,
			PositionSide:     r.PositionSide,
		})
	}
	return out, nil
}
