package execution

import (
	"context"
	"testing"
	"time"

	"futures-script-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func longInstr() model.OrderInstruction {
	return model.OrderInstruction{
		Symbol: "BTCUSDT", Side: model.SideBuy,
		Quantity: 0.5, Leverage: 10,
		EntryPrice: 100, StopPrice: 98, TakeProfitPrice: 106,
	}
}

func shortInstr() model.OrderInstruction {
	return model.OrderInstruction{
		Symbol: "BTCUSDT", Side: model.SideSell,
		Quantity: 0.5, Leverage: 10,
		EntryPrice: 100, StopPrice: 102, TakeProfitPrice: 94,
	}
}

func markCandle(openTime int64, high, low float64) model.Candle {
	return model.Candle{OpenTime: openTime, Open: 100, High: high, Low: low, Close: 100, IsFinal: true}
}

func TestPaperExecuteOpensPosition(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), longInstr()))

	assert.True(t, x.HasOpenPosition())
	positions, err := x.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.SideBuy, positions[0].Side)
	assert.Equal(t, 0.5, positions[0].Quantity)

	// 同一时刻只允许一个持仓
	err = x.Execute(context.Background(), shortInstr())
	require.ErrorIs(t, err, model.ErrRejected)
}

func TestPaperLongStopLoss(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), longInstr()))

	// 最低价未触及止损，持仓不动
	x.Mark(markCandle(60000, 103, 99))
	assert.True(t, x.HasOpenPosition())

	x.Mark(markCandle(120000, 101, 97))
	assert.False(t, x.HasOpenPosition())

	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "SL", trades[0].ExitReason)
	assert.Equal(t, 98.0, trades[0].ExitPrice)
	assert.InDelta(t, -1.0, trades[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 999.0, x.Balance(), 1e-9)
}

func TestPaperLongTakeProfit(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), longInstr()))

	x.Mark(markCandle(60000, 107, 99))
	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "TP", trades[0].ExitReason)
	assert.InDelta(t, 3.0, trades[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 1003.0, x.Balance(), 1e-9)
}

func TestPaperShortSides(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), shortInstr()))

	// 空头:最高价扫到止损
	x.Mark(markCandle(60000, 103, 99))
	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "SL", trades[0].ExitReason)
	assert.InDelta(t, -1.0, trades[0].RealizedPnL, 1e-9)

	require.NoError(t, x.Execute(context.Background(), shortInstr()))
	x.Mark(markCandle(120000, 101, 93))
	trades = x.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "TP", trades[1].ExitReason)
	assert.InDelta(t, 3.0, trades[1].RealizedPnL, 1e-9)
	assert.InDelta(t, 1002.0, x.Balance(), 1e-9)
}

func TestPaperStopLossWinsWhenBothHit(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), longInstr()))

	// 同一根 K 线同时扫过止损和止盈，按止损结算
	x.Mark(markCandle(60000, 110, 90))
	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "SL", trades[0].ExitReason)
}

func TestPaperCloseAll(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	require.NoError(t, x.Execute(context.Background(), longInstr()))

	at := time.UnixMilli(240000).UTC()
	x.CloseAll(101, at)
	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "End", trades[0].ExitReason)
	assert.Equal(t, at, trades[0].ExitTime)
	assert.InDelta(t, 0.5, trades[0].RealizedPnL, 1e-9)

	// 空仓时再次平仓是空操作
	x.CloseAll(200, at)
	assert.Len(t, x.Trades(), 1)
}

func TestPaperClockOverride(t *testing.T) {
	x := NewPaperExecutor(1000, zap.NewNop())
	entry := time.UnixMilli(60000).UTC()
	x.SetClock(func() time.Time { return entry })

	require.NoError(t, x.Execute(context.Background(), longInstr()))
	x.Mark(markCandle(120000, 107, 99))

	trades := x.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, entry, trades[0].EntryTime)
	assert.True(t, trades[0].ExitTime.Equal(time.UnixMilli(120000)))
}

func TestPaperAccountTracksBalance(t *testing.T) {
	x := NewPaperExecutor(500, zap.NewNop())
	acct, err := x.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, acct.AvailableBalance)
	assert.Equal(t, 500.0, acct.TotalMarginBalance)
}
