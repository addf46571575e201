package script

import (
	"testing"

	"futures-script-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionDoNothing(t *testing.T) {
	action, err := ParseAction("donothing")
	require.NoError(t, err)
	assert.Equal(t, model.ActionDoNothing, action.Kind)
	assert.False(t, action.IsOpen())
}

func TestParseActionLong(t *testing.T) {
	action, err := ParseAction("long(1%risk@10x,sl=2%,rr=3)")
	require.NoError(t, err)
	assert.Equal(t, model.ActionOpenLong, action.Kind)
	assert.Equal(t, 1.0, action.RiskPct)
	assert.Equal(t, 10.0, action.Leverage)
	assert.Equal(t, 2.0, action.StopLossPct)
	assert.Equal(t, 3.0, action.RewardRatio)
}

func TestParseActionShortWithDecimals(t *testing.T) {
	action, err := ParseAction("short(2.5%risk@5x,sl=1.5%,rr=2.25)")
	require.NoError(t, err)
	assert.Equal(t, model.ActionOpenShort, action.Kind)
	assert.Equal(t, 2.5, action.RiskPct)
	assert.Equal(t, 5.0, action.Leverage)
	assert.Equal(t, 1.5, action.StopLossPct)
	assert.Equal(t, 2.25, action.RewardRatio)
}

func TestParseActionRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"hold",
		"long()",
		"long(1%risk@10x)",            // 缺 sl 和 rr
		"long(1%risk@10x,sl=2%)",      // 缺 rr
		"buy(1%risk@10x,sl=2%,rr=3)",  // 非法方向
		"long(1%risk@10x,sl=2%,rr=3", // 括号不闭合
		"LONG(1%risk@10x,sl=2%,rr=3)", // 大小写敏感
		"long(1%risk@10x, sl=2%, rr=3)", // 不允许空格
	}
	for _, c := range cases {
		_, err := ParseAction(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestParseActionRejectsBadValues(t *testing.T) {
	cases := []string{
		"long(0%risk@10x,sl=2%,rr=3)",   // 风险为零
		"long(150%risk@10x,sl=2%,rr=3)", // 风险超 100
		"long(1%risk@0x,sl=2%,rr=3)",    // 杠杆低于 1
		"long(1%risk@10x,sl=0%,rr=3)",   // 止损为零
		"long(1%risk@10x,sl=2%,rr=0)",   // 盈亏比为零
	}
	for _, c := range cases {
		_, err := ParseAction(c)
		assert.Error(t, err, "input %q", c)
	}
}
