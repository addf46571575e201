package charts

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chartServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "charts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewServer(":0", st, zap.NewNop()), st
}

func TestHandleChartValidation(t *testing.T) {
	s, _ := chartServer(t)

	for _, target := range []string{
		"/chart",
		"/chart?symbol=BTCUSDT",
		"/chart?symbol=BTCUSDT&interval=7m",
		"/chart?interval=1h",
	} {
		rec := httptest.NewRecorder()
		s.handleChart(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleChartNoData(t *testing.T) {
	s, _ := chartServer(t)

	rec := httptest.NewRecorder()
	s.handleChart(rec, httptest.NewRequest(http.MethodGet, "/chart?symbol=BTCUSDT&interval=1h", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleChartRendersKline(t *testing.T) {
	s, st := chartServer(t)
	prices := []float64{100, 104, 101, 107, 103, 109, 102, 108, 105, 111}
	for i, p := range prices {
		require.NoError(t, st.AppendOrUpdate("BTCUSDT", "1h", model.Candle{
			OpenTime: int64(i) * 3600000,
			Open:     p - 1, High: p + 2, Low: p - 2, Close: p,
			Volume: 10, IsFinal: true,
		}))
	}
	// 未收盘 K 线不进图
	require.NoError(t, st.AppendOrUpdate("BTCUSDT", "1h", model.Candle{
		OpenTime: 10 * 3600000, Open: 111, High: 112, Low: 110, Close: 111,
	}))

	rec := httptest.NewRecorder()
	s.handleChart(rec, httptest.NewRequest(http.MethodGet, "/chart?symbol=BTCUSDT&interval=1h", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "echarts"))
	assert.Contains(t, body, "BTCUSDT 1h")
}

func TestMetricsEndpointExposed(t *testing.T) {
	s, _ := chartServer(t)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
