// internal/charts/server.go
// 可视化和指标暴露面。/chart 渲染 K 线图并叠加 ZigZag 摆动点，
// /metrics 暴露 prometheus 指标。核心交易路径对这里零依赖。
package charts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"
	"futures-script-trader/internal/store"
	"futures-script-trader/pkg/ta"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxChartCandles = 500

// Server 在一个 http 监听上同时提供图表和指标。
type Server struct {
	st     *store.Store
	logger *zap.Logger
	srv    *http.Server
}

// NewServer 构建图表服务，listen 形如 ":8080"。
func NewServer(listen string, st *store.Store, logger *zap.Logger) *Server {
	s := &Server{st: st, logger: logger.With(zap.String("component", "charts"))}

	mux := http.NewServeMux()
	mux.HandleFunc("/chart", s.handleChart)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: listen, Handler: mux}
	return s
}

// Start 启动监听，阻塞直到服务退出。
func (s *Server) Start() error {
	s.logger.Info("Charts server listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleChart 渲染 /chart?symbol=BTCUSDT&interval=1h。
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	if symbol == "" || !service.IsValidInterval(interval) {
		http.Error(w, "usage: /chart?symbol=BTCUSDT&interval=1h", http.StatusBadRequest)
		return
	}

	candles, err := s.st.ReadRange(symbol, interval, 0, time.Now().UnixMilli())
	if err != nil {
		s.logger.Error("Chart data read failed", zap.Error(err))
		http.Error(w, "store read failed", http.StatusInternalServerError)
		return
	}
	finals := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsFinal {
			finals = append(finals, c)
		}
	}
	if len(finals) == 0 {
		http.Error(w, fmt.Sprintf("no data for %s %s", symbol, interval), http.StatusNotFound)
		return
	}
	if len(finals) > maxChartCandles {
		finals = finals[len(finals)-maxChartCandles:]
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("%s %s", symbol, interval),
			Width:     "1600px",
			Height:    "800px",
			Theme:     types.ThemeInfographic,
		}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s %s", symbol, interval)}),
		charts.WithYAxisOpts(opts.YAxis{Scale: true}),
		charts.WithDataZoomOpts(opts.DataZoom{
			Start:      50,
			End:        100,
			XAxisIndex: []int{0},
			Type:       "inside",
		}),
	)

	x := make([]string, 0, len(finals))
	y := make([]opts.KlineData, 0, len(finals))
	for _, c := range finals {
		x = append(x, c.OpenAt().UTC().Format("01-02 15:04"))
		y = append(y, opts.KlineData{Value: []float64{c.Open, c.Close, c.Low, c.High}})
	}
	kline.SetXAxis(x).
		AddSeries("Price", y).
		SetSeriesOptions(
			charts.WithItemStyleOpts(opts.ItemStyle{
				Color:        "#47b262",
				Color0:       "#eb5454",
				BorderColor:  "#47b262",
				BorderColor0: "#eb5454",
			}),
		)

	// ZigZag 摆动点叠加：波峰红、波谷绿
	swings := ta.ZigZag(ta.Closes(finals), 0)
	scatterY := make([]opts.ScatterData, len(finals))
	for i := range scatterY {
		scatterY[i] = opts.ScatterData{SymbolSize: 0}
	}
	for _, p := range swings {
		if p.Index < 0 || p.Index >= len(finals) {
			continue
		}
		rotate := 180
		if p.Kind == model.SwingTrough {
			rotate = 0
		}
		scatterY[p.Index] = opts.ScatterData{
			Value:        p.Value,
			Symbol:       "triangle",
			SymbolSize:   12,
			SymbolRotate: rotate,
			Name:         string(p.Kind),
		}
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(charts.WithYAxisOpts(opts.YAxis{Scale: true}))
	scatter.SetXAxis(x).
		AddSeries("Swings", scatterY).
		SetSeriesOptions(
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#f5c518", BorderColor: "#f5c518"}),
		)
	kline.Overlap(scatter)

	if err := kline.Render(w); err != nil {
		s.logger.Error("Chart render failed", zap.Error(err))
	}
}
