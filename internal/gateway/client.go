// internal/gateway/client.go
// 交易所 REST 网关：签名、限频、重试。
// 限频模型：一个计数信号量限制在途请求数 (默认 5)，获准后再等一个
// 最小请求间隔 (默认 200ms)，近似交易所按权重计费的 ~1200 请求/分钟预算。
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"futures-script-trader/internal/model"
	"futures-script-trader/internal/service"
	"futures-script-trader/internal/store"

	"go.uber.org/zap"
)

// Config 是网关的运行参数，通常由 service.Config 组装而来。
type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	MaxInFlight   int
	MinRequestGap time.Duration
	BatchSize     int
	MaxAttempts   int
	RecvWindow    int64
	HistoryFloor  time.Time // 早于它的历史请求是调用方 bug，直接拒绝
}

// Client 是唯一的出站 REST 通道。
type Client struct {
	cfg    Config
	httpc  *http.Client
	st     *store.Store
	logger *zap.Logger

	// gate 是在途请求的计数信号量；获取会阻塞调用方的 goroutine，
	// 绝不阻塞整个进程。
	gate chan struct{}

	// 服务器时间与本地时间的偏移 (毫秒)，签名时间戳用它校正
	timeOffset atomic.Int64

	mu             sync.RWMutex
	constraints    map[string]model.SymbolConstraints
	constraintsAge int64 // unix 秒
}

// constraintRefreshThreshold 约束缓存的刷新周期 (秒)。
const constraintRefreshThreshold = 86400

// NewClient 校验签名材料并构建网关。
// 密钥缺失属于配置错误：立即失败，绝不重试。
func NewClient(cfg Config, st *store.Store, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("missing API credentials: %w", model.ErrConfiguration)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing exchange REST URL: %w", model.ErrConfiguration)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	if cfg.MinRequestGap <= 0 {
		cfg.MinRequestGap = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HistoryFloor.IsZero() {
		cfg.HistoryFloor = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	return &Client{
		cfg:         cfg,
		httpc:       &http.Client{Timeout: 15 * time.Second},
		st:          st,
		logger:      logger.With(zap.String("component", "gateway")),
		gate:        make(chan struct{}, cfg.MaxInFlight),
		constraints: map[string]model.SymbolConstraints{},
	}, nil
}

// ServerNow 返回校正后的交易所时间 (毫秒)。
func (c *Client) ServerNow() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// SyncTime 拉取服务器时间并记录本地偏移。
func (c *Client) SyncTime(ctx context.Context) error {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := unmarshal(body, &resp); err != nil {
		return err
	}
	offset := resp.ServerTime - time.Now().UnixMilli()
	c.timeOffset.Store(offset)
	c.logger.Info("Time offset synced", zap.Int64("offset_ms", offset))
	return nil
}

// sign 对规范化后的查询串做 HMAC-SHA256。
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// request 执行一次出站请求，包含限频准入、签名和重试。
//   - 429        -> 指数退避，重试到上限后返回 ErrRateLimited
//   - 传输层失败 -> 固定小间隔重试到上限后返回 ErrUnavailable
//   - 其他非 200 -> 交易所业务错误，原样暴露，不重试
//   - ctx 取消   -> 立即停止，不再重试
func (c *Client) request(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	// 1. 限频准入
	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.gate }()

	// 2. 最小请求间隔
	if err := sleepCtx(ctx, c.cfg.MinRequestGap); err != nil {
		return nil, err
	}

	var lastErr error
	rateLimited := false

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// 取消一经观察到就不再重试
			return nil, err
		}

		values := url.Values{}
		for k, vs := range params {
			values[k] = vs
		}
		if signed {
			values.Set("timestamp", strconv.FormatInt(c.ServerNow(), 10))
			if c.cfg.RecvWindow > 0 {
				values.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
			}
			values.Set("signature", c.sign(values.Encode()))
		}

		reqURL := c.cfg.BaseURL + path
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", path, err)
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			service.MtxGatewayRequests.WithLabelValues("unavailable").Inc()
			c.logger.Warn("Transport failure, retrying", zap.String("path", path), zap.Error(err))
			if err := sleepCtx(ctx, c.cfg.MinRequestGap); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			rateLimited = true
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
			service.MtxGatewayRequests.WithLabelValues("rate_limited").Inc()
			backoff := c.cfg.MinRequestGap << attempt
			c.logger.Warn("Rate limit hit, backing off",
				zap.String("path", path), zap.Duration("backoff", backoff))
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode != http.StatusOK:
			service.MtxGatewayRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, body)
		case readErr != nil:
			lastErr = readErr
			continue
		}

		service.MtxGatewayRequests.WithLabelValues("ok").Inc()
		return body, nil
	}

	if rateLimited {
		return nil, fmt.Errorf("%s after %d attempts (%v): %w",
			path, c.cfg.MaxAttempts, lastErr, model.ErrRateLimited)
	}
	return nil, fmt.Errorf("%s after %d attempts (%v): %w",
		path, c.cfg.MaxAttempts, lastErr, model.ErrUnavailable)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
