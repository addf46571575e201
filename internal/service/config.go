// internal/service/config.go
package service

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ExchangeConfig 定义了交易所的连接信息。
// API Key/Secret 不放进 yaml，由 LoadCredentials 从环境变量注入。
type ExchangeConfig struct {
	Name    string
	RESTURL string
	WSURL   string
}

// GatewayConfig 定义了 REST 网关的限频和重试参数。
// 默认值对应交易所 ~1200 请求/分钟的权重预算。
type GatewayConfig struct {
	MaxInFlight   int           // 同时在途请求上限
	MinRequestGap time.Duration // 获准后的最小请求间隔
	BatchSize     int           // 历史 K 线单页条数
	MaxAttempts   int           // 限频/网络故障的最大重试次数
	RecvWindow    int64         // 签名请求的 recvWindow (毫秒)
	HistoryFloor  string        // 历史数据下限日期，早于它的请求视为调用方 bug
}

// FeedConfig 定义了行情推流的重连参数。
type FeedConfig struct {
	ReconnectDelay time.Duration
}

// StoreConfig 定义了 K 线存储的位置和容量。
type StoreConfig struct {
	Path       string
	MaxHistory int // 每个 symbol/interval 保留的最大 K 线数
}

// RiskConfig 定义了风控参数。
type RiskConfig struct {
	// MaintenanceMarginRate 是估算强平价用的固定维持保证金率。
	// 真实交易所按名义价值分层，这里是有意的简化，估算值仅供参考。
	MaintenanceMarginRate float64
	InitialBalance        float64 // 回测模式的起始资金
}

// InstanceConfig 定义了一个交易实例：一个脚本绑定一个合约和周期。
type InstanceConfig struct {
	Symbol     string
	Timeframe  string
	ScriptFile string
	Mode       string // "live" 或 "backtest"
	WindowSize int    // 每次评估取的 K 线窗口长度
	Risk       RiskConfig
}

type ChartsConfig struct {
	Listen string // 为空则不启动图表/指标服务
}

type Config struct {
	Exchange  ExchangeConfig            `mapstructure:"Exchange"`
	Gateway   GatewayConfig             `mapstructure:"Gateway"`
	Feed      FeedConfig                `mapstructure:"Feed"`
	Store     StoreConfig               `mapstructure:"Store"`
	Charts    ChartsConfig              `mapstructure:"Charts"`
	Instances map[string]InstanceConfig `mapstructure:"Instances"`
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件，同时填上缺省值
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	// 缺省值对齐交易所的限频预算和历史数据范围
	viper.SetDefault("Gateway.MaxInFlight", 5)
	viper.SetDefault("Gateway.MinRequestGap", "200ms")
	viper.SetDefault("Gateway.BatchSize", 1000)
	viper.SetDefault("Gateway.MaxAttempts", 5)
	viper.SetDefault("Gateway.RecvWindow", 10000)
	viper.SetDefault("Gateway.HistoryFloor", "2019-01-01")
	viper.SetDefault("Feed.ReconnectDelay", "5s")
	viper.SetDefault("Store.Path", "futures_data.db")
	viper.SetDefault("Store.MaxHistory", 10000)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}

// Credentials 是凭证协作方提供的已解密密钥材料。
// 核心组件只在启动时拿到它，绝不落盘。
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentials 从 .env / 环境变量加载 API 密钥。
// .env 不存在时回退到进程环境变量，方便容器部署。
func LoadCredentials() Credentials {
	_ = godotenv.Load()
	return Credentials{
		APIKey:    os.Getenv("EXCHANGE_API_KEY"),
		APISecret: os.Getenv("EXCHANGE_API_SECRET"),
	}
}
