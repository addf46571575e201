// internal/store/store.go
// K 线存储协作方：单文件 SQLite，进程重启后数据仍在。
// 写入约束：
//   - 同一 (symbol, interval) 的写入全部串行化 (分区互斥锁)
//   - 已收盘 K 线重复提交是幂等 no-op，不是错误
//   - 未收盘 K 线允许被同 OpenTime 的新快照原地覆盖
package store

import (
	"fmt"
	"sync"

	"futures-script-trader/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// klineRow 对应 klines 表，一行即一根 K 线。
type klineRow struct {
	Symbol   string  `gorm:"primaryKey;size:24"`
	Interval string  `gorm:"primaryKey;size:8"`
	OpenTime int64   `gorm:"primaryKey"`
	Open     float64 `gorm:"not null"`
	High     float64 `gorm:"not null"`
	Low      float64 `gorm:"not null"`
	Close    float64 `gorm:"not null"`
	Volume   float64 `gorm:"not null"`
	IsFinal  bool    `gorm:"not null"`
}

func (klineRow) TableName() string { return "klines" }

// constraintRow 对应 symbol_constraints 表，缓存交易所约束。
type constraintRow struct {
	Symbol            string `gorm:"primaryKey;size:24"`
	MinQty            float64
	StepSize          float64
	MinNotional       float64
	MaxLeverage       float64
	QuantityPrecision int
	PricePrecision    int
	UpdatedAt         int64 // unix 秒
}

func (constraintRow) TableName() string { return "symbol_constraints" }

// Store 是 K 线数据的唯一持久化入口。
type Store struct {
	db *gorm.DB

	// 每个 (symbol, interval) 分区一把写锁，防止交错的半行写入；
	// 读操作走 SQLite WAL，只会看到已提交的整行。
	partMu sync.Mutex
	parts  map[string]*sync.Mutex
}

// Open 打开 (必要时创建) 数据库文件并建表。
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open candle store: %w", err)
	}

	// 与原始部署相同的 pragma 组合：WAL + 降级同步换吞吐
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&klineRow{}, &constraintRow{}); err != nil {
		return nil, fmt.Errorf("migrate candle store: %w", err)
	}

	return &Store{
		db:    db,
		parts: map[string]*sync.Mutex{},
	}, nil
}

// partition 返回 (symbol, interval) 分区的写锁。
func (s *Store) partition(symbol, interval string) *sync.Mutex {
	s.partMu.Lock()
	defer s.partMu.Unlock()
	key := symbol + "|" + interval
	mu, ok := s.parts[key]
	if !ok {
		mu = &sync.Mutex{}
		s.parts[key] = mu
	}
	return mu
}

// AppendOrUpdate 写入一根 K 线。
//   - 不存在       -> 插入
//   - 已存在未收盘 -> 覆盖 (partial update 或 final commit)
//   - 已存在已收盘 -> no-op (幂等；已收盘 K 线不可变)
func (s *Store) AppendOrUpdate(symbol, interval string, c model.Candle) error {
	mu := s.partition(symbol, interval)
	mu.Lock()
	defer mu.Unlock()

	var existing klineRow
	err := s.db.Where("symbol = ? AND interval = ? AND open_time = ?", symbol, interval, c.OpenTime).
		Take(&existing).Error

	row := klineRow{
		Symbol: symbol, Interval: interval, OpenTime: c.OpenTime,
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close,
		Volume: c.Volume, IsFinal: c.IsFinal,
	}

	switch {
	case err == gorm.ErrRecordNotFound:
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("insert candle %s/%s@%d: %w", symbol, interval, c.OpenTime, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read candle %s/%s@%d: %w", symbol, interval, c.OpenTime, err)
	case existing.IsFinal:
		// 重复提交已收盘 K 线：幂等
		return nil
	default:
		if err := s.db.Model(&klineRow{}).
			Where("symbol = ? AND interval = ? AND open_time = ?", symbol, interval, c.OpenTime).
			Updates(map[string]any{
				"open": c.Open, "high": c.High, "low": c.Low,
				"close": c.Close, "volume": c.Volume, "is_final": c.IsFinal,
			}).Error; err != nil {
			return fmt.Errorf("update candle %s/%s@%d: %w", symbol, interval, c.OpenTime, err)
		}
		return nil
	}
}

// ReadRange 按 OpenTime 升序读取 [start, end] 内的 K 线。
func (s *Store) ReadRange(symbol, interval string, start, end int64) ([]model.Candle, error) {
	var rows []klineRow
	err := s.db.Where("symbol = ? AND interval = ? AND open_time BETWEEN ? AND ?",
		symbol, interval, start, end).
		Order("open_time asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read range %s/%s: %w", symbol, interval, err)
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Candle{
			OpenTime: r.OpenTime, Open: r.Open, High: r.High, Low: r.Low,
			Close: r.Close, Volume: r.Volume, IsFinal: r.IsFinal,
		})
	}
	return out, nil
}

// LastFinal 返回最后一根已收盘 K 线；没有则返回 (nil, nil)。
func (s *Store) LastFinal(symbol, interval string) (*model.Candle, error) {
	var r klineRow
	err := s.db.Where("symbol = ? AND interval = ? AND is_final = ?", symbol, interval, true).
		Order("open_time desc").Take(&r).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last final %s/%s: %w", symbol, interval, err)
	}
	return &model.Candle{
		OpenTime: r.OpenTime, Open: r.Open, High: r.High, Low: r.Low,
		Close: r.Close, Volume: r.Volume, IsFinal: r.IsFinal,
	}, nil
}

// Trim 只保留每个分区最新的 maxLen 根 K 线。
func (s *Store) Trim(symbol, interval string, maxLen int) error {
	mu := s.partition(symbol, interval)
	mu.Lock()
	defer mu.Unlock()

	var count int64
	if err := s.db.Model(&klineRow{}).
		Where("symbol = ? AND interval = ?", symbol, interval).Count(&count).Error; err != nil {
		return err
	}
	if count <= int64(maxLen) {
		return nil
	}
	var cutoff klineRow
	if err := s.db.Where("symbol = ? AND interval = ?", symbol, interval).
		Order("open_time desc").Offset(maxLen - 1).Limit(1).Take(&cutoff).Error; err != nil {
		return err
	}
	return s.db.Where("symbol = ? AND interval = ? AND open_time < ?",
		symbol, interval, cutoff.OpenTime).Delete(&klineRow{}).Error
}

// Vacuum 执行 VACUUM + ANALYZE，由后台维护任务每日调用一次。
// 纯存储层保养，核心逻辑对它没有正确性依赖。
func (s *Store) Vacuum() error {
	if err := s.db.Exec("VACUUM").Error; err != nil {
		return err
	}
	return s.db.Exec("ANALYZE").Error
}

// SaveConstraints 覆盖式写入一批合约约束。
func (s *Store) SaveConstraints(list []model.SymbolConstraints, updatedAt int64) error {
	for _, c := range list {
		row := constraintRow{
			Symbol: c.Symbol, MinQty: c.MinQty, StepSize: c.StepSize,
			MinNotional: c.MinNotional, MaxLeverage: c.MaxLeverage,
			QuantityPrecision: c.QuantityPrecision, PricePrecision: c.PricePrecision,
			UpdatedAt: updatedAt,
		}
		if err := s.db.Save(&row).Error; err != nil {
			return fmt.Errorf("save constraints %s: %w", c.Symbol, err)
		}
	}
	return nil
}

// Constraints 读取某个合约的缓存约束；无缓存时返回 (nil, 0, nil)。
func (s *Store) Constraints(symbol string) (*model.SymbolConstraints, int64, error) {
	var r constraintRow
	err := s.db.Where("symbol = ?", symbol).Take(&r).Error
	if err == gorm.ErrRecordNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return &model.SymbolConstraints{
		Symbol: r.Symbol, MinQty: r.MinQty, StepSize: r.StepSize,
		MinNotional: r.MinNotional, MaxLeverage: r.MaxLeverage,
		QuantityPrecision: r.QuantityPrecision, PricePrecision: r.PricePrecision,
	}, r.UpdatedAt, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
