package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"polymaker/internal/domain"
)

// OrderRecord is a terminal (cancelled/expired) order as persisted.
type OrderRecord struct {
	ID        uint   `gorm:"primaryKey"`
	OrderID   string `gorm:"uniqueIndex"`
	MarketID  string `gorm:"index"`
	TokenID   string
	Side      string
	Price     float64
	Size      float64
	Status    string
	Nonce     uint64
	PlacedAt  time.Time
	ClosedAt  time.Time `gorm:"autoCreateTime"`
}

// FillRecord is one fill event with its rebate accrual. An order filled in
// several partial executions leaves several rows.
type FillRecord struct {
	ID       uint   `gorm:"primaryKey"`
	OrderID  string `gorm:"index"`
	MarketID string `gorm:"index"`
	TokenID  string
	Side     string
	Qty      float64
	Price    float64
	FeeBps   int
	Rebate   decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledAt time.Time       `gorm:"autoCreateTime"`
}

// EngineState is the single-row engine snapshot written at shutdown and on a
// slow cadence while running.
type EngineState struct {
	ID            uint            `gorm:"primaryKey"`
	Equity        decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalRebates  decimal.Decimal `gorm:"type:decimal(20,8)"`
	InventoryJSON string
	UpdatedAt     time.Time
}

// PendingOrder is an order whose cancellation was not confirmed at shutdown;
// startup reconciles these against the venue before trading.
type PendingOrder struct {
	ID       uint   `gorm:"primaryKey"`
	OrderID  string `gorm:"uniqueIndex"`
	MarketID string
	TokenID  string
	Side     string
	Price    float64
	Size     float64
	SavedAt  time.Time `gorm:"autoCreateTime"`
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the database at path and migrates the schema.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&OrderRecord{}, &FillRecord{}, &EngineState{}, &PendingOrder{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordOrder persists a terminal non-filled order.
func (s *Store) RecordOrder(o domain.Order) error {
	rec := OrderRecord{
		OrderID:  o.ID,
		MarketID: o.MarketID,
		TokenID:  o.TokenID,
		Side:     o.Side,
		Price:    o.Price,
		Size:     o.Size,
		Status:   o.Status,
		Nonce:    o.Nonce,
		PlacedAt: o.CreatedAt,
	}
	return s.db.Create(&rec).Error
}

// RecordFill persists one fill event and its rebate.
func (s *Store) RecordFill(o domain.Order, qty float64, rebate decimal.Decimal) error {
	rec := FillRecord{
		OrderID:  o.ID,
		MarketID: o.MarketID,
		TokenID:  o.TokenID,
		Side:     o.Side,
		Qty:      qty,
		Price:    o.FillPrice,
		FeeBps:   o.FeeBps,
		Rebate:   rebate,
	}
	return s.db.Create(&rec).Error
}

// RecentFills returns the latest fills, newest first.
func (s *Store) RecentFills(limit int) ([]FillRecord, error) {
	var out []FillRecord
	err := s.db.Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// SaveEngineState upserts the single snapshot row.
func (s *Store) SaveEngineState(equity, totalRebates decimal.Decimal, inventory map[string]domain.Inventory) error {
	invJSON, err := json.Marshal(inventory)
	if err != nil {
		return err
	}
	state := EngineState{
		ID:            1,
		Equity:        equity,
		TotalRebates:  totalRebates,
		InventoryJSON: string(invJSON),
		UpdatedAt:     time.Now(),
	}
	return s.db.Save(&state).Error
}

// LoadEngineState returns the snapshot, or ok=false when none exists.
func (s *Store) LoadEngineState() (EngineState, map[string]domain.Inventory, bool, error) {
	var state EngineState
	err := s.db.First(&state, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EngineState{}, nil, false, nil
	}
	if err != nil {
		return EngineState{}, nil, false, err
	}

	inventory := make(map[string]domain.Inventory)
	if state.InventoryJSON != "" {
		if err := json.Unmarshal([]byte(state.InventoryJSON), &inventory); err != nil {
			return EngineState{}, nil, false, fmt.Errorf("corrupt inventory snapshot: %w", err)
		}
	}
	return state, inventory, true, nil
}

// ReplacePendingOrders overwrites the reconciliation queue with the given
// unconfirmed orders.
func (s *Store) ReplacePendingOrders(orders []domain.Order) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PendingOrder{}).Error; err != nil {
			return err
		}
		for _, o := range orders {
			rec := PendingOrder{
				OrderID:  o.ID,
				MarketID: o.MarketID,
				TokenID:  o.TokenID,
				Side:     o.Side,
				Price:    o.Price,
				Size:     o.Size,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPendingOrders reports whether the reconciliation queue is non-empty.
func (s *Store) HasPendingOrders() (bool, error) {
	var count int64
	if err := s.db.Model(&PendingOrder{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// PendingOrders returns the reconciliation queue.
func (s *Store) PendingOrders() ([]PendingOrder, error) {
	var out []PendingOrder
	err := s.db.Find(&out).Error
	return out, err
}

// ClearPendingOrders empties the reconciliation queue after a successful
// startup sweep.
func (s *Store) ClearPendingOrders() error {
	return s.db.Where("1 = 1").Delete(&PendingOrder{}).Error
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
