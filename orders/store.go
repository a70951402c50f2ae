package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Order states as the webhook pipeline and confirmation monitor move them.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusConfirmed  = "confirmed"
)

// Order is the merchant-side record a webhook claim attaches to.
type Order struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderKey      string    `gorm:"uniqueIndex;size:128"`
	PaymentID     string    `gorm:"index;size:128"`
	TxHash        string    `gorm:"index;size:80"`
	Merchant      string    `gorm:"size:64"`
	Customer      string    `gorm:"size:64"`
	CustomerEmail string    `gorm:"size:256"`
	Amount        string    `gorm:"size:64"`
	ChainID       uint64
	Status        string `gorm:"size:32;index"`
	Confirmations uint64
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the order collaborator. The pipeline treats it as best-effort:
// callers log failures and continue in proof-only mode.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the sqlite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("orders database path required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open orders database: %w", err)
	}
	if err := db.AutoMigrate(&Order{}); err != nil {
		return nil, fmt.Errorf("migrate orders schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert stores a new order. Missing ids and timestamps are filled in.
func (s *Store) Insert(ctx context.Context, order *Order) error {
	if order == nil {
		return fmt.Errorf("order required")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if strings.TrimSpace(order.OrderKey) == "" {
		order.OrderKey = order.ID.String()
	}
	if order.Status == "" {
		order.Status = StatusPending
	}
	return s.db.WithContext(ctx).Create(order).Error
}

// FindOrder looks an order up by order key, payment id, or transaction hash,
// in that priority. A missing order returns (nil, nil); the pipeline treats
// that as a non-fatal condition.
func (s *Store) FindOrder(ctx context.Context, key string) (*Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var order Order
	err := s.db.WithContext(ctx).
		Where("order_key = ? OR payment_id = ? OR tx_hash = ?", key, key, key).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", key, err)
	}
	return &order, nil
}

// UpdateOrder applies the given fields to the order matched by key.
func (s *Store) UpdateOrder(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("order_key = ? OR payment_id = ? OR tx_hash = ?", key, key, key).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", key, res.Error)
	}
	return nil
}

// UpdateConfirmations persists monitoring progress for an order.
func (s *Store) UpdateConfirmations(ctx context.Context, orderKey string, confirmations uint64) error {
	return s.UpdateOrder(ctx, orderKey, map[string]any{"confirmations": confirmations})
}

// MarkConfirmed transitions an order into its terminal confirmed state.
func (s *Store) MarkConfirmed(ctx context.Context, orderKey string, at time.Time) error {
	at = at.UTC()
	return s.UpdateOrder(ctx, orderKey, map[string]any{
		"status":       StatusConfirmed,
		"confirmed_at": &at,
	})
}
