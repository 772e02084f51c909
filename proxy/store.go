package proxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists proxy records through gorm so scores and death marks survive
// restarts.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the proxies table and returns a store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Proxy{}); err != nil {
		return nil, fmt.Errorf("migrate proxies table: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("store", "gorm_proxy"))}, nil
}

// LoadAll returns every persisted proxy record.
func (s *Store) LoadAll(ctx context.Context) ([]*Proxy, error) {
	var proxies []*Proxy
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&proxies).Error; err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	return proxies, nil
}

// Upsert writes one proxy record, replacing an existing row with the same id.
func (s *Store) Upsert(ctx context.Context, px *Proxy) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(px).Error
	if err != nil {
		return fmt.Errorf("upsert proxy %s: %w", px.Addr(), err)
	}
	return nil
}

// Delete removes a proxy record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Proxy{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete proxy %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProxyNotFound
	}
	return nil
}
