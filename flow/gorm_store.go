package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// flowRecord is the gorm row for a flow definition. The full definition is
// serialized into a JSON column; indexed columns carry what queries need.
type flowRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"index"`
	Version   int
	Status    string `gorm:"index"`
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (flowRecord) TableName() string { return "flows" }

// GormStore persists flow definitions through gorm.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore migrates the flows table and returns a store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&flowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate flows table: %w", err)
	}
	return &GormStore{db: db, logger: logger.With(zap.String("store", "gorm_flow"))}, nil
}

func (s *GormStore) Load(ctx context.Context, id string) (*Definition, error) {
	var rec flowRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	return decodeFlow(&rec)
}

func (s *GormStore) Save(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	existing, err := s.Load(ctx, def.ID)
	if err != nil && !errors.Is(err, ErrFlowNotFound) {
		return err
	}
	if existing != nil && existing.Status == StatusReady {
		return ErrFlowFinalized
	}

	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if def.Status == "" {
		def.Status = StatusDraft
	}
	return s.upsert(ctx, def)
}

func (s *GormStore) AppendCheckpoint(ctx context.Context, flowID string, cp Checkpoint) error {
	def, err := s.Load(ctx, flowID)
	if err != nil {
		return err
	}
	if def.Status == StatusReady {
		return ErrFlowFinalized
	}
	def.Checkpoints = append(def.Checkpoints, cp)
	if err := def.Validate(); err != nil {
		return err
	}
	def.UpdatedAt = time.Now()
	return s.upsert(ctx, def)
}

func (s *GormStore) Finalize(ctx context.Context, flowID string) error {
	def, err := s.Load(ctx, flowID)
	if err != nil {
		return err
	}
	if def.Status == StatusReady {
		return ErrFlowFinalized
	}
	def.Status = StatusReady
	def.Version++
	def.UpdatedAt = time.Now()
	return s.upsert(ctx, def)
}

func (s *GormStore) List(ctx context.Context) ([]*Definition, error) {
	var recs []flowRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	out := make([]*Definition, 0, len(recs))
	for i := range recs {
		def, err := decodeFlow(&recs[i])
		if err != nil {
			s.logger.Warn("skipping undecodable flow", zap.String("id", recs[i].ID), zap.Error(err))
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, flowID string) error {
	res := s.db.WithContext(ctx).Delete(&flowRecord{}, "id = ?", flowID)
	if res.Error != nil {
		return fmt.Errorf("delete flow %s: %w", flowID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *GormStore) upsert(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal flow %s: %w", def.ID, err)
	}
	rec := flowRecord{
		ID:        def.ID,
		Name:      def.Name,
		Version:   def.Version,
		Status:    string(def.Status),
		Data:      data,
		CreatedAt: def.CreatedAt,
		UpdatedAt: def.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save flow %s: %w", def.ID, err)
	}
	return nil
}

func decodeFlow(rec *flowRecord) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(rec.Data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal flow %s: %w", rec.ID, err)
	}
	return &def, nil
}
